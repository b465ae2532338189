package storage

import (
	"database/sql"
	"errors"
	"strings"
)

// CallRow is the persisted shape of a call record. Times are unix millis.
type CallRow struct {
	ID         string
	CallerID   string
	ReceiverID string
	CallType   string
	Status     string
	CreatedAt  int64
	UpdatedAt  int64
	StartedAt  *int64
	EndedAt    *int64
}

const callColumns = `id, caller_id, receiver_id, call_type, status, created_at, updated_at, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(s rowScanner) (CallRow, error) {
	var r CallRow
	var started, ended sql.NullInt64
	if err := s.Scan(&r.ID, &r.CallerID, &r.ReceiverID, &r.CallType, &r.Status,
		&r.CreatedAt, &r.UpdatedAt, &started, &ended); err != nil {
		return CallRow{}, err
	}
	if started.Valid {
		v := started.Int64
		r.StartedAt = &v
	}
	if ended.Valid {
		v := ended.Int64
		r.EndedAt = &v
	}
	return r, nil
}

// InsertCall stores a new call record.
func (d *DB) InsertCall(r CallRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _calls (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CallerID, r.ReceiverID, r.CallType, r.Status,
		r.CreatedAt, r.UpdatedAt, r.StartedAt, r.EndedAt,
	)
	return err
}

// GetCall returns the call with the given id, or ErrNotFound.
func (d *DB) GetCall(id string) (CallRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, err := scanCall(d.db.QueryRow(`SELECT `+callColumns+` FROM _calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRow{}, ErrNotFound
	}
	return r, err
}

// CompareAndSetStatus moves a call from status `from` to `next.Status`,
// writing the timestamps carried by next. Returns ErrConflict when the stored
// status is no longer `from`, ErrNotFound when the id is unknown.
func (d *DB) CompareAndSetStatus(from string, next CallRow) (CallRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`
		UPDATE _calls
		SET status = ?, updated_at = ?, started_at = ?, ended_at = ?
		WHERE id = ? AND status = ?`,
		next.Status, next.UpdatedAt, next.StartedAt, next.EndedAt, next.ID, from,
	)
	if err != nil {
		return CallRow{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CallRow{}, err
	}

	r, err := scanCall(d.db.QueryRow(`SELECT `+callColumns+` FROM _calls WHERE id = ?`, next.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRow{}, ErrNotFound
	}
	if err != nil {
		return CallRow{}, err
	}
	if n == 0 {
		return r, ErrConflict
	}
	return r, nil
}

// ListCalls returns the newest calls the user took part in.
func (d *DB) ListCalls(userID string, limit int) ([]CallRow, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT `+callColumns+` FROM _calls
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCalls(rows)
}

// ListCallsInStatus returns calls whose status is one of statuses and whose
// last update happened before the given unix-milli timestamp.
func (d *DB) ListCallsInStatus(statuses []string, updatedBefore int64) ([]CallRow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, updatedBefore)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")

	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT `+callColumns+` FROM _calls
		WHERE status IN (`+placeholders+`) AND updated_at < ?
		ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCalls(rows)
}

func collectCalls(rows *sql.Rows) ([]CallRow, error) {
	var out []CallRow
	for rows.Next() {
		r, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
