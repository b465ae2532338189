package records

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCalling, StatusRinging, true},
		{StatusCalling, StatusOngoing, true},
		{StatusRinging, StatusOngoing, true},
		{StatusRinging, StatusMissed, true},
		{StatusOngoing, StatusCompleted, true},
		{StatusOngoing, StatusRinging, false},
		{StatusOngoing, StatusRejected, false},
		{StatusRinging, StatusCalling, false},
		{StatusCompleted, StatusOngoing, false},
		{StatusRejected, StatusCompleted, false},
		{StatusMissed, StatusRinging, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusKinds(t *testing.T) {
	for _, s := range []Status{StatusRejected, StatusMissed, StatusCompleted} {
		if !s.Terminal() || s.Pending() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range Pending {
		if s.Terminal() || !s.Pending() {
			t.Errorf("%s should be pending", s)
		}
	}
	if StatusOngoing.Terminal() || StatusOngoing.Pending() {
		t.Error("ongoing is neither pending nor terminal")
	}
	if Status("busy").Valid() {
		t.Error("unknown status reported valid")
	}
}

func newRecord() CallRecord {
	now := time.Now()
	return CallRecord{
		ID:         "c1",
		CallerID:   "alice",
		ReceiverID: "bob",
		CallType:   Voice,
		Status:     StatusCalling,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestCheck(t *testing.T) {
	if err := newRecord().Check(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	now := time.Now()
	tests := map[string]func(*CallRecord){
		"missing id":      func(r *CallRecord) { r.ID = "" },
		"self call":       func(r *CallRecord) { r.ReceiverID = r.CallerID },
		"no receiver":     func(r *CallRecord) { r.ReceiverID = "" },
		"bad type":        func(r *CallRecord) { r.CallType = "fax" },
		"not calling":     func(r *CallRecord) { r.Status = StatusOngoing },
		"already started": func(r *CallRecord) { r.StartedAt = &now },
		"already ended":   func(r *CallRecord) { r.EndedAt = &now },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			r := newRecord()
			mutate(&r)
			if err := r.Check(); !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestAdvanceStampsTimes(t *testing.T) {
	r := newRecord()
	t0 := r.CreatedAt.Add(time.Second)

	ringing, err := r.advance(StatusRinging, t0)
	if err != nil {
		t.Fatal(err)
	}
	if ringing.StartedAt != nil || ringing.EndedAt != nil {
		t.Fatal("ringing carries no start or end time")
	}

	t1 := t0.Add(time.Second)
	ongoing, err := ringing.advance(StatusOngoing, t1)
	if err != nil {
		t.Fatal(err)
	}
	if ongoing.StartedAt == nil || !ongoing.StartedAt.Equal(t1) || ongoing.EndedAt != nil {
		t.Fatalf("ongoing should be started at %v: %+v", t1, ongoing)
	}

	t2 := t1.Add(90 * time.Second)
	done, err := ongoing.advance(StatusCompleted, t2)
	if err != nil {
		t.Fatal(err)
	}
	if done.EndedAt == nil || !done.EndedAt.Equal(t2) {
		t.Fatal("completed must carry its end time")
	}
	if done.Duration() != 90*time.Second {
		t.Fatalf("duration = %v", done.Duration())
	}

	if _, err := done.advance(StatusOngoing, t2); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal record advanced: %v", err)
	}
	// The receiver is left untouched on failure.
	if ongoing.Status != StatusOngoing || ongoing.EndedAt != nil {
		t.Fatal("advance mutated its receiver")
	}
}

func TestRowRoundTripKeepsTimes(t *testing.T) {
	r := newRecord()
	started := r.CreatedAt.Add(time.Second)
	r.Status = StatusOngoing
	r.StartedAt = &started

	got := fromRow(toRow(r))
	if got.StartedAt == nil || got.StartedAt.UnixMilli() != started.UnixMilli() {
		t.Fatalf("started_at lost: %+v", got)
	}
	if got.EndedAt != nil {
		t.Fatal("ended_at appeared from nowhere")
	}
	if got.Peer("alice") != "bob" || got.Peer("bob") != "alice" {
		t.Fatal("Peer picks the wrong side")
	}
}
