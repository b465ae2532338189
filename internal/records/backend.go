package records

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TopicPrefix prefixes the per-user topics that carry a Change for every
// insert and status transition of a call the user takes part in.
const TopicPrefix = "records:"

func UserTopic(userID string) string { return TopicPrefix + userID }

// Change is published whenever a record is created or moves status.
// Previous is empty for newly created records.
type Change struct {
	Record   CallRecord `json:"record"`
	Previous Status     `json:"previous,omitempty"`
}

// Backend is the shared store both participants read and mutate.
type Backend interface {
	Insert(ctx context.Context, rec CallRecord) error
	Get(ctx context.Context, id string) (CallRecord, error)
	// Transition moves the record from status `from` to `to`. It fails with
	// ErrConflict if the stored status is no longer `from`.
	Transition(ctx context.Context, id string, from, to Status) (CallRecord, error)
	List(ctx context.Context, userID string, limit int) ([]CallRecord, error)
	// Watch streams every Change of userID's calls until cancel is called
	// or ctx ends.
	Watch(ctx context.Context, userID string) (<-chan Change, func(), error)
}

type clock func() time.Time
