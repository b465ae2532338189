package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/rs/zerolog/log"
)

// Service serves record operations on a relay. Every operation is checked
// against the authenticated user: only participants see or touch a call,
// and only the caller creates it.
type Service struct {
	backend *LocalBackend
}

const guardTimeout = 2 * time.Second

func NewService(b *LocalBackend) *Service {
	return &Service{backend: b}
}

// CallTopicPrefix prefixes the signaling topic of each call.
const CallTopicPrefix = "call:"

// GuardTopic keeps users off each other's record topics and off the
// signaling topics of calls they are not part of. Record topics are
// written by the relay only.
func (s *Service) GuardTopic(userID string, publish bool, topic string) error {
	if owner, ok := strings.CutPrefix(topic, TopicPrefix); ok {
		if publish || owner != userID {
			return fmt.Errorf("%w: topic %s", ErrForbidden, topic)
		}
		return nil
	}
	if id, ok := strings.CutPrefix(topic, CallTopicPrefix); ok {
		ctx, cancel := context.WithTimeout(context.Background(), guardTimeout)
		defer cancel()
		_, err := s.participantRecord(ctx, userID, id)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: topic %s", ErrForbidden, topic)
		}
		return err
	}
	return nil
}

// Register installs the record methods on srv.
func (s *Service) Register(srv *realtime.Server) {
	srv.Handle(MethodInsert, s.insert)
	srv.Handle(MethodGet, s.get)
	srv.Handle(MethodUpdate, s.update)
	srv.Handle(MethodList, s.list)
}

func (s *Service) insert(ctx context.Context, userID string, payload jsoniter.RawMessage) (any, error) {
	var rec CallRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.CallerID != userID {
		return nil, fmt.Errorf("%w: only the caller may create a call", ErrForbidden)
	}
	if err := s.backend.Insert(ctx, rec); err != nil {
		return nil, err
	}
	log.Info().Str("call", rec.ID).Str("caller", rec.CallerID).Str("receiver", rec.ReceiverID).
		Str("type", string(rec.CallType)).Msg("relay: call created")
	return nil, nil
}

func (s *Service) get(ctx context.Context, userID string, payload jsoniter.RawMessage) (any, error) {
	var req getRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return s.participantRecord(ctx, userID, req.ID)
}

func (s *Service) update(ctx context.Context, userID string, payload jsoniter.RawMessage) (any, error) {
	var req updateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if _, err := s.participantRecord(ctx, userID, req.ID); err != nil {
		return nil, err
	}
	rec, err := s.backend.Transition(ctx, req.ID, req.From, req.To)
	if err != nil {
		return nil, err
	}
	log.Info().Str("call", rec.ID).Str("by", userID).Str("from", string(req.From)).
		Str("to", string(rec.Status)).Msg("relay: call status")
	return rec, nil
}

func (s *Service) list(ctx context.Context, userID string, payload jsoniter.RawMessage) (any, error) {
	var req listRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
	}
	recs, err := s.backend.List(ctx, userID, req.Limit)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []CallRecord{}
	}
	return recs, nil
}

func (s *Service) participantRecord(ctx context.Context, userID, id string) (CallRecord, error) {
	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return CallRecord{}, err
	}
	if !rec.Involves(userID) {
		return CallRecord{}, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return rec, nil
}
