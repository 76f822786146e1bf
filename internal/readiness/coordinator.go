// Package readiness manages topic selection and the ready state of participants. Remote
// readiness is never trusted: readers recompute it and correct the document when it is wrong.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
)

// Coordinator performs the readiness writes against the shared document
type Coordinator struct {
	store  store.SessionStore
	logger *slog.Logger
}

// NewCoordinator creates a readiness coordinator
func NewCoordinator(st store.SessionStore, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: st, logger: logger}
}

// DeclareReady records topics for identity and marks it ready. Both writes are idempotent merges.
func (c *Coordinator) DeclareReady(ctx context.Context, sessionID, identity string, topics []string) (domain.Session, error) {
	if !domain.ValidTopics(topics) {
		return domain.Session{}, domain.NewPreconditionError(domain.ErrInvalidTopicSelection,
			"select exactly "+strconv.Itoa(domain.RequiredTopics)+" different topics")
	}

	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("reading session: %w", err)
	}
	if s.Phase == domain.PhaseBattleRoom {
		return domain.Session{}, domain.NewPreconditionError(domain.ErrWrongPhase, "the battle has already started")
	}
	if !s.IsConnected(identity) {
		return domain.Session{}, domain.NewPreconditionError(domain.ErrNotConnected,
			"you are not connected to this session, wait for reconnection")
	}

	selections := copySelections(s.TopicSelections)
	selections[identity] = slices.Clone(topics)

	updated, err := c.store.Update(ctx, sessionID, domain.SessionPatch{
		ReadyParticipants: domain.AddIdentity(s.ReadyParticipants, identity),
		TopicSelections:   selections,
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("declaring ready: %w", err)
	}
	c.logger.Info("participant ready", "session_id", sessionID, "identity", identity, "topics", topics)
	return updated, nil
}

// ChangeTopics withdraws identity's readiness from the shared document so no other client
// can see it as ready while it picks again.
func (c *Coordinator) ChangeTopics(ctx context.Context, sessionID, identity string) (domain.Session, error) {
	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("reading session: %w", err)
	}
	if !slices.Contains(s.ReadyParticipants, identity) {
		return s, nil
	}

	updated, err := c.store.Update(ctx, sessionID, domain.SessionPatch{
		ReadyParticipants: domain.RemoveIdentities(s.ReadyParticipants, identity),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("withdrawing readiness: %w", err)
	}
	c.logger.Info("participant changing topics", "session_id", sessionID, "identity", identity)
	return updated, nil
}

// Heal removes identities that observed marks ready but that fail derived readiness.
// The document is re-read first so the correction is computed against the latest state.
// healed lists the identities removed; it is empty when nothing needed correcting.
func (c *Coordinator) Heal(ctx context.Context, observed domain.Session) (session domain.Session, healed []string, err error) {
	if len(observed.IncorrectlyReady()) == 0 {
		return observed, nil, nil
	}

	s, err := c.store.Get(ctx, observed.ID)
	if err != nil {
		return observed, nil, fmt.Errorf("reading session: %w", err)
	}
	bad := s.IncorrectlyReady()
	if len(bad) == 0 {
		return s, nil, nil
	}

	updated, err := c.store.Update(ctx, s.ID, domain.SessionPatch{
		ReadyParticipants: domain.RemoveIdentities(s.ReadyParticipants, bad...),
	})
	if err != nil {
		return s, nil, fmt.Errorf("removing incorrectly ready participants: %w", err)
	}
	c.logger.Info("healed readiness", "session_id", s.ID, "removed", bad)
	return updated, bad, nil
}

func copySelections(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in)+1)
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}
