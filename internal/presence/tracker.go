// Package presence maintains the live set of connected participants of a session through
// heartbeats and staleness pruning performed by every client.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

// Tracker registers, refreshes and removes participants in the shared document
type Tracker struct {
	store     store.SessionStore
	clock     clockwork.Clock
	logger    *slog.Logger
	staleness time.Duration
}

// NewTracker creates a presence tracker pruning heartbeats older than staleness
func NewTracker(st store.SessionStore, clock clockwork.Clock, logger *slog.Logger, staleness time.Duration) *Tracker {
	return &Tracker{
		store:     st,
		clock:     clock,
		logger:    logger,
		staleness: staleness,
	}
}

// Join registers identity, creating the session if it does not exist yet.
// A rejoining participant is never assumed ready.
func (t *Tracker) Join(ctx context.Context, sessionID, identity string) (domain.Session, error) {
	now := t.clock.Now()

	s, err := t.store.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		created, err := t.store.Insert(ctx, domain.NewSession(sessionID, identity, now))
		if err == nil {
			t.logger.Info("session created", "session_id", sessionID, "identity", identity)
			return created, nil
		}
		if !errors.Is(err, domain.ErrSessionExists) {
			return domain.Session{}, fmt.Errorf("creating session: %w", err)
		}
		// another participant created it first
		s, err = t.store.Get(ctx, sessionID)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("reading session: %w", err)
	}

	heartbeats := copyHeartbeats(s.Heartbeats)
	heartbeats[identity] = now.UnixMilli()

	updated, err := t.store.Update(ctx, sessionID, domain.SessionPatch{
		ConnectedParticipants: domain.AddIdentity(domain.DistinctIdentities(domain.RemoveIdentities(s.ConnectedParticipants, identity)), identity),
		ReadyParticipants:     domain.RemoveIdentities(s.ReadyParticipants, identity),
		Heartbeats:            heartbeats,
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("joining session: %w", err)
	}
	t.logger.Info("participant joined", "session_id", sessionID, "identity", identity)
	return updated, nil
}

// Heartbeat refreshes identity's heartbeat, re-adds it if a race dropped it, and prunes
// every other participant whose heartbeat is stale.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID, identity string) (domain.Session, error) {
	s, err := t.store.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("reading session: %w", err)
	}

	now := t.clock.Now()
	stale := Stale(s, identity, now, t.staleness)

	heartbeats := copyHeartbeats(s.Heartbeats)
	for _, id := range stale {
		delete(heartbeats, id)
	}
	heartbeats[identity] = now.UnixMilli()

	connected := domain.AddIdentity(domain.DistinctIdentities(domain.RemoveIdentities(s.ConnectedParticipants, stale...)), identity)

	updated, err := t.store.Update(ctx, sessionID, domain.SessionPatch{
		ConnectedParticipants: connected,
		Heartbeats:            heartbeats,
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("writing heartbeat: %w", err)
	}
	if len(stale) > 0 {
		t.logger.Info("pruned stale participants", "session_id", sessionID, "identity", identity, "pruned", stale)
	}
	return updated, nil
}

// Leave removes identity and records it as the last departure.
// Leaving when not connected writes nothing.
func (t *Tracker) Leave(ctx context.Context, sessionID, identity string) (domain.Session, error) {
	s, err := t.store.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("reading session: %w", err)
	}
	if !s.IsConnected(identity) {
		return s, nil
	}

	heartbeats := copyHeartbeats(s.Heartbeats)
	delete(heartbeats, identity)
	now := t.clock.Now()

	updated, err := t.store.Update(ctx, sessionID, domain.SessionPatch{
		ConnectedParticipants: domain.RemoveIdentities(s.ConnectedParticipants, identity),
		Heartbeats:            heartbeats,
		LastDeparted:          &identity,
		LastDepartedAt:        &now,
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("leaving session: %w", err)
	}
	t.logger.Info("participant left", "session_id", sessionID, "identity", identity)
	return updated, nil
}

// Stale returns the participants other than self whose last heartbeat is older than
// threshold at now, sorted. Participants without a heartbeat entry are not judged.
func Stale(s domain.Session, self string, now time.Time, threshold time.Duration) []string {
	cutoff := now.Add(-threshold).UnixMilli()
	var stale []string
	for id, last := range s.Heartbeats {
		if id == self {
			continue
		}
		if last < cutoff {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

func copyHeartbeats(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
