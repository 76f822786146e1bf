// Package phase owns the session-wide phase state machine and the guarded transition into
// the battle room.
package phase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
)

// ChallengeLoader fetches the challenge content for the agreed topics of a session
type ChallengeLoader interface {
	Load(ctx context.Context, sessionID string, topics []string) (string, error)
}

// Observation is what a controller concluded from one observed document
type Observation struct {
	Phase        domain.Phase
	Transitioned bool   // this client wrote phase = battle_room
	Regressed    bool   // the phase moved backwards since the previous observation
	Loaded       bool   // challenge content was loaded during this observation
	Content      string // the loaded content, when Loaded
}

// Controller drives one client's view of the session phase. It never writes an earlier
// phase and loads challenge content at most once until Reset.
type Controller struct {
	store  store.SessionStore
	loader ChallengeLoader
	logger *slog.Logger

	last   domain.Phase
	loaded bool
}

// NewController creates a phase controller
func NewController(st store.SessionStore, loader ChallengeLoader, logger *slog.Logger) *Controller {
	return &Controller{
		store:  st,
		loader: loader,
		logger: logger,
	}
}

// EnterBattleRoom is the explicit user-triggered transition. The guard is checked against a
// fresh read and nothing is written when it fails.
func (c *Controller) EnterBattleRoom(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("reading session: %w", err)
	}
	if s.Phase == domain.PhaseBattleRoom {
		return s, nil
	}
	if err := s.CanEnterBattle(); err != nil {
		return domain.Session{}, err
	}
	return c.writeBattleRoom(ctx, s)
}

// Observe reacts to a document seen on the change feed or after a local write. It writes the
// battle-room transition when the guard holds, flags regressions and loads challenge content.
// A returned error is transient; the observation is still valid.
func (c *Controller) Observe(ctx context.Context, s domain.Session) (Observation, error) {
	obs := Observation{Phase: s.Phase}

	if c.last != "" && s.Phase.Rank() < c.last.Rank() {
		obs.Regressed = true
		c.logger.Warn("session phase regressed",
			"session_id", s.ID, "from", c.last, "to", s.Phase)
	}
	c.last = s.Phase

	if s.Phase == domain.PhaseTopicSelection && s.CanEnterBattle() == nil {
		updated, err := c.writeBattleRoom(ctx, s)
		if err != nil {
			return obs, err
		}
		s = updated
		obs.Phase = s.Phase
		obs.Transitioned = true
		c.last = s.Phase
	}

	if s.Phase == domain.PhaseBattleRoom && !c.loaded {
		topics := s.AgreedTopics()
		content, err := c.loader.Load(ctx, s.ID, topics)
		if err != nil {
			return obs, fmt.Errorf("loading challenge: %w", err)
		}
		c.loaded = true
		obs.Loaded = true
		obs.Content = content
		c.logger.Info("challenge loaded", "session_id", s.ID, "topics", topics)
	}
	return obs, nil
}

// Reset forgets the observed phase and loaded content
func (c *Controller) Reset() {
	c.last = ""
	c.loaded = false
}

func (c *Controller) writeBattleRoom(ctx context.Context, s domain.Session) (domain.Session, error) {
	updated, err := c.store.Update(ctx, s.ID, domain.SessionPatch{
		Phase: domain.PhasePtr(domain.PhaseBattleRoom),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("entering battle room: %w", err)
	}
	c.logger.Info("entered battle room", "session_id", s.ID, "participants", s.Connected())
	return updated, nil
}
