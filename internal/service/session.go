package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/presence"
	"github.com/jonboulle/clockwork"
)

// ErrArchiveDisabled is returned for history queries when no archive is configured
var ErrArchiveDisabled = errors.New("battle archive disabled")

// SessionReader reads live session documents
type SessionReader interface {
	Get(ctx context.Context, id string) (domain.Session, error)
}

// HistoryReader reads archived battle history
type HistoryReader interface {
	History(ctx context.Context, sessionID string) (*domain.SessionHistory, error)
}

// Pinger is a dependency checked by readiness probes
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// SessionDetail is a session document with everything a reader derives from it
type SessionDetail struct {
	Session            domain.Session  `json:"session"`
	EffectiveReady     map[string]bool `json:"effective_ready"`
	IncorrectlyReady   []string        `json:"incorrectly_ready,omitempty"`
	StaleParticipants  []string        `json:"stale_participants,omitempty"`
	AgreedTopics       []string        `json:"agreed_topics"`
	CanEnterBattle     bool            `json:"can_enter_battle"`
	EnterBlockedReason string          `json:"enter_blocked_reason,omitempty"`
}

// SessionService answers read-only queries about battles. It never writes the shared document.
type SessionService struct {
	sessions  SessionReader
	history   HistoryReader
	checks    map[string]Pinger
	clock     clockwork.Clock
	staleness time.Duration
	logger    *slog.Logger
}

// NewSessionService creates a new session service. history may be nil when archiving is off.
func NewSessionService(
	sessions SessionReader,
	history HistoryReader,
	checks map[string]Pinger,
	clock clockwork.Clock,
	staleness time.Duration,
	logger *slog.Logger,
) *SessionService {
	return &SessionService{
		sessions:  sessions,
		history:   history,
		checks:    checks,
		clock:     clock,
		staleness: staleness,
		logger:    logger,
	}
}

// GetSession returns the live document and its derived readiness
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*SessionDetail, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	detail := &SessionDetail{
		Session:           sess,
		EffectiveReady:    sess.EffectiveReadyMap(),
		IncorrectlyReady:  sess.IncorrectlyReady(),
		StaleParticipants: presence.Stale(sess, "", s.clock.Now(), s.staleness),
		AgreedTopics:      sess.AgreedTopics(),
		CanEnterBattle:    true,
	}
	if err := sess.CanEnterBattle(); err != nil {
		detail.CanEnterBattle = false
		detail.EnterBlockedReason = domain.Reason(err)
	}
	return detail, nil
}

// GetHistory returns the archived skill casts and solves of a session
func (s *SessionService) GetHistory(ctx context.Context, sessionID string) (*domain.SessionHistory, error) {
	if s.history == nil {
		return nil, ErrArchiveDisabled
	}
	h, err := s.history.History(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting history: %w", err)
	}
	return h, nil
}

// Ready pings every dependency and reports the failing ones
func (s *SessionService) Ready(ctx context.Context) map[string]string {
	failed := make(map[string]string)
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "dependency", name, "error", err)
			failed[name] = err.Error()
		}
	}
	return failed
}
