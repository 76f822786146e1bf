// Package effects delivers targeted interference effects between participants over the
// broadcast channel and tracks the effects active on the local participant.
package effects

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Publisher sends one broadcast event
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// AuditWriter stores best-effort history records
type AuditWriter interface {
	InsertAudit(ctx context.Context, record domain.AuditRecord) error
}

// Config holds effect timings
type Config struct {
	FreezeDuration    time.Duration
	ChaosMinFragments int
	ChaosMaxFragments int
}

// Outcome describes what a received effect did locally
type Outcome struct {
	Applied   bool
	Kind      domain.SkillKind
	From      string
	ExpiresAt time.Time // freeze only
	Fragments []string  // chaos only
}

// Dispatcher casts skills for one participant and applies effects aimed at it. It is not
// safe for concurrent use; the owning coordinator serializes calls.
type Dispatcher struct {
	sessionID string
	identity  string
	publisher Publisher
	audit     AuditWriter
	clock     clockwork.Clock
	rng       *rand.Rand
	logger    *slog.Logger
	cfg       Config

	used    map[domain.SkillKind]bool
	freeze  *domain.ActiveEffect
	content string
}

// NewDispatcher creates the dispatcher for identity in sessionID
func NewDispatcher(sessionID, identity string, publisher Publisher, audit AuditWriter, clock clockwork.Clock, rng *rand.Rand, logger *slog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		sessionID: sessionID,
		identity:  identity,
		publisher: publisher,
		audit:     audit,
		clock:     clock,
		rng:       rng,
		logger:    logger,
		cfg:       cfg,
		used:      make(map[domain.SkillKind]bool),
	}
}

// UseSkill casts kind at target. The audit insert is best-effort; the skill is disabled
// locally once the effect has been published.
func (d *Dispatcher) UseSkill(ctx context.Context, kind domain.SkillKind, target string, connected []string) (domain.SkillEffect, error) {
	if !kind.Valid() {
		return domain.SkillEffect{}, domain.NewPreconditionError(domain.ErrUnknownSkill,
			fmt.Sprintf("unknown skill %q", kind))
	}
	if target == "" || target == d.identity {
		return domain.SkillEffect{}, domain.NewPreconditionError(domain.ErrInvalidTarget,
			"choose an opponent as the target")
	}
	if !slices.Contains(connected, target) {
		return domain.SkillEffect{}, domain.NewPreconditionError(domain.ErrInvalidTarget,
			target+" is not connected")
	}
	if d.used[kind] {
		return domain.SkillEffect{}, domain.NewPreconditionError(domain.ErrSkillAlreadyUsed,
			fmt.Sprintf("%s has already been used this match", kind))
	}

	effect := domain.SkillEffect{
		ID:        uuid.NewString(),
		From:      d.identity,
		Target:    target,
		Kind:      kind,
		AppliedAt: d.clock.Now(),
	}

	record, err := domain.NewAuditRecord(domain.AuditSkillCast, d.sessionID, d.identity, effect, effect.AppliedAt)
	if err == nil {
		err = d.audit.InsertAudit(ctx, record)
	}
	if err != nil {
		d.logger.Warn("recording skill cast", "session_id", d.sessionID, "identity", d.identity, "error", err)
	}

	if err := d.publisher.Publish(ctx, broadcast.EventSkill, effect); err != nil {
		return domain.SkillEffect{}, fmt.Errorf("casting %s: %w", kind, err)
	}
	d.used[kind] = true
	d.logger.Info("skill cast", "session_id", d.sessionID, "identity", d.identity, "kind", kind, "target", target)
	return effect, nil
}

// Receive applies effect if it targets the local participant. Effects for anyone else are
// discarded without any state change.
func (d *Dispatcher) Receive(effect domain.SkillEffect) Outcome {
	if effect.Target != d.identity {
		return Outcome{}
	}

	now := d.clock.Now()
	out := Outcome{Applied: true, Kind: effect.Kind, From: effect.From}

	switch effect.Kind {
	case domain.SkillFreeze:
		expires := now.Add(d.cfg.FreezeDuration)
		if d.freeze != nil && d.freeze.Active(now) && d.freeze.ExpiresAt.After(expires) {
			expires = d.freeze.ExpiresAt
		}
		d.freeze = &domain.ActiveEffect{
			Kind:        domain.SkillFreeze,
			From:        effect.From,
			DeliveredAt: now,
			ExpiresAt:   expires,
		}
		out.ExpiresAt = expires
	case domain.SkillChaos:
		d.content, out.Fragments = Splice(d.rng, d.content, d.cfg.ChaosMinFragments, d.cfg.ChaosMaxFragments)
	default:
		d.logger.Warn("ignoring unknown effect", "session_id", d.sessionID, "kind", effect.Kind, "from", effect.From)
		return Outcome{}
	}

	d.logger.Info("effect received", "session_id", d.sessionID, "identity", d.identity, "kind", effect.Kind, "from", effect.From)
	return out
}

// Expire drops the freeze once its window has passed and reports whether it did
func (d *Dispatcher) Expire(now time.Time) bool {
	if d.freeze == nil || d.freeze.Active(now) {
		return false
	}
	d.freeze = nil
	return true
}

// NextExpiry returns when the active freeze ends
func (d *Dispatcher) NextExpiry() (time.Time, bool) {
	if d.freeze == nil {
		return time.Time{}, false
	}
	return d.freeze.ExpiresAt, true
}

// Frozen reports whether local input is disabled at now
func (d *Dispatcher) Frozen(now time.Time) bool {
	return d.freeze != nil && d.freeze.Active(now)
}

// ActiveEffects returns the timed effects on the local participant at now
func (d *Dispatcher) ActiveEffects(now time.Time) []domain.ActiveEffect {
	if !d.Frozen(now) {
		return []domain.ActiveEffect{}
	}
	return []domain.ActiveEffect{*d.freeze}
}

// Edit replaces the in-progress content unless input is frozen
func (d *Dispatcher) Edit(content string) error {
	if d.Frozen(d.clock.Now()) {
		return domain.NewPreconditionError(domain.ErrFrozen, "your editor is frozen")
	}
	d.content = content
	return nil
}

// SetContent replaces the content regardless of freeze, used when a challenge is loaded
func (d *Dispatcher) SetContent(content string) {
	d.content = content
}

// Content returns the in-progress content
func (d *Dispatcher) Content() string {
	return d.content
}

// SkillsUsed lists the skills cast this match, in a stable order
func (d *Dispatcher) SkillsUsed() []domain.SkillKind {
	used := make([]domain.SkillKind, 0, len(d.used))
	for _, k := range []domain.SkillKind{domain.SkillFreeze, domain.SkillChaos} {
		if d.used[k] {
			used = append(used, k)
		}
	}
	return used
}

// Reset re-enables every skill and clears effects and content for a new match
func (d *Dispatcher) Reset() {
	d.used = make(map[domain.SkillKind]bool)
	d.freeze = nil
	d.content = ""
}
