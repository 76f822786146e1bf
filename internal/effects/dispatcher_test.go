package effects

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

var testConfig = Config{
	FreezeDuration:    10 * time.Second,
	ChaosMinFragments: 2,
	ChaosMaxFragments: 3,
}

type recordingPublisher struct {
	events []domain.SkillEffect
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event string, payload any) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, payload.(domain.SkillEffect))
	return nil
}

type failingAudit struct{}

func (failingAudit) InsertAudit(context.Context, domain.AuditRecord) error {
	return errors.New("audit store down")
}

func newTestDispatcher(identity string, pub Publisher, audit AuditWriter, clock clockwork.Clock) *Dispatcher {
	return NewDispatcher("s1", identity, pub, audit, clock, rand.New(rand.NewPCG(1, 2)),
		slog.New(slog.NewTextHandler(io.Discard, nil)), testConfig)
}

func TestReceiveIgnoresEffectsForOthers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDispatcher("z", &recordingPublisher{}, store.NewMemoryStore(clock), clock)
	d.SetContent("line 1\nline 2")

	for _, kind := range []domain.SkillKind{domain.SkillFreeze, domain.SkillChaos} {
		out := d.Receive(domain.SkillEffect{From: "x", Target: "y", Kind: kind})
		if out.Applied {
			t.Fatalf("%s for y applied on z", kind)
		}
	}
	if d.Frozen(clock.Now()) || len(d.ActiveEffects(clock.Now())) != 0 {
		t.Fatalf("z frozen by an effect aimed at y")
	}
	if d.Content() != "line 1\nline 2" {
		t.Fatalf("content changed: %q", d.Content())
	}
}

func TestFreezeLastsFromDeliveryAndExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDispatcher("y", &recordingPublisher{}, store.NewMemoryStore(clock), clock)

	castAt := clock.Now().Add(-3 * time.Second)
	out := d.Receive(domain.SkillEffect{From: "x", Target: "y", Kind: domain.SkillFreeze, AppliedAt: castAt})
	if !out.Applied || !out.ExpiresAt.Equal(clock.Now().Add(10*time.Second)) {
		t.Fatalf("outcome = %+v", out)
	}
	if err := d.Edit("typing"); !errors.Is(err, domain.ErrFrozen) {
		t.Fatalf("Edit while frozen: %v", err)
	}

	clock.Advance(9 * time.Second)
	if d.Expire(clock.Now()) {
		t.Fatalf("freeze expired early")
	}
	clock.Advance(time.Second)
	if !d.Expire(clock.Now()) {
		t.Fatalf("freeze did not expire after 10s")
	}
	if _, ok := d.NextExpiry(); ok {
		t.Fatalf("expired freeze still scheduled")
	}
	if err := d.Edit("typing"); err != nil {
		t.Fatalf("Edit after expiry: %v", err)
	}
}

func TestSecondFreezeExtends(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDispatcher("y", &recordingPublisher{}, store.NewMemoryStore(clock), clock)
	start := clock.Now()

	d.Receive(domain.SkillEffect{From: "x", Target: "y", Kind: domain.SkillFreeze})
	clock.Advance(4 * time.Second)
	d.Receive(domain.SkillEffect{From: "w", Target: "y", Kind: domain.SkillFreeze})

	expiry, ok := d.NextExpiry()
	if !ok || !expiry.Equal(start.Add(14*time.Second)) {
		t.Fatalf("expiry = %v, want %v", expiry, start.Add(14*time.Second))
	}
}

func TestChaosSplicesFragments(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDispatcher("y", &recordingPublisher{}, store.NewMemoryStore(clock), clock)
	original := "a\nb\nc"
	d.SetContent(original)

	out := d.Receive(domain.SkillEffect{From: "x", Target: "y", Kind: domain.SkillChaos})
	if !out.Applied || len(out.Fragments) < 2 || len(out.Fragments) > 3 {
		t.Fatalf("outcome = %+v", out)
	}
	lines := strings.Split(d.Content(), "\n")
	if len(lines) != 3+len(out.Fragments) {
		t.Fatalf("got %d lines, want %d", len(lines), 3+len(out.Fragments))
	}

	var kept []string
	for _, l := range lines {
		if l == "a" || l == "b" || l == "c" {
			kept = append(kept, l)
		}
	}
	if strings.Join(kept, "\n") != original {
		t.Fatalf("original lines reordered: %q", d.Content())
	}
	if d.Frozen(clock.Now()) {
		t.Fatalf("chaos must not be a timed effect")
	}
}

func TestSpliceRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 50; i++ {
		_, used := Splice(rng, "x", 2, 3)
		if len(used) < 2 || len(used) > 3 {
			t.Fatalf("spliced %d fragments", len(used))
		}
	}
}

func TestUseSkillPreconditions(t *testing.T) {
	connected := []string{"me", "foe"}
	cases := []struct {
		name    string
		kind    domain.SkillKind
		target  string
		wantErr error
	}{
		{"unknown kind", "meteor", "foe", domain.ErrUnknownSkill},
		{"self target", domain.SkillFreeze, "me", domain.ErrInvalidTarget},
		{"empty target", domain.SkillFreeze, "", domain.ErrInvalidTarget},
		{"disconnected target", domain.SkillChaos, "ghost", domain.ErrInvalidTarget},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			pub := &recordingPublisher{}
			d := newTestDispatcher("me", pub, store.NewMemoryStore(clock), clock)
			_, err := d.UseSkill(context.Background(), tc.kind, tc.target, connected)
			if !errors.Is(err, tc.wantErr) || !domain.IsPrecondition(err) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
			if len(pub.events) != 0 {
				t.Fatalf("rejected cast published")
			}
		})
	}
}

func TestUseSkillOncePerMatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{}
	audit := store.NewMemoryStore(clock)
	d := newTestDispatcher("me", pub, audit, clock)
	ctx := context.Background()
	connected := []string{"me", "foe"}

	effect, err := d.UseSkill(ctx, domain.SkillFreeze, "foe", connected)
	if err != nil {
		t.Fatalf("UseSkill: %v", err)
	}
	if effect.From != "me" || effect.Target != "foe" || effect.ID == "" {
		t.Fatalf("effect = %+v", effect)
	}
	if records := audit.Audit(); len(records) != 1 || records[0].Kind != domain.AuditSkillCast {
		t.Fatalf("audit = %+v", records)
	}

	if _, err := d.UseSkill(ctx, domain.SkillFreeze, "foe", connected); !errors.Is(err, domain.ErrSkillAlreadyUsed) {
		t.Fatalf("recast: %v", err)
	}
	if _, err := d.UseSkill(ctx, domain.SkillChaos, "foe", connected); err != nil {
		t.Fatalf("other skill blocked: %v", err)
	}

	d.Reset()
	if len(d.SkillsUsed()) != 0 {
		t.Fatalf("skills still used after reset: %v", d.SkillsUsed())
	}
}

func TestUseSkillAuditFailureDoesNotBlock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{}
	d := newTestDispatcher("me", pub, failingAudit{}, clock)

	if _, err := d.UseSkill(context.Background(), domain.SkillChaos, "foe", []string{"me", "foe"}); err != nil {
		t.Fatalf("UseSkill: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("effect not published")
	}
}

func TestUseSkillPublishFailureKeepsSkill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{err: errors.New("channel down")}
	d := newTestDispatcher("me", pub, store.NewMemoryStore(clock), clock)

	if _, err := d.UseSkill(context.Background(), domain.SkillFreeze, "foe", []string{"me", "foe"}); err == nil {
		t.Fatalf("expected publish error")
	}
	if len(d.SkillsUsed()) != 0 {
		t.Fatalf("failed cast consumed the skill")
	}
}

func TestEffectDeliveredOverBus(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bus := broadcast.NewMemoryBus(clock)
	audit := store.NewMemoryStore(clock)

	casterHandle, _ := bus.Open(ctx, broadcast.SkillsTopic("s1"))
	targetHandle, _ := bus.Open(ctx, broadcast.SkillsTopic("s1"))

	caster := newTestDispatcher("x", casterHandle, audit, clock)
	target := newTestDispatcher("y", targetHandle, audit, clock)
	targetHandle.Subscribe(broadcast.EventSkill, func(env broadcast.Envelope) {
		var effect domain.SkillEffect
		if err := env.Decode(&effect); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		target.Receive(effect)
	})

	if _, err := caster.UseSkill(ctx, domain.SkillFreeze, "y", []string{"x", "y"}); err != nil {
		t.Fatalf("UseSkill: %v", err)
	}
	if !target.Frozen(clock.Now()) {
		t.Fatalf("target not frozen")
	}
}

func TestEffectLostWhenTargetNotSubscribed(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bus := broadcast.NewMemoryBus(clock)
	casterHandle, _ := bus.Open(ctx, broadcast.SkillsTopic("s1"))
	caster := newTestDispatcher("x", casterHandle, store.NewMemoryStore(clock), clock)
	target := newTestDispatcher("y", &recordingPublisher{}, store.NewMemoryStore(clock), clock)

	if _, err := caster.UseSkill(ctx, domain.SkillFreeze, "y", []string{"x", "y"}); err != nil {
		t.Fatalf("UseSkill: %v", err)
	}
	if target.Frozen(clock.Now()) {
		t.Fatalf("unsubscribed target received the effect")
	}
}
