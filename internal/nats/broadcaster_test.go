package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/config"
	"github.com/codebattle-sync/internal/domain"
	"github.com/jonboulle/clockwork"
	natstest "github.com/nats-io/nats-server/v2/test"
)

func newTestBroadcaster(t *testing.T) *Broadcaster {
	t.Helper()
	srv := natstest.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	cfg := &config.NATSConfig{
		URL:           srv.ClientURL(),
		Name:          "battle-test",
		MaxReconnects: 1,
		ReconnectWait: 10 * time.Millisecond,
	}
	b, err := Connect(cfg, clockwork.NewFakeClock(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSubject(t *testing.T) {
	cases := map[string]string{
		"battle:s1:skills": "battle.s1.skills",
		"battle:s1:scores": "battle.s1.scores",
		"plain":            "plain",
	}
	for topic, want := range cases {
		if got := Subject(topic); got != want {
			t.Errorf("Subject(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestBroadcasterSelfDelivery(t *testing.T) {
	ctx := context.Background()
	b := newTestBroadcaster(t)

	sender, err := b.Open(ctx, broadcast.ScoresTopic("s1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sender.Close()
	receiver, err := b.Open(ctx, broadcast.ScoresTopic("s1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer receiver.Close()

	got := make(chan domain.ScoreUpdate, 2)
	for _, h := range []broadcast.Handle{sender, receiver} {
		h.Subscribe(broadcast.EventScoreUpdate, func(env broadcast.Envelope) {
			var update domain.ScoreUpdate
			if err := env.Decode(&update); err == nil {
				got <- update
			}
		})
	}

	update := domain.ScoreUpdate{Scores: map[string]int64{"p1": 10}, EmittedBy: "p1"}
	if err := sender.Publish(ctx, broadcast.EventScoreUpdate, update); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case u := <-got:
			if u.Scores["p1"] != 10 || u.EmittedBy != "p1" {
				t.Fatalf("update = %+v", u)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}
}

func TestBroadcasterTopicsAreIsolated(t *testing.T) {
	ctx := context.Background()
	b := newTestBroadcaster(t)

	skills, err := b.Open(ctx, broadcast.SkillsTopic("s1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer skills.Close()
	other, err := b.Open(ctx, broadcast.SkillsTopic("s2"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer other.Close()

	var leaked atomic.Int32
	other.Subscribe(broadcast.EventSkill, func(broadcast.Envelope) { leaked.Add(1) })
	got := make(chan domain.SkillEffect, 1)
	skills.Subscribe(broadcast.EventSkill, func(env broadcast.Envelope) {
		var effect domain.SkillEffect
		if err := env.Decode(&effect); err == nil {
			got <- effect
		}
	})

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	effect := domain.SkillEffect{ID: "e1", From: "x", Target: "y", Kind: domain.SkillFreeze, AppliedAt: at}
	if err := skills.Publish(ctx, broadcast.EventSkill, effect); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case e := <-got:
		if e.Target != "y" || e.Kind != domain.SkillFreeze || !e.AppliedAt.Equal(at) {
			t.Fatalf("effect = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the skill")
	}
	if err := b.nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := leaked.Load(); n != 0 {
		t.Fatalf("another session's topic received %d skills", n)
	}
}

func TestBroadcasterClosedHandleMissesMessages(t *testing.T) {
	ctx := context.Background()
	b := newTestBroadcaster(t)

	a, err := b.Open(ctx, broadcast.SkillsTopic("s1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	closed, err := b.Open(ctx, broadcast.SkillsTopic("s1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var missed atomic.Int32
	closed.Subscribe("ping", func(broadcast.Envelope) { missed.Add(1) })
	delivered := make(chan struct{}, 1)
	a.Subscribe("ping", func(broadcast.Envelope) { delivered <- struct{}{} })

	if err := closed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := closed.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := a.Publish(ctx, "ping", 1); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("open handle did not receive the message")
	}
	if err := b.nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := missed.Load(); n != 0 {
		t.Fatalf("closed handle received %d messages", n)
	}
	if err := closed.Publish(ctx, "ping", 1); !errors.Is(err, broadcast.ErrHandleClosed) {
		t.Fatalf("publish on closed handle: got %v", err)
	}
}
