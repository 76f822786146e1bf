package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

type fakeHistory struct{}

func (fakeHistory) History(ctx context.Context, sessionID string) (*domain.SessionHistory, error) {
	return &domain.SessionHistory{SessionID: sessionID, Totals: map[string]int64{"a": 30}}, nil
}

func newService(t *testing.T, history HistoryReader, checks map[string]Pinger) (*SessionService, *store.MemoryStore, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := store.NewMemoryStore(clock)
	svc := NewSessionService(st, history, checks, clock, 15*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, st, clock
}

func TestGetSessionDerivesReadiness(t *testing.T) {
	svc, st, clock := newService(t, nil, nil)

	s := domain.NewSession("s1", "a", clock.Now())
	s.ConnectedParticipants = []string{"a", "b"}
	s.ReadyParticipants = []string{"a", "ghost"}
	s.TopicSelections = map[string][]string{"a": {"x", "y"}, "b": {"y", "z"}}
	s.Heartbeats = map[string]int64{
		"a": clock.Now().UnixMilli(),
		"b": clock.Now().Add(-20 * time.Second).UnixMilli(),
	}
	st.Put(s)

	detail, err := svc.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !detail.EffectiveReady["a"] || detail.EffectiveReady["b"] {
		t.Fatalf("effective ready = %v", detail.EffectiveReady)
	}
	if len(detail.IncorrectlyReady) != 1 || detail.IncorrectlyReady[0] != "ghost" {
		t.Fatalf("incorrectly ready = %v", detail.IncorrectlyReady)
	}
	if len(detail.StaleParticipants) != 1 || detail.StaleParticipants[0] != "b" {
		t.Fatalf("stale = %v", detail.StaleParticipants)
	}
	if detail.CanEnterBattle || detail.EnterBlockedReason == "" {
		t.Fatalf("guard = %v %q", detail.CanEnterBattle, detail.EnterBlockedReason)
	}
	if len(detail.AgreedTopics) != 3 {
		t.Fatalf("agreed = %v", detail.AgreedTopics)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	svc, _, _ := newService(t, nil, nil)
	_, err := svc.GetSession(context.Background(), "missing")
	if !domain.IsNotFoundError(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetHistory(t *testing.T) {
	svc, _, _ := newService(t, nil, nil)
	if _, err := svc.GetHistory(context.Background(), "s1"); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("err = %v", err)
	}

	svc, _, _ = newService(t, fakeHistory{}, nil)
	h, err := svc.GetHistory(context.Background(), "s1")
	if err != nil || h.Totals["a"] != 30 {
		t.Fatalf("history = %+v, %v", h, err)
	}
}

func TestReady(t *testing.T) {
	svc, _, _ := newService(t, nil, map[string]Pinger{
		"redis":    PingFunc(func(context.Context) error { return nil }),
		"postgres": PingFunc(func(context.Context) error { return errors.New("refused") }),
	})
	failed := svc.Ready(context.Background())
	if len(failed) != 1 || failed["postgres"] != "refused" {
		t.Fatalf("failed = %v", failed)
	}
}
