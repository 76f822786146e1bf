package phase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

type countingLoader struct {
	mu     sync.Mutex
	calls  int
	topics []string
	err    error
}

func (l *countingLoader) Load(ctx context.Context, sessionID string, topics []string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.topics = topics
	if l.err != nil {
		return "", l.err
	}
	return "content for " + strings.Join(topics, ","), nil
}

func newTestController(t *testing.T, ready ...string) (*Controller, *store.MemoryStore, *countingLoader) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := store.NewMemoryStore(clock)
	s := domain.NewSession("s1", "a", clock.Now())
	s.ConnectedParticipants = []string{"a", "b"}
	s.ReadyParticipants = ready
	s.TopicSelections = map[string][]string{"a": {"arrays", "graphs"}, "b": {"dp", "graphs"}}
	st.Put(s)

	loader := &countingLoader{}
	return NewController(st, loader, slog.New(slog.NewTextHandler(io.Discard, nil))), st, loader
}

func TestEnterBattleRoomRejectedWritesNothing(t *testing.T) {
	c, st, _ := newTestController(t, "a")
	ctx := context.Background()
	before, _ := st.Get(ctx, "s1")

	_, err := c.EnterBattleRoom(ctx, "s1")
	if !errors.Is(err, domain.ErrParticipantsNotReady) {
		t.Fatalf("got %v, want ErrParticipantsNotReady", err)
	}
	if !strings.Contains(domain.Reason(err), "b") {
		t.Fatalf("reason %q does not name the waiting participant", domain.Reason(err))
	}
	after, _ := st.Get(ctx, "s1")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("rejected transition wrote state")
	}
}

func TestEnterBattleRoomConcurrentCallsAreSafe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := store.NewMemoryStore(clock)
	s := domain.NewSession("s1", "a", clock.Now())
	s.ConnectedParticipants = []string{"a", "b"}
	s.ReadyParticipants = []string{"a", "b"}
	s.TopicSelections = map[string][]string{"a": {"x", "y"}, "b": {"y", "z"}}
	st.Put(s)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewController(st, &countingLoader{}, logger)
			if _, err := c.EnterBattleRoom(context.Background(), "s1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("EnterBattleRoom: %v", err)
	}

	got, _ := st.Get(context.Background(), "s1")
	if got.Phase != domain.PhaseBattleRoom {
		t.Fatalf("phase = %q", got.Phase)
	}
}

func TestObserveTransitionsWhenGuardHolds(t *testing.T) {
	c, st, loader := newTestController(t, "a", "b")
	ctx := context.Background()
	s, _ := st.Get(ctx, "s1")

	obs, err := c.Observe(ctx, s)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if !obs.Transitioned || !obs.Loaded || obs.Phase != domain.PhaseBattleRoom {
		t.Fatalf("observation = %+v", obs)
	}
	if !reflect.DeepEqual(loader.topics, []string{"arrays", "dp", "graphs"}) {
		t.Fatalf("loaded topics = %v", loader.topics)
	}

	entered, _ := st.Get(ctx, "s1")
	if _, err := c.Observe(ctx, entered); err != nil {
		t.Fatalf("second Observe: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("challenge loaded %d times, want once", loader.calls)
	}
}

func TestObserveWaitsForGuard(t *testing.T) {
	c, st, loader := newTestController(t, "a")
	ctx := context.Background()
	s, _ := st.Get(ctx, "s1")

	obs, err := c.Observe(ctx, s)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if obs.Transitioned || obs.Phase != domain.PhaseTopicSelection || loader.calls != 0 {
		t.Fatalf("transitioned without guard: %+v", obs)
	}
}

func TestObserveFlagsRegressionWithoutWriting(t *testing.T) {
	c, st, _ := newTestController(t, "a")
	ctx := context.Background()

	s, _ := st.Get(ctx, "s1")
	s.Phase = domain.PhaseBattleRoom
	st.Put(s)
	if _, err := c.Observe(ctx, s); err != nil {
		t.Fatalf("Observe battle room: %v", err)
	}

	s.Phase = domain.PhaseTopicSelection
	st.Put(s)
	obs, err := c.Observe(ctx, s)
	if err != nil {
		t.Fatalf("Observe regression: %v", err)
	}
	if !obs.Regressed {
		t.Fatalf("regression not flagged: %+v", obs)
	}
	after, _ := st.Get(ctx, "s1")
	if after.Phase != domain.PhaseTopicSelection {
		t.Fatalf("controller rewrote phase to %q", after.Phase)
	}
}

func TestObserveRetriesFailedLoad(t *testing.T) {
	c, st, loader := newTestController(t, "a", "b")
	ctx := context.Background()
	loader.err = errors.New("catalogue unavailable")

	s, _ := st.Get(ctx, "s1")
	obs, err := c.Observe(ctx, s)
	if err == nil {
		t.Fatalf("expected load error")
	}
	if !obs.Transitioned || obs.Loaded {
		t.Fatalf("observation = %+v", obs)
	}

	loader.err = nil
	entered, _ := st.Get(ctx, "s1")
	obs, err = c.Observe(ctx, entered)
	if err != nil || !obs.Loaded {
		t.Fatalf("retry: obs=%+v err=%v", obs, err)
	}
}

func TestStarterLoaderNamesTopics(t *testing.T) {
	content, err := StarterLoader{}.Load(context.Background(), "s1", []string{"arrays", "dp"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.Contains(content, "arrays, dp") {
		t.Fatalf("content = %q", content)
	}
}
