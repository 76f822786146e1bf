package scoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

type harness struct {
	clock clockwork.FakeClock
	store *store.MemoryStore
	bus   *broadcast.MemoryBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := store.NewMemoryStore(clock)
	s := domain.NewSession("s1", "p1", clock.Now())
	s.ConnectedParticipants = []string{"p1", "p2"}
	s.Phase = domain.PhaseBattleRoom
	st.Put(s)
	return &harness{clock: clock, store: st, bus: broadcast.NewMemoryBus(clock)}
}

// join opens a scores handle for identity and wires received snapshots into its aggregator
func (h *harness) join(t *testing.T, identity string) *Aggregator {
	t.Helper()
	handle, err := h.bus.Open(context.Background(), broadcast.ScoresTopic("s1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	agg := NewAggregator("s1", identity, handle, h.store, domain.DefaultPoints(), h.clock,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	handle.Subscribe(broadcast.EventScoreUpdate, func(env broadcast.Envelope) {
		var update domain.ScoreUpdate
		if err := env.Decode(&update); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		agg.Apply(update)
	})
	return agg
}

func TestScoreConvergenceFullSnapshotWins(t *testing.T) {
	h := newHarness(t)
	p1 := h.join(t, "p1")
	p2 := h.join(t, "p2")

	// p2 holds a stale local map that p1 has never seen
	p2.Apply(domain.ScoreUpdate{Scores: map[string]int64{"p1": 0, "p2": 5}})

	if _, err := p1.RecordSolve(context.Background(), "two-sum", domain.DifficultyEasy); err != nil {
		t.Fatalf("RecordSolve: %v", err)
	}

	want := map[string]int64{"p1": 10}
	if got := p2.Scores(); !reflect.DeepEqual(got, want) {
		t.Fatalf("p2 scores = %v, want %v", got, want)
	}
	if got := p1.Scores(); !reflect.DeepEqual(got, want) {
		t.Fatalf("p1 self-delivered scores = %v, want %v", got, want)
	}
}

func TestSnapshotCarriesOthersScores(t *testing.T) {
	h := newHarness(t)
	p1 := h.join(t, "p1")
	p2 := h.join(t, "p2")
	ctx := context.Background()

	if _, err := p2.RecordSolve(ctx, "a", domain.DifficultyMedium); err != nil {
		t.Fatalf("p2 solve: %v", err)
	}
	if _, err := p1.RecordSolve(ctx, "b", domain.DifficultyHard); err != nil {
		t.Fatalf("p1 solve: %v", err)
	}

	want := map[string]int64{"p1": 30, "p2": 20}
	for name, agg := range map[string]*Aggregator{"p1": p1, "p2": p2} {
		if got := agg.Scores(); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s scores = %v, want %v", name, got, want)
		}
	}
}

func TestRecordSolvePreconditions(t *testing.T) {
	h := newHarness(t)
	p1 := h.join(t, "p1")
	ctx := context.Background()

	if _, err := p1.RecordSolve(ctx, "x", "legendary"); !errors.Is(err, domain.ErrUnknownDifficulty) || !domain.IsPrecondition(err) {
		t.Fatalf("unknown difficulty: %v", err)
	}

	if _, err := p1.RecordSolve(ctx, "x", domain.DifficultyEasy); err != nil {
		t.Fatalf("RecordSolve: %v", err)
	}
	if _, err := p1.RecordSolve(ctx, "x", domain.DifficultyEasy); !errors.Is(err, domain.ErrProblemAlreadySolved) {
		t.Fatalf("duplicate solve: %v", err)
	}
	if got := p1.Scores()["p1"]; got != 10 {
		t.Fatalf("score = %d after duplicate solve, want 10", got)
	}
}

func TestRecordSolveWritesCompletionAndAudit(t *testing.T) {
	h := newHarness(t)
	p1 := h.join(t, "p1")
	ctx := context.Background()

	if _, err := p1.RecordSolve(ctx, "two-sum", domain.DifficultyEasy); err != nil {
		t.Fatalf("RecordSolve: %v", err)
	}

	s, _ := h.store.Get(ctx, "s1")
	if !reflect.DeepEqual(s.CompletedProblems["p1"], []string{"two-sum"}) {
		t.Fatalf("completed = %v", s.CompletedProblems)
	}
	records := h.store.Audit()
	if len(records) != 1 || records[0].Kind != domain.AuditSolve || records[0].Identity != "p1" {
		t.Fatalf("audit = %+v", records)
	}
}

func TestRecordSolveSurvivesStoreFailure(t *testing.T) {
	h := newHarness(t)
	p1 := h.join(t, "p1")
	p2 := h.join(t, "p2")
	h.store.FailWrites(errors.New("store down"))

	if _, err := p1.RecordSolve(context.Background(), "two-sum", domain.DifficultyEasy); err != nil {
		t.Fatalf("RecordSolve: %v", err)
	}
	if got := p2.Scores()["p1"]; got != 10 {
		t.Fatalf("broadcast blocked by store failure: p2 sees %d", got)
	}
}

func TestRecordSolveLostBroadcastKeepsLocalScore(t *testing.T) {
	h := newHarness(t)
	p1 := h.join(t, "p1")
	p2 := h.join(t, "p2")
	h.bus.DropAll(true)

	if _, err := p1.RecordSolve(context.Background(), "two-sum", domain.DifficultyEasy); err != nil {
		t.Fatalf("RecordSolve: %v", err)
	}
	if got := p1.Scores()["p1"]; got != 10 {
		t.Fatalf("local score = %d", got)
	}
	if got := p2.Scores()["p1"]; got != 0 {
		t.Fatalf("dropped snapshot delivered: %d", got)
	}

	// the next snapshot carries the earlier solve
	h.bus.DropAll(false)
	if _, err := p1.RecordSolve(context.Background(), "three-sum", domain.DifficultyMedium); err != nil {
		t.Fatalf("RecordSolve: %v", err)
	}
	if got := p2.Scores()["p1"]; got != 30 {
		t.Fatalf("p2 sees %d, want 30", got)
	}
}

func TestMergeCompletionGuardsAcrossReopen(t *testing.T) {
	h := newHarness(t)
	p1 := h.join(t, "p1")
	s, _ := h.store.Get(context.Background(), "s1")
	s.CompletedProblems = map[string][]string{"p1": {"two-sum"}}

	p1.MergeCompletion(s)
	if _, err := p1.RecordSolve(context.Background(), "two-sum", domain.DifficultyEasy); !errors.Is(err, domain.ErrProblemAlreadySolved) {
		t.Fatalf("solve of merged completion: %v", err)
	}

	p1.Reset()
	if len(p1.Scores()) != 0 || len(p1.Completed()) != 0 {
		t.Fatalf("reset left state behind")
	}
}
