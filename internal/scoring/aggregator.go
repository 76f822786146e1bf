// Package scoring converges per-participant scores by broadcasting full score snapshots and
// records completed problems in the shared document.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

// Publisher sends one broadcast event
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Aggregator holds one participant's local score and completion maps. It is not safe for
// concurrent use; the owning coordinator serializes calls.
type Aggregator struct {
	sessionID string
	identity  string
	publisher Publisher
	store     store.SessionStore
	points    domain.PointTable
	clock     clockwork.Clock
	logger    *slog.Logger

	scores    map[string]int64
	completed map[string][]string
}

// NewAggregator creates the aggregator for identity in sessionID
func NewAggregator(sessionID, identity string, publisher Publisher, st store.SessionStore, points domain.PointTable, clock clockwork.Clock, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		identity:  identity,
		publisher: publisher,
		store:     st,
		points:    points,
		clock:     clock,
		logger:    logger,
		scores:    make(map[string]int64),
		completed: make(map[string][]string),
	}
}

// RecordSolve credits a solved problem to the local participant and broadcasts the resulting
// score snapshot. Solving an already completed problem awards nothing.
func (a *Aggregator) RecordSolve(ctx context.Context, problemID string, difficulty domain.Difficulty) (domain.ScoreUpdate, error) {
	pts, err := a.points.Points(difficulty)
	if err != nil {
		return domain.ScoreUpdate{}, domain.NewPreconditionError(err,
			fmt.Sprintf("unknown difficulty %q", difficulty))
	}
	if slices.Contains(a.completed[a.identity], problemID) {
		return domain.ScoreUpdate{}, domain.NewPreconditionError(domain.ErrProblemAlreadySolved,
			"you already solved "+problemID)
	}

	a.scores[a.identity] += pts
	a.completed[a.identity] = append(a.completed[a.identity], problemID)

	update := domain.ScoreUpdate{
		Scores:    maps.Clone(a.scores),
		EmittedBy: a.identity,
		Timestamp: a.clock.Now(),
	}

	a.recordCompletion(ctx, problemID, difficulty, pts)

	if err := a.publisher.Publish(ctx, broadcast.EventScoreUpdate, update); err != nil {
		return update, fmt.Errorf("broadcasting scores: %w", err)
	}
	a.logger.Info("problem solved", "session_id", a.sessionID, "identity", a.identity,
		"problem_id", problemID, "points", pts, "score", a.scores[a.identity])
	return update, nil
}

// recordCompletion merges the solve into the shared completion map and the audit trail.
// Both writes are best-effort.
func (a *Aggregator) recordCompletion(ctx context.Context, problemID string, difficulty domain.Difficulty, pts int64) {
	s, err := a.store.Get(ctx, a.sessionID)
	if err == nil {
		completed := make(map[string][]string, len(s.CompletedProblems)+1)
		for k, v := range s.CompletedProblems {
			completed[k] = slices.Clone(v)
		}
		if !slices.Contains(completed[a.identity], problemID) {
			completed[a.identity] = append(completed[a.identity], problemID)
			_, err = a.store.Update(ctx, a.sessionID, domain.SessionPatch{CompletedProblems: completed})
		}
	}
	if err != nil {
		a.logger.Warn("recording completion", "session_id", a.sessionID, "identity", a.identity, "error", err)
	}

	record, err := domain.NewAuditRecord(domain.AuditSolve, a.sessionID, a.identity,
		domain.SolveRecord{ProblemID: problemID, Difficulty: difficulty, Points: pts}, a.clock.Now())
	if err == nil {
		err = a.store.InsertAudit(ctx, record)
	}
	if err != nil {
		a.logger.Warn("recording solve", "session_id", a.sessionID, "identity", a.identity, "error", err)
	}
}

// Apply replaces the local score map with a received snapshot. The most recently received
// snapshot wins, including over scores it omits.
func (a *Aggregator) Apply(update domain.ScoreUpdate) {
	a.scores = maps.Clone(update.Scores)
	if a.scores == nil {
		a.scores = make(map[string]int64)
	}
}

// MergeCompletion unions the shared document's completion records into the local map
func (a *Aggregator) MergeCompletion(s domain.Session) {
	for identity, problems := range s.CompletedProblems {
		for _, p := range problems {
			if !slices.Contains(a.completed[identity], p) {
				a.completed[identity] = append(a.completed[identity], p)
			}
		}
	}
}

// Scores returns a copy of the local score map
func (a *Aggregator) Scores() map[string]int64 {
	return maps.Clone(a.scores)
}

// Completed returns a copy of the local completion map
func (a *Aggregator) Completed() map[string][]string {
	out := make(map[string][]string, len(a.completed))
	for k, v := range a.completed {
		out[k] = slices.Clone(v)
	}
	return out
}

// Reset clears local scores and completions for a new match
func (a *Aggregator) Reset() {
	a.scores = make(map[string]int64)
	a.completed = make(map[string][]string)
}
