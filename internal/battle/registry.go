package battle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/domain"
)

// ErrNoCoordinator is returned when no local coordinator hosts the participant
var ErrNoCoordinator = errors.New("no coordinator for participant")

// Registry tracks the coordinators hosted by this process. Coordinators of the same session
// never talk to each other through it; it only routes external inputs such as verdicts.
type Registry struct {
	channel broadcast.Channel
	deps    Deps
	cfg     Config
	logger  *slog.Logger

	mu           sync.RWMutex
	coordinators map[string]*Coordinator
	order        []string
}

// Stats summarizes the hosted coordinators
type Stats struct {
	Coordinators int            `json:"coordinators"`
	Sessions     int            `json:"sessions"`
	PerSession   map[string]int `json:"per_session"`
}

// NewRegistry creates an empty registry whose coordinators use channel and deps
func NewRegistry(channel broadcast.Channel, deps Deps, cfg Config) *Registry {
	return &Registry{
		channel:      channel,
		deps:         deps,
		cfg:          cfg,
		logger:       deps.Logger,
		coordinators: make(map[string]*Coordinator),
	}
}

// Open starts a coordinator for identity in sessionID
func (r *Registry) Open(ctx context.Context, sessionID, identity string) (*Coordinator, error) {
	deps := r.deps
	r.mu.Lock()
	if r.deps.Rand != nil {
		deps.Rand = rand.New(rand.NewPCG(r.deps.Rand.Uint64(), r.deps.Rand.Uint64()))
	}
	r.mu.Unlock()

	c, err := Open(ctx, sessionID, identity, r.channel, deps, r.cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.coordinators[c.ID()] = c
	r.order = append(r.order, c.ID())
	r.mu.Unlock()
	return c, nil
}

// Close stops a coordinator and forgets it
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.coordinators[id]
	if ok {
		delete(r.coordinators, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return ErrNoCoordinator
	}
	return c.Close(ctx)
}

// Find returns the most recently opened coordinator for identity in sessionID
func (r *Registry) Find(sessionID, identity string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		c := r.coordinators[r.order[i]]
		if c.SessionID() == sessionID && c.Identity() == identity {
			return c, true
		}
	}
	return nil, false
}

// Deliver routes a passed verdict to the participant's coordinator as a solve. Exactly one
// coordinator is credited even when the participant has several connections open.
func (r *Registry) Deliver(ctx context.Context, v domain.Verdict) (Result, error) {
	if !v.Passed {
		return Result{Reason: "verdict did not pass"}, nil
	}
	c, ok := r.Find(v.SessionID, v.Identity)
	if !ok {
		return Result{}, ErrNoCoordinator
	}
	res, err := c.Do(ctx, RecordSolve{ProblemID: v.ProblemID, Difficulty: v.Difficulty})
	if err != nil {
		return Result{}, fmt.Errorf("delivering verdict: %w", err)
	}
	return res, nil
}

// Stats reports the number of hosted coordinators and sessions
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	per := make(map[string]int)
	for _, c := range r.coordinators {
		per[c.SessionID()]++
	}
	return Stats{
		Coordinators: len(r.coordinators),
		Sessions:     len(per),
		PerSession:   per,
	}
}

// Shutdown closes every coordinator
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Coordinator, 0, len(r.coordinators))
	for _, id := range r.order {
		all = append(all, r.coordinators[id])
	}
	r.coordinators = make(map[string]*Coordinator)
	r.order = nil
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				r.logger.Warn("closing coordinator", "coordinator_id", c.ID(), "error", err)
			}
		}(c)
	}
	wg.Wait()
}
