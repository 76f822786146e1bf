package battle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// event is an input queued for the coordinator loop
type event interface{ isEvent() }

type remoteChange struct{ change store.Change }

func (remoteChange) isEvent() {}

type received struct{ env broadcast.Envelope }

func (received) isEvent() {}

type userAction struct {
	ctx    context.Context
	action Action
	reply  chan Result
}

func (userAction) isEvent() {}

type viewRequest struct{ reply chan domain.ViewModel }

func (viewRequest) isEvent() {}

// Coordinator owns one participant's Machine for the lifetime of its connection: the session
// subscriptions, the heartbeat ticker, the freeze timer and the loop that serializes them.
type Coordinator struct {
	id        string
	sessionID string
	identity  string
	machine   *Machine
	clock     clockwork.Clock
	logger    *slog.Logger
	cfg       Config

	skills      broadcast.Handle
	scores      broadcast.Handle
	unsubscribe func()

	inbox  chan event
	views  chan domain.ViewModel
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Open subscribes to the session's change feed and broadcast topics, joins the session and
// starts the coordinator loop.
func Open(ctx context.Context, sessionID, identity string, channel broadcast.Channel, deps Deps, cfg Config) (*Coordinator, error) {
	skills, err := channel.Open(ctx, broadcast.SkillsTopic(sessionID))
	if err != nil {
		return nil, fmt.Errorf("opening skills topic: %w", err)
	}
	scores, err := channel.Open(ctx, broadcast.ScoresTopic(sessionID))
	if err != nil {
		skills.Close()
		return nil, fmt.Errorf("opening scores topic: %w", err)
	}

	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	id := uuid.NewString()
	c := &Coordinator{
		id:        id,
		sessionID: sessionID,
		identity:  identity,
		machine:   NewMachine(sessionID, identity, skills, scores, deps, cfg),
		clock:     deps.Clock,
		logger:    deps.Logger.With("coordinator_id", id, "session_id", sessionID, "identity", identity),
		cfg:       cfg,
		skills:    skills,
		scores:    scores,
		inbox:     make(chan event, 64),
		views:     make(chan domain.ViewModel, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	skills.Subscribe(broadcast.EventSkill, c.enqueueEnvelope)
	scores.Subscribe(broadcast.EventScoreUpdate, c.enqueueEnvelope)

	c.unsubscribe, err = deps.Store.OnChange(ctx, sessionID, nil, func(change store.Change) {
		c.enqueue(remoteChange{change: change})
	})
	if err != nil {
		c.closeHandles()
		return nil, fmt.Errorf("subscribing to session: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if err := c.machine.Open(opCtx); err != nil {
		c.unsubscribe()
		c.closeHandles()
		return nil, fmt.Errorf("joining session: %w", err)
	}

	c.publishView()
	go c.run()

	c.logger.Info("coordinator opened")
	return c, nil
}

// ID identifies this coordinator instance
func (c *Coordinator) ID() string { return c.id }

// SessionID returns the coordinated session
func (c *Coordinator) SessionID() string { return c.sessionID }

// Identity returns the local participant
func (c *Coordinator) Identity() string { return c.identity }

// Views delivers view models after every processed input. Only the latest view is kept
// when the reader falls behind.
func (c *Coordinator) Views() <-chan domain.ViewModel { return c.views }

// Done is closed once the loop has stopped
func (c *Coordinator) Done() <-chan struct{} { return c.doneCh }

// Do performs a user action on the loop and waits for its result
func (c *Coordinator) Do(ctx context.Context, action Action) (Result, error) {
	req := userAction{ctx: ctx, action: action, reply: make(chan Result, 1)}
	select {
	case c.inbox <- req:
	case <-c.stopCh:
		return Result{}, domain.ErrCoordinatorClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-c.doneCh:
		return Result{}, domain.ErrCoordinatorClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// View returns the current view model
func (c *Coordinator) View(ctx context.Context) (domain.ViewModel, error) {
	req := viewRequest{reply: make(chan domain.ViewModel, 1)}
	select {
	case c.inbox <- req:
	case <-c.stopCh:
		return domain.ViewModel{}, domain.ErrCoordinatorClosed
	case <-ctx.Done():
		return domain.ViewModel{}, ctx.Err()
	}

	select {
	case v := <-req.reply:
		return v, nil
	case <-c.doneCh:
		return domain.ViewModel{}, domain.ErrCoordinatorClosed
	case <-ctx.Done():
		return domain.ViewModel{}, ctx.Err()
	}
}

// Close stops the loop, leaves the session and releases the subscriptions. It is safe to
// call more than once.
func (c *Coordinator) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		close(c.stopCh)
		<-c.doneCh

		opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		defer cancel()
		if leaveErr := c.machine.Leave(opCtx); leaveErr != nil {
			c.logger.Warn("leaving session", "error", leaveErr)
			err = leaveErr
		}

		c.unsubscribe()
		c.closeHandles()
		c.logger.Info("coordinator closed")
	})
	return err
}

func (c *Coordinator) run() {
	defer close(c.doneCh)

	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var freeze clockwork.Timer
	var freezeCh <-chan time.Time
	defer func() {
		if freeze != nil {
			stopAndDrainTimer(freeze)
		}
	}()

	for {
		select {
		case <-c.stopCh:
			return

		case <-ticker.Chan():
			c.withTimeout(c.machine.OnTick)

		case now := <-freezeCh:
			c.machine.OnTimer(now)

		case ev := <-c.inbox:
			switch e := ev.(type) {
			case remoteChange:
				c.withTimeout(func(ctx context.Context) { c.machine.OnRemoteChange(ctx, e.change) })
			case received:
				c.withTimeout(func(ctx context.Context) { c.machine.OnBroadcast(ctx, e.env) })
			case userAction:
				ctx, cancel := context.WithTimeout(e.ctx, c.cfg.OpTimeout)
				e.reply <- c.machine.OnUserAction(ctx, e.action)
				cancel()
			case viewRequest:
				e.reply <- c.machine.View()
				continue
			}
		}

		freeze, freezeCh = c.scheduleFreeze(freeze)
		c.publishView()
	}
}

// scheduleFreeze points the freeze timer at the machine's next expiry
func (c *Coordinator) scheduleFreeze(timer clockwork.Timer) (clockwork.Timer, <-chan time.Time) {
	expiry, ok := c.machine.NextExpiry()
	if !ok {
		if timer != nil {
			stopAndDrainTimer(timer)
		}
		return nil, nil
	}

	d := expiry.Sub(c.clock.Now())
	if timer == nil {
		timer = c.clock.NewTimer(d)
	} else {
		stopAndDrainTimer(timer)
		timer.Reset(d)
	}
	return timer, timer.Chan()
}

func (c *Coordinator) withTimeout(fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
	defer cancel()
	fn(ctx)
}

// publishView offers the latest view, replacing an unread older one
func (c *Coordinator) publishView() {
	v := c.machine.View()
	for {
		select {
		case c.views <- v:
			return
		default:
		}
		select {
		case <-c.views:
		default:
		}
	}
}

// enqueue hands a transport callback to the loop without blocking the transport. Inputs
// arriving while the inbox is full are dropped, as a lossy transport would.
func (c *Coordinator) enqueue(ev event) {
	select {
	case c.inbox <- ev:
	case <-c.stopCh:
	default:
		c.logger.Warn("coordinator inbox full, dropping input", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) enqueueEnvelope(env broadcast.Envelope) {
	c.enqueue(received{env: env})
}

func (c *Coordinator) closeHandles() {
	for _, h := range []broadcast.Handle{c.skills, c.scores} {
		if err := h.Close(); err != nil && !errors.Is(err, broadcast.ErrHandleClosed) {
			c.logger.Debug("closing broadcast handle", "error", err)
		}
	}
}

// stopAndDrainTimer stops a timer and drains a pending fire so a later Reset starts clean
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
