package battle

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/effects"
	"github.com/codebattle-sync/internal/phase"
	"github.com/codebattle-sync/internal/presence"
	"github.com/codebattle-sync/internal/readiness"
	"github.com/codebattle-sync/internal/scoring"
	"github.com/codebattle-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

// retryReason is shown for user actions that failed on transient I/O
const retryReason = "temporarily unavailable, please try again"

// Deps are the collaborators a machine runs against
type Deps struct {
	Store  store.SessionStore
	Loader phase.ChallengeLoader
	Clock  clockwork.Clock
	// Rand is owned by one machine. A Registry treats its own Rand as a seed source and
	// hands every coordinator a derived generator.
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Machine is one participant's coordination state machine. Every input arrives through
// one of its On* methods; it owns no goroutines or timers, so tests drive it directly.
// It is not safe for concurrent use.
type Machine struct {
	sessionID string
	identity  string
	clock     clockwork.Clock
	logger    *slog.Logger
	store     store.SessionStore

	presence  *presence.Tracker
	readiness *readiness.Coordinator
	phase     *phase.Controller
	effects   *effects.Dispatcher
	scores    *scoring.Aggregator

	session   domain.Session
	selection *readiness.Selection
	declared  bool
	regressed bool
	status    string
}

// NewMachine wires the five components for identity in sessionID. skills and scores are the
// publishers of the session's two broadcast topics.
func NewMachine(sessionID, identity string, skills effects.Publisher, scores scoring.Publisher, deps Deps, cfg Config) *Machine {
	logger := deps.Logger.With("session_id", sessionID, "identity", identity)
	return &Machine{
		sessionID: sessionID,
		identity:  identity,
		clock:     deps.Clock,
		logger:    logger,
		store:     deps.Store,
		presence:  presence.NewTracker(deps.Store, deps.Clock, logger, cfg.StalenessThreshold),
		readiness: readiness.NewCoordinator(deps.Store, logger),
		phase:     phase.NewController(deps.Store, deps.Loader, logger),
		effects: effects.NewDispatcher(sessionID, identity, skills, deps.Store, deps.Clock, deps.Rand, logger, effects.Config{
			FreezeDuration:    cfg.FreezeDuration,
			ChaosMinFragments: cfg.ChaosMinFragments,
			ChaosMaxFragments: cfg.ChaosMaxFragments,
		}),
		scores:    scoring.NewAggregator(sessionID, identity, scores, deps.Store, cfg.Points, deps.Clock, logger),
		session:   domain.Session{ID: sessionID},
		selection: readiness.NewSelection(domain.RequiredTopics),
	}
}

// Open joins the session. Unlike the other inputs, a failure here is returned because
// there is no session to coordinate without it.
func (m *Machine) Open(ctx context.Context) error {
	s, err := m.presence.Join(ctx, m.sessionID, m.identity)
	if err != nil {
		return err
	}
	m.session = s
	m.reconcile(ctx)
	return nil
}

// Leave removes the participant from the session
func (m *Machine) Leave(ctx context.Context) error {
	_, err := m.presence.Leave(ctx, m.sessionID, m.identity)
	return err
}

// OnTick runs the periodic heartbeat, pruning and self-healing
func (m *Machine) OnTick(ctx context.Context) {
	s, err := m.presence.Heartbeat(ctx, m.sessionID, m.identity)
	if err != nil {
		m.transient("heartbeat", err)
		return
	}
	m.session = s
	m.status = ""

	// readiness lost remotely, e.g. healed away while we were pruned
	if m.declared && s.Phase == domain.PhaseTopicSelection && !slices.Contains(s.ReadyParticipants, m.identity) {
		s, err := m.readiness.DeclareReady(ctx, m.sessionID, m.identity, m.selection.Topics())
		switch {
		case err == nil:
			m.session = s
		case domain.IsPrecondition(err):
			m.declared = false
			m.status = domain.Reason(err)
		default:
			m.transient("restoring readiness", err)
		}
	}
	m.reconcile(ctx)
}

// OnRemoteChange reacts to a change notification for the session document
func (m *Machine) OnRemoteChange(ctx context.Context, change store.Change) {
	if change.Session.ID != m.sessionID {
		return
	}
	m.session = change.Session
	m.reconcile(ctx)
}

// OnBroadcast applies a skill effect or score snapshot received on a session topic
func (m *Machine) OnBroadcast(ctx context.Context, env broadcast.Envelope) {
	switch env.Event {
	case broadcast.EventSkill:
		var effect domain.SkillEffect
		if err := env.Decode(&effect); err != nil {
			m.logger.Warn("dropping malformed skill", "error", err)
			return
		}
		// the change feed may lag the caster's broadcast
		if m.session.Phase != domain.PhaseBattleRoom && !m.refreshPhase(ctx) {
			m.logger.Debug("ignoring skill outside battle room", "kind", effect.Kind, "from", effect.From)
			return
		}
		out := m.effects.Receive(effect)
		switch {
		case !out.Applied:
		case out.Kind == domain.SkillFreeze:
			m.status = out.From + " froze your editor"
		case out.Kind == domain.SkillChaos:
			m.status = out.From + " scrambled your code"
		}

	case broadcast.EventScoreUpdate:
		var update domain.ScoreUpdate
		if err := env.Decode(&update); err != nil {
			m.logger.Warn("dropping malformed score update", "error", err)
			return
		}
		m.scores.Apply(update)

	default:
		m.logger.Debug("ignoring unknown broadcast", "event", env.Event)
	}
}

// refreshPhase re-reads the document and reports whether it is in the battle room
func (m *Machine) refreshPhase(ctx context.Context) bool {
	s, err := m.store.Get(ctx, m.sessionID)
	if err != nil {
		m.transient("reading session", err)
		return false
	}
	m.session = s
	m.reconcile(ctx)
	return m.session.Phase == domain.PhaseBattleRoom
}

// OnTimer expires timed effects whose window has passed
func (m *Machine) OnTimer(now time.Time) {
	if m.effects.Expire(now) {
		m.logger.Debug("freeze expired")
	}
}

// NextExpiry reports when the next timed effect ends
func (m *Machine) NextExpiry() (time.Time, bool) {
	return m.effects.NextExpiry()
}

// OnUserAction performs a user action and reports whether it succeeded
func (m *Machine) OnUserAction(ctx context.Context, action Action) Result {
	err := m.apply(ctx, action)
	switch {
	case err == nil:
		return Result{OK: true}
	case domain.IsPrecondition(err):
		return Result{Reason: domain.Reason(err)}
	default:
		m.transient(fmt.Sprintf("%T", action), err)
		return Result{Reason: retryReason}
	}
}

func (m *Machine) apply(ctx context.Context, action Action) error {
	switch a := action.(type) {
	case SelectTopic:
		if err := m.requirePhase(domain.PhaseTopicSelection); err != nil {
			return err
		}
		if m.declared {
			return domain.NewPreconditionError(domain.ErrInvalidTopicSelection, "change topics before picking new ones")
		}
		if a.Topic == "" {
			return domain.NewPreconditionError(domain.ErrInvalidTopicSelection, "no topic given")
		}
		m.selection.Toggle(a.Topic)
		return nil

	case DeclareReady:
		s, err := m.readiness.DeclareReady(ctx, m.sessionID, m.identity, m.selection.Topics())
		if err != nil {
			return err
		}
		m.declared = true
		m.session = s
		m.reconcile(ctx)
		return nil

	case ChangeTopics:
		s, err := m.readiness.ChangeTopics(ctx, m.sessionID, m.identity)
		if err != nil {
			return err
		}
		m.declared = false
		m.session = s
		m.reconcile(ctx)
		return nil

	case EnterBattleRoom:
		s, err := m.phase.EnterBattleRoom(ctx, m.sessionID)
		if err != nil {
			return err
		}
		m.session = s
		m.reconcile(ctx)
		return nil

	case UseSkill:
		if err := m.requirePhase(domain.PhaseBattleRoom); err != nil {
			return err
		}
		_, err := m.effects.UseSkill(ctx, a.Kind, a.Target, m.session.Connected())
		return err

	case RecordSolve:
		if err := m.requirePhase(domain.PhaseBattleRoom); err != nil {
			return err
		}
		_, err := m.scores.RecordSolve(ctx, a.ProblemID, a.Difficulty)
		return err

	case EditContent:
		if err := m.requirePhase(domain.PhaseBattleRoom); err != nil {
			return err
		}
		return m.effects.Edit(a.Content)

	case ResetMatch:
		m.effects.Reset()
		m.scores.Reset()
		m.phase.Reset()
		m.regressed = false
		m.reconcile(ctx)
		return nil

	default:
		return domain.NewPreconditionError(domain.ErrInvalidRequest, fmt.Sprintf("unsupported action %T", action))
	}
}

// reconcile applies the derived-state rules to the latest known document: incorrectly ready
// participants are removed, the phase guard is evaluated and completions are merged.
func (m *Machine) reconcile(ctx context.Context) {
	healed, _, err := m.readiness.Heal(ctx, m.session)
	if err != nil {
		m.transient("healing readiness", err)
	} else {
		m.session = healed
	}

	obs, err := m.phase.Observe(ctx, m.session)
	m.session.Phase = obs.Phase
	if obs.Regressed {
		m.regressed = true
	}
	if obs.Loaded {
		m.effects.SetContent(obs.Content)
	}
	if err != nil {
		m.transient("updating phase", err)
	}

	m.scores.MergeCompletion(m.session)
}

func (m *Machine) requirePhase(p domain.Phase) error {
	if m.session.Phase != p {
		return domain.NewPreconditionError(domain.ErrWrongPhase,
			fmt.Sprintf("not available during %s", m.session.Phase))
	}
	return nil
}

// transient records a swallowed I/O failure; the next tick retries
func (m *Machine) transient(op string, err error) {
	m.logger.Warn("transient failure", "op", op, "error", err)
	m.status = "connection problem, retrying"
}

// Session returns the latest known document
func (m *Machine) Session() domain.Session {
	return m.session.Clone()
}

// View derives the view model for the local participant
func (m *Machine) View() domain.ViewModel {
	now := m.clock.Now()
	v := domain.ViewModel{
		SessionID:             m.sessionID,
		Identity:              m.identity,
		Phase:                 m.session.Phase,
		ConnectedParticipants: m.session.Connected(),
		EffectiveReady:        m.session.EffectiveReadyMap(),
		ReadinessState:        string(m.selection.State(m.declared)),
		SelectedTopics:        m.selection.Topics(),
		Scores:                m.scores.Scores(),
		Completed:             m.scores.Completed(),
		ActiveEffectsOnMe:     m.effects.ActiveEffects(now),
		SkillsUsed:            m.effects.SkillsUsed(),
		Content:               m.effects.Content(),
		RegressionObserved:    m.regressed,
		Status:                m.status,
	}
	if m.session.Phase == domain.PhaseBattleRoom {
		v.AgreedTopics = m.session.AgreedTopics()
	}
	if err := m.session.CanEnterBattle(); err != nil {
		v.EnterBlockedReason = domain.Reason(err)
	} else {
		v.CanEnterBattle = true
	}
	return v
}
