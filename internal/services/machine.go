package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultMinUserTurns = 3
	DefaultOpinionMin   = 1
	DefaultOpinionMax   = 7

	defaultHelpPrompt = "You are a neutral writing assistant. The participant is writing a short justification " +
		"of their own opinion about %s. Help them clarify and structure their thoughts. " +
		"Do not argue for or against any position and do not write the justification for them."
)

// Rules are the experiment parameters shared by every session.
type Rules struct {
	MinUserTurns     int
	OpinionMin       int
	OpinionMax       int
	AllowTopicChange bool
	// HelpPrompt is a format string receiving the norm title.
	HelpPrompt string
}

func (r Rules) withDefaults() Rules {
	if r.MinUserTurns <= 0 {
		r.MinUserTurns = DefaultMinUserTurns
	}
	if r.OpinionMin == 0 && r.OpinionMax == 0 {
		r.OpinionMin, r.OpinionMax = DefaultOpinionMin, DefaultOpinionMax
	}
	if strings.TrimSpace(r.HelpPrompt) == "" {
		r.HelpPrompt = defaultHelpPrompt
	}
	return r
}

// Experiment wires the collaborators every session machine delegates to.
type Experiment struct {
	Catalog  *Catalog
	Guard    *DuplicateGuard
	Assigner *ConditionAssigner
	Engine   *ConversationEngine
	Recorder *ResultRecorder
	Rules    Rules
	Logger   *slog.Logger
	// OnTransition, when set, observes every accepted phase change.
	OnTransition func(from, to Phase)

	now func() time.Time
}

func NewExperiment(catalog *Catalog, guard *DuplicateGuard, assigner *ConditionAssigner, engine *ConversationEngine, recorder *ResultRecorder, rules Rules, logger *slog.Logger) *Experiment {
	if logger == nil {
		logger = slog.Default()
	}
	return &Experiment{
		Catalog:  catalog,
		Guard:    guard,
		Assigner: assigner,
		Engine:   engine,
		Recorder: recorder,
		Rules:    rules.withDefaults(),
		Logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source; used by tests.
func (x *Experiment) SetClock(now func() time.Time) { x.now = now }

func (x *Experiment) NewSession(handle string) *Session {
	return NewSession(handle, x.now())
}

// Machine binds the experiment to one session.
func (x *Experiment) Machine(s *Session) *Machine {
	return &Machine{x: x, s: s}
}

// Machine enforces the phase order for a single session. It is not safe for
// concurrent use; callers serialise access per session.
type Machine struct {
	x *Experiment
	s *Session
}

func (m *Machine) Session() *Session { return m.s }
func (m *Machine) Phase() Phase      { return m.s.Phase }

func (m *Machine) require(p Phase) error {
	if m.s.Phase == PhaseCompleted {
		return &ServiceError{Code: ErrorSessionCompleted, Message: "session already completed"}
	}
	if m.s.Phase != p {
		return NewTransitionError(fmt.Sprintf("not allowed in phase %s", m.s.Phase))
	}
	return nil
}

func (m *Machine) transition(to Phase) error {
	from := m.s.Phase
	if !canTransition(from, to) {
		return NewTransitionError(fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	m.s.Phase = to
	m.x.Logger.Debug("phase transition", "handle", m.s.Handle, "from", from, "to", to)
	if m.x.OnTransition != nil {
		m.x.OnTransition(from, to)
	}
	return nil
}

// SubmitIdentity validates the identifier, rejects duplicates and assigns a condition.
// On any failure the session stays in the identity phase with nothing recorded.
func (m *Machine) SubmitIdentity(ctx context.Context, raw string) error {
	if err := m.require(PhaseCollectingIdentity); err != nil {
		return err
	}
	identity := strings.TrimSpace(raw)
	if identity == "" {
		return &ServiceError{Code: ErrorMissingIdentifier, Message: "identifier required"}
	}
	exists, err := m.x.Guard.Exists(ctx, identity)
	if err != nil {
		return err
	}
	if exists {
		m.x.Logger.Info("duplicate identity rejected", "handle", m.s.Handle)
		return &ServiceError{Code: ErrorDuplicateIdentifier, Message: "this identifier has already taken part"}
	}
	if err := m.transition(PhaseAssigningCondition); err != nil {
		return err
	}
	asg, err := m.x.Assigner.Pick(ctx)
	if err != nil {
		_ = m.transition(PhaseCollectingIdentity)
		return err
	}
	m.s.Identity = identity
	if err := m.applyCondition(asg); err != nil {
		m.s.Identity = ""
		_ = m.transition(PhaseCollectingIdentity)
		return err
	}
	m.x.Logger.Info("condition assigned", "handle", m.s.Handle, "topic", asg.Condition.TopicKey, "norm", asg.Condition.NormKey)
	return m.transition(PhaseCollectingInitialOpinion)
}

func (m *Machine) applyCondition(asg Assignment) error {
	topic, ok := m.x.Catalog.Topic(asg.Condition.TopicKey)
	if !ok {
		return NewInvalidError(fmt.Sprintf("unknown topic %q", asg.Condition.TopicKey))
	}
	norm, ok := m.x.Catalog.Norm(asg.Condition.NormKey)
	if !ok {
		return NewInvalidError(fmt.Sprintf("unknown norm %q", asg.Condition.NormKey))
	}
	m.s.Condition = asg.Condition
	m.s.TopicTitle = topic.Title
	m.s.NormTitle = norm.Title
	m.s.SystemPrompt = m.x.Engine.SystemPrompt(topic, norm)
	m.s.AssignWarning = asg.Warning
	return nil
}

// ChangeTopic reassigns the condition before the conversation starts.
func (m *Machine) ChangeTopic(ctx context.Context) error {
	if !m.x.Rules.AllowTopicChange {
		return &ServiceError{Code: ErrorFeatureDisabled, Message: "changing topic is disabled"}
	}
	if err := m.require(PhaseCollectingInitialOpinion); err != nil {
		return err
	}
	if err := m.transition(PhaseAssigningCondition); err != nil {
		return err
	}
	asg, err := m.x.Assigner.Pick(ctx, m.s.Condition)
	if err == nil {
		err = m.applyCondition(asg)
	}
	if err != nil {
		_ = m.transition(PhaseCollectingInitialOpinion)
		return err
	}
	m.s.InitialOpinion = nil
	m.s.FinalOpinion = nil
	m.s.Transcript = []Message{}
	m.s.HelpTranscript = []Message{}
	return m.transition(PhaseCollectingInitialOpinion)
}

func (m *Machine) validateOpinion(v *int) error {
	if v == nil {
		return NewEmptySubmissionError("opinion rating required")
	}
	if *v < m.x.Rules.OpinionMin || *v > m.x.Rules.OpinionMax {
		return NewInvalidError(fmt.Sprintf("opinion must be between %d and %d", m.x.Rules.OpinionMin, m.x.Rules.OpinionMax))
	}
	return nil
}

// SubmitInitialOpinion records the pre-conversation rating and opens the conversation.
// The rating is kept even if the opening line fails; OpenConversation retries it.
func (m *Machine) SubmitInitialOpinion(ctx context.Context, v *int) error {
	if err := m.require(PhaseCollectingInitialOpinion); err != nil {
		return err
	}
	if err := m.validateOpinion(v); err != nil {
		return err
	}
	if m.s.Condition.IsZero() {
		return NewTransitionError("no condition assigned")
	}
	val := *v
	m.s.InitialOpinion = &val
	if err := m.transition(PhaseConversing); err != nil {
		return err
	}
	_, err := m.OpenConversation(ctx)
	return err
}

// OpenConversation fetches the model's opening line once; later calls return it again.
func (m *Machine) OpenConversation(ctx context.Context) (TurnResult, error) {
	if err := m.require(PhaseConversing); err != nil {
		return TurnResult{}, err
	}
	if m.s.Opened() {
		return TurnResult{Reply: m.s.Transcript[0].Content}, nil
	}
	res, err := m.x.Engine.Open(ctx, m.s.SystemPrompt)
	if err != nil {
		m.x.Logger.Warn("opening line failed", "handle", m.s.Handle, "err", err)
		return TurnResult{}, err
	}
	m.s.Transcript = append(m.s.Transcript, Message{Role: RoleAssistant, Content: res.Reply, Timestamp: m.x.now()})
	if res.Terminated {
		if err := m.endConversation(EndByModel); err != nil {
			return TurnResult{}, err
		}
	}
	return res, nil
}

// SendMessage runs one conversation turn. The transcript changes only when the
// completion succeeds, so a failed turn can be resubmitted as is.
func (m *Machine) SendMessage(ctx context.Context, text string) (TurnResult, error) {
	return m.SendMessageStream(ctx, text, nil)
}

func (m *Machine) SendMessageStream(ctx context.Context, text string, onDelta func(string)) (TurnResult, error) {
	if err := m.require(PhaseConversing); err != nil {
		return TurnResult{}, err
	}
	utterance := strings.TrimSpace(text)
	if utterance == "" {
		return TurnResult{}, NewEmptySubmissionError("message is empty")
	}
	if !m.s.Opened() {
		return TurnResult{}, NewTransitionError("conversation has not started")
	}
	sentAt := m.x.now()
	res, err := m.x.Engine.Reply(ctx, m.s.SystemPrompt, m.s.Transcript, utterance, onDelta)
	if err != nil {
		m.x.Logger.Warn("conversation turn failed", "handle", m.s.Handle, "err", err)
		return TurnResult{}, err
	}
	m.s.Transcript = append(m.s.Transcript,
		Message{Role: RoleUser, Content: utterance, Timestamp: sentAt},
		Message{Role: RoleAssistant, Content: res.Reply, Timestamp: m.x.now()},
	)
	if res.Terminated {
		if err := m.endConversation(EndByModel); err != nil {
			return TurnResult{}, err
		}
	}
	return res, nil
}

// CanEndConversation reports whether the participant may end the conversation now.
func (m *Machine) CanEndConversation() bool {
	return m.s.Phase == PhaseConversing && m.s.UserTurns() >= m.x.Rules.MinUserTurns
}

func (m *Machine) EndConversation() error {
	if err := m.require(PhaseConversing); err != nil {
		return err
	}
	if !m.CanEndConversation() {
		return &ServiceError{
			Code:    ErrorConversationTooShort,
			Message: fmt.Sprintf("at least %d messages are required before ending", m.x.Rules.MinUserTurns),
		}
	}
	return m.endConversation(EndByParticipant)
}

func (m *Machine) endConversation(reason EndReason) error {
	if err := m.transition(PhaseCollectingFinalOpinion); err != nil {
		return err
	}
	m.s.Frozen = true
	m.s.EndReason = reason
	m.x.Logger.Info("conversation ended", "handle", m.s.Handle, "reason", reason, "user_turns", m.s.UserTurns())
	return nil
}

// FinalOpinionDefault is the neutral starting value offered for the final rating.
func (m *Machine) FinalOpinionDefault() *int {
	if m.s.InitialOpinion == nil {
		return nil
	}
	v := *m.s.InitialOpinion
	return &v
}

func (m *Machine) SubmitFinalOpinion(_ context.Context, v *int) error {
	if err := m.require(PhaseCollectingFinalOpinion); err != nil {
		return err
	}
	if err := m.validateOpinion(v); err != nil {
		return err
	}
	val := *v
	m.s.FinalOpinion = &val
	return m.transition(PhaseCollectingArgumentation)
}

// AskHelper runs the auxiliary writing-help conversation. It never affects the main
// transcript or the phase.
func (m *Machine) AskHelper(ctx context.Context, text string) (TurnResult, error) {
	if err := m.require(PhaseCollectingArgumentation); err != nil {
		return TurnResult{}, err
	}
	q := strings.TrimSpace(text)
	if q == "" {
		return TurnResult{}, NewEmptySubmissionError("question is empty")
	}
	prompt := fmt.Sprintf(m.x.Rules.HelpPrompt, m.s.NormTitle)
	sentAt := m.x.now()
	res, err := m.x.Engine.Reply(ctx, prompt, m.s.HelpTranscript, q, nil)
	if err != nil {
		return TurnResult{}, err
	}
	m.s.HelpTranscript = append(m.s.HelpTranscript,
		Message{Role: RoleUser, Content: q, Timestamp: sentAt},
		Message{Role: RoleAssistant, Content: res.Reply, Timestamp: m.x.now()},
	)
	return TurnResult{Reply: res.Reply}, nil
}

// SubmitArgumentation stores the justification and completes the session, persisting it.
// A store failure leaves the session in the argumentation phase. When a row for
// the identity already exists, as after a submission whose answer was lost, the
// session completes without appending again.
func (m *Machine) SubmitArgumentation(ctx context.Context, text string) error {
	if err := m.require(PhaseCollectingArgumentation); err != nil {
		return err
	}
	arg := strings.TrimSpace(text)
	if arg == "" {
		return NewEmptySubmissionError("argumentation is empty")
	}
	if m.s.InitialOpinion == nil || m.s.FinalOpinion == nil {
		return NewTransitionError("opinions missing")
	}
	done := m.x.now()
	final := *m.s
	final.Argumentation = arg
	final.CompletedAt = &done

	recorded, err := m.x.Guard.Exists(ctx, m.s.Identity)
	if err != nil {
		m.x.Logger.Error("check recorded row failed", "handle", m.s.Handle, "err", err)
		return err
	}
	if recorded {
		m.x.Logger.Warn("row already recorded, completing without append", "handle", m.s.Handle)
	} else if err := m.x.Recorder.Persist(ctx, &final); err != nil {
		if HasCode(err, ErrorStoreUnavailable) {
			m.x.Logger.Error("persist session failed", "handle", m.s.Handle, "err", err)
			return err
		}
		m.x.Logger.Warn("transcript backup failed", "handle", m.s.Handle, "err", err)
	}
	m.s.Argumentation = arg
	m.s.CompletedAt = &done
	if err := m.transition(PhaseCompleted); err != nil {
		return err
	}
	m.x.Logger.Info("session completed", "handle", m.s.Handle, "topic", m.s.Condition.TopicKey, "norm", m.s.Condition.NormKey)
	return nil
}
