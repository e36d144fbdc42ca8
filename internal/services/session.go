package services

import "time"

// Phase is the single source of truth for where a participant is in the experiment.
type Phase string

const (
	PhaseCollectingIdentity       Phase = "collecting_identity"
	PhaseAssigningCondition       Phase = "assigning_condition"
	PhaseCollectingInitialOpinion Phase = "collecting_initial_opinion"
	PhaseConversing               Phase = "conversing"
	PhaseCollectingFinalOpinion   Phase = "collecting_final_opinion"
	PhaseCollectingArgumentation  Phase = "collecting_argumentation"
	PhaseCompleted                Phase = "completed"
)

// transitions lists every legal edge. The only backward edge is the optional
// change-topic reset from the initial-opinion phase.
var transitions = map[Phase][]Phase{
	PhaseCollectingIdentity:       {PhaseAssigningCondition},
	PhaseAssigningCondition:       {PhaseCollectingInitialOpinion, PhaseCollectingIdentity},
	PhaseCollectingInitialOpinion: {PhaseConversing, PhaseAssigningCondition},
	PhaseConversing:               {PhaseCollectingFinalOpinion},
	PhaseCollectingFinalOpinion:   {PhaseCollectingArgumentation},
	PhaseCollectingArgumentation:  {PhaseCompleted},
}

func canTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// EndReason records why the conversation phase ended.
type EndReason string

const (
	EndByParticipant EndReason = "participant"
	EndByModel       EndReason = "model"
)

// Session is the aggregate root for one participant's pass through the experiment.
// It is plain data so registries can serialise it; all mutation goes through Machine.
type Session struct {
	Handle         string     `json:"handle"`
	Phase          Phase      `json:"phase"`
	Identity       string     `json:"identity,omitempty"`
	Condition      Condition  `json:"condition"`
	TopicTitle     string     `json:"topic_title,omitempty"`
	NormTitle      string     `json:"norm_title,omitempty"`
	SystemPrompt   string     `json:"system_prompt,omitempty"`
	AssignWarning  string     `json:"assign_warning,omitempty"`
	InitialOpinion *int       `json:"initial_opinion,omitempty"`
	FinalOpinion   *int       `json:"final_opinion,omitempty"`
	Transcript     []Message  `json:"transcript"`
	Frozen         bool       `json:"frozen"`
	EndReason      EndReason  `json:"end_reason,omitempty"`
	HelpTranscript []Message  `json:"help_transcript"`
	Argumentation  string     `json:"argumentation,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewSession starts a session in the identity phase.
func NewSession(handle string, now time.Time) *Session {
	return &Session{
		Handle:         handle,
		Phase:          PhaseCollectingIdentity,
		Transcript:     []Message{},
		HelpTranscript: []Message{},
		StartedAt:      now,
	}
}

// UserTurns counts participant messages in the main transcript.
func (s *Session) UserTurns() int {
	n := 0
	for _, m := range s.Transcript {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// Opened reports whether the opening assistant line has been received.
func (s *Session) Opened() bool {
	return len(s.Transcript) > 0
}
