package api

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/NormLab/internal/services"
)

type opinionScale struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// sessionView is what the participant client renders. The system prompt and the
// condition keys stay on the server.
type sessionView struct {
	Handle              string             `json:"handle"`
	Phase               services.Phase     `json:"phase"`
	Identity            string             `json:"identity,omitempty"`
	Topic               *services.Topic    `json:"topic,omitempty"`
	Norm                *services.Norm     `json:"norm,omitempty"`
	OpinionScale        opinionScale       `json:"opinion_scale"`
	InitialOpinion      *int               `json:"initial_opinion,omitempty"`
	FinalOpinion        *int               `json:"final_opinion,omitempty"`
	FinalOpinionDefault *int               `json:"final_opinion_default,omitempty"`
	Transcript          []services.Message `json:"transcript"`
	HelpTranscript      []services.Message `json:"help_transcript"`
	UserTurns           int                `json:"user_turns"`
	MinUserTurns        int                `json:"min_user_turns"`
	CanEndConversation  bool               `json:"can_end_conversation"`
	EndReason           services.EndReason `json:"end_reason,omitempty"`
	AssignWarning       string             `json:"assign_warning,omitempty"`
	TopicChangeAllowed  bool               `json:"topic_change_allowed"`
	StartedAt           time.Time          `json:"started_at"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
}

type turnView struct {
	Reply      string      `json:"reply"`
	Terminated bool        `json:"terminated"`
	Session    sessionView `json:"session"`
}

func (rt *Router) view(m *services.Machine) sessionView {
	s := m.Session()
	rules := rt.x.Rules
	v := sessionView{
		Handle:             s.Handle,
		Phase:              s.Phase,
		Identity:           s.Identity,
		OpinionScale:       opinionScale{Min: rules.OpinionMin, Max: rules.OpinionMax},
		InitialOpinion:     s.InitialOpinion,
		FinalOpinion:       s.FinalOpinion,
		Transcript:         s.Transcript,
		HelpTranscript:     s.HelpTranscript,
		UserTurns:          s.UserTurns(),
		MinUserTurns:       rules.MinUserTurns,
		CanEndConversation: m.CanEndConversation(),
		EndReason:          s.EndReason,
		AssignWarning:      s.AssignWarning,
		TopicChangeAllowed: rules.AllowTopicChange && s.Phase == services.PhaseCollectingInitialOpinion,
		StartedAt:          s.StartedAt,
		CompletedAt:        s.CompletedAt,
	}
	if s.Phase == services.PhaseCollectingFinalOpinion {
		v.FinalOpinionDefault = m.FinalOpinionDefault()
	}
	if !s.Condition.IsZero() {
		if t, ok := rt.x.Catalog.Topic(s.Condition.TopicKey); ok {
			v.Topic = &t
		}
		if n, ok := rt.x.Catalog.Norm(s.Condition.NormKey); ok {
			v.Norm = &n
		}
	}
	return v
}

func newSessionHandle() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
