package services

import (
	"context"
	"time"
)

// Condition is the experimental condition assigned once per session.
type Condition struct {
	TopicKey string `json:"topic_key"`
	NormKey  string `json:"norm_key"`
}

func (c Condition) IsZero() bool { return c.TopicKey == "" && c.NormKey == "" }

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. Transcripts are append-only.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is what is sent to the completion service.
type ChatMessage struct {
	Role    Role
	Content string
}

// Completer is the language-model completion service.
// Stream must call onDelta with each text fragment and return the full text once the stream ends.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
	Stream(ctx context.Context, messages []ChatMessage, onDelta func(string)) (string, error)
}

// Row is the flat, denormalised record appended once per completed session.
type Row struct {
	Identity           string
	TopicKey           string
	TopicTitle         string
	NormKey            string
	NormTitle          string
	InitialOpinion     int
	FinalOpinion       int
	TranscriptJSON     string
	Argumentation      string
	HelpTranscriptJSON string
	CompletedAt        time.Time
}

// RowHeader names the store columns in order.
var RowHeader = []string{
	"identity", "topic_key", "topic_title", "norm_key", "norm_title",
	"initial_opinion", "final_opinion", "transcript_json", "argumentation",
	"help_transcript_json", "completed_at",
}

// RowReader is the read side of the append-only row store.
type RowReader interface {
	ListIdentities(ctx context.Context) ([]string, error)
	ListConditions(ctx context.Context) ([]Condition, error)
}

// RowAppender is the write side of the append-only row store.
type RowAppender interface {
	AppendRow(ctx context.Context, row Row) error
}

// RowStore is the full row store used by exports and analytics.
type RowStore interface {
	RowReader
	RowAppender
	ListRows(ctx context.Context) ([]Row, error)
}
