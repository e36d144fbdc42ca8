package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TranscriptWriter is the optional local backup written next to the store append.
type TranscriptWriter interface {
	Write(ctx context.Context, s *Session) (string, error)
}

// ResultRecorder turns a finished session into exactly one appended row.
type ResultRecorder struct {
	store  RowAppender
	backup TranscriptWriter
}

// NewResultRecorder builds a recorder; backup may be nil.
func NewResultRecorder(store RowAppender, backup TranscriptWriter) *ResultRecorder {
	return &ResultRecorder{store: store, backup: backup}
}

type transcriptEntry struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// EncodeTranscript renders messages as the JSON blob stored in a row.
func EncodeTranscript(msgs []Message) (string, error) {
	out := make([]transcriptEntry, 0, len(msgs))
	for _, m := range msgs {
		e := transcriptEntry{Role: m.Role, Content: m.Content}
		if !m.Timestamp.IsZero() {
			e.Timestamp = m.Timestamp.UTC().Format(time.RFC3339)
		}
		out = append(out, e)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeTranscript reverses EncodeTranscript. Timestamps that fail to parse are dropped.
func DecodeTranscript(blob string) ([]Message, error) {
	if blob == "" {
		return []Message{}, nil
	}
	var in []transcriptEntry
	if err := json.Unmarshal([]byte(blob), &in); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	out := make([]Message, 0, len(in))
	for _, e := range in {
		m := Message{Role: e.Role, Content: e.Content}
		if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			m.Timestamp = ts
		}
		out = append(out, m)
	}
	return out, nil
}

// BuildRow flattens a completed session.
func BuildRow(s *Session) (Row, error) {
	if s.InitialOpinion == nil || s.FinalOpinion == nil || s.CompletedAt == nil {
		return Row{}, NewInvalidError("session is not complete")
	}
	transcript, err := EncodeTranscript(s.Transcript)
	if err != nil {
		return Row{}, err
	}
	help, err := EncodeTranscript(s.HelpTranscript)
	if err != nil {
		return Row{}, err
	}
	return Row{
		Identity:           s.Identity,
		TopicKey:           s.Condition.TopicKey,
		TopicTitle:         s.TopicTitle,
		NormKey:            s.Condition.NormKey,
		NormTitle:          s.NormTitle,
		InitialOpinion:     *s.InitialOpinion,
		FinalOpinion:       *s.FinalOpinion,
		TranscriptJSON:     transcript,
		Argumentation:      s.Argumentation,
		HelpTranscriptJSON: help,
		CompletedAt:        s.CompletedAt.UTC(),
	}, nil
}

// Persist appends the row and, independently, writes the local backup.
// Store failures carry the store_unavailable code; backup failures do not.
func (r *ResultRecorder) Persist(ctx context.Context, s *Session) error {
	row, err := BuildRow(s)
	if err != nil {
		return err
	}
	var storeErr, backupErr error
	if err := r.store.AppendRow(ctx, row); err != nil {
		storeErr = NewStoreUnavailableError("append session row", err)
	}
	if r.backup != nil {
		if _, err := r.backup.Write(ctx, s); err != nil {
			backupErr = fmt.Errorf("write transcript backup: %w", err)
		}
	}
	return errors.Join(storeErr, backupErr)
}
