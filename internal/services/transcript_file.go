package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileTranscriptWriter writes one Markdown file with YAML front matter per completed session.
type FileTranscriptWriter struct {
	dir string
}

func NewFileTranscriptWriter(dir string) *FileTranscriptWriter {
	return &FileTranscriptWriter{dir: dir}
}

type transcriptMeta struct {
	Identity      string `yaml:"identity"`
	TopicKey      string `yaml:"topic_key"`
	TopicTitle    string `yaml:"topic_title"`
	NormKey       string `yaml:"norm_key"`
	NormTitle     string `yaml:"norm_title"`
	StartedAt     string `yaml:"started_at"`
	EndedAt       string `yaml:"ended_at"`
	MessageCount  int    `yaml:"message_count"`
	EndReason     string `yaml:"end_reason,omitempty"`
	InitialRating int    `yaml:"initial_opinion"`
	FinalRating   int    `yaml:"final_opinion"`
}

// TranscriptFileName is deterministic in identity and completion time.
func TranscriptFileName(identity string, completed time.Time) string {
	return fmt.Sprintf("%s_%s.md", fileSlug(identity), completed.UTC().Format("20060102T150405Z"))
}

func (w *FileTranscriptWriter) Write(_ context.Context, s *Session) (string, error) {
	if s.CompletedAt == nil {
		return "", fmt.Errorf("session %s has no completion time", s.Handle)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}
	meta := transcriptMeta{
		Identity:     s.Identity,
		TopicKey:     s.Condition.TopicKey,
		TopicTitle:   s.TopicTitle,
		NormKey:      s.Condition.NormKey,
		NormTitle:    s.NormTitle,
		StartedAt:    s.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:      s.CompletedAt.UTC().Format(time.RFC3339),
		MessageCount: len(s.Transcript),
		EndReason:    string(s.EndReason),
	}
	if s.InitialOpinion != nil {
		meta.InitialRating = *s.InitialOpinion
	}
	if s.FinalOpinion != nil {
		meta.FinalRating = *s.FinalOpinion
	}
	raw, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(raw)
	buf.WriteString("---\n\n")
	fmt.Fprintf(&buf, "# Session %s\n\n", s.Identity)
	fmt.Fprintf(&buf, "Condition: %s / %s\n\n## Transcript\n\n", s.TopicTitle, s.NormTitle)
	writeMessages(&buf, s.Transcript)
	if len(s.HelpTranscript) > 0 {
		buf.WriteString("## Writing help\n\n")
		writeMessages(&buf, s.HelpTranscript)
	}
	fmt.Fprintf(&buf, "## Argumentation\n\n%s\n", s.Argumentation)

	path := filepath.Join(w.dir, TranscriptFileName(s.Identity, *s.CompletedAt))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	return path, nil
}

func writeMessages(buf *bytes.Buffer, msgs []Message) {
	for _, m := range msgs {
		ts := ""
		if !m.Timestamp.IsZero() {
			ts = " (" + m.Timestamp.UTC().Format(time.RFC3339) + ")"
		}
		fmt.Fprintf(buf, "**%s**%s\n\n%s\n\n", m.Role, ts, m.Content)
	}
}

// fileSlug keeps letters, digits, dash and underscore.
func fileSlug(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "participant"
	}
	return b.String()
}
