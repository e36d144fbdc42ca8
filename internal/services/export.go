package services

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"
)

// ExportSessionsCSV renders one line per completed session, columns in store order.
func ExportSessionsCSV(rows []Row) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write(RowHeader)
	for _, r := range rows {
		rec := []string{
			r.Identity,
			r.TopicKey,
			r.TopicTitle,
			r.NormKey,
			r.NormTitle,
			strconv.Itoa(r.InitialOpinion),
			strconv.Itoa(r.FinalOpinion),
			r.TranscriptJSON,
			r.Argumentation,
			r.HelpTranscriptJSON,
			r.CompletedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportMessagesCSV renders the long format: one line per transcript message.
// Rows whose transcript blob cannot be decoded are skipped.
func ExportMessagesCSV(rows []Row) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"identity", "topic_key", "norm_key", "channel", "position", "role", "content", "timestamp"})
	for _, r := range rows {
		for _, ch := range []struct {
			name string
			blob string
		}{{"main", r.TranscriptJSON}, {"help", r.HelpTranscriptJSON}} {
			msgs, err := DecodeTranscript(ch.blob)
			if err != nil {
				continue
			}
			for i, m := range msgs {
				ts := ""
				if !m.Timestamp.IsZero() {
					ts = m.Timestamp.UTC().Format(time.RFC3339)
				}
				rec := []string{r.Identity, r.TopicKey, r.NormKey, ch.name, strconv.Itoa(i + 1), string(m.Role), m.Content, ts}
				if err := w.Write(rec); err != nil {
					return nil, err
				}
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
