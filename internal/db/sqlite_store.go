package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/soaringjerry/NormLab/internal/services"
)

// fixed width so created_at sorts as text
const draftTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the append-only session row store plus the draft side channel.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and creates when missing) the SQLite file at path.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// each connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if logger == nil {
		logger = slog.Default()
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) logErr(prefix string, err error) {
	if err != nil {
		s.logger.Error("sqlite store", "op", prefix, "error", err)
	}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM session_rows ORDER BY id`)
	if err != nil {
		s.logErr("list identities", err)
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListConditions(ctx context.Context) ([]services.Condition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic_key, norm_key FROM session_rows ORDER BY id`)
	if err != nil {
		s.logErr("list conditions", err)
		return nil, err
	}
	defer rows.Close()
	var out []services.Condition
	for rows.Next() {
		var c services.Condition
		if err := rows.Scan(&c.TopicKey, &c.NormKey); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListRows(ctx context.Context) ([]services.Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity, topic_key, topic_title, norm_key, norm_title,
		initial_opinion, final_opinion, transcript_json, argumentation, help_transcript_json, completed_at
		FROM session_rows ORDER BY id`)
	if err != nil {
		s.logErr("list rows", err)
		return nil, err
	}
	defer rows.Close()
	var out []services.Row
	for rows.Next() {
		var (
			r         services.Row
			completed string
		)
		if err := rows.Scan(&r.Identity, &r.TopicKey, &r.TopicTitle, &r.NormKey, &r.NormTitle,
			&r.InitialOpinion, &r.FinalOpinion, &r.TranscriptJSON, &r.Argumentation, &r.HelpTranscriptJSON, &completed); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339, completed); err == nil {
			r.CompletedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendRow inserts one row. Rows are never updated or deleted.
func (s *SQLiteStore) AppendRow(ctx context.Context, r services.Row) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_rows(identity, topic_key, topic_title, norm_key, norm_title,
		initial_opinion, final_opinion, transcript_json, argumentation, help_transcript_json, completed_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.Identity, r.TopicKey, r.TopicTitle, r.NormKey, r.NormTitle,
		r.InitialOpinion, r.FinalOpinion, r.TranscriptJSON, r.Argumentation, r.HelpTranscriptJSON,
		r.CompletedAt.UTC().Format(time.RFC3339))
	s.logErr("append row", err)
	return err
}

// CountRows is used by the sheet import to refuse non-empty stores.
func (s *SQLiteStore) CountRows(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_rows`).Scan(&n)
	return n, err
}

// AppendRows inserts a batch in one transaction.
func (s *SQLiteStore) AppendRows(ctx context.Context, rows []services.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO session_rows(identity, topic_key, topic_title, norm_key, norm_title,
		initial_opinion, final_opinion, transcript_json, argumentation, help_transcript_json, completed_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Identity, r.TopicKey, r.TopicTitle, r.NormKey, r.NormTitle,
			r.InitialOpinion, r.FinalOpinion, r.TranscriptJSON, r.Argumentation, r.HelpTranscriptJSON,
			r.CompletedAt.UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			s.logErr("append rows", err)
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendDraft(ctx context.Context, d services.DraftSnapshot) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO draft_snapshots(id, handle, identity, text, created_at) VALUES(?,?,?,?,?)`,
		d.ID, d.Handle, d.Identity, d.Text, d.CreatedAt.UTC().Format(draftTimeLayout))
	s.logErr("append draft", err)
	return err
}

func (s *SQLiteStore) ListDrafts(ctx context.Context, handle string) ([]services.DraftSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, handle, identity, text, created_at FROM draft_snapshots
		WHERE handle = ? ORDER BY created_at`, handle)
	if err != nil {
		s.logErr("list drafts", err)
		return nil, err
	}
	defer rows.Close()
	var out []services.DraftSnapshot
	for rows.Next() {
		var (
			d       services.DraftSnapshot
			created string
		)
		if err := rows.Scan(&d.ID, &d.Handle, &d.Identity, &d.Text, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(draftTimeLayout, created); err == nil {
			d.CreatedAt = ts
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

var (
	_ services.RowStore   = (*SQLiteStore)(nil)
	_ services.DraftStore = (*SQLiteStore)(nil)
)
