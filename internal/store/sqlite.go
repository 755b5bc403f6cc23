// Package store archives completed transcripts in SQLite so the text
// survives job retention sweeps. Live job state never touches disk.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/whisperd/internal/model"
)

type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS transcripts (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  model TEXT NOT NULL,
  language TEXT,
  duration_seconds REAL NOT NULL DEFAULT 0,
  text TEXT NOT NULL,
  segments_json TEXT NOT NULL
);
`); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) SaveTranscript(ctx context.Context, t model.ArchivedTranscript) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transcripts (id, created_at, model, language, duration_seconds, text, segments_json)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.CreatedAt.UnixMilli(),
		t.Model,
		t.Language,
		t.DurationSeconds,
		t.Text,
		t.SegmentsJSON,
	)
	return err
}

func (s *SQLite) GetTranscript(ctx context.Context, id string) (model.ArchivedTranscript, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, model, language, duration_seconds, text, segments_json
       FROM transcripts WHERE id = ?`, id,
	)
	return scanTranscript(row.Scan)
}

func (s *SQLite) ListTranscripts(ctx context.Context, limit int) ([]model.ArchivedTranscript, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, model, language, duration_seconds, text, segments_json
       FROM transcripts ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ArchivedTranscript
	for rows.Next() {
		t, err := scanTranscript(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTranscript(scan func(...any) error) (model.ArchivedTranscript, error) {
	var (
		id, modelName, text, segmentsJSON string
		language                          sql.NullString
		createdMs                         int64
		durationSeconds                   float64
	)
	if err := scan(&id, &createdMs, &modelName, &language, &durationSeconds, &text, &segmentsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ArchivedTranscript{}, model.ErrNotFound
		}
		return model.ArchivedTranscript{}, err
	}
	t := model.ArchivedTranscript{
		ID:              id,
		CreatedAt:       time.UnixMilli(createdMs),
		Model:           modelName,
		DurationSeconds: durationSeconds,
		Text:            text,
		SegmentsJSON:    segmentsJSON,
	}
	if language.Valid {
		t.Language = language.String
	}
	return t, nil
}
