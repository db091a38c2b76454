package artifact

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteStore persists artifacts in the shared scenesmith database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an initialized database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Add(ctx context.Context, a *Artifact) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("artifact missing id")
	}

	query := `
		INSERT INTO artifacts (id, task_id, kind, mime_type, payload, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.TaskID,
		string(a.Kind),
		a.MimeType,
		a.Payload,
		a.URL,
		a.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Artifact, error) {
	query := `
		SELECT id, task_id, kind, mime_type, payload, url, created_at
		FROM artifacts
		WHERE id = ?
	`

	a := &Artifact{}
	var kind string
	var url sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID,
		&a.TaskID,
		&kind,
		&a.MimeType,
		&a.Payload,
		&url,
		&a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Kind = Kind(kind)
	if url.Valid {
		a.URL = url.String
	}
	return a, nil
}

func (s *SQLiteStore) ListByTask(ctx context.Context, taskID string) ([]*Artifact, error) {
	query := `
		SELECT id, task_id, kind, mime_type, payload, url, created_at
		FROM artifacts
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a := &Artifact{}
		var kind string
		var url sql.NullString
		if err := rows.Scan(
			&a.ID,
			&a.TaskID,
			&kind,
			&a.MimeType,
			&a.Payload,
			&url,
			&a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Kind = Kind(kind)
		if url.Valid {
			a.URL = url.String
		}
		artifacts = append(artifacts, a)
	}

	return artifacts, rows.Err()
}
