package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scenesmith/scenesmith/pkg/storage"
)

// SQLiteStore persists tasks in the shared scenesmith database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an initialized database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const taskColumns = `id, state, type, payload, last_successful_step, checkpoint, artifacts,
	error_step, error_message, error_retriable, fix_attempts, retry_count, next_retry_at,
	requires_input, input_type, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, t *Task) error {
	artifacts, err := encodeArtifacts(t.Artifacts)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		string(t.State),
		t.Type,
		nullableString(string(t.Payload)),
		t.LastSuccessfulStep,
		nullableBytes(t.Checkpoint),
		artifacts,
		errorField(t.ErrorContext, func(ec *ErrorContext) any { return ec.Step }),
		errorField(t.ErrorContext, func(ec *ErrorContext) any { return ec.Message }),
		errorField(t.ErrorContext, func(ec *ErrorContext) any { return ec.Retriable }),
		t.FixAttempts,
		t.RetryCount,
		t.NextRetryAt,
		t.RequiresInput,
		nullableString(t.InputType),
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) Update(ctx context.Context, t *Task) error {
	artifacts, err := encodeArtifacts(t.Artifacts)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET state = ?, payload = ?, last_successful_step = ?, checkpoint = ?, artifacts = ?,
			error_step = ?, error_message = ?, error_retriable = ?, fix_attempts = ?,
			retry_count = ?, next_retry_at = ?, requires_input = ?, input_type = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(t.State),
		nullableString(string(t.Payload)),
		t.LastSuccessfulStep,
		nullableBytes(t.Checkpoint),
		artifacts,
		errorField(t.ErrorContext, func(ec *ErrorContext) any { return ec.Step }),
		errorField(t.ErrorContext, func(ec *ErrorContext) any { return ec.Message }),
		errorField(t.ErrorContext, func(ec *ErrorContext) any { return ec.Retriable }),
		t.FixAttempts,
		t.RetryCount,
		t.NextRetryAt,
		t.RequiresInput,
		nullableString(t.InputType),
		t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, taskID string, entry HistoryEntry) error {
	query := `
		INSERT INTO task_history (task_id, prev_state, next_state, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		taskID,
		string(entry.PrevState),
		string(entry.NextState),
		entry.Message,
		entry.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) History(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	query := `
		SELECT prev_state, next_state, message, created_at
		FROM task_history
		WHERE task_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var prev, next string
		if err := rows.Scan(&prev, &next, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.PrevState = State(prev)
		entry.NextState = State(next)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) ListByState(ctx context.Context, state State) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE state = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var (
		state          string
		payload        sql.NullString
		checkpoint     []byte
		artifacts      sql.NullString
		errStep        sql.NullString
		errMessage     sql.NullString
		errRetriable   sql.NullBool
		nextRetryAt    sql.NullTime
		inputType      sql.NullString
	)

	err := row.Scan(
		&t.ID,
		&state,
		&t.Type,
		&payload,
		&t.LastSuccessfulStep,
		&checkpoint,
		&artifacts,
		&errStep,
		&errMessage,
		&errRetriable,
		&t.FixAttempts,
		&t.RetryCount,
		&nextRetryAt,
		&t.RequiresInput,
		&inputType,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.State = State(state)
	if payload.Valid && payload.String != "" {
		t.Payload = json.RawMessage(payload.String)
	}
	t.Checkpoint = checkpoint
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &t.Artifacts); err != nil {
			return nil, fmt.Errorf("parse artifacts column: %w", err)
		}
	}
	if errStep.Valid || errMessage.Valid {
		t.ErrorContext = &ErrorContext{
			Step:      errStep.String,
			Message:   errMessage.String,
			Retriable: errRetriable.Bool,
		}
	}
	if nextRetryAt.Valid {
		at := nextRetryAt.Time
		t.NextRetryAt = &at
	}
	if inputType.Valid {
		t.InputType = inputType.String
	}

	return t, nil
}

func encodeArtifacts(ids []string) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("encode artifacts column: %w", err)
	}
	return string(raw), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func errorField(ec *ErrorContext, pick func(*ErrorContext) any) any {
	if ec == nil {
		return nil
	}
	return pick(ec)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if storage.IsBusy(err) {
		return false
	}
	// modernc.org/sqlite reports constraint violations through the error
	// string; the driver error code constants cover busy/locked only.
	return strings.Contains(err.Error(), "constraint failed")
}
