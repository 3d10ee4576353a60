package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/nomadflow/internal/model"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenAndMigrate opens the ledger at path and applies pending migrations.
func OpenAndMigrate(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) InsertAction(ctx context.Context, action model.Action) error {
	if action.RequestedAt.IsZero() {
		action.RequestedAt = time.Now().UTC()
	}
	if action.ResultCode == "" {
		action.ResultCode = model.ActionResultPending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO actions(action_id, action_type, repo_path, feature_name, window_name, requested_at, completed_at, result_code, error_code, error_detail, metadata_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, action.ActionID, string(action.ActionType), action.RepoPath, action.FeatureName, action.WindowName, ts(action.RequestedAt), nullableTS(action.CompletedAt), action.ResultCode, nullableStr(action.ErrorCode), nullableStr(action.ErrorDetail), nullableStr(action.MetadataJSON))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// ActionOutcome is what CompleteAction records for a finished action.
type ActionOutcome struct {
	ResultCode   string
	ErrorCode    *string
	ErrorDetail  *string
	MetadataJSON *string
	CompletedAt  time.Time
}

// CompleteAction moves a pending action to its final state. Completing an
// already-completed action returns ErrNotFound.
func (s *Store) CompleteAction(ctx context.Context, actionID string, outcome ActionOutcome) error {
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE actions
SET completed_at = ?, result_code = ?, error_code = ?, error_detail = ?, metadata_json = COALESCE(?, metadata_json)
WHERE action_id = ? AND result_code = 'pending'
`, ts(outcome.CompletedAt), outcome.ResultCode, nullableStr(outcome.ErrorCode), nullableStr(outcome.ErrorDetail), nullableStr(outcome.MetadataJSON), actionID)
	if err != nil {
		return fmt.Errorf("complete action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete action rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetActionByID(ctx context.Context, actionID string) (model.Action, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT action_id, action_type, repo_path, feature_name, window_name, requested_at, completed_at, result_code, error_code, error_detail, metadata_json
FROM actions
WHERE action_id = ?
`, actionID)
	return scanAction(row)
}

// ActionFilter narrows ListActions. Zero values match everything.
type ActionFilter struct {
	Limit      int
	ActionType model.ActionType
	RepoPath   string
}

// ListActions returns the newest actions first.
func (s *Store) ListActions(ctx context.Context, filter ActionFilter) ([]model.Action, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	var (
		where []string
		args  []any
	)
	if filter.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, string(filter.ActionType))
	}
	if filter.RepoPath != "" {
		where = append(where, "repo_path = ?")
		args = append(args, filter.RepoPath)
	}
	query := `
SELECT action_id, action_type, repo_path, feature_name, window_name, requested_at, completed_at, result_code, error_code, error_detail, metadata_json
FROM actions`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY requested_at DESC, action_id DESC\nLIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()
	out := []model.Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter actions: %w", err)
	}
	return out, nil
}

// MarkAbandoned fails every action still pending, as left behind by a
// daemon that exited mid-request.
func (s *Store) MarkAbandoned(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE actions
SET result_code = 'failed', error_code = 'E_ABANDONED', completed_at = ?
WHERE result_code = 'pending'
`, ts(at))
	if err != nil {
		return 0, fmt.Errorf("mark abandoned actions: %w", err)
	}
	return res.RowsAffected()
}

// PurgeBefore deletes completed actions requested before cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE requested_at < ? AND result_code != 'pending'`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge actions: %w", err)
	}
	return res.RowsAffected()
}

func scanAction(scanner interface{ Scan(dest ...any) error }) (model.Action, error) {
	var (
		actionTypeStr string
		requestedAt   string
		completedAt   sql.NullString
		errorCode     sql.NullString
		errorDetail   sql.NullString
		metadataJSON  sql.NullString
		out           model.Action
	)
	if err := scanner.Scan(
		&out.ActionID,
		&actionTypeStr,
		&out.RepoPath,
		&out.FeatureName,
		&out.WindowName,
		&requestedAt,
		&completedAt,
		&out.ResultCode,
		&errorCode,
		&errorDetail,
		&metadataJSON,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Action{}, ErrNotFound
		}
		return model.Action{}, fmt.Errorf("scan action: %w", err)
	}
	out.ActionType = model.ActionType(actionTypeStr)
	out.ErrorCode = nullStrPtr(errorCode)
	out.ErrorDetail = nullStrPtr(errorDetail)
	out.MetadataJSON = nullStrPtr(metadataJSON)
	parsedRequestedAt, err := parseTS(requestedAt)
	if err != nil {
		return model.Action{}, fmt.Errorf("parse action requested_at: %w", err)
	}
	out.RequestedAt = parsedRequestedAt
	if completedAt.Valid {
		parsedCompletedAt, parseErr := parseTS(completedAt.String)
		if parseErr != nil {
			return model.Action{}, fmt.Errorf("parse action completed_at: %w", parseErr)
		}
		out.CompletedAt = &parsedCompletedAt
	}
	return out, nil
}

func nullStrPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
