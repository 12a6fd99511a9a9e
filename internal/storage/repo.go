package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

var callColumns = []string{
	"id", "job_id", "source", "model", "backend", "status",
	"system_prompt", "user_prompt", "response",
	"prompt_tokens", "completion_tokens", "usage_estimated", "stream_error", "error_message", "created_at",
}

// InsertCall records c. A second record for the same job replaces the first.
func (s *Store) InsertCall(ctx context.Context, c CallRecord) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("calls").
		Columns(callColumns[1:]...).
		Values(c.JobID, c.Source, c.Model, c.Backend, c.Status,
			c.SystemPrompt, c.UserPrompt, c.Response,
			c.PromptTokens, c.CompletionTokens, c.UsageEstimated, c.StreamError, c.Error, c.CreatedAt).
		Suffix("ON CONFLICT(job_id) DO UPDATE SET model=excluded.model, backend=excluded.backend, status=excluded.status, " +
			"system_prompt=excluded.system_prompt, user_prompt=excluded.user_prompt, response=excluded.response, " +
			"prompt_tokens=excluded.prompt_tokens, completion_tokens=excluded.completion_tokens, " +
			"usage_estimated=excluded.usage_estimated, stream_error=excluded.stream_error, " +
			"error_message=excluded.error_message RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert call query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert call: %w", err)
	}
	return id, nil
}

func (s *Store) GetCallByJobID(ctx context.Context, jobID string) (CallRecord, error) {
	q := s.sql.Select(callColumns...).From("calls").Where(sq.Eq{"job_id": jobID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return CallRecord{}, fmt.Errorf("build call by job query: %w", err)
	}
	c, err := scanCall(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, fmt.Errorf("get call by job: %w", err)
	}
	return c, nil
}

// ListRecentCalls returns up to limit records, newest first.
func (s *Store) ListRecentCalls(ctx context.Context, limit uint64) ([]CallRecord, error) {
	if limit == 0 {
		limit = 20
	}
	q := s.sql.Select(callColumns...).From("calls").OrderBy("id DESC").Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list calls query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return out, nil
}

// UsageByModel sums token usage per model.
func (s *Store) UsageByModel(ctx context.Context) ([]ModelUsage, error) {
	q := s.sql.Select(
		"model",
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN status = 'partial' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(prompt_tokens), 0)",
		"COALESCE(SUM(completion_tokens), 0)",
	).From("calls").GroupBy("model").OrderBy("model ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	defer rows.Close()

	out := make([]ModelUsage, 0)
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Model, &u.Calls, &u.PartialCalls, &u.FailedCalls, &u.PromptTokens, &u.CompletionTokens); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var c CallRecord
	err := row.Scan(
		&c.ID,
		&c.JobID,
		&c.Source,
		&c.Model,
		&c.Backend,
		&c.Status,
		&c.SystemPrompt,
		&c.UserPrompt,
		&c.Response,
		&c.PromptTokens,
		&c.CompletionTokens,
		&c.UsageEstimated,
		&c.StreamError,
		&c.Error,
		&c.CreatedAt,
	)
	return c, err
}
