package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reportforge/engine/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner, template_id, data_source_id, period_start, period_end,
		                   status, retry_count, enabled, force_full, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.Owner, job.TemplateID, job.DataSourceID, job.PeriodStart, job.PeriodEnd,
		job.Status, job.RetryCount, job.Enabled, job.ForceFull, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, template_id, data_source_id, period_start, period_end, status,
		        retry_count, enabled, force_full, error_message, output_path,
		        started_at, completed_at, created_at, updated_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.Owner, &j.TemplateID, &j.DataSourceID, &j.PeriodStart, &j.PeriodEnd,
		&j.Status, &j.RetryCount, &j.Enabled, &j.ForceFull, &j.ErrorMessage, &j.OutputPath,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	where := []string{"1=1"}
	args := []any{}
	idx := 1

	if filter.Owner != "" {
		where = append(where, fmt.Sprintf("owner = $%d", idx))
		args = append(args, filter.Owner)
		idx++
	}
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, filter.Status)
		idx++
	}
	if !filter.Since.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, filter.Since)
		idx++
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM jobs WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, owner, template_id, data_source_id, period_start, period_end, status,
		        retry_count, enabled, force_full, error_message, output_path,
		        started_at, completed_at, created_at, updated_at
		 FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, whereClause, idx, idx+1),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.Owner, &j.TemplateID, &j.DataSourceID, &j.PeriodStart,
			&j.PeriodEnd, &j.Status, &j.RetryCount, &j.Enabled, &j.ForceFull, &j.ErrorMessage,
			&j.OutputPath, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := jobUpdateParams{}
	for _, opt := range opts {
		opt(&params)
	}

	set := []string{"status = $2", "updated_at = $3"}
	args := []any{id, status, time.Now().UTC()}
	idx := 4

	if params.ErrorMessage != nil {
		set = append(set, fmt.Sprintf("error_message = $%d", idx))
		args = append(args, *params.ErrorMessage)
		idx++
	}
	if params.OutputPath != nil {
		set = append(set, fmt.Sprintf("output_path = $%d", idx))
		args = append(args, *params.OutputPath)
		idx++
	}
	if params.StartedAt != nil {
		set = append(set, fmt.Sprintf("started_at = $%d", idx))
		args = append(args, *params.StartedAt)
		idx++
	}
	if params.CompletedAt != nil {
		set = append(set, fmt.Sprintf("completed_at = $%d", idx))
		args = append(args, *params.CompletedAt)
		idx++
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE jobs SET %s WHERE id = $1", strings.Join(set, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementJobRetry(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET retry_count = retry_count + 1, updated_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("increment job retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Placeholder analyses ---

func (s *PostgresStore) UpsertPlaceholderAnalysis(ctx context.Context, a *models.PlaceholderAnalysis) error {
	issues, err := json.Marshal(a.Issues)
	if err != nil {
		return fmt.Errorf("encode issues: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO placeholder_analyses
		   (id, template_id, name, type, priority, confidence, generated_query, validated, failed, issues, analyzed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (template_id, name) DO UPDATE SET
		   type = EXCLUDED.type,
		   priority = EXCLUDED.priority,
		   confidence = EXCLUDED.confidence,
		   generated_query = EXCLUDED.generated_query,
		   validated = EXCLUDED.validated,
		   failed = EXCLUDED.failed,
		   issues = EXCLUDED.issues,
		   analyzed_at = EXCLUDED.analyzed_at`,
		a.ID, a.TemplateID, a.Name, a.Type, a.Priority, a.Confidence, a.GeneratedQuery,
		a.Validated, a.Failed, issues, a.AnalyzedAt)
	if err != nil {
		return fmt.Errorf("upsert placeholder analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPlaceholderAnalyses(ctx context.Context, templateID uuid.UUID) ([]*models.PlaceholderAnalysis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, template_id, name, type, priority, confidence, generated_query,
		        validated, failed, issues, analyzed_at
		 FROM placeholder_analyses WHERE template_id = $1 ORDER BY name`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list placeholder analyses: %w", err)
	}
	defer rows.Close()

	var analyses []*models.PlaceholderAnalysis
	for rows.Next() {
		var a models.PlaceholderAnalysis
		var issues []byte
		if err := rows.Scan(&a.ID, &a.TemplateID, &a.Name, &a.Type, &a.Priority, &a.Confidence,
			&a.GeneratedQuery, &a.Validated, &a.Failed, &issues, &a.AnalyzedAt); err != nil {
			return nil, fmt.Errorf("scan placeholder analysis: %w", err)
		}
		if len(issues) > 0 {
			if err := json.Unmarshal(issues, &a.Issues); err != nil {
				return nil, fmt.Errorf("decode issues: %w", err)
			}
		}
		analyses = append(analyses, &a)
	}
	return analyses, rows.Err()
}

// --- Execution history ---

func (s *PostgresStore) CreateExecutionRecord(ctx context.Context, rec *models.ExecutionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_records
		   (id, job_id, template_id, mode, success, output_path, duration_ms, error_detail, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.JobID, rec.TemplateID, rec.Mode, rec.Success, rec.OutputPath,
		rec.DurationMS, rec.ErrorDetail, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("create execution record: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestSuccessfulRun(ctx context.Context, jobID uuid.UUID) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, template_id, mode, success, output_path, duration_ms, error_detail, started_at, finished_at
		 FROM execution_records
		 WHERE job_id = $1 AND success = true
		 ORDER BY started_at DESC LIMIT 1`, jobID,
	).Scan(&rec.ID, &rec.JobID, &rec.TemplateID, &rec.Mode, &rec.Success, &rec.OutputPath,
		&rec.DurationMS, &rec.ErrorDetail, &rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest successful run: %w", err)
	}
	return &rec, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Owner, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2, updated_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
