package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mss-industries/configurator/pkg/models"
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

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.ClientID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, client_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.ClientID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// ListAPIKeys returns active keys, newest first, optionally for one client.
func (s *PostgresStore) ListAPIKeys(ctx context.Context, clientID *uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys
		 WHERE deleted_at IS NULL AND ($1::uuid IS NULL OR client_id = $1)
		 ORDER BY created_at DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.APIKey, error) {
		var k models.APIKey
		err := row.Scan(&k.ID, &k.ClientID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt)
		return &k, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey soft-deletes a key. Revoking an unknown or already revoked
// key returns ErrNotFound.
func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Styles ---

func (s *PostgresStore) CreateStyle(ctx context.Context, style *models.Style) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO styles (id, name, template_blob_path, customization_schema, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		style.ID, style.Name, style.TemplateBlobPath, style.CustomizationSchema, style.CreatedAt, style.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create style: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStyle(ctx context.Context, id uuid.UUID) (*models.Style, error) {
	var st models.Style
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, template_blob_path, customization_schema, created_at, updated_at
		 FROM styles WHERE id = $1`, id,
	).Scan(&st.ID, &st.Name, &st.TemplateBlobPath, &st.CustomizationSchema, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get style: %w", err)
	}
	return &st, nil
}

// --- Jobs ---

const jobColumns = `id, client_id, style_id, parameters, status, progress, result_url, error_code, error_message,
	retry_count, max_retries, worker_id, created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.ClientID, &j.StyleID, &j.Parameters, &j.Status, &j.Progress,
		&j.ResultURL, &j.ErrorCode, &j.ErrorMessage, &j.RetryCount, &j.MaxRetries, &j.WorkerID,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := ValidateNewJob(job); err != nil {
		return err
	}
	params := job.Parameters
	if params == nil {
		params = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, client_id, style_id, parameters, status, progress, retry_count, max_retries, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, $8)`,
		job.ID, job.ClientID, job.StyleID, params, job.Status, job.MaxRetries, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// TransitionJob moves a job to status to in a single compare-and-set UPDATE:
// the row only changes if its current status is one the target is allowed
// from. When nothing is updated the row is re-read to tell a missing job from
// a job that has already moved on.
func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, to string, opts ...JobUpdateOption) (*models.Job, error) {
	from := models.AllowedFrom(to)
	if len(from) == 0 {
		return nil, &InvalidTransitionError{JobID: id, To: to}
	}
	u := ApplyJobUpdateOptions(opts...)

	now := time.Now().UTC()
	sets := []string{"status = $2", "updated_at = $3"}
	conds := []string{"id = $1", "status = ANY($4)"}
	args := []any{id, to, now, from}
	argIdx := 5

	if to == models.JobStatusProcessing {
		sets = append(sets, "started_at = COALESCE(started_at, $3)")
	}
	if models.IsTerminal(to) {
		sets = append(sets, "completed_at = $3")
	}
	if u.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
		conds = append(conds, "retry_count < max_retries")
	}
	if u.Progress != nil {
		sets = append(sets, fmt.Sprintf("progress = GREATEST(progress, $%d)", argIdx))
		args = append(args, *u.Progress)
		argIdx++
	}
	if u.WorkerID != nil {
		sets = append(sets, fmt.Sprintf("worker_id = $%d", argIdx))
		args = append(args, *u.WorkerID)
		argIdx++
	}
	if u.ResultURL != nil {
		sets = append(sets, fmt.Sprintf("result_url = $%d", argIdx))
		args = append(args, *u.ResultURL)
		argIdx++
	}
	if u.ErrorCode != nil {
		sets = append(sets, fmt.Sprintf("error_code = $%d", argIdx))
		args = append(args, *u.ErrorCode)
		argIdx++
	}
	if u.ErrorMessage != nil {
		sets = append(sets, fmt.Sprintf("error_message = $%d", argIdx))
		args = append(args, *u.ErrorMessage)
	}

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(conds, " AND ") +
		` RETURNING ` + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition job to %s: %w", to, err)
	}

	current, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &InvalidTransitionError{JobID: id, From: current.Status, To: to}
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $2), updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)`, id, progress, models.NonTerminalStatuses())
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListNonTerminalJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY created_at ASC`,
		models.NonTerminalStatuses())
	if err != nil {
		return nil, fmt.Errorf("list non-terminal jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.ClientID != nil {
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", argIdx))
		args = append(args, *filter.ClientID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		jobColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, filter.NormalizedLimit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
