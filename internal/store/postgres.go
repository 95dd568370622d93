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
	"github.com/kiranshivaraju/ciengine/pkg/models"
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

type scanner interface {
	Scan(dest ...any) error
}

const pipelineColumns = `id, repository_id, commit_sha, ref, source, status, actor_id, ci_context,
	created_at, started_at, finished_at, updated_at`

var jobColumnList = []string{
	"id", "pipeline_id", "name", "stage", "stage_index", "position", "image", "script", "env",
	"needs", "tags", "artifact_paths", "status", "retries", "max_retries", "timeout_seconds",
	"when_mode", "allow_failure", "start_in_seconds", "manual_released", "rule_hint", "runner_id",
	"exit_code", "created_at", "started_at", "finished_at", "updated_at",
}

var jobColumns = strings.Join(jobColumnList, ", ")

func prefixedJobColumns(alias string) string {
	cols := make([]string, len(jobColumnList))
	for i, c := range jobColumnList {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanPipeline(row scanner) (*models.Pipeline, error) {
	var p models.Pipeline
	var source, status string
	if err := row.Scan(&p.ID, &p.RepositoryID, &p.CommitSHA, &p.Ref, &source, &status, &p.ActorID,
		&p.CIContext, &p.CreatedAt, &p.StartedAt, &p.FinishedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Source = models.Source(source)
	p.Status = models.Status(status)
	return &p, nil
}

func jobScanTargets(j *models.Job, status, when *string) []any {
	return []any{&j.ID, &j.PipelineID, &j.Name, &j.Stage, &j.StageIndex, &j.Position, &j.Image,
		&j.Script, &j.Env, &j.Needs, &j.Tags, &j.ArtifactPaths, status, &j.Retries, &j.MaxRetries,
		&j.TimeoutSeconds, when, &j.AllowFailure, &j.StartInSeconds, &j.ManualReleased, &j.RuleHint,
		&j.RunnerID, &j.ExitCode, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt}
}

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	var status, when string
	if err := row.Scan(jobScanTargets(&j, &status, &when)...); err != nil {
		return nil, err
	}
	j.Status = models.Status(status)
	j.When = models.When(when)
	return &j, nil
}

// --- Pipelines ---

func (s *PostgresStore) CreatePipeline(ctx context.Context, p *models.Pipeline, jobs []*models.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create pipeline: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO pipelines (`+pipelineColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.RepositoryID, p.CommitSHA, p.Ref, string(p.Source), string(p.Status), p.ActorID,
		nonNilMap(p.CIContext), p.CreatedAt, p.StartedAt, p.FinishedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert pipeline: %w", err)
	}

	batch := &pgx.Batch{}
	for _, j := range jobs {
		batch.Queue(
			`INSERT INTO jobs (`+jobColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			         $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
			j.ID, j.PipelineID, j.Name, j.Stage, j.StageIndex, j.Position, j.Image,
			nonNil(j.Script), nonNilMap(j.Env), nonNil(j.Needs), nonNil(j.Tags), nonNil(j.ArtifactPaths),
			string(j.Status), j.Retries, j.MaxRetries, j.TimeoutSeconds, string(j.When), j.AllowFailure,
			j.StartInSeconds, j.ManualReleased, j.RuleHint, j.RunnerID, j.ExitCode,
			j.CreatedAt, j.StartedAt, j.FinishedAt, j.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create pipeline: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPipeline(ctx context.Context, id uuid.UUID) (*models.Pipeline, error) {
	p, err := scanPipeline(s.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}

	p.Jobs, err = s.ListJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListPipelines(ctx context.Context, filter PipelineFilter) ([]*models.Pipeline, int, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.RepositoryID != "" {
		conditions = append(conditions, fmt.Sprintf("repository_id = $%d", argIdx))
		args = append(args, filter.RepositoryID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}

	where := "TRUE"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM pipelines WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pipelines: %w", err)
	}

	page, limit := normalizePage(filter.Page, filter.Limit)
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM pipelines WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		pipelineColumns, where, argIdx, argIdx+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, total, rows.Err()
}

func (s *PostgresStore) FinalizePipeline(ctx context.Context, id uuid.UUID, status models.Status, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipelines SET status = $2, finished_at = $3, updated_at = $3
		 WHERE id = $1 AND status IN ('queued', 'running')`, id, string(status), at)
	if err != nil {
		return false, fmt.Errorf("finalize pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.pipelineExists(ctx, s.pool, id)
	}
	return true, nil
}

func (s *PostgresStore) CancelPipeline(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin cancel pipeline: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE pipelines SET status = 'canceled', finished_at = $2, updated_at = $2
		 WHERE id = $1 AND status IN ('queued', 'running')`, id, at)
	if err != nil {
		return false, fmt.Errorf("cancel pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.pipelineExists(ctx, tx, id)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'canceled', finished_at = $2, updated_at = $2
		 WHERE pipeline_id = $1 AND status IN ('queued', 'running')`, id, at); err != nil {
		return false, fmt.Errorf("cancel pipeline jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit cancel pipeline: %w", err)
	}
	return true, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) pipelineExists(ctx context.Context, q querier, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pipelines WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check pipeline: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

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

func (s *PostgresStore) ListJobs(ctx context.Context, pipelineID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE pipeline_id = $1 ORDER BY stage_index, position`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ListLeaseCandidates(ctx context.Context, after *LeaseCursor, limit int) ([]*models.Candidate, error) {
	where := `j.status = 'queued' AND p.status IN ('queued', 'running')`
	args := []any{limit}
	if after != nil {
		where += ` AND (p.created_at, p.id, j.stage_index, j.position) > ($2, $3, $4, $5)`
		args = append(args, after.PipelineCreatedAt, after.PipelineID, after.StageIndex, after.Position)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixedJobColumns("j")+`, p.repository_id, p.commit_sha, p.created_at, p.ci_context
		 FROM jobs j JOIN pipelines p ON p.id = j.pipeline_id
		 WHERE `+where+`
		 ORDER BY p.created_at, p.id, j.stage_index, j.position
		 LIMIT $1`, args...)
	if err != nil {
		return nil, fmt.Errorf("list lease candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*models.Candidate
	for rows.Next() {
		var j models.Job
		var status, when string
		c := &models.Candidate{Job: &j}
		targets := append(jobScanTargets(&j, &status, &when),
			&c.RepositoryID, &c.CommitSHA, &c.PipelineCreatedAt, &c.CIContext)
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan lease candidate: %w", err)
		}
		j.Status = models.Status(status)
		j.When = models.When(when)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobID, runnerID uuid.UUID, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin claim job: %w", err)
	}
	defer tx.Rollback(ctx)

	var pipelineID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', runner_id = $2, started_at = $3,
		        finished_at = NULL, exit_code = NULL, updated_at = $3
		 WHERE id = $1 AND status = 'queued'
		 RETURNING pipeline_id`, jobID, runnerID, at).Scan(&pipelineID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrClaimLost
	}
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE pipelines SET status = 'running', started_at = COALESCE(started_at, $2), updated_at = $2
		 WHERE id = $1 AND status = 'queued'`, pipelineID, at); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit claim job: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, params FinishJobParams) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $3, exit_code = $4, finished_at = $5, updated_at = $5
		 WHERE id = $1 AND status = 'running' AND runner_id = $2`,
		params.JobID, params.RunnerID, string(params.Status), params.ExitCode, params.At)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobTransitionError(ctx, params.JobID)
	}
	return nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, jobID, runnerID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'queued', retries = retries + 1, runner_id = NULL,
		        started_at = NULL, exit_code = NULL, updated_at = $3
		 WHERE id = $1 AND status = 'running' AND runner_id = $2 AND retries < max_retries`,
		jobID, runnerID, at)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobTransitionError(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) CancelJobs(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'canceled', finished_at = $2, updated_at = $2
		 WHERE id = ANY($1::uuid[]) AND status IN ('queued', 'running')`, idStrs, at)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ReleaseManualJob(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET manual_released = TRUE, updated_at = $2
		 WHERE id = $1 AND status = 'queued' AND when_mode = 'manual' AND NOT manual_released`, jobID, at)
	if err != nil {
		return fmt.Errorf("release manual job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobTransitionError(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) ListTimedOutJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running' AND timeout_seconds > 0
		   AND started_at + make_interval(secs => timeout_seconds) <= $1
		 ORDER BY started_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list timed out jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// jobTransitionError explains why a conditional job update matched no row.
func (s *PostgresStore) jobTransitionError(ctx context.Context, jobID uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// --- Logs ---

func (s *PostgresStore) AppendLogChunk(ctx context.Context, chunk *models.LogChunk) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO log_chunks (job_id, seq, content, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		chunk.JobID, chunk.Seq, chunk.Content, chunk.CreatedAt).Scan(&chunk.ID)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("append log chunk: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLogChunks(ctx context.Context, jobID uuid.UUID) ([]*models.LogChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, seq, content, created_at FROM log_chunks WHERE job_id = $1 ORDER BY seq, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list log chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.LogChunk
	for rows.Next() {
		var c models.LogChunk
		if err := rows.Scan(&c.ID, &c.JobID, &c.Seq, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// --- Artifacts ---

func (s *PostgresStore) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, job_id, path, size, content_path, digest, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.JobID, a.Path, a.Size, a.ContentPath, a.Digest, a.CreatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	var a models.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, path, size, content_path, digest, created_at FROM artifacts WHERE id = $1`, id,
	).Scan(&a.ID, &a.JobID, &a.Path, &a.Size, &a.ContentPath, &a.Digest, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]*models.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, path, size, content_path, digest, created_at
		 FROM artifacts WHERE job_id = $1 ORDER BY created_at, path`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.JobID, &a.Path, &a.Size, &a.ContentPath, &a.Digest, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// --- Runners ---

const runnerColumns = `id, name, token_prefix, token_hash, active, tags, last_seen_at, created_at, updated_at`

func scanRunner(row scanner) (*models.Runner, error) {
	var r models.Runner
	if err := row.Scan(&r.ID, &r.Name, &r.TokenPrefix, &r.TokenHash, &r.Active, &r.Tags,
		&r.LastSeenAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetRunnersByTokenPrefix(ctx context.Context, prefix string) ([]*models.Runner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE token_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get runners by prefix: %w", err)
	}
	defer rows.Close()

	var runners []*models.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

func (s *PostgresStore) GetRunner(ctx context.Context, id uuid.UUID) (*models.Runner, error) {
	r, err := scanRunner(s.pool.QueryRow(ctx, `SELECT `+runnerColumns+` FROM runners WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) CreateRunner(ctx context.Context, r *models.Runner) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runners (`+runnerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Name, r.TokenPrefix, r.TokenHash, r.Active, nonNil(r.Tags), r.LastSeenAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create runner: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchRunner(ctx context.Context, id uuid.UUID, tags []string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runners SET tags = $2, last_seen_at = $3, updated_at = $3 WHERE id = $1`, id, nonNil(tags), at)
	if err != nil {
		return fmt.Errorf("touch runner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRunners(ctx context.Context) ([]*models.Runner, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runnerColumns+` FROM runners ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var runners []*models.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

func (s *PostgresStore) SetRunnerActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runners SET active = $2, updated_at = $3 WHERE id = $1`, id, active, at)
	if err != nil {
		return fmt.Errorf("set runner active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
