package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/promoforge/promoforge/pkg/models"
)

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Health checks the underlying connection
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Accounts

// CreateAccount creates a new account record
func (r *Repository) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}

	query := `
		INSERT INTO accounts (id, email, plan_tier, credits_allowed, credits_used, carryover,
		                      carryover_expiry, credit_reset_day, next_credit_reset,
		                      subscription_active, subscription_id, period_start, period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		account.ID, account.Email, account.PlanTier, account.CreditsAllowed,
		account.CreditsUsed, account.Carryover, account.CarryoverExpiry,
		account.CreditResetDay, account.NextCreditReset, account.SubscriptionActive,
		account.SubscriptionID, account.PeriodStart, account.PeriodEnd,
	).Scan(&account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

const accountColumns = `id, email, plan_tier, credits_allowed, credits_used, carryover,
	carryover_expiry, credit_reset_day, next_credit_reset, subscription_active,
	subscription_id, period_start, period_end, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.ID, &account.Email, &account.PlanTier, &account.CreditsAllowed,
		&account.CreditsUsed, &account.Carryover, &account.CarryoverExpiry,
		&account.CreditResetDay, &account.NextCreditReset, &account.SubscriptionActive,
		&account.SubscriptionID, &account.PeriodStart, &account.PeriodEnd,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &account, nil
}

// GetAccount retrieves an account by ID
func (r *Repository) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.Pool.QueryRow(ctx, query, id))
}

// Jobs

// CreateJob creates a new job record
func (r *Repository) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusCreated
	}

	query := `
		INSERT INTO jobs (id, account_id, status, config, scene_count, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		job.ID, job.AccountID, job.Status, job.Config, job.SceneCount, job.RetryCount,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

const jobColumns = `id, account_id, status, config, script, reference_image_url,
	scene_count, final_video_url, failed_at, error_msg, retry_count,
	started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID, &job.AccountID, &job.Status, &job.Config, &job.Script,
		&job.ReferenceImageURL, &job.SceneCount, &job.FinalVideoURL,
		&job.FailedAt, &job.ErrorMsg, &job.RetryCount,
		&job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return &job, nil
}

// GetJob retrieves a job by ID
func (r *Repository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(r.db.Pool.QueryRow(ctx, query, id))
}

// UpdateJob updates a job record
func (r *Repository) UpdateJob(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs
		SET status = $2, script = $3, reference_image_url = $4, scene_count = $5,
		    final_video_url = $6, failed_at = $7, error_msg = $8, retry_count = $9,
		    started_at = $10, completed_at = $11, updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.Status, job.Script, job.ReferenceImageURL, job.SceneCount,
		job.FinalVideoURL, job.FailedAt, job.ErrorMsg, job.RetryCount,
		job.StartedAt, job.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	return nil
}

// TransitionJob moves a job from one status to another only if it is still
// in the expected status, reporting whether the row changed. Racing callers
// see false and leave the winner's transition alone.
func (r *Repository) TransitionJob(ctx context.Context, jobID, from, to string) (bool, error) {
	query := `UPDATE jobs SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`

	tag, err := r.db.Pool.Exec(ctx, query, jobID, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListJobsByAccount retrieves an account's jobs, newest first
func (r *Repository) ListJobsByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Scenes

// CreateScenes inserts the planned scenes for a job
func (r *Repository) CreateScenes(ctx context.Context, scenes []*models.Scene) error {
	for _, scene := range scenes {
		if scene.ID == "" {
			scene.ID = uuid.New().String()
		}
		if scene.Status == "" {
			scene.Status = models.SceneStatusPending
		}

		query := `
			INSERT INTO scenes (id, job_id, idx, duration, prompt, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (job_id, idx) DO NOTHING
			RETURNING created_at, updated_at
		`

		err := r.db.Pool.QueryRow(ctx, query,
			scene.ID, scene.JobID, scene.Index, scene.Duration, scene.Prompt, scene.Status,
		).Scan(&scene.CreatedAt, &scene.UpdatedAt)

		// A conflict means the plan was already persisted on a prior attempt.
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to create scene %d: %w", scene.Index, err)
		}
	}

	return nil
}

// GetScenesByJobID retrieves all scenes of a job ordered by index
func (r *Repository) GetScenesByJobID(ctx context.Context, jobID string) ([]*models.Scene, error) {
	query := `
		SELECT id, job_id, idx, duration, prompt, status, task_id, video_url, created_at, updated_at
		FROM scenes
		WHERE job_id = $1
		ORDER BY idx
	`

	rows, err := r.db.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get scenes: %w", err)
	}
	defer rows.Close()

	var scenes []*models.Scene
	for rows.Next() {
		var scene models.Scene
		err := rows.Scan(
			&scene.ID, &scene.JobID, &scene.Index, &scene.Duration, &scene.Prompt,
			&scene.Status, &scene.TaskID, &scene.VideoURL, &scene.CreatedAt, &scene.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		scenes = append(scenes, &scene)
	}

	return scenes, nil
}

// MarkSceneGenerating records the upstream task handle for a dispatched scene
func (r *Repository) MarkSceneGenerating(ctx context.Context, jobID string, index int, taskID string) error {
	query := `
		UPDATE scenes
		SET status = $3, task_id = $4, updated_at = NOW()
		WHERE job_id = $1 AND idx = $2 AND status <> $5
	`

	_, err := r.db.Pool.Exec(ctx, query,
		jobID, index, models.SceneStatusGenerating, taskID, models.SceneStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to mark scene generating: %w", err)
	}

	return nil
}

// CompleteScene records a scene's output. The status guard makes duplicate
// or out-of-order completion callbacks no-ops; it reports whether this call
// was the one that completed the scene.
func (r *Repository) CompleteScene(ctx context.Context, jobID string, index int, videoURL string) (bool, error) {
	query := `
		UPDATE scenes
		SET status = $3, video_url = $4, updated_at = NOW()
		WHERE job_id = $1 AND idx = $2 AND status <> $3
	`

	tag, err := r.db.Pool.Exec(ctx, query, jobID, index, models.SceneStatusCompleted, videoURL)
	if err != nil {
		return false, fmt.Errorf("failed to complete scene: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// CountScenes returns completed and total scene counts for a job
func (r *Repository) CountScenes(ctx context.Context, jobID string) (completed, total int, err error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE status = $2), COUNT(*)
		FROM scenes
		WHERE job_id = $1
	`

	err = r.db.Pool.QueryRow(ctx, query, jobID, models.SceneStatusCompleted).Scan(&completed, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count scenes: %w", err)
	}

	return completed, total, nil
}
