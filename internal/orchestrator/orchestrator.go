// Package orchestrator drives jobs through the generation pipeline. It owns
// the status machine, stage retries, callback handling, and the single credit
// deduction when a job completes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/promoforge/promoforge/internal/ledger"
	"github.com/promoforge/promoforge/internal/logging"
	"github.com/promoforge/promoforge/internal/metrics"
	"github.com/promoforge/promoforge/internal/providers"
	"github.com/promoforge/promoforge/internal/tracing"
	"github.com/promoforge/promoforge/pkg/models"
)

// Repository defines the persistence operations the orchestrator needs
type Repository interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	TransitionJob(ctx context.Context, jobID, from, to string) (bool, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	CreateScenes(ctx context.Context, scenes []*models.Scene) error
	GetScenesByJobID(ctx context.Context, jobID string) ([]*models.Scene, error)
	MarkSceneGenerating(ctx context.Context, jobID string, index int, taskID string) error
	CompleteScene(ctx context.Context, jobID string, index int, videoURL string) (bool, error)
	CountScenes(ctx context.Context, jobID string) (completed, total int, err error)
	DeductForJob(ctx context.Context, accountID, jobID string, amount int, now time.Time) (bool, error)
}

// ImageGenerator produces the job's shared reference image
type ImageGenerator interface {
	Generate(ctx context.Context, job *models.Job) (providers.GenResult, error)
}

// ScriptPlanner produces the ad script and scene prompts
type ScriptPlanner interface {
	Plan(ctx context.Context, job *models.Job, scriptOverride string) (*providers.ScriptPlan, error)
}

// SceneGenerator produces one scene clip
type SceneGenerator interface {
	Generate(ctx context.Context, job *models.Job, scene *models.Scene) (providers.GenResult, error)
}

// Assembler stitches completed clips into the final video
type Assembler interface {
	Assemble(ctx context.Context, job *models.Job, sceneURLs []string) error
}

// Invalidator drops cached reads that a pipeline transition makes stale
type Invalidator interface {
	DeleteJob(ctx context.Context, jobID string) error
	InvalidateAvailability(ctx context.Context, accountID string) error
}

// Orchestrator coordinates pipeline stages for one job at a time
type Orchestrator struct {
	repo      Repository
	images    ImageGenerator
	scripts   ScriptPlanner
	scenes    SceneGenerator
	assembler Assembler
	cache     Invalidator
	retry     providers.RetryPolicy
	logger    *logging.Logger
	now       func() time.Time
}

// New creates an orchestrator. cache may be nil.
func New(repo Repository, images ImageGenerator, scripts ScriptPlanner, scenes SceneGenerator, assembler Assembler, cache Invalidator, retry providers.RetryPolicy, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		images:    images,
		scripts:   scripts,
		scenes:    scenes,
		assembler: assembler,
		cache:     cache,
		retry:     retry,
		logger:    logger,
		now:       time.Now,
	}
}

// Advance moves a job forward from whatever progress is already persisted.
// Completed stage outputs are never regenerated, so re-running a failed job
// resumes at its first incomplete stage. Blocks until the job either reaches
// an async wait (scene callbacks, assembly callback) or fails.
func (o *Orchestrator) Advance(ctx context.Context, jobID, scriptOverride string) error {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	if models.IsTerminal(job.Status) {
		return nil
	}
	if !models.Resumable(job.Status) {
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, models.ErrInvalidTransition)
	}

	// Credits are checked before any upstream call. The deduction itself
	// happens once, when the job first reaches done.
	if err := o.checkCredits(ctx, job); err != nil {
		return err
	}

	if job.Status == models.JobStatusFailed {
		job.Status = resumeStatus(job)
		job.FailedAt = ""
		job.ErrorMsg = ""
		job.RetryCount++
		if err := o.repo.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("failed to reset job for resume: %w", err)
		}
	}

	if job.StartedAt == nil {
		now := o.now()
		job.StartedAt = &now
	}

	if job.ReferenceImageURL == "" {
		if err := o.runImageStage(ctx, job); err != nil {
			return err
		}
	}

	if job.Script == "" {
		if err := o.runScriptStage(ctx, job, scriptOverride); err != nil {
			return err
		}
	}

	return o.runSceneStage(ctx, job)
}

// checkCredits rejects the advance if the account cannot afford the job.
// Nothing is deducted here.
func (o *Orchestrator) checkCredits(ctx context.Context, job *models.Job) error {
	account, err := o.repo.GetAccount(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	cost := job.Config.CreditCost()
	available, _ := ledger.Availability(account.Snapshot(), o.now())
	if available < cost {
		metrics.CreditShortfallsTotal.Inc()
		return &models.InsufficientCreditsError{Required: cost, Available: available}
	}
	return nil
}

func (o *Orchestrator) runImageStage(ctx context.Context, job *models.Job) error {
	span, ctx := tracing.StartStageSpan(ctx, models.StageImage, job.ID)
	defer span.Finish()

	job.Status = models.JobStatusGeneratingImage
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	start := o.now()
	var result providers.GenResult
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		var genErr error
		result, genErr = o.images.Generate(ctx, job)
		if genErr != nil && models.IsTransient(genErr) {
			metrics.StageRetriesTotal.WithLabelValues(models.StageImage).Inc()
		}
		return genErr
	})
	metrics.RecordStageDuration(models.StageImage, time.Since(start).Seconds())
	if err != nil {
		tracing.LogError(span, err)
		return o.failJob(ctx, job, models.StageImage, err)
	}

	job.ReferenceImageURL = result.OutputURL
	job.Status = models.JobStatusImageReady
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist reference image: %w", err)
	}

	o.logger.LogStageEvent(job.ID, models.StageImage, "completed", time.Since(start))
	return nil
}

func (o *Orchestrator) runScriptStage(ctx context.Context, job *models.Job, scriptOverride string) error {
	span, ctx := tracing.StartStageSpan(ctx, models.StageScript, job.ID)
	defer span.Finish()

	start := o.now()
	var plan *providers.ScriptPlan
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		var planErr error
		plan, planErr = o.scripts.Plan(ctx, job, scriptOverride)
		if planErr != nil && models.IsTransient(planErr) {
			metrics.StageRetriesTotal.WithLabelValues(models.StageScript).Inc()
		}
		return planErr
	})
	metrics.RecordStageDuration(models.StageScript, time.Since(start).Seconds())
	if err != nil {
		tracing.LogError(span, err)
		return o.failJob(ctx, job, models.StageScript, err)
	}

	scenes := make([]*models.Scene, len(plan.Scenes))
	for i, sp := range plan.Scenes {
		scenes[i] = &models.Scene{
			JobID:    job.ID,
			Index:    sp.Index,
			Duration: sp.Duration,
			Prompt:   sp.Prompt,
			Status:   models.SceneStatusPending,
		}
	}
	if err := o.repo.CreateScenes(ctx, scenes); err != nil {
		return fmt.Errorf("failed to persist scenes: %w", err)
	}

	job.Script = plan.Script
	job.SceneCount = len(plan.Scenes)
	job.Status = models.JobStatusPlanned
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist script: %w", err)
	}

	o.logger.LogStageEvent(job.ID, models.StageScript, "completed", time.Since(start))
	return nil
}

// runSceneStage dispatches every scene that has no persisted output yet.
// Scenes the upstream accepts asynchronously complete via callback; if every
// scene happens to finish synchronously, the stage closes out immediately.
func (o *Orchestrator) runSceneStage(ctx context.Context, job *models.Job) error {
	span, ctx := tracing.StartStageSpan(ctx, models.StageScenes, job.ID)
	defer span.Finish()

	scenes, err := o.repo.GetScenesByJobID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load scenes: %w", err)
	}

	job.Status = models.JobStatusScenesGenerating
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	start := o.now()
	for _, scene := range scenes {
		if scene.Status == models.SceneStatusCompleted {
			continue
		}

		var result providers.GenResult
		err := o.retry.Do(ctx, func(ctx context.Context) error {
			var genErr error
			result, genErr = o.scenes.Generate(ctx, job, scene)
			if genErr != nil && models.IsTransient(genErr) {
				metrics.StageRetriesTotal.WithLabelValues(models.StageScenes).Inc()
			}
			return genErr
		})
		if err != nil {
			return o.failJob(ctx, job, models.StageScenes, err)
		}

		switch result.State {
		case providers.StatePending:
			if err := o.repo.MarkSceneGenerating(ctx, job.ID, scene.Index, result.TaskID); err != nil {
				return fmt.Errorf("failed to mark scene generating: %w", err)
			}
		case providers.StateOk:
			if _, err := o.repo.CompleteScene(ctx, job.ID, scene.Index, result.OutputURL); err != nil {
				return fmt.Errorf("failed to complete scene: %w", err)
			}
		}
	}
	metrics.RecordStageDuration(models.StageScenes, time.Since(start).Seconds())

	completed, total, err := o.repo.CountScenes(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to count scenes: %w", err)
	}
	if completed == total {
		return o.startAssembly(ctx, job)
	}

	o.logger.WithJobID(job.ID).Infof("waiting for %d of %d scene callbacks", total-completed, total)
	return nil
}

// HandleSceneCallback records one completed scene clip. Duplicate callbacks
// for the same (job, index) leave state untouched. When the last scene lands,
// assembly is dispatched.
func (o *Orchestrator) HandleSceneCallback(ctx context.Context, jobID string, index int, videoURL string) error {
	changed, err := o.repo.CompleteScene(ctx, jobID, index, videoURL)
	if err != nil {
		metrics.SceneCallbacksTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to record scene completion: %w", err)
	}
	if !changed {
		metrics.SceneCallbacksTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.SceneCallbacksTotal.WithLabelValues("ok").Inc()

	completed, total, err := o.repo.CountScenes(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to count scenes: %w", err)
	}
	if completed < total {
		return nil
	}

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != models.JobStatusScenesGenerating {
		// Late callback after failure or after assembly already started
		return nil
	}

	return o.startAssembly(ctx, job)
}

// HandleSceneFailure fails the job when the clip service reports an error
// for a scene. Late failures for jobs already terminal or failed are ignored.
func (o *Orchestrator) HandleSceneFailure(ctx context.Context, jobID, reason string) error {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if models.IsTerminal(job.Status) || job.Status == models.JobStatusFailed {
		return nil
	}

	cause := &models.UpstreamError{Stage: models.StageScenes, Reason: reason}
	if err := o.failJob(ctx, job, models.StageScenes, cause); !errors.Is(err, cause) {
		return err
	}
	return nil
}

func (o *Orchestrator) startAssembly(ctx context.Context, job *models.Job) error {
	// Conditional transition: when two callbacks for the final scenes race,
	// only the one that flips the status hands off to the assembler.
	changed, err := o.repo.TransitionJob(ctx, job.ID, models.JobStatusScenesGenerating, models.JobStatusScenesReady)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if !changed {
		return nil
	}
	job.Status = models.JobStatusScenesReady
	o.logger.LogStageEvent(job.ID, models.StageScenes, "completed", 0)

	scenes, err := o.repo.GetScenesByJobID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load scenes: %w", err)
	}
	sceneURLs := make([]string, len(scenes))
	for i, scene := range scenes {
		sceneURLs[i] = scene.VideoURL
	}

	span, ctx := tracing.StartStageSpan(ctx, models.StageAssembly, job.ID)
	defer span.Finish()

	err = o.retry.Do(ctx, func(ctx context.Context) error {
		assembleErr := o.assembler.Assemble(ctx, job, sceneURLs)
		if assembleErr != nil && models.IsTransient(assembleErr) {
			metrics.StageRetriesTotal.WithLabelValues(models.StageAssembly).Inc()
		}
		return assembleErr
	})
	if err != nil {
		tracing.LogError(span, err)
		return o.failJob(ctx, job, models.StageAssembly, err)
	}

	job.Status = models.JobStatusStitching
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// HandleAssemblyCallback finishes the job on success or fails it on an
// assembly error. The credit deduction rides on the first success only; the
// ledger entry's uniqueness makes replays harmless.
func (o *Orchestrator) HandleAssemblyCallback(ctx context.Context, jobID, videoURL, errorMsg string) error {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	if models.IsTerminal(job.Status) {
		// A replayed success may be the retry of a delivery that committed
		// the job done but failed its deduction. Settling again is harmless;
		// the ledger entry applies at most once.
		if errorMsg == "" {
			return o.settleJob(ctx, job)
		}
		return nil
	}

	if errorMsg != "" {
		cause := &models.UpstreamError{Stage: models.StageAssembly, Reason: errorMsg}
		if err := o.failJob(ctx, job, models.StageAssembly, cause); !errors.Is(err, cause) {
			return err
		}
		return nil
	}

	now := o.now()
	job.FinalVideoURL = videoURL
	job.Status = models.JobStatusDone
	job.CompletedAt = &now
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	metrics.RecordJobCompleted(models.JobStatusDone)

	return o.settleJob(ctx, job)
}

// settleJob charges the job's credit cost after it reached done. A failed
// charge leaves the callback delivery unacknowledged so the provider retries
// it; the retry lands here again via the terminal short-circuit.
func (o *Orchestrator) settleJob(ctx context.Context, job *models.Job) error {
	cost := job.Config.CreditCost()
	deducted, err := o.repo.DeductForJob(ctx, job.AccountID, job.ID, cost, o.now())
	if err != nil {
		return fmt.Errorf("failed to deduct credits: %w", err)
	}
	if !deducted {
		return nil
	}
	metrics.CreditsDeductedTotal.Add(float64(cost))

	if o.cache != nil {
		_ = o.cache.DeleteJob(ctx, job.ID)
		_ = o.cache.InvalidateAvailability(ctx, job.AccountID)
	}

	o.logger.WithJobID(job.ID).WithAccountID(job.AccountID).
		Infof("job done, deducted %d credits", cost)
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, stage string, cause error) error {
	job.Status = models.JobStatusFailed
	job.FailedAt = stage
	job.ErrorMsg = cause.Error()
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	metrics.RecordStageFailure(stage)
	metrics.RecordJobCompleted(models.JobStatusFailed)
	if o.cache != nil {
		_ = o.cache.DeleteJob(ctx, job.ID)
	}

	o.logger.WithJobID(job.ID).WithStage(stage).ErrorWithErr("stage failed", cause)
	return cause
}

// resumeStatus maps a failed job back to the status matching its persisted
// progress.
func resumeStatus(job *models.Job) string {
	switch {
	case job.Script != "":
		return models.JobStatusPlanned
	case job.ReferenceImageURL != "":
		return models.JobStatusImageReady
	default:
		return models.JobStatusCreated
	}
}
