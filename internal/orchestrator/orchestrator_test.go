package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoforge/promoforge/internal/logging"
	"github.com/promoforge/promoforge/internal/providers"
	"github.com/promoforge/promoforge/pkg/models"
)

// mockRepo is an in-memory Repository with exactly-once deduction semantics.
type mockRepo struct {
	mu             sync.Mutex
	jobs           map[string]*models.Job
	accounts       map[string]*models.Account
	scenes         map[string][]*models.Scene
	deducted       map[string]int // job ID -> amount, written at most once
	failDeductions int            // next N deductions fail before writing
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		jobs:     make(map[string]*models.Job),
		accounts: make(map[string]*models.Account),
		scenes:   make(map[string][]*models.Scene),
		deducted: make(map[string]int),
	}
}

func (m *mockRepo) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *mockRepo) UpdateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *mockRepo) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (m *mockRepo) CreateScenes(ctx context.Context, scenes []*models.Scene) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(scenes) == 0 {
		return nil
	}
	jobID := scenes[0].JobID
	if len(m.scenes[jobID]) > 0 {
		return nil // already planned
	}
	for _, s := range scenes {
		copied := *s
		m.scenes[jobID] = append(m.scenes[jobID], &copied)
	}
	return nil
}

func (m *mockRepo) GetScenesByJobID(ctx context.Context, jobID string) ([]*models.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scenes := make([]*models.Scene, len(m.scenes[jobID]))
	for i, s := range m.scenes[jobID] {
		copied := *s
		scenes[i] = &copied
	}
	sort.Slice(scenes, func(i, j int) bool { return scenes[i].Index < scenes[j].Index })
	return scenes, nil
}

func (m *mockRepo) MarkSceneGenerating(ctx context.Context, jobID string, index int, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.scenes[jobID] {
		if s.Index == index && s.Status != models.SceneStatusCompleted {
			s.Status = models.SceneStatusGenerating
			s.TaskID = taskID
		}
	}
	return nil
}

func (m *mockRepo) CompleteScene(ctx context.Context, jobID string, index int, videoURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.scenes[jobID] {
		if s.Index == index {
			if s.Status == models.SceneStatusCompleted {
				return false, nil
			}
			s.Status = models.SceneStatusCompleted
			s.VideoURL = videoURL
			return true, nil
		}
	}
	return false, models.ErrNotFound
}

func (m *mockRepo) CountScenes(ctx context.Context, jobID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	completed := 0
	for _, s := range m.scenes[jobID] {
		if s.Status == models.SceneStatusCompleted {
			completed++
		}
	}
	return completed, len(m.scenes[jobID]), nil
}

func (m *mockRepo) TransitionJob(ctx context.Context, jobID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != from {
		return false, nil
	}
	job.Status = to
	return true, nil
}

func (m *mockRepo) DeductForJob(ctx context.Context, accountID, jobID string, amount int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDeductions > 0 {
		m.failDeductions--
		return false, errors.New("connection reset by peer")
	}
	if _, done := m.deducted[jobID]; done {
		return false, nil
	}
	m.deducted[jobID] = amount
	m.accounts[accountID].CreditsUsed += amount
	return true, nil
}

type mockImages struct {
	calls  int
	result providers.GenResult
	err    error
}

func (m *mockImages) Generate(ctx context.Context, job *models.Job) (providers.GenResult, error) {
	m.calls++
	return m.result, m.err
}

type mockScripts struct {
	calls int
	plan  *providers.ScriptPlan
	err   error
}

func (m *mockScripts) Plan(ctx context.Context, job *models.Job, override string) (*providers.ScriptPlan, error) {
	m.calls++
	return m.plan, m.err
}

type mockScenes struct {
	calls   int
	results map[int]providers.GenResult
}

func (m *mockScenes) Generate(ctx context.Context, job *models.Job, scene *models.Scene) (providers.GenResult, error) {
	m.calls++
	if r, ok := m.results[scene.Index]; ok {
		return r, nil
	}
	return providers.GenResult{State: providers.StatePending, TaskID: "task"}, nil
}

type mockAssembler struct {
	calls int
	err   error
}

func (m *mockAssembler) Assemble(ctx context.Context, job *models.Job, sceneURLs []string) error {
	m.calls++
	return m.err
}

type fixture struct {
	repo      *mockRepo
	images    *mockImages
	scripts   *mockScripts
	scenes    *mockScenes
	assembler *mockAssembler
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	f := &fixture{
		repo: newMockRepo(),
		images: &mockImages{
			result: providers.GenResult{State: providers.StateOk, OutputURL: "https://cdn.test/ref.png"},
		},
		scripts: &mockScripts{
			plan: &providers.ScriptPlan{
				Script: "Two great scenes.",
				Scenes: []providers.ScenePlan{
					{Index: 0, Duration: 15, Prompt: "opening"},
					{Index: 1, Duration: 15, Prompt: "closing"},
				},
			},
		},
		scenes:    &mockScenes{results: map[int]providers.GenResult{}},
		assembler: &mockAssembler{},
	}

	retry := providers.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second}
	f.orch = New(f.repo, f.images, f.scripts, f.scenes, f.assembler, nil, retry, logger)
	return f
}

func (f *fixture) seed(credits int) *models.Job {
	account := &models.Account{
		ID:             "acct-1",
		PlanTier:       models.PlanStarter,
		CreditsAllowed: credits,
	}
	f.repo.accounts[account.ID] = account

	job := &models.Job{
		ID:        "job-1",
		AccountID: account.ID,
		Status:    models.JobStatusCreated,
		Config: models.JobConfig{
			ProductName:    "Solar Lantern",
			TargetDuration: 30, // 2 scenes, 10 credits
			Platform:       "instagram",
		},
	}
	f.repo.jobs[job.ID] = job
	return job
}

func TestAdvanceRunsThroughSceneDispatch(t *testing.T) {
	f := newFixture(t)
	f.seed(20)

	err := f.orch.Advance(context.Background(), "job-1", "")
	require.NoError(t, err)

	job := f.repo.jobs["job-1"]
	assert.Equal(t, models.JobStatusScenesGenerating, job.Status)
	assert.Equal(t, "https://cdn.test/ref.png", job.ReferenceImageURL)
	assert.Equal(t, "Two great scenes.", job.Script)
	assert.Equal(t, 2, job.SceneCount)
	assert.Equal(t, 1, f.images.calls)
	assert.Equal(t, 1, f.scripts.calls)
	assert.Equal(t, 2, f.scenes.calls)
	assert.Empty(t, f.repo.deducted)
}

func TestAdvanceEndToEndDeductsOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(20)
	ctx := context.Background()

	require.NoError(t, f.orch.Advance(ctx, "job-1", ""))

	// Scene callbacks arrive out of order
	require.NoError(t, f.orch.HandleSceneCallback(ctx, "job-1", 1, "https://cdn.test/s1.mp4"))
	assert.Equal(t, models.JobStatusScenesGenerating, f.repo.jobs["job-1"].Status)

	require.NoError(t, f.orch.HandleSceneCallback(ctx, "job-1", 0, "https://cdn.test/s0.mp4"))
	assert.Equal(t, models.JobStatusStitching, f.repo.jobs["job-1"].Status)
	assert.Equal(t, 1, f.assembler.calls)

	require.NoError(t, f.orch.HandleAssemblyCallback(ctx, "job-1", "https://cdn.test/final.mp4", ""))

	job := f.repo.jobs["job-1"]
	assert.Equal(t, models.JobStatusDone, job.Status)
	assert.Equal(t, "https://cdn.test/final.mp4", job.FinalVideoURL)
	require.NotNil(t, job.CompletedAt)

	assert.Equal(t, 10, f.repo.deducted["job-1"])
	assert.Equal(t, 10, f.repo.accounts["acct-1"].CreditsUsed)

	// Replayed callback stays done and does not deduct again
	require.NoError(t, f.orch.HandleAssemblyCallback(ctx, "job-1", "https://cdn.test/final.mp4", ""))
	assert.Equal(t, 10, f.repo.accounts["acct-1"].CreditsUsed)
}

func TestAdvanceInsufficientCreditsCallsNoAdapters(t *testing.T) {
	f := newFixture(t)
	account := f.seed(20)
	_ = account
	f.repo.accounts["acct-1"].CreditsAllowed = 2 // cost is 10

	err := f.orch.Advance(context.Background(), "job-1", "")

	require.Error(t, err)
	assert.True(t, models.IsInsufficientCredits(err))

	var ice *models.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, 10, ice.Required)
	assert.Equal(t, 2, ice.Available)

	assert.Equal(t, 0, f.images.calls)
	assert.Equal(t, 0, f.scripts.calls)
	assert.Equal(t, 0, f.scenes.calls)
	assert.Equal(t, models.JobStatusCreated, f.repo.jobs["job-1"].Status)
}

func TestAdvanceAfterFailureSkipsCompletedStages(t *testing.T) {
	f := newFixture(t)
	f.seed(20)
	ctx := context.Background()

	// First run fails planning
	f.scripts.err = &models.UpstreamError{Stage: models.StageScript, Reason: "bad brief"}
	err := f.orch.Advance(ctx, "job-1", "")
	require.Error(t, err)

	job := f.repo.jobs["job-1"]
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.StageScript, job.FailedAt)
	assert.NotEmpty(t, job.ErrorMsg)
	assert.NotEmpty(t, job.ReferenceImageURL)

	// Second run resumes: image output is kept, only planning reruns
	f.scripts.err = nil
	require.NoError(t, f.orch.Advance(ctx, "job-1", ""))

	job = f.repo.jobs["job-1"]
	assert.Equal(t, models.JobStatusScenesGenerating, job.Status)
	assert.Empty(t, job.FailedAt)
	assert.Empty(t, job.ErrorMsg)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, 1, f.images.calls, "image stage must not rerun")
	assert.Equal(t, 2, f.scripts.calls)
}

func TestAdvanceRedispatchesLostAssembly(t *testing.T) {
	f := newFixture(t)
	f.seed(20)
	f.scenes.results = map[int]providers.GenResult{
		0: {State: providers.StateOk, OutputURL: "https://cdn.test/s0.mp4"},
		1: {State: providers.StateOk, OutputURL: "https://cdn.test/s1.mp4"},
	}
	ctx := context.Background()

	require.NoError(t, f.orch.Advance(ctx, "job-1", ""))
	require.Equal(t, models.JobStatusStitching, f.repo.jobs["job-1"].Status)
	require.Equal(t, 1, f.assembler.calls)

	// The assembly callback never arrives. Resubmission skips the completed
	// stages and hands the clips to the assembler again.
	require.NoError(t, f.orch.Advance(ctx, "job-1", ""))

	assert.Equal(t, models.JobStatusStitching, f.repo.jobs["job-1"].Status)
	assert.Equal(t, 2, f.assembler.calls)
	assert.Equal(t, 1, f.images.calls)
	assert.Equal(t, 1, f.scripts.calls)
	assert.Equal(t, 2, f.scenes.calls, "completed clips are not regenerated")
	assert.Empty(t, f.repo.deducted)
}

func TestAdvanceOnDoneJobIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seed(20)
	f.repo.jobs["job-1"].Status = models.JobStatusDone

	require.NoError(t, f.orch.Advance(context.Background(), "job-1", ""))
	assert.Equal(t, 0, f.images.calls)
}

func TestDuplicateSceneCallbackLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.seed(20)
	ctx := context.Background()

	require.NoError(t, f.orch.Advance(ctx, "job-1", ""))
	require.NoError(t, f.orch.HandleSceneCallback(ctx, "job-1", 0, "https://cdn.test/s0.mp4"))

	before := *f.repo.jobs["job-1"]
	require.NoError(t, f.orch.HandleSceneCallback(ctx, "job-1", 0, "https://cdn.test/other.mp4"))

	after := f.repo.jobs["job-1"]
	assert.Equal(t, before.Status, after.Status)

	scenes, err := f.repo.GetScenesByJobID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/s0.mp4", scenes[0].VideoURL, "first callback wins")
	assert.Equal(t, 0, f.assembler.calls)
}

func TestSynchronousScenesGoStraightToAssembly(t *testing.T) {
	f := newFixture(t)
	f.seed(20)
	f.scenes.results = map[int]providers.GenResult{
		0: {State: providers.StateOk, OutputURL: "https://cdn.test/s0.mp4"},
		1: {State: providers.StateOk, OutputURL: "https://cdn.test/s1.mp4"},
	}

	require.NoError(t, f.orch.Advance(context.Background(), "job-1", ""))

	assert.Equal(t, models.JobStatusStitching, f.repo.jobs["job-1"].Status)
	assert.Equal(t, 1, f.assembler.calls)
}

func TestAssemblyCallbackFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	f.seed(20)
	ctx := context.Background()

	require.NoError(t, f.orch.Advance(ctx, "job-1", ""))
	require.NoError(t, f.orch.HandleSceneCallback(ctx, "job-1", 0, "https://cdn.test/s0.mp4"))
	require.NoError(t, f.orch.HandleSceneCallback(ctx, "job-1", 1, "https://cdn.test/s1.mp4"))

	require.NoError(t, f.orch.HandleAssemblyCallback(ctx, "job-1", "", "codec mismatch"))

	job := f.repo.jobs["job-1"]
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.StageAssembly, job.FailedAt)
	assert.Empty(t, f.repo.deducted)
}

func TestAssemblyCallbackRetryDeductsAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(20)
	ctx := context.Background()

	require.NoError(t, f.orch.Advance(ctx, "job-1", ""))
	require.NoError(t, f.orch.HandleSceneCallback(ctx, "job-1", 0, "https://cdn.test/s0.mp4"))
	require.NoError(t, f.orch.HandleSceneCallback(ctx, "job-1", 1, "https://cdn.test/s1.mp4"))

	// The deduction fails once after the job is committed done, so the
	// delivery errors and the provider redelivers it.
	f.repo.failDeductions = 1
	err := f.orch.HandleAssemblyCallback(ctx, "job-1", "https://cdn.test/final.mp4", "")
	require.Error(t, err)
	assert.Equal(t, models.JobStatusDone, f.repo.jobs["job-1"].Status)
	assert.Empty(t, f.repo.deducted)

	require.NoError(t, f.orch.HandleAssemblyCallback(ctx, "job-1", "https://cdn.test/final.mp4", ""))
	assert.Equal(t, 10, f.repo.deducted["job-1"])
	assert.Equal(t, 10, f.repo.accounts["acct-1"].CreditsUsed)

	// A further replay leaves the charge alone
	require.NoError(t, f.orch.HandleAssemblyCallback(ctx, "job-1", "https://cdn.test/final.mp4", ""))
	assert.Equal(t, 10, f.repo.accounts["acct-1"].CreditsUsed)
}

func TestRacingFinalSceneCallbacksDispatchAssemblyOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(20)
	ctx := context.Background()

	require.NoError(t, f.orch.Advance(ctx, "job-1", ""))
	require.NoError(t, f.orch.HandleSceneCallback(ctx, "job-1", 0, "https://cdn.test/s0.mp4"))

	// Complete the last scene through the repository so two handlers can both
	// observe a finished set while the job still says scenes_generating.
	changed, err := f.repo.CompleteScene(ctx, "job-1", 1, "https://cdn.test/s1.mp4")
	require.NoError(t, err)
	require.True(t, changed)

	first, err := f.repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	second, err := f.repo.GetJob(ctx, "job-1")
	require.NoError(t, err)

	require.NoError(t, f.orch.startAssembly(ctx, first))
	require.NoError(t, f.orch.startAssembly(ctx, second))

	assert.Equal(t, 1, f.assembler.calls, "only the transition winner dispatches")
	assert.Equal(t, models.JobStatusStitching, f.repo.jobs["job-1"].Status)
}
