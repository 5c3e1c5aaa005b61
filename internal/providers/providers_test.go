package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoforge/promoforge/pkg/models"
)

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func testJob() *models.Job {
	return &models.Job{
		ID:        "job-1",
		AccountID: "acct-1",
		Config: models.JobConfig{
			ProductName:    "Solar Lantern",
			TargetDuration: 30,
			Platform:       "instagram",
			AspectRatio:    "9:16",
		},
		ReferenceImageURL: "https://cdn.test/ref.png",
	}
}

func TestRetryPolicyStopsOnTerminalError(t *testing.T) {
	calls := 0
	terminal := &models.UpstreamError{Stage: models.StageImage, Reason: "bad prompt"}

	err := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second}.
		Do(context.Background(), func(ctx context.Context) error {
			calls++
			return terminal
		})

	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyRetriesTransientErrors(t *testing.T) {
	calls := 0

	err := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second}.
		Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return &models.UpstreamError{Stage: models.StageScenes, Transient: true, Reason: "overloaded"}
			}
			return nil
		})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	calls := 0

	err := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second}.
		Do(context.Background(), func(ctx context.Context) error {
			calls++
			return &models.UpstreamError{Stage: models.StageScenes, Transient: true, Reason: "overloaded"}
		})

	assert.True(t, models.IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Timeout: time.Second}.
			Do(ctx, func(ctx context.Context) error {
				calls++
				return &models.UpstreamError{Stage: models.StageImage, Transient: true, Reason: "overloaded"}
			})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestImageClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"image_url":"https://cdn.test/job-1/ref.png"}`))
	}))
	defer server.Close()

	client := NewImageClient(server.URL, time.Second)
	result, err := client.Generate(context.Background(), testJob())

	require.NoError(t, err)
	assert.Equal(t, StateOk, result.State)
	assert.Equal(t, "https://cdn.test/job-1/ref.png", result.OutputURL)
}

func TestImageClientServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "kaboom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewImageClient(server.URL, time.Second)
	_, err := client.Generate(context.Background(), testJob())

	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
}

func TestImageClientBadRequestIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported aspect ratio", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewImageClient(server.URL, time.Second)
	_, err := client.Generate(context.Background(), testJob())

	require.Error(t, err)
	assert.False(t, models.IsTransient(err))
}

func TestScriptClientPlan(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plan", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"script": "Meet the Solar Lantern.",
			"scenes": [
				{"index": 0, "duration": 15, "prompt": "lantern at dusk"},
				{"index": 1, "duration": 15, "prompt": "lantern close-up"}
			]
		}`))
	}))
	defer server.Close()

	client := NewScriptClient(server.URL, time.Second)
	plan, err := client.Plan(context.Background(), testJob(), "")

	require.NoError(t, err)
	assert.Equal(t, "Meet the Solar Lantern.", plan.Script)
	require.Len(t, plan.Scenes, 2)
	assert.Equal(t, "lantern close-up", plan.Scenes[1].Prompt)
}

func TestScriptClientRejectsWrongSceneCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"script": "x", "scenes": [{"index": 0, "duration": 15, "prompt": "only one"}]}`))
	}))
	defer server.Close()

	client := NewScriptClient(server.URL, time.Second)
	_, err := client.Plan(context.Background(), testJob(), "")

	require.Error(t, err)
	assert.False(t, models.IsTransient(err))
}

func TestSceneClientAsyncAccept(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"task_id":"task-42"}`))
	}))
	defer server.Close()

	client := NewSceneClient(server.URL, "https://api.test/callbacks/scenes", time.Second)
	scene := &models.Scene{JobID: "job-1", Index: 0, Duration: 15, Prompt: "lantern at dusk"}
	result, err := client.Generate(context.Background(), testJob(), scene)

	require.NoError(t, err)
	assert.Equal(t, StatePending, result.State)
	assert.Equal(t, "task-42", result.TaskID)
}

func TestSceneClientSyncResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"video_url":"https://cdn.test/job-1/scene-0.mp4"}`))
	}))
	defer server.Close()

	client := NewSceneClient(server.URL, "https://api.test/callbacks/scenes", time.Second)
	scene := &models.Scene{JobID: "job-1", Index: 0, Duration: 15, Prompt: "lantern at dusk"}
	result, err := client.Generate(context.Background(), testJob(), scene)

	require.NoError(t, err)
	assert.Equal(t, StateOk, result.State)
	assert.Equal(t, "https://cdn.test/job-1/scene-0.mp4", result.OutputURL)
}

func TestAssemblyClientAssemble(t *testing.T) {
	var gotCallback string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assemble", r.URL.Path)
		var payload struct {
			SceneURLs   []string `json:"scene_urls"`
			CallbackURL string   `json:"callback_url"`
		}
		require.NoError(t, decodeJSON(r, &payload))
		gotCallback = payload.CallbackURL
		assert.Len(t, payload.SceneURLs, 2)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewAssemblyClient(server.URL, "https://api.test/callbacks/assembly", time.Second)
	err := client.Assemble(context.Background(), testJob(), []string{
		"https://cdn.test/job-1/scene-0.mp4",
		"https://cdn.test/job-1/scene-1.mp4",
	})

	require.NoError(t, err)
	assert.Equal(t, "https://api.test/callbacks/assembly", gotCallback)
}
