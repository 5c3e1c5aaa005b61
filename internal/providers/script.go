package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/promoforge/promoforge/pkg/models"
)

// ScriptClient calls the planning service. One call produces the full ad
// script and the per-scene prompts.
type ScriptClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewScriptClient creates a script adapter for the given endpoint
func NewScriptClient(endpoint string, timeout time.Duration) *ScriptClient {
	return &ScriptClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: newHTTPClient(timeout),
	}
}

// ScenePlan is one planned scene from the script service.
type ScenePlan struct {
	Index    int     `json:"index"`
	Duration float64 `json:"duration"`
	Prompt   string  `json:"prompt"`
}

// ScriptPlan is the planning result: the script text plus scene prompts.
type ScriptPlan struct {
	Script string      `json:"script"`
	Scenes []ScenePlan `json:"scenes"`
}

type scriptRequest struct {
	JobID          string `json:"job_id"`
	ProductName    string `json:"product_name"`
	Platform       string `json:"platform,omitempty"`
	TargetDuration int    `json:"target_duration"`
	SceneCount     int    `json:"scene_count"`
	ScriptOverride string `json:"script_override,omitempty"`
}

// Plan requests a script and scene breakdown for the job. The scene count is
// fixed by the job's target duration, the service must honor it.
func (c *ScriptClient) Plan(ctx context.Context, job *models.Job, scriptOverride string) (*ScriptPlan, error) {
	payload := scriptRequest{
		JobID:          job.ID,
		ProductName:    job.Config.ProductName,
		Platform:       job.Config.Platform,
		TargetDuration: job.Config.TargetDuration,
		SceneCount:     job.Config.PlannedScenes(),
		ScriptOverride: scriptOverride,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal script request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/plan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build script request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(models.StageScript, err)
	}
	defer resp.Body.Close()

	raw := readBody(resp)
	if resp.StatusCode >= 300 {
		return nil, statusError(models.StageScript, resp.StatusCode, raw)
	}

	var plan ScriptPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode script response: %w", err)
	}
	if plan.Script == "" {
		return nil, &models.UpstreamError{Stage: models.StageScript, Reason: "empty script"}
	}
	if len(plan.Scenes) != job.Config.PlannedScenes() {
		return nil, &models.UpstreamError{
			Stage:  models.StageScript,
			Reason: fmt.Sprintf("planned %d scenes, expected %d", len(plan.Scenes), job.Config.PlannedScenes()),
		}
	}

	return &plan, nil
}
