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

// SceneClient calls the clip generation service. Clip generation is slow, so
// the service usually accepts the request and reports completion on the scene
// callback endpoint. A synchronous 200 with a video URL is also accepted.
type SceneClient struct {
	endpoint    string
	callbackURL string
	httpClient  *http.Client
}

// NewSceneClient creates a scene adapter. callbackURL is where the service
// posts completions.
func NewSceneClient(endpoint, callbackURL string, timeout time.Duration) *SceneClient {
	return &SceneClient{
		endpoint:    strings.TrimRight(endpoint, "/"),
		callbackURL: callbackURL,
		httpClient:  newHTTPClient(timeout),
	}
}

type sceneRequest struct {
	JobID             string  `json:"job_id"`
	SceneIndex        int     `json:"scene_index"`
	Prompt            string  `json:"prompt"`
	Duration          float64 `json:"duration"`
	ReferenceImageURL string  `json:"reference_image_url"`
	CallbackURL       string  `json:"callback_url"`
}

type sceneResponse struct {
	TaskID   string `json:"task_id,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
}

// Generate requests one scene clip, conditioned on the job's shared
// reference image
func (c *SceneClient) Generate(ctx context.Context, job *models.Job, scene *models.Scene) (GenResult, error) {
	payload := sceneRequest{
		JobID:             job.ID,
		SceneIndex:        scene.Index,
		Prompt:            scene.Prompt,
		Duration:          scene.Duration,
		ReferenceImageURL: job.ReferenceImageURL,
		CallbackURL:       c.callbackURL,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return GenResult{}, fmt.Errorf("failed to marshal scene request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return GenResult{}, fmt.Errorf("failed to build scene request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return GenResult{}, wrapTransportError(models.StageScenes, err)
	}
	defer resp.Body.Close()

	raw := readBody(resp)
	if resp.StatusCode >= 300 {
		return GenResult{}, statusError(models.StageScenes, resp.StatusCode, raw)
	}

	var decoded sceneResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return GenResult{}, fmt.Errorf("failed to decode scene response: %w", err)
	}

	if resp.StatusCode == http.StatusAccepted {
		if decoded.TaskID == "" {
			return GenResult{}, &models.UpstreamError{Stage: models.StageScenes, Reason: "accepted without task id"}
		}
		return GenResult{State: StatePending, TaskID: decoded.TaskID}, nil
	}

	if decoded.VideoURL == "" {
		return GenResult{}, &models.UpstreamError{Stage: models.StageScenes, Reason: "empty video url"}
	}
	return GenResult{State: StateOk, OutputURL: decoded.VideoURL}, nil
}
