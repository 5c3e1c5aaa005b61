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

// AssemblyClient calls the stitching service, which concatenates the scene
// clips into the final video. Fire and forget: completion arrives on the
// assembly callback endpoint.
type AssemblyClient struct {
	endpoint    string
	callbackURL string
	httpClient  *http.Client
}

// NewAssemblyClient creates an assembly adapter
func NewAssemblyClient(endpoint, callbackURL string, timeout time.Duration) *AssemblyClient {
	return &AssemblyClient{
		endpoint:    strings.TrimRight(endpoint, "/"),
		callbackURL: callbackURL,
		httpClient:  newHTTPClient(timeout),
	}
}

type assemblyRequest struct {
	JobID       string   `json:"job_id"`
	SceneURLs   []string `json:"scene_urls"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	CallbackURL string   `json:"callback_url"`
}

// Assemble hands the ordered scene clips off for stitching
func (c *AssemblyClient) Assemble(ctx context.Context, job *models.Job, sceneURLs []string) error {
	payload := assemblyRequest{
		JobID:       job.ID,
		SceneURLs:   sceneURLs,
		AspectRatio: job.Config.AspectRatio,
		CallbackURL: c.callbackURL,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal assembly request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/assemble", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build assembly request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransportError(models.StageAssembly, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(models.StageAssembly, resp.StatusCode, readBody(resp))
	}

	return nil
}
