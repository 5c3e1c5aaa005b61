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

// ImageClient calls the reference image service. The service renders one
// product still that every scene clip is conditioned on.
type ImageClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewImageClient creates an image adapter for the given endpoint
func NewImageClient(endpoint string, timeout time.Duration) *ImageClient {
	return &ImageClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: newHTTPClient(timeout),
	}
}

type imageRequest struct {
	JobID             string `json:"job_id"`
	ProductName       string `json:"product_name"`
	AspectRatio       string `json:"aspect_ratio,omitempty"`
	ReferenceAssetURL string `json:"reference_asset_url,omitempty"`
}

type imageResponse struct {
	ImageURL string `json:"image_url"`
}

// Generate requests a reference image for the job's product
func (c *ImageClient) Generate(ctx context.Context, job *models.Job) (GenResult, error) {
	payload := imageRequest{
		JobID:             job.ID,
		ProductName:       job.Config.ProductName,
		AspectRatio:       job.Config.AspectRatio,
		ReferenceAssetURL: job.Config.ReferenceAssetURL,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return GenResult{}, fmt.Errorf("failed to marshal image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return GenResult{}, fmt.Errorf("failed to build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return GenResult{}, wrapTransportError(models.StageImage, err)
	}
	defer resp.Body.Close()

	raw := readBody(resp)
	if resp.StatusCode >= 300 {
		return GenResult{}, statusError(models.StageImage, resp.StatusCode, raw)
	}

	var decoded imageResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return GenResult{}, fmt.Errorf("failed to decode image response: %w", err)
	}
	if decoded.ImageURL == "" {
		return GenResult{}, &models.UpstreamError{Stage: models.StageImage, Reason: "empty image url"}
	}

	return GenResult{State: StateOk, OutputURL: decoded.ImageURL}, nil
}
