package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/promoforge/promoforge/internal/billing"
	"github.com/promoforge/promoforge/internal/ledger"
	"github.com/promoforge/promoforge/internal/metrics"
	"github.com/promoforge/promoforge/internal/middleware"
	"github.com/promoforge/promoforge/internal/queue"
	"github.com/promoforge/promoforge/pkg/models"
)

const (
	availabilityTTL = 30 * time.Second
	jobCacheTTL     = 10 * time.Second
	presignExpiry   = 24 * time.Hour
)

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := api.repo.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	if err := api.cache.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Create job endpoint
func (api *API) createJob(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req struct {
		ProductName       string `json:"product_name" binding:"required"`
		TargetDuration    int    `json:"target_duration" binding:"required"`
		Platform          string `json:"platform"`
		AspectRatio       string `json:"aspect_ratio"`
		ReferenceAssetURL string `json:"reference_asset_url"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !models.ValidDuration(req.TargetDuration) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "target_duration must be one of 15, 30, 45, 60",
		})
		return
	}

	job := &models.Job{
		AccountID: accountID,
		Status:    models.JobStatusCreated,
		Config: models.JobConfig{
			ProductName:       req.ProductName,
			TargetDuration:    req.TargetDuration,
			Platform:          req.Platform,
			AspectRatio:       req.AspectRatio,
			ReferenceAssetURL: req.ReferenceAssetURL,
		},
	}

	if err := api.repo.CreateJob(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	metrics.JobsCreatedTotal.Inc()
	c.JSON(http.StatusCreated, gin.H{
		"job_id":      job.ID,
		"status":      job.Status,
		"credit_cost": job.Config.CreditCost(),
	})
}

// Generate endpoint: enqueues an advance for the worker. Rejections
// (ownership, bad status, credit shortfall) happen here, before anything is
// spent upstream.
func (api *API) generateJob(c *gin.Context) {
	job, ok := api.ownedJob(c)
	if !ok {
		return
	}

	var req struct {
		ScriptOverride string `json:"script_override"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if !models.Resumable(job.Status) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Job cannot be (re)submitted in its current status",
			"status": job.Status,
		})
		return
	}

	account, err := api.repo.GetAccount(c.Request.Context(), job.AccountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load account"})
		return
	}
	available, _ := ledger.Availability(account.Snapshot(), time.Now())
	if cost := job.Config.CreditCost(); available < cost {
		metrics.CreditShortfallsTotal.Inc()
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "Insufficient credits",
			"required":  cost,
			"available": available,
		})
		return
	}

	cmd := queue.GenerateCommand{
		JobID:          job.ID,
		AccountID:      job.AccountID,
		ScriptOverride: req.ScriptOverride,
	}
	if err := api.queue.PublishGenerate(c.Request.Context(), cmd); err != nil {
		metrics.QueuePublishesTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue job"})
		return
	}
	metrics.QueuePublishesTotal.WithLabelValues("ok").Inc()

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": job.Status})
}

// Job status endpoint
func (api *API) getJob(c *gin.Context) {
	accountID, _ := middleware.GetAccountID(c)
	ctx := c.Request.Context()

	job, err := api.cache.GetJob(ctx, c.Param("id"))
	if err != nil || job == nil {
		var ok bool
		job, ok = api.ownedJob(c)
		if !ok {
			return
		}
		_ = api.cache.SetJob(ctx, job, jobCacheTTL)
	} else if job.AccountID != accountID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Job belongs to another account"})
		return
	}

	completed, total, err := api.repo.CountScenes(c.Request.Context(), job.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load scene progress"})
		return
	}

	response := gin.H{
		"job": job,
		"scenes": gin.H{
			"completed": completed,
			"total":     total,
		},
	}

	if job.Status == models.JobStatusDone {
		response["final_video_url"] = api.presignIfObject(c.Request.Context(), job.FinalVideoURL)
	}

	c.JSON(http.StatusOK, response)
}

// List jobs endpoint
func (api *API) listJobs(c *gin.Context) {
	accountID, _ := middleware.GetAccountID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	jobs, err := api.repo.ListJobsByAccount(c.Request.Context(), accountID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "limit": limit, "offset": offset})
}

// Upload reference asset endpoint
func (api *API) uploadAsset(c *gin.Context) {
	accountID, _ := middleware.GetAccountID(c)

	file, err := c.FormFile("asset")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No asset file provided"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
		return
	}
	defer src.Close()

	objectName, err := api.storage.UploadReferenceAsset(c.Request.Context(), accountID, file.Filename, src, file.Size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store asset"})
		return
	}

	url, err := api.storage.GetURL(c.Request.Context(), objectName, presignExpiry)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to presign asset"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"object": objectName, "url": url})
}

// List reference assets endpoint
func (api *API) listAssets(c *gin.Context) {
	accountID, _ := middleware.GetAccountID(c)

	prefix := fmt.Sprintf("accounts/%s/assets/", accountID)
	objects, err := api.storage.List(c.Request.Context(), prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list assets"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"assets": objects})
}

// Delete reference asset endpoint
func (api *API) deleteAsset(c *gin.Context) {
	accountID, _ := middleware.GetAccountID(c)

	objectName := strings.TrimPrefix(c.Param("object"), "/")
	prefix := fmt.Sprintf("accounts/%s/assets/", accountID)
	if !strings.HasPrefix(objectName, prefix) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Asset belongs to another account"})
		return
	}

	if err := api.storage.Delete(c.Request.Context(), objectName); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete asset"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": objectName})
}

// Credit availability endpoint, read-only
func (api *API) getCredits(c *gin.Context) {
	accountID, _ := middleware.GetAccountID(c)
	ctx := c.Request.Context()

	if available, total, hit, err := api.cache.GetAvailability(ctx, accountID); err == nil && hit {
		c.JSON(http.StatusOK, gin.H{"available": available, "total": total})
		return
	}

	account, err := api.repo.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load account"})
		return
	}

	available, total := ledger.Availability(account.Snapshot(), time.Now())
	_ = api.cache.SetAvailability(ctx, accountID, available, total, availabilityTTL)

	c.JSON(http.StatusOK, gin.H{"available": available, "total": total})
}

// Credit ledger history endpoint
func (api *API) creditHistory(c *gin.Context) {
	accountID, _ := middleware.GetAccountID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	entries, err := api.repo.GetCreditEntries(c.Request.Context(), accountID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load credit history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Billing webhook endpoint. The provider retries on any non-2xx.
func (api *API) billingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read payload"})
		return
	}

	signature := c.GetHeader("X-Billing-Signature")
	if err := api.synchronizer.HandleWebhook(c.Request.Context(), payload, signature); err != nil {
		if errors.Is(err, models.ErrBadSignature) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Queue stats endpoint
func (api *API) queueStats(c *gin.Context) {
	depth, err := api.queue.Depth()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to inspect queue"})
		return
	}
	dlqDepth, err := api.queue.GetDLQDepth()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to inspect dead letter queue"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"depth": depth, "dlq_depth": dlqDepth})
}

// Requeue endpoint for jobs whose commands died in the DLQ. The operator
// names the job; a fresh command goes onto the main queue.
func (api *API) requeueJob(c *gin.Context) {
	job, err := api.repo.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return
	}

	if !models.Resumable(job.Status) {
		c.JSON(http.StatusConflict, gin.H{"error": "Job cannot be requeued in its current status", "status": job.Status})
		return
	}

	cmd := queue.GenerateCommand{JobID: job.ID, AccountID: job.AccountID}
	if err := api.queue.RetryFromDLQ(c.Request.Context(), cmd); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to requeue job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// Sweep trigger endpoint
func (api *API) runSweep(c *gin.Context) {
	summary, err := api.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "partial": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Scene completion callback endpoint
func (api *API) sceneCallback(c *gin.Context) {
	payload, ok := api.verifiedCallback(c)
	if !ok {
		return
	}

	var req struct {
		JobID      string `json:"job_id"`
		SceneIndex int    `json:"scene_index"`
		VideoURL   string `json:"video_url"`
		Error      string `json:"error"`
	}
	if err := bindJSON(payload, &req); err != nil || req.JobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed callback"})
		return
	}

	var err error
	if req.Error != "" {
		err = api.orchestrator.HandleSceneFailure(c.Request.Context(), req.JobID, req.Error)
	} else {
		err = api.orchestrator.HandleSceneCallback(c.Request.Context(), req.JobID, req.SceneIndex, req.VideoURL)
	}
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Callback for a job we do not know; log and ignore
			api.logger.WithJobID(req.JobID).Warn("scene callback for unknown job")
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply callback"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Assembly completion callback endpoint
func (api *API) assemblyCallback(c *gin.Context) {
	payload, ok := api.verifiedCallback(c)
	if !ok {
		return
	}

	var req struct {
		JobID    string `json:"job_id"`
		VideoURL string `json:"video_url"`
		Error    string `json:"error"`
	}
	if err := bindJSON(payload, &req); err != nil || req.JobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed callback"})
		return
	}

	if err := api.orchestrator.HandleAssemblyCallback(c.Request.Context(), req.JobID, req.VideoURL, req.Error); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			api.logger.WithJobID(req.JobID).Warn("assembly callback for unknown job")
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply callback"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// ownedJob loads the job from the path parameter and enforces ownership
func (api *API) ownedJob(c *gin.Context) (*models.Job, bool) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return nil, false
	}

	job, err := api.repo.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return nil, false
	}

	if job.AccountID != accountID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Job belongs to another account"})
		return nil, false
	}

	return job, true
}

// verifiedCallback reads the body and checks the pipeline callback signature
func (api *API) verifiedCallback(c *gin.Context) ([]byte, bool) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read payload"})
		return nil, false
	}

	signature := c.GetHeader("X-Callback-Signature")
	if !billing.VerifySignature(payload, signature, api.callbackSecret) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return nil, false
	}

	return payload, true
}

func bindJSON(payload []byte, out any) error {
	return json.Unmarshal(payload, out)
}

// presignIfObject returns a presigned URL for bucket object keys and passes
// absolute URLs through untouched.
func (api *API) presignIfObject(ctx context.Context, url string) string {
	if url == "" || strings.Contains(url, "://") {
		return url
	}
	signed, err := api.storage.GetURL(ctx, url, presignExpiry)
	if err != nil {
		api.logger.ErrorWithErr("failed to presign final video", err)
		return url
	}
	return signed
}
