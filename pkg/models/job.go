package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Job represents a promo generation job moving through the pipeline
type Job struct {
	ID                string     `json:"id" db:"id"`
	AccountID         string     `json:"account_id" db:"account_id"`
	Status            string     `json:"status" db:"status"`
	Config            JobConfig  `json:"config" db:"config"`
	Script            string     `json:"script,omitempty" db:"script"`
	ReferenceImageURL string     `json:"reference_image_url,omitempty" db:"reference_image_url"`
	SceneCount        int        `json:"scene_count" db:"scene_count"`
	FinalVideoURL     string     `json:"final_video_url,omitempty" db:"final_video_url"`
	FailedAt          string     `json:"failed_at,omitempty" db:"failed_at"`
	ErrorMsg          string     `json:"error_msg,omitempty" db:"error_msg"`
	RetryCount        int        `json:"retry_count" db:"retry_count"`
	StartedAt         *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// JobConfig holds the client-supplied generation parameters for a job
type JobConfig struct {
	ProductName       string `json:"product_name"`
	TargetDuration    int    `json:"target_duration"`
	Platform          string `json:"platform"`
	AspectRatio       string `json:"aspect_ratio"`
	ReferenceAssetURL string `json:"reference_asset_url,omitempty"`
}

// Value implements driver.Valuer for database storage
func (jc JobConfig) Value() (driver.Value, error) {
	return json.Marshal(jc)
}

// Scan implements sql.Scanner for database retrieval
func (jc *JobConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, jc)
}

// ValidDurations are the accepted target durations in seconds.
var ValidDurations = []int{15, 30, 45, 60}

// ValidDuration reports whether d is an accepted target duration.
func ValidDuration(d int) bool {
	for _, v := range ValidDurations {
		if v == d {
			return true
		}
	}
	return false
}

// CreditCost returns the credit price of a job with this config.
// 5 credits per 15 seconds of output.
func (jc JobConfig) CreditCost() int {
	return jc.TargetDuration / 15 * 5
}

// PlannedScenes returns the number of scenes planned for this config,
// one scene per 15 seconds of output.
func (jc JobConfig) PlannedScenes() int {
	return jc.TargetDuration / 15
}

// JobStatus constants
const (
	JobStatusCreated          = "created"
	JobStatusGeneratingImage  = "generating_image"
	JobStatusImageReady       = "image_ready"
	JobStatusPlanned          = "planned"
	JobStatusScenesGenerating = "scenes_generating"
	JobStatusScenesReady      = "scenes_ready"
	JobStatusStitching        = "stitching"
	JobStatusDone             = "done"
	JobStatusFailed           = "failed"
)

// Pipeline stage names, recorded in FailedAt when a stage fails
const (
	StageImage    = "image"
	StageScript   = "script"
	StageScenes   = "scenes"
	StageAssembly = "assembly"
)

// IsTerminal reports whether status is a terminal job status.
func IsTerminal(status string) bool {
	return status == JobStatusDone
}

// Resumable reports whether a job in this status may be (re)submitted for
// generation. Failed jobs resume from their first incomplete stage; a
// stitching job resubmitted after a lost assembly callback hands its clips
// to the assembler again.
func Resumable(status string) bool {
	switch status {
	case JobStatusCreated, JobStatusGeneratingImage, JobStatusImageReady,
		JobStatusPlanned, JobStatusScenesGenerating, JobStatusScenesReady,
		JobStatusStitching, JobStatusFailed:
		return true
	}
	return false
}
