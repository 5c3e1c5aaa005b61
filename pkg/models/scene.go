package models

import "time"

// Scene is one sub-part of a job's output, generated independently and
// assembled at the end. Completion callbacks are keyed (job_id, idx).
type Scene struct {
	ID        string    `json:"id" db:"id"`
	JobID     string    `json:"job_id" db:"job_id"`
	Index     int       `json:"index" db:"idx"`
	Duration  float64   `json:"duration" db:"duration"`
	Prompt    string    `json:"prompt" db:"prompt"`
	Status    string    `json:"status" db:"status"`
	TaskID    string    `json:"task_id,omitempty" db:"task_id"`
	VideoURL  string    `json:"video_url,omitempty" db:"video_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SceneStatus constants
const (
	SceneStatusPending    = "pending"
	SceneStatusGenerating = "generating"
	SceneStatusCompleted  = "completed"
)
