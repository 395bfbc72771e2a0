// Package domain holds the pure types of the solvepad core.
// A Task is the durable projection of one batch job:
// submit → (confirm) → process → assemble → complete.
package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending              TaskStatus = "PENDING"
	TaskProcessing           TaskStatus = "PROCESSING"
	TaskCompleted            TaskStatus = "COMPLETED"
	TaskFailed               TaskStatus = "FAILED"
	TaskAwaitingConfirmation TaskStatus = "AWAITING_CONFIRMATION"
)

// TaskCounts tracks per-question completion totals.
type TaskCounts struct {
	Total  int `json:"total"`
	Solved int `json:"solved"`
	Failed int `json:"failed"`
}

// Task is the durable record of one batch job.
type Task struct {
	ID           string          `json:"id"`
	UserPhone    string          `json:"user_phone"`
	Type         string          `json:"type"`
	Status       TaskStatus      `json:"status"`
	Progress     int             `json:"progress"` // 0..100, never decreases
	Stage        string          `json:"stage"`
	Counts       TaskCounts      `json:"counts"`
	InputMeta    json.RawMessage `json:"input_meta,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
	LastUpdateAt time.Time       `json:"last_update_at"`
	OutputPath   string          `json:"output_path,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// IsTerminal returns true once no further transitions are permitted.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Elapsed returns wall time since processing started (0 if not started).
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(t.StartedAt)
}

// ValidTransition reports whether from → to is a legal status change.
//
//	PENDING ──► PROCESSING ──► COMPLETED
//	  │              │
//	  │              └───────► FAILED
//	  └──► AWAITING_CONFIRMATION ──► PROCESSING
func ValidTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskProcessing || to == TaskAwaitingConfirmation || to == TaskFailed
	case TaskAwaitingConfirmation:
		return to == TaskProcessing || to == TaskFailed
	case TaskProcessing:
		return to == TaskCompleted || to == TaskFailed
	default:
		return false
	}
}

// ProgressEvent is the wire JSON pushed to progress subscribers.
type ProgressEvent struct {
	TaskID             string     `json:"task_id"`
	Status             TaskStatus `json:"status"`
	Progress           int        `json:"progress"`
	Stage              string     `json:"stage"`
	Counts             TaskCounts `json:"counts"`
	EstimatedRemaining *int       `json:"estimated_remaining_seconds"`
	Timestamp          time.Time  `json:"timestamp"`
}

// TaskRoom names the progress room keyed by task id.
func TaskRoom(taskID string) string { return "task:" + taskID }

// UserRoom names the progress room keyed by user.
func UserRoom(userPhone string) string { return "user:" + userPhone }
