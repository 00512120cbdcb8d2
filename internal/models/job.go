package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	JobRunning = "running"
	JobSuccess = "success"
	JobError   = "error"
)

// Job records one execution attempt of a notification occurrence.
type Job struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notification_id"`
	OccurrenceKey  string         `json:"occurrence_key"`
	RunAt          time.Time      `json:"run_at"`
	Status         string         `json:"status"`
	Response       map[string]any `json:"response,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the job already reached success or error.
func (j Job) Terminal() bool {
	return j.Status == JobSuccess || j.Status == JobError
}
