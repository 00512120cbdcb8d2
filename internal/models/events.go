package models

import (
	"time"
)

// Topics exchanged over the task queue.
const (
	TopicPoll     = "notification/poll"
	TopicSchedule = "notification/schedule"
	TopicRun      = "notification/run"
)

// Topics lists every topic a worker consumes, in dequeue order.
var Topics = []string{TopicRun, TopicSchedule, TopicPoll}

// ScheduleRequest asks a Scheduler to claim a notification and wait for RunAtISO.
type ScheduleRequest struct {
	NotificationID string  `json:"notificationId"`
	RunAtISO       *string `json:"runAtIso"`
}

// RunRequest asks a Runner to execute one occurrence.
type RunRequest struct {
	NotificationID string  `json:"notificationId"`
	RunAtISO       *string `json:"runAtIso,omitempty"`
}

// PollResult summarizes one poll sweep.
type PollResult struct {
	Scheduled int   `json:"scheduled"`
	HorizonMs int64 `json:"horizonMs"`
}

// ScheduleResult is returned by the Scheduler.
type ScheduleResult struct {
	Scheduled bool  `json:"scheduled"`
	DelayMs   int64 `json:"delayMs,omitempty"`
}

// Run outcomes.
const (
	RunSuccess = "success"
	RunError   = "error"
	RunSkipped = "skipped"
)

// RunResult is returned by the Runner.
type RunResult struct {
	JobID     string     `json:"jobId,omitempty"`
	Status    string     `json:"status"`
	NextRunAt *time.Time `json:"nextRunAt"`
}

// FormatInstant renders t the way run payloads carry instants.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
