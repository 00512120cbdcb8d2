package models

import (
	"time"
)

// Notification is a recurring information request owned by a user.
type Notification struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	Query              string         `json:"query"`
	ResolvedQuery      *string        `json:"query_for_llm,omitempty"`
	ScheduleCron       *string        `json:"schedule_cron,omitempty"`
	NextRunAt          *time.Time     `json:"next_run_at,omitempty"`
	IsActive           bool           `json:"is_active"`
	IsNextRunScheduled bool           `json:"is_next_run_scheduled"`
	Metadata           map[string]any `json:"metadata"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ExecutionQuery is the text handed to the answer generator: the sanitized
// query when one was resolved, the user's text otherwise.
func (n Notification) ExecutionQuery() string {
	if n.ResolvedQuery != nil && *n.ResolvedQuery != "" {
		return *n.ResolvedQuery
	}
	return n.Query
}

// User owns notifications and receives their answers.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Location  *string   `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
