package llm

import (
	"context"
	"fmt"
	"log/slog"

	"recurring-notifier/internal/cron"
)

const cronSystem = "You turn user notification requests into a single cron expression in UTC. " +
	`Return ONLY the cron string in the format "m h dom mon dow" (5 fields). ` +
	"If the schedule is unclear, infer a reasonable default, like daily at 09:00 UTC."

const sanitizeSystem = "You extract the core information need from a user notification request. " +
	"Remove any schedule or timing instructions (like every X minutes, daily at time). " +
	`Return ONLY a short imperative query to check, e.g., "Check gold price".`

// CronInferer turns free text into a cron expression.
type CronInferer struct {
	client *Client
	log    *slog.Logger
}

func NewCronInferer(client *Client, log *slog.Logger) *CronInferer {
	return &CronInferer{client: client, log: log}
}

// Infer returns a normalized expression with an occurrence in the coming
// year. ok is false when the model is unavailable or its reply is unusable.
func (c *CronInferer) Infer(ctx context.Context, query string) (string, bool) {
	text, err := c.client.complete(ctx, c.client.fastModel, cronSystem,
		fmt.Sprintf("User request: %s\nRespond with only the cron expression.", query), 0.2)
	if err != nil {
		c.log.Warn("cron inference failed", "err", err)
		return "", false
	}
	expr, ok := cron.Normalize(text)
	if !ok || !cron.Valid(expr) {
		c.log.Warn("model returned unusable cron", "reply", text)
		return "", false
	}
	return expr, true
}

// Sanitizer strips timing text from a request so only the information need
// remains.
type Sanitizer struct {
	client *Client
	log    *slog.Logger
}

func NewSanitizer(client *Client, log *slog.Logger) *Sanitizer {
	return &Sanitizer{client: client, log: log}
}

// Sanitize returns the cleaned query, scoped to location when one is known.
func (s *Sanitizer) Sanitize(ctx context.Context, query string, location *string) (string, bool) {
	locationLine := ""
	if location != nil && *location != "" {
		locationLine = "User location: " + *location
	}
	user := fmt.Sprintf("User request: %s\n%s\nReturn only the sanitized query. "+
		"If location helps disambiguate, implicitly scope to that location.", query, locationLine)
	text, err := s.client.complete(ctx, s.client.fastModel, sanitizeSystem, user, 0.2)
	if err != nil {
		s.log.Warn("query sanitization failed", "err", err)
		return "", false
	}
	if text == "" {
		return "", false
	}
	return text, true
}
