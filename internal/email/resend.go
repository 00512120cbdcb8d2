// Package email delivers answers through the Resend API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"recurring-notifier/internal/models"
)

const (
	defaultEndpoint = "https://api.resend.com/emails"
	defaultFrom     = "Notifier <onboarding@resend.dev>"
)

// Client sends one message per delivery.
type Client struct {
	apiKey     string
	from       string
	endpoint   string
	httpClient *http.Client
	now        func() time.Time
}

func New(apiKey, from string) *Client {
	if from == "" {
		from = defaultFrom
	}
	return &Client{
		apiKey:     apiKey,
		from:       from,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

// WithEndpoint points the client at another URL.
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Deliver renders and sends msg. Failures are reported in the Delivery, not
// as an error, because a missed email never fails an occurrence.
func (c *Client) Deliver(ctx context.Context, msg models.DeliveryMessage) (models.Delivery, error) {
	if c.apiKey == "" {
		return models.Delivery{Sent: false, Error: "RESEND_API_KEY not set"}, nil
	}
	html, err := Render(msg, c.now())
	if err != nil {
		return models.Delivery{Sent: false, Error: err.Error()}, nil
	}
	body, err := json.Marshal(sendRequest{
		From:    c.from,
		To:      []string{msg.Recipient},
		Subject: "Notification run for " + msg.NotificationID,
		HTML:    html,
	})
	if err != nil {
		return models.Delivery{Sent: false, Error: err.Error()}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Delivery{Sent: false, Error: err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Delivery{Sent: false, Error: fmt.Sprintf("send email: %v", err)}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.Delivery{
			Sent:  false,
			Error: fmt.Sprintf("send email: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
		}, nil
	}
	return models.Delivery{Sent: true}, nil
}
