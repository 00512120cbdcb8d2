package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"recurring-notifier/internal/models"
)

// Evaluation reasons reported when the model could not judge an answer.
const (
	ReasonUnavailable = "openai_unavailable"
	ReasonAPIError    = "openai_error"
	ReasonParseFailed = "parse_failed"
)

// PassScore is the lowest score counted as relevant.
const PassScore = 0.6

const evaluatorSystem = "You are a strict evaluator. Score how well the answer addresses the query. " +
	`Return JSON only: {"ok": boolean, "score": number, "reason": string}. ` +
	"Consider relevance and completeness. Score 0-1. ok=true only if score >= 0.6."

// Evaluator judges answers with the fast model.
type Evaluator struct {
	client *Client
}

func NewEvaluator(client *Client) *Evaluator {
	return &Evaluator{client: client}
}

type verdict struct {
	OK     *bool    `json:"ok"`
	Score  *float64 `json:"score"`
	Reason string   `json:"reason"`
}

// Evaluate returns the model's verdict. A transport failure is returned as an
// error alongside an openai_error verdict so callers may retry.
func (e *Evaluator) Evaluate(ctx context.Context, query, answer string) (models.Evaluation, error) {
	if !e.client.Configured() {
		return models.Evaluation{OK: false, Reason: ReasonUnavailable}, nil
	}
	user := fmt.Sprintf("Query: %s\n\nAnswer: %s\n\nRespond with JSON only.", query, answer)
	text, err := e.client.complete(ctx, e.client.fastModel, evaluatorSystem, user, 0)
	if err != nil {
		return models.Evaluation{OK: false, Reason: ReasonAPIError}, err
	}
	eval, err := parseVerdict(text)
	if err != nil {
		return models.Evaluation{OK: false, Reason: ReasonParseFailed}, nil
	}
	return eval, nil
}

func parseVerdict(text string) (models.Evaluation, error) {
	var v verdict
	if err := json.Unmarshal([]byte(stripFence(text)), &v); err != nil {
		return models.Evaluation{}, err
	}
	if v.OK == nil {
		return models.Evaluation{}, errors.New("verdict has no ok field")
	}
	ok := *v.OK
	if v.Score != nil && *v.Score < PassScore {
		ok = false
	}
	return models.Evaluation{OK: ok, Score: v.Score, Reason: v.Reason}, nil
}

// stripFence removes a markdown code fence around a reply.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
