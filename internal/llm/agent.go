package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"recurring-notifier/internal/models"
	"recurring-notifier/internal/search"
)

const agentSystem = "You are a helpful research agent. " +
	"Use the provided sources to answer the user. Include brief citations as [S1], [S2] matching the source order when relevant."

// Searcher finds web pages for a query.
type Searcher interface {
	Search(ctx context.Context, query string, n int) ([]search.Result, error)
}

// Agent answers a query from web search results.
type Agent struct {
	client   *Client
	searcher Searcher
	results  int
	log      *slog.Logger
}

func NewAgent(client *Client, searcher Searcher, log *slog.Logger) *Agent {
	return &Agent{client: client, searcher: searcher, results: 5, log: log}
}

// Answer searches the web and asks the model for a short, push-sized answer
// citing what it found. A search failure leaves the model without sources.
func (a *Agent) Answer(ctx context.Context, query string) (models.Execution, error) {
	if !a.client.Configured() {
		return models.Execution{}, ErrNotConfigured
	}

	results, err := a.searcher.Search(ctx, query, a.results)
	if err != nil {
		a.log.Warn("web search failed", "err", err)
		results = nil
	}
	sources := make([]models.Source, 0, len(results))
	var prompt strings.Builder
	for i, r := range results {
		sources = append(sources, models.Source{Title: r.Title, URL: r.URL})
		if i > 0 {
			prompt.WriteString("\n\n")
		}
		fmt.Fprintf(&prompt, "Source %d: %s\n%s\n%s", i+1, r.Title, r.URL, r.Snippet)
	}

	user := fmt.Sprintf("Question: %s\n\nAvailable sources:\n\n%s\n\n"+
		"Write a concise answer. It will be used as a push notification to the user, so keep it in that format.",
		query, prompt.String())
	answer, err := a.client.complete(ctx, a.client.model, agentSystem, user, 0.2)
	if err != nil {
		return models.Execution{}, err
	}
	return models.Execution{Answer: answer, Sources: sources}, nil
}
