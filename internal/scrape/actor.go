// Package scrape adapts remote scraping actors to the Strategy interface. An
// actor is an externally hosted scraper: a run is started for a query, polled
// until it finishes, and its dataset downloaded as result items.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clipseek/clipseek/internal/backoff"
	"github.com/clipseek/clipseek/internal/pipeline"
)

// Config identifies one remote actor and bounds how long a run may take.
type Config struct {
	// Name labels the strategy in logs and metrics, e.g. "keyword-search".
	Name string
	// BaseURL is the actor service root, without a trailing slash.
	BaseURL string
	// ActorID selects which actor to run.
	ActorID string
	// Token authenticates against the actor service.
	Token string
	// MaxWait bounds the start-to-items wall clock for one run.
	MaxWait time.Duration
	// Poll shapes the run-status polling cadence.
	Poll backoff.Policy
	// MaxItems caps how many dataset items are fetched per run.
	MaxItems int
}

func (c Config) withDefaults() Config {
	if c.MaxWait <= 0 {
		c.MaxWait = 2 * time.Minute
	}
	if c.Poll.Initial <= 0 {
		c.Poll = backoff.Policy{Initial: time.Second, Multiplier: 1.5, Max: 10 * time.Second}
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 100
	}
	return c
}

// Actor is a pipeline.Strategy backed by one remote actor.
type Actor struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewActor constructs an Actor strategy. A nil client gets a default with a
// sane per-request timeout.
func NewActor(cfg Config, client *http.Client, logger *zap.Logger) *Actor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Actor{cfg: cfg.withDefaults(), client: client, logger: logger}
}

// Name implements pipeline.Strategy.
func (a *Actor) Name() string { return a.cfg.Name }

type runRequest struct {
	Platform  string `json:"platform"`
	Query     string `json:"query"`
	DateRange string `json:"date_range,omitempty"`
	MaxItems  int    `json:"max_items"`
}

type runState struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	DatasetID string `json:"dataset_id"`
}

// Run statuses reported by the actor service.
const (
	runSucceeded = "SUCCEEDED"
	runFailed    = "FAILED"
	runAborted   = "ABORTED"
	runTimedOut  = "TIMED-OUT"
)

// Fetch implements pipeline.Strategy: start a run, poll until it settles,
// download the dataset.
func (a *Actor) Fetch(ctx context.Context, key pipeline.SearchKey) ([]pipeline.ResultItem, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.MaxWait)
	defer cancel()

	run, err := a.startRun(ctx, key)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("actor run started",
		zap.String("strategy", a.cfg.Name),
		zap.String("run_id", run.ID),
		zap.String("key", key.String()),
	)

	run, err = a.awaitRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return a.fetchItems(ctx, run.DatasetID)
}

func (a *Actor) startRun(ctx context.Context, key pipeline.SearchKey) (runState, error) {
	body, err := json.Marshal(runRequest{
		Platform:  key.Platform,
		Query:     key.Query,
		DateRange: key.DateRange,
		MaxItems:  a.cfg.MaxItems,
	})
	if err != nil {
		return runState{}, fmt.Errorf("encode run request: %w", err)
	}
	url := fmt.Sprintf("%s/v2/acts/%s/runs", a.cfg.BaseURL, a.cfg.ActorID)
	var run runState
	if err := a.do(ctx, http.MethodPost, url, bytes.NewReader(body), &run); err != nil {
		return runState{}, fmt.Errorf("start run: %w", err)
	}
	if run.ID == "" {
		return runState{}, pipeline.NewError(pipeline.CodeProviderError, "actor %s returned run without id", a.cfg.ActorID)
	}
	return run, nil
}

// awaitRun polls the run until it reaches a settled status or the context
// expires.
func (a *Actor) awaitRun(ctx context.Context, runID string) (runState, error) {
	url := fmt.Sprintf("%s/v2/actor-runs/%s", a.cfg.BaseURL, runID)
	for attempt := 0; ; attempt++ {
		var run runState
		if err := a.do(ctx, http.MethodGet, url, nil, &run); err != nil {
			return runState{}, fmt.Errorf("poll run %s: %w", runID, err)
		}
		switch run.Status {
		case runSucceeded:
			return run, nil
		case runFailed, runAborted, runTimedOut:
			return runState{}, pipeline.NewError(pipeline.CodeProviderError, "actor run %s ended %s", runID, run.Status)
		}
		if err := a.cfg.Poll.Sleep(ctx, attempt); err != nil {
			return runState{}, fmt.Errorf("await run %s: %w", runID, err)
		}
	}
}

func (a *Actor) fetchItems(ctx context.Context, datasetID string) ([]pipeline.ResultItem, error) {
	if datasetID == "" {
		return nil, nil
	}
	url := fmt.Sprintf("%s/v2/datasets/%s/items?limit=%d", a.cfg.BaseURL, datasetID, a.cfg.MaxItems)
	var items []pipeline.ResultItem
	if err := a.do(ctx, http.MethodGet, url, nil, &items); err != nil {
		return nil, fmt.Errorf("fetch dataset %s: %w", datasetID, err)
	}
	return items, nil
}

// do executes one authenticated request and decodes the JSON response into
// out. Non-2xx statuses are mapped onto the pipeline error taxonomy.
func (a *Actor) do(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return statusError(resp.StatusCode, string(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pipeline.NewError(pipeline.CodeProviderError, "decode response: %v", err)
	}
	return nil
}

func statusError(code int, snippet string) *pipeline.Error {
	switch {
	case code == http.StatusTooManyRequests:
		return pipeline.NewError(pipeline.CodeRateLimit, "actor service throttled request (status %d)", code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return pipeline.NewError(pipeline.CodeAuthError, "actor service rejected credentials (status %d)", code)
	case code >= 500:
		return pipeline.NewError(pipeline.CodeNetworkError, "actor service unavailable (status %d): %s", code, snippet)
	default:
		return pipeline.NewError(pipeline.CodeProviderError, "actor service returned status %d: %s", code, snippet)
	}
}
