package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/buildkite/roko"
	"go.uber.org/zap"
)

// PRRequest describes the pull request to open for a pushed branch.
type PRRequest struct {
	Workspace   string `json:"workspace"`
	JobID       string `json:"job_id"`
	Branch      string `json:"branch"`
	Title       string `json:"title"`
	Body        string `json:"body,omitempty"`
	Repo        string `json:"repo,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
}

// PROpener opens a pull request and returns its URL.
type PROpener interface {
	Open(ctx context.Context, req PRRequest) (string, error)
}

// HookPROpener posts the request to an operator-configured endpoint, a relay
// that holds the forge credentials so the daemon never does. The endpoint
// answers {"pr_url": "..."}.
type HookPROpener struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHookPROpener builds the hook client. Calls time out after 30 seconds.
func NewHookPROpener(url string, logger *zap.Logger) *HookPROpener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HookPROpener{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.Named("pr-hook"),
	}
}

// Open calls the hook, retrying transient failures. A 4xx answer breaks the
// retry loop immediately: the hook understood the request and said no.
func (h *HookPROpener) Open(ctx context.Context, req PRRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding pr request: %w", err)
	}

	var prURL string
	err = roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(2*time.Second)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
		if err != nil {
			r.Break()
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			r.Break()
			return fmt.Errorf("pr hook rejected request: %d %s", resp.StatusCode, bytes.TrimSpace(body))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("pr hook returned %d", resp.StatusCode)
		}

		var out struct {
			PRURL string `json:"pr_url"`
			URL   string `json:"url"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			r.Break()
			return fmt.Errorf("decoding pr hook response: %w", err)
		}
		prURL = out.PRURL
		if prURL == "" {
			prURL = out.URL
		}
		if prURL == "" {
			r.Break()
			return fmt.Errorf("pr hook response carries no url")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	h.logger.Info("pull request opened",
		zap.String("job_id", req.JobID),
		zap.String("pr_url", prURL))
	return prURL, nil
}
