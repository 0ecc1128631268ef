// Package solver talks to an external automated-challenge-solving service
// over its HTTP API. Solving is strictly best-effort: callers treat every
// error as "fall through to the next strategy".
package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Config identifies the solving service account.
type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
}

// Client submits puzzles and polls for solution tokens using the common
// in.php/res.php protocol.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

const notReady = "CAPCHA_NOT_READY"

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("solver.api_key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://2captcha.com"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}, nil
}

// Solve submits the widget at (siteKey, pageURL) and polls until a token is
// ready or timeout elapses.
func (c *Client) Solve(ctx context.Context, siteKey, pageURL string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	taskID, err := c.submit(ctx, siteKey, pageURL)
	if err != nil {
		return "", err
	}
	c.logger.Debug("puzzle submitted", zap.String("task_id", taskID), zap.String("page", pageURL))

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.PollInterval), ctx)
	var token string
	err = backoff.Retry(func() error {
		result, pollErr := c.poll(ctx, taskID)
		if pollErr != nil {
			return backoff.Permanent(pollErr)
		}
		if result == "" {
			return fmt.Errorf("solution not ready")
		}
		token = result
		return nil
	}, policy)
	if err != nil {
		return "", fmt.Errorf("poll solution: %w", err)
	}
	return token, nil
}

func (c *Client) submit(ctx context.Context, siteKey, pageURL string) (string, error) {
	params := url.Values{}
	params.Set("key", c.cfg.APIKey)
	params.Set("method", "turnstile")
	params.Set("sitekey", siteKey)
	params.Set("pageurl", pageURL)
	params.Set("json", "1")

	resp, err := c.call(ctx, "/in.php", params)
	if err != nil {
		return "", fmt.Errorf("submit puzzle: %w", err)
	}
	if resp.Status != 1 {
		return "", fmt.Errorf("submit puzzle rejected: %s", resp.Request)
	}
	return resp.Request, nil
}

// poll returns the token, or "" when the solution is not ready yet.
func (c *Client) poll(ctx context.Context, taskID string) (string, error) {
	params := url.Values{}
	params.Set("key", c.cfg.APIKey)
	params.Set("action", "get")
	params.Set("id", taskID)
	params.Set("json", "1")

	resp, err := c.call(ctx, "/res.php", params)
	if err != nil {
		return "", err
	}
	if resp.Status != 1 {
		if strings.EqualFold(resp.Request, notReady) {
			return "", nil
		}
		return "", fmt.Errorf("solver error: %s", resp.Request)
	}
	return resp.Request, nil
}

func (c *Client) call(ctx context.Context, path string, params url.Values) (apiResponse, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apiResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("call solver: %w", err)
	}
	defer httpResp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return apiResponse{}, fmt.Errorf("read solver response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("solver returned %d", httpResp.StatusCode)
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apiResponse{}, fmt.Errorf("decode solver response: %w", err)
	}
	return parsed, nil
}
