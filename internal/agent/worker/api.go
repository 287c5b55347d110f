package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/thorium-research/thorium/infrastructure/errors"
	"github.com/thorium-research/thorium/infrastructure/resilience"
)

const defaultAPITimeout = 10 * time.Second

var apiRetryConfig = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// UpdateChecker compares this worker's build version to the server's
// advertised version, used to set halt_claiming (spec §4.8: "set when a
// version update is detected").
type UpdateChecker interface {
	LatestVersion(ctx context.Context) (string, error)
}

// ShutdownNotifier tells the API this worker is exiting its claim loop
// (spec §4.10's trailing `tell_api("Shutdown")`).
type ShutdownNotifier interface {
	TellShutdown(ctx context.Context, node, worker, reason string) error
}

// APIClient is the worker's HTTP client back to the Thorium API server:
// a base URL, a plain *http.Client, JSON request/response bodies,
// context-aware requests.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// APIClientConfig configures an APIClient.
type APIClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient constructs an APIClient.
func NewAPIClient(cfg APIClientConfig) (*APIClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.MissingParameter("base_url")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultAPITimeout}
	}
	breaker := resilience.New(resilience.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 1,
	})
	return &APIClient{baseURL: cfg.BaseURL, httpClient: httpClient, breaker: breaker}, nil
}

type versionResponse struct {
	Version string `json:"version"`
}

// LatestVersion fetches the server's currently advertised worker
// version, retrying transient network failures with backoff.
func (c *APIClient) LatestVersion(ctx context.Context) (string, error) {
	var body []byte
	err := c.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, apiRetryConfig, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/updates/version", nil)
			if err != nil {
				return errors.Internal("build version request", err)
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return errors.ExternalCallFailed("fetch latest version", err)
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return errors.Internal("read version response", err)
			}
			if resp.StatusCode != http.StatusOK {
				return errors.ExternalCallFailed("fetch latest version", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
			}
			body = respBody
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	var parsed versionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errors.Corrupted("version response", err)
	}
	return parsed.Version, nil
}

type shutdownRequest struct {
	Node   string `json:"node"`
	Worker string `json:"worker"`
	Reason string `json:"reason"`
}

// TellShutdown notifies the API this worker has ended its claim loop,
// retrying transient network failures with backoff since this call
// happens on the way out and gets no second chance from the caller.
func (c *APIClient) TellShutdown(ctx context.Context, node, worker, reason string) error {
	body, err := json.Marshal(shutdownRequest{Node: node, Worker: worker, Reason: reason})
	if err != nil {
		return errors.Internal("marshal shutdown request", err)
	}

	return c.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, apiRetryConfig, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workers/shutdown", bytes.NewReader(body))
			if err != nil {
				return errors.Internal("build shutdown request", err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return errors.ExternalCallFailed("tell api shutdown", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				respBody, _ := io.ReadAll(resp.Body)
				return errors.ExternalCallFailed("tell api shutdown", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
			}
			return nil
		})
	})
}
