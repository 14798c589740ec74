// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tabscope/tabscope/internal/config"
	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/metrics"
)

// ErrBackendRejected marks a 4xx response: the payload is at fault and a
// retry with the same bytes cannot succeed.
var ErrBackendRejected = errors.New("backend rejected upload")

// UploadRequest is one chunk upload. Records holds a homogeneous slice of
// one record type.
type UploadRequest struct {
	ClientID   string `json:"client_id"`
	RecordType string `json:"record_type"`
	Records    any    `json:"records"`
}

// Uploader ships one chunk to the backend.
type Uploader interface {
	Upload(ctx context.Context, req *UploadRequest) error
}

// APIClient is the HTTP uploader: circuit breaker around the backend,
// bounded retries with constant delay, and a client-side rate limit.
type APIClient struct {
	endpoint string
	http     *http.Client

	breaker *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter

	retryAttempts uint
	retryDelay    time.Duration
}

// NewAPIClient builds the uploader from the sync configuration.
func NewAPIClient(cfg config.SyncConfig) *APIClient {
	settings := gobreaker.Settings{
		Name:    "backend-api",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
		},
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &APIClient{
		endpoint:      cfg.Endpoint,
		http:          &http.Client{Timeout: cfg.RequestTimeout},
		breaker:       gobreaker.NewCircuitBreaker[struct{}](settings),
		limiter:       limiter,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Upload ships one chunk, retrying transient failures. A 4xx response or an
// open circuit breaker fails immediately.
func (c *APIClient) Upload(ctx context.Context, req *UploadRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal upload: %w", err)
	}

	operation := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		_, err := c.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, c.post(ctx, body)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrBackendRejected):
			return backoff.Permanent(err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.retryAttempts)),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

func (c *APIClient) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post chunk: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("backend throttled: %s", resp.Status)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s", ErrBackendRejected, resp.Status)
	default:
		return fmt.Errorf("backend error: %s", resp.Status)
	}
}
