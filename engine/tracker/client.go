package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sethvargo/go-retry"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/pkg/logger"
)

const userAgent = "issueflow/1.0"

// Config carries the tracker collaborator settings. Either Email+APIToken or
// OAuthToken must be set.
type Config struct {
	BaseURL    string
	Email      string
	APIToken   string
	OAuthToken string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Client is the HTTP collaborator for the issue tracker. All methods map
// HTTP failures onto categorized errors and retry transient ones.
type Client struct {
	http       *resty.Client
	maxRetries int
	retryDelay time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, core.NewError(core.CategoryConfiguration, "missing_base_url", "tracker base URL is required")
	}
	if (cfg.Email == "" || cfg.APIToken == "") && cfg.OAuthToken == "" {
		return nil, core.NewError(core.CategoryConfiguration, "missing_auth", "tracker authentication is required")
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", userAgent)
	if cfg.OAuthToken != "" {
		httpClient.SetAuthToken(cfg.OAuthToken)
	} else {
		httpClient.SetBasicAuth(cfg.Email, cfg.APIToken)
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Client{
		http:       httpClient,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
	}, nil
}

// mapStatus converts an HTTP response status into an error category.
func mapStatus(status int) core.Category {
	switch {
	case status == http.StatusUnauthorized:
		return core.CategoryAuth
	case status == http.StatusForbidden:
		return core.CategoryPermission
	case status == http.StatusNotFound:
		return core.CategoryNotFound
	case status == http.StatusTooManyRequests:
		return core.CategoryRateLimit
	case status == http.StatusBadRequest:
		return core.CategoryValidation
	default:
		return core.CategoryConnection
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// do runs one request with retries on 429/5xx/network errors. The request
// function must build a fresh resty request on every attempt.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) (*resty.Response, error)) (*resty.Response, error) {
	log := logger.FromContext(ctx)
	backoff := retry.WithMaxRetries(uint64(c.maxRetries), retry.NewExponential(c.retryDelay))
	var resp *resty.Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var callErr error
		resp, callErr = fn(ctx)
		if callErr != nil {
			log.Warn("tracker request failed", "op", op, "error", callErr)
			return retry.RetryableError(core.WrapError(core.CategoryConnection, "tracker_unreachable",
				fmt.Sprintf("%s failed", op), callErr))
		}
		if resp.IsSuccess() {
			return nil
		}
		status := resp.StatusCode()
		category := mapStatus(status)
		httpErr := core.NewError(category, fmt.Sprintf("tracker_http_%d", status),
			fmt.Sprintf("%s returned HTTP %d", op, status))
		if !retryable(status) {
			return httpErr
		}
		if status == http.StatusTooManyRequests {
			if after := parseRetryAfter(resp.Header().Get("Retry-After")); after > 0 {
				select {
				case <-time.After(after):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		log.Warn("tracker request retrying", "op", op, "status", status)
		return retry.RetryableError(httpErr)
	})
	if err != nil {
		return resp, err
	}
	return resp, nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
