// Package api is a small Civitai client used to enrich catalog entries and
// to look up download sources.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-modelvault/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API key)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
)

const CivitaiApiBaseUrl = "https://civitai.com/api/v1"

const maxRetries = 3

// Client talks to the Civitai REST API.
type Client struct {
	ApiKey     string
	HttpClient *http.Client
	BaseURL    string

	// backoffUnit scales the retry waits: 5 units per attempt on 429, 3 on 5xx.
	backoffUnit time.Duration
}

// NewClient creates a new API client. A nil httpClient gets a 30s timeout client.
func NewClient(apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		ApiKey:      apiKey,
		HttpClient:  httpClient,
		BaseURL:     CivitaiApiBaseUrl,
		backoffUnit: time.Second,
	}
}

// GetModelVersionByHash looks up the model version whose file has the given hash (SHA-256, AutoV2 or BLAKE3).
func (c *Client) GetModelVersionByHash(ctx context.Context, hash string) (*models.ModelVersion, error) {
	var v models.ModelVersion
	if err := c.getJSON(ctx, "/model-versions/by-hash/"+url.PathEscape(strings.ToUpper(hash)), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetModelVersion fetches a model version by id.
func (c *Client) GetModelVersion(ctx context.Context, id int) (*models.ModelVersion, error) {
	var v models.ModelVersion
	if err := c.getJSON(ctx, fmt.Sprintf("/model-versions/%d", id), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// getJSON performs a GET with retries on rate limits, server errors and transport failures.
// 401/403/404 and other 4xx responses are returned immediately.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	reqURL := strings.TrimRight(c.BaseURL, "/") + path

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("error creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.ApiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.ApiKey)
		}

		resp, err := c.HttpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, maxRetries, err)
			if err := c.wait(ctx, lastErr, attempt, 2); err != nil {
				return err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		var units int
		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				return fmt.Errorf("error reading response body: %w", readErr)
			}
			if err := json.Unmarshal(body, out); err != nil {
				log.Debugf("Response body causing unmarshal error: %s", string(body))
				return fmt.Errorf("error unmarshalling response JSON: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr, units = ErrRateLimited, 5
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return ErrUnauthorized
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode >= 500:
			lastErr, units = fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode), 3
		default:
			return fmt.Errorf("API request failed with status %d", resp.StatusCode)
		}
		if err := c.wait(ctx, lastErr, attempt, units); err != nil {
			return err
		}
	}
	log.WithError(lastErr).Errorf("Request to %s failed after %d attempts", path, maxRetries)
	return lastErr
}

// wait sleeps before the next attempt unless this was the last one or ctx ends first.
func (c *Client) wait(ctx context.Context, cause error, attempt, units int) error {
	if attempt >= maxRetries-1 {
		return nil
	}
	d := time.Duration(attempt+1) * time.Duration(units) * c.backoffUnit
	log.WithError(cause).Warnf("Retrying (%d/%d) after %s...", attempt+1, maxRetries, d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
