// Package invoker performs the external HTTP calls configured on intent
// API triggers.
//
// A failed call is reported as *CallError so the dialogue manager can
// substitute its fixed fallback reply instead of propagating the failure
// to the caller.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dialogpipe/dialogpipe/internal/metrics"
)

// DefaultTimeout bounds a single external API call.
const DefaultTimeout = 20 * time.Second

// CallError reports a failed external API call.
type CallError struct {
	URL    string
	Status int // zero when the request never completed
	Err    error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api call to %s failed with status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("api call to %s failed: %v", e.URL, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Invoker executes external API calls with a shared HTTP client.
type Invoker struct {
	client *http.Client
}

// New creates an Invoker. A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Invoker{client: &http.Client{Timeout: timeout}}
}

// Call performs the HTTP request described by an intent's API trigger and
// returns the decoded JSON result. For GET and DELETE, and for non-JSON
// POST/PUT, parameters become query string values; for JSON POST/PUT they
// are sent as the request body.
func (i *Invoker) Call(ctx context.Context, rawURL, method string, headers map[string]string, parameters map[string]any, isJSON bool) (map[string]any, error) {
	slog.Debug("Invoker.Call: initiating API call", "url", rawURL, "method", method, "is_json", isJSON)

	var body io.Reader
	requestURL := rawURL
	switch method {
	case http.MethodGet, http.MethodDelete:
		withQuery, err := appendQuery(rawURL, parameters)
		if err != nil {
			return nil, &CallError{URL: rawURL, Err: err}
		}
		requestURL = withQuery
	case http.MethodPost, http.MethodPut:
		if isJSON {
			data, err := json.Marshal(parameters)
			if err != nil {
				return nil, &CallError{URL: rawURL, Err: fmt.Errorf("failed to encode request body: %w", err)}
			}
			body = bytes.NewReader(data)
		} else {
			withQuery, err := appendQuery(rawURL, parameters)
			if err != nil {
				return nil, &CallError{URL: rawURL, Err: err}
			}
			requestURL = withQuery
		}
	default:
		// An unsupported method is a configuration bug, not a transient
		// call failure, and propagates to the caller.
		return nil, fmt.Errorf("unsupported request method: %s", method)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, &CallError{URL: rawURL, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := i.client.Do(req)
	if err != nil {
		slog.Error("Invoker.Call: request failed", "error", err, "url", rawURL)
		metrics.ExternalAPIErrors.Inc()
		return nil, &CallError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("Invoker.Call: non-success status", "status", resp.StatusCode, "url", rawURL)
		metrics.ExternalAPIErrors.Inc()
		return nil, &CallError{URL: rawURL, Status: resp.StatusCode}
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Error("Invoker.Call: failed to decode response", "error", err, "url", rawURL)
		metrics.ExternalAPIErrors.Inc()
		return nil, &CallError{URL: rawURL, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	slog.Debug("Invoker.Call: API call succeeded", "url", rawURL, "status", resp.StatusCode)
	return result, nil
}

// appendQuery merges parameters into the URL's query string.
func appendQuery(rawURL string, parameters map[string]any) (string, error) {
	if len(parameters) == 0 {
		return rawURL, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	q := parsed.Query()
	for k, v := range parameters {
		q.Set(k, fmt.Sprint(v))
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
