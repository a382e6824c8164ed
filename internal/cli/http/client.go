// Package httpclient talks to the judge HTTP API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ojudge/internal/judge/language"
	"ojudge/internal/judge/model"
	appErr "ojudge/pkg/errors"
)

// APIError is a non-success envelope returned by the server.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	TraceID    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("judge api error %d (http %d): %s [trace %s]", e.Code, e.StatusCode, e.Message, e.TraceID)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	TraceID string          `json:"trace_id"`
}

// Client wraps HTTP requests for judgectl.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit posts a judge request and returns the Queued record.
func (c *Client) Submit(ctx context.Context, req model.JudgeMessage) (model.StatusRecord, error) {
	var rec model.StatusRecord
	err := c.do(ctx, http.MethodPost, "/api/v1/judge/submissions", req, &rec)
	return rec, err
}

// Status fetches the latest record of a submission.
func (c *Client) Status(ctx context.Context, submissionID string) (model.StatusRecord, error) {
	var rec model.StatusRecord
	err := c.do(ctx, http.MethodGet, "/api/v1/judge/submissions/"+url.PathEscape(submissionID), nil, &rec)
	return rec, err
}

// Cancel asks the judge to stop a submission.
func (c *Client) Cancel(ctx context.Context, submissionID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/api/v1/judge/submissions/"+url.PathEscape(submissionID)+"/cancel", body, nil)
}

// Languages lists the languages the judge accepts.
func (c *Client) Languages(ctx context.Context) ([]language.Spec, error) {
	var specs []language.Spec
	err := c.do(ctx, http.MethodGet, "/api/v1/judge/languages", nil, &specs)
	return specs, err
}

// Wait polls until the submission reaches a terminal state. onChange sees every new event.
func (c *Client) Wait(ctx context.Context, submissionID string, interval time.Duration, onChange func(model.StatusRecord)) (model.StatusRecord, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastText := ""
	for {
		rec, err := c.Status(ctx, submissionID)
		if err != nil {
			return model.StatusRecord{}, err
		}
		if rec.StatusText != lastText && onChange != nil {
			onChange(rec)
		}
		lastText = rec.StatusText
		if rec.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request failed: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body failed: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response failed (http %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || env.Code != int(appErr.Success) {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Message, TraceID: env.TraceID}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data failed: %w", err)
	}
	return nil
}
