// Package scanner wraps the external page-scanning engine. The engine runs
// the WCAG rule set against a URL and reports issues grouped by impact; this
// service only consumes its single success/failure outcome.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Issue is one reported accessibility violation.
type Issue struct {
	RuleID      string `json:"rule_id"`
	Impact      string `json:"impact"`
	Description string `json:"description"`
	Selector    string `json:"selector"`
	HelpURL     string `json:"help_url,omitempty"`
}

// Impact levels reported by the engine.
const (
	ImpactCritical = "critical"
	ImpactSerious  = "serious"
	ImpactModerate = "moderate"
	ImpactMinor    = "minor"
)

// Result is the engine's verdict for one page.
type Result struct {
	PageTitle    string  `json:"page_title"`
	Issues       []Issue `json:"issues"`
	Passes       int     `json:"passes"`
	Inapplicable int     `json:"inapplicable"`
	DurationMs   int64   `json:"duration_ms"`
}

// Engine is the page-scanning collaborator as the worker sees it.
type Engine interface {
	Scan(ctx context.Context, url, wcagLevel string) (*Result, error)
}

// Client talks to the scanning engine over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a scanning engine client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type scanRequest struct {
	URL       string `json:"url"`
	WcagLevel string `json:"wcag_level"`
}

// Scan submits a page to the engine and returns its result.
func (c *Client) Scan(ctx context.Context, url, wcagLevel string) (*Result, error) {
	requestBody, err := json.Marshal(scanRequest{URL: url, WcagLevel: wcagLevel})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scan request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/scan", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach scanning engine: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scanning engine returned status %d: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode engine response: %w", err)
	}
	return &result, nil
}

// CountByImpact tallies the result's issues per impact level.
func (r *Result) CountByImpact() (critical, serious, moderate, minor int) {
	for _, issue := range r.Issues {
		switch issue.Impact {
		case ImpactCritical:
			critical++
		case ImpactSerious:
			serious++
		case ImpactModerate:
			moderate++
		case ImpactMinor:
			minor++
		}
	}
	return
}
