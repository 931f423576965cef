package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientScan(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scan" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			URL       string `json:"url"`
			WcagLevel string `json:"wcag_level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.URL != "https://example.com" || req.WcagLevel != "AA" {
			t.Errorf("unexpected request payload: %+v", req)
		}

		json.NewEncoder(w).Encode(Result{
			PageTitle: "Example",
			Issues: []Issue{
				{RuleID: "color-contrast", Impact: ImpactSerious},
				{RuleID: "image-alt", Impact: ImpactCritical},
			},
			Passes:     42,
			DurationMs: 910,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	result, err := client.Scan(context.Background(), "https://example.com", "AA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PageTitle != "Example" {
		t.Errorf("unexpected page title %q", result.PageTitle)
	}
	if len(result.Issues) != 2 {
		t.Errorf("expected 2 issues, got %d", len(result.Issues))
	}
}

func TestClientScanEngineError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "page unreachable", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	if _, err := client.Scan(context.Background(), "https://example.com", "AA"); err == nil {
		t.Fatal("expected an error from a 502 response")
	}
}

func TestCountByImpact(t *testing.T) {
	result := Result{Issues: []Issue{
		{Impact: ImpactCritical},
		{Impact: ImpactSerious},
		{Impact: ImpactSerious},
		{Impact: ImpactModerate},
		{Impact: ImpactMinor},
		{Impact: "unknown"},
	}}

	critical, serious, moderate, minor := result.CountByImpact()
	if critical != 1 || serious != 2 || moderate != 1 || minor != 1 {
		t.Errorf("got %d/%d/%d/%d, want 1/2/1/1", critical, serious, moderate, minor)
	}
}
