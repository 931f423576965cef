package models

import (
	"time"
)

// Campaign statuses
const (
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignExhausted = "exhausted"
	CampaignEnded     = "ended"
)

// Scan statuses
const (
	ScanPending   = "pending"
	ScanRunning   = "running"
	ScanCompleted = "completed"
	ScanFailed    = "failed"
)

// AI sub-statuses (meaningful only when AIEnabled)
const (
	AIPending    = "pending"
	AIDownloaded = "downloaded"
	AIProcessing = "processing"
	AICompleted  = "completed"
	AIFailed     = "failed"
)

// Batch statuses
const (
	BatchPending   = "pending"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
	BatchCancelled = "cancelled"
	BatchStale     = "stale"
)

// WCAG conformance levels accepted for a scan
const (
	WCAGLevelA   = "A"
	WCAGLevelAA  = "AA"
	WCAGLevelAAA = "AAA"
)

// Campaign is a time-boxed token budget gating AI-enhanced scans.
type Campaign struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	TotalTokenBudget int64      `json:"total_token_budget"`
	UsedTokens       int64      `json:"used_tokens"`
	ReservedSlots    int        `json:"reserved_slots"`
	AvgTokensPerScan int64      `json:"avg_tokens_per_scan"`
	Status           string     `json:"status"`
	StartsAt         *time.Time `json:"starts_at,omitempty"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CampaignMetrics is a read-only snapshot of a campaign's budget usage.
type CampaignMetrics struct {
	CampaignID         string  `json:"campaign_id"`
	RemainingTokens    int64   `json:"remaining_tokens"`
	RemainingSlots     int     `json:"remaining_slots"`
	ReservedSlots      int     `json:"reserved_slots"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Scan is one URL's accessibility check.
type Scan struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	WcagLevel    string     `json:"wcag_level"`
	Status       string     `json:"status"`
	BatchID      *string    `json:"batch_id,omitempty"`
	CampaignID   *string    `json:"campaign_id,omitempty"`
	AIEnabled    bool       `json:"ai_enabled"`
	AIStatus     string     `json:"ai_status,omitempty"`
	PageTitle    string     `json:"page_title,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Email        *string    `json:"email,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ScanResult holds the per-scan issue counters and raw engine output.
type ScanResult struct {
	ScanID           string `json:"scan_id"`
	TotalIssues      int    `json:"total_issues"`
	CriticalCount    int    `json:"critical_count"`
	SeriousCount     int    `json:"serious_count"`
	ModerateCount    int    `json:"moderate_count"`
	MinorCount       int    `json:"minor_count"`
	PassedChecks     int    `json:"passed_checks"`
	Inapplicable     int    `json:"inapplicable"`
	IssuesJSON       string `json:"issues_json,omitempty"`
	AISummary        string `json:"ai_summary,omitempty"`
	AIRemediation    string `json:"ai_remediation_plan,omitempty"`
	AIIssuesJSON     string `json:"ai_issues_json,omitempty"`
	AIModel          string `json:"ai_model,omitempty"`
	TokensUsed       int64  `json:"tokens_used,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms,omitempty"`
}

// BatchScan aggregates many scans created together against one homepage.
type BatchScan struct {
	ID             string     `json:"id"`
	RootURL        string     `json:"root_url"`
	WcagLevel      string     `json:"wcag_level"`
	Status         string     `json:"status"`
	TotalUrls      int        `json:"total_urls"`
	CompletedCount int        `json:"completed_count"`
	FailedCount    int        `json:"failed_count"`
	URLsScanned    int        `json:"urls_scanned"`
	TotalIssues    int        `json:"total_issues"`
	CriticalCount  int        `json:"critical_count"`
	SeriousCount   int        `json:"serious_count"`
	ModerateCount  int        `json:"moderate_count"`
	MinorCount     int        `json:"minor_count"`
	PassedChecks   int        `json:"passed_checks"`
	Email          *string    `json:"email,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// QueueStats summarizes scan queue depth per status.
type QueueStats struct {
	Pending     int `json:"pending"`
	Running     int `json:"running"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	AIPending   int `json:"ai_pending"`
	AIDownloads int `json:"ai_downloaded"`
	AICompleted int `json:"ai_completed"`
	AIFailed    int `json:"ai_failed"`
}

// CreateScanRequest is the public scan submission payload.
type CreateScanRequest struct {
	URL       string `json:"url" binding:"required"`
	WcagLevel string `json:"wcag_level"`
	Email     string `json:"email"`
	AI        bool   `json:"ai"`
}

// CreateScanResponse reports the created scan plus the AI admission outcome.
type CreateScanResponse struct {
	Scan     *Scan  `json:"scan"`
	AIReason string `json:"ai_reason,omitempty"`
}

// AI admission reasons returned on CreateScanResponse.AIReason.
const (
	AIReasonUnavailable     = "ai_unavailable"
	AIReasonBudgetExhausted = "budget_exhausted"
)

// CreateBatchRequest submits a homepage plus discovered page URLs.
type CreateBatchRequest struct {
	RootURL   string   `json:"root_url" binding:"required"`
	URLs      []string `json:"urls" binding:"required"`
	WcagLevel string   `json:"wcag_level"`
	Email     string   `json:"email"`
}

// CreateCampaignRequest is the admin campaign creation payload.
type CreateCampaignRequest struct {
	Name             string     `json:"name" binding:"required"`
	TotalTokenBudget int64      `json:"total_token_budget" binding:"required"`
	AvgTokensPerScan int64      `json:"avg_tokens_per_scan"`
	StartsAt         *time.Time `json:"starts_at"`
	EndsAt           *time.Time `json:"ends_at"`
}

// AIImportRow is one row of the AI enrichment import feed.
type AIImportRow struct {
	ScanID           string `json:"scan_id"`
	AISummary        string `json:"ai_summary"`
	AIRemediation    string `json:"ai_remediation_plan"`
	AIIssuesJSON     string `json:"ai_issues_json"`
	TokensUsed       int64  `json:"tokens_used"`
	AIModel          string `json:"ai_model"`
	ProcessingTimeMs int64  `json:"processing_time"`
}

// AIImportRowError reports one rejected import row.
type AIImportRowError struct {
	ScanID string `json:"scan_id"`
	Error  string `json:"error"`
}

// AIImportReport is the structured partial-success result of an import.
type AIImportReport struct {
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	RowErrors []AIImportRowError `json:"row_errors,omitempty"`
}

// Notification kinds stored in the outbox.
const (
	NotifyScanComplete  = "scan_complete"
	NotifyBatchComplete = "batch_complete"
)

// Notification statuses
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Notification is one outbox row awaiting dispatch.
type Notification struct {
	ID            int64      `json:"id"`
	Kind          string     `json:"kind"`
	ScanID        *string    `json:"scan_id,omitempty"`
	BatchID       *string    `json:"batch_id,omitempty"`
	Recipient     string     `json:"recipient"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// ErrorResponse is the generic error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// MessageResponse is the generic success payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// ValidWcagLevel reports whether level is one of A, AA, AAA.
func ValidWcagLevel(level string) bool {
	switch level {
	case WCAGLevelA, WCAGLevelAA, WCAGLevelAAA:
		return true
	}
	return false
}
