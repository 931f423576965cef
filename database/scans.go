package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"scan-service/models"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// ScanService handles scan lifecycle persistence. A scan moves
// pending -> running -> completed|failed; the AI sub-status rides on top
// for AI-admitted scans.
type ScanService struct {
	db        *sql.DB
	campaigns *CampaignService
}

// NewScanService creates a scan service instance. campaigns backs the
// re-reservation on AI retries.
func NewScanService(db *sql.DB, campaigns *CampaignService) *ScanService {
	return &ScanService{db: db, campaigns: campaigns}
}

// CreateScanParams collects inputs for a single scan insert.
type CreateScanParams struct {
	URL        string
	WcagLevel  string
	Email      string
	BatchID    *string
	CampaignID *string
	AIEnabled  bool
}

// CreateScan inserts a pending scan.
func (s *ScanService) CreateScan(ctx context.Context, p CreateScanParams) (*models.Scan, error) {
	if !models.ValidWcagLevel(p.WcagLevel) {
		return nil, models.NewAppError(models.CodeInvalidInput, "invalid wcag level %q", p.WcagLevel)
	}

	id := uuid.New().String()
	var aiStatus *string
	if p.AIEnabled {
		pending := models.AIPending
		aiStatus = &pending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scans (id, url, wcag_level, status, batch_id, campaign_id, ai_enabled, ai_status, email)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?)`,
		id, p.URL, p.WcagLevel, p.BatchID, p.CampaignID, p.AIEnabled, aiStatus, emptyToNil(p.Email))
	if err != nil {
		return nil, fmt.Errorf("failed to insert scan: %w", err)
	}

	return s.GetScan(ctx, id)
}

// CreateBatch inserts a batch row plus one pending scan per URL in a single
// transaction.
func (s *ScanService) CreateBatch(ctx context.Context, req models.CreateBatchRequest) (*models.BatchScan, error) {
	if !models.ValidWcagLevel(req.WcagLevel) {
		return nil, models.NewAppError(models.CodeInvalidInput, "invalid wcag level %q", req.WcagLevel)
	}
	if len(req.URLs) == 0 {
		return nil, models.NewAppError(models.CodeInvalidInput, "batch needs at least one url")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	batchID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_scans (id, root_url, wcag_level, status, total_urls, email)
		VALUES (?, ?, ?, 'pending', ?, ?)`,
		batchID, req.RootURL, req.WcagLevel, len(req.URLs), emptyToNil(req.Email))
	if err != nil {
		return nil, fmt.Errorf("failed to insert batch: %w", err)
	}

	for _, url := range req.URLs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scans (id, url, wcag_level, status, batch_id)
			VALUES (?, ?, ?, 'pending', ?)`,
			uuid.New().String(), url, req.WcagLevel, batchID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert batch scan: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	log.Infof("Created batch %s with %d scans for %s", batchID, len(req.URLs), req.RootURL)
	return s.GetBatch(ctx, batchID)
}

// GetScan fetches a scan by id.
func (s *ScanService) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, wcag_level, status, batch_id, campaign_id, ai_enabled, ai_status,
		       IFNULL(page_title, ''), IFNULL(duration_ms, 0), error_message, email, created_at, started_at, completed_at
		FROM scans WHERE id = ?`, id)

	var scan models.Scan
	var aiStatus sql.NullString
	err := row.Scan(&scan.ID, &scan.URL, &scan.WcagLevel, &scan.Status, &scan.BatchID, &scan.CampaignID, &scan.AIEnabled, &aiStatus, &scan.PageTitle, &scan.DurationMs, &scan.ErrorMessage, &scan.Email, &scan.CreatedAt, &scan.StartedAt, &scan.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewAppError(models.CodeNotFound, "scan %s not found", id)
		}
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	scan.AIStatus = aiStatus.String
	return &scan, nil
}

// GetBatch fetches a batch by id.
func (s *ScanService) GetBatch(ctx context.Context, id string) (*models.BatchScan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, root_url, wcag_level, status, total_urls, completed_count, failed_count, urls_scanned,
		       total_issues, critical_count, serious_count, moderate_count, minor_count, passed_checks,
		       email, created_at, completed_at
		FROM batch_scans WHERE id = ?`, id)

	var b models.BatchScan
	err := row.Scan(&b.ID, &b.RootURL, &b.WcagLevel, &b.Status, &b.TotalUrls, &b.CompletedCount, &b.FailedCount, &b.URLsScanned,
		&b.TotalIssues, &b.CriticalCount, &b.SeriousCount, &b.ModerateCount, &b.MinorCount, &b.PassedChecks,
		&b.Email, &b.CreatedAt, &b.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewAppError(models.CodeNotFound, "batch %s not found", id)
		}
		return nil, fmt.Errorf("failed to scan batch row: %w", err)
	}
	return &b, nil
}

// ClaimPendingScans atomically claims up to limit pending scans for a
// worker, flipping them to running. SKIP LOCKED keeps concurrent workers
// from blocking on or double-claiming the same rows.
func (s *ScanService) ClaimPendingScans(ctx context.Context, limit int) ([]models.Scan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, url, wcag_level, batch_id, campaign_id, ai_enabled, email
		FROM scans
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT ?
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending scans: %w", err)
	}

	var claimed []models.Scan
	for rows.Next() {
		var scan models.Scan
		if err := rows.Scan(&scan.ID, &scan.URL, &scan.WcagLevel, &scan.BatchID, &scan.CampaignID, &scan.AIEnabled, &scan.Email); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending row: %w", err)
		}
		claimed = append(claimed, scan)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending rows: %w", err)
	}
	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	for i := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE scans SET status = 'running', started_at = NOW() WHERE id = ?`, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("failed to mark scan running: %w", err)
		}
		claimed[i].Status = models.ScanRunning
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// CompleteScan stores the engine result and marks the scan completed, in
// one transaction.
func (s *ScanService) CompleteScan(ctx context.Context, id string, result *models.ScanResult, pageTitle string, durationMs int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scan_results (scan_id, total_issues, critical_count, serious_count, moderate_count, minor_count, passed_checks, inapplicable, issues_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE total_issues = VALUES(total_issues), critical_count = VALUES(critical_count),
		  serious_count = VALUES(serious_count), moderate_count = VALUES(moderate_count), minor_count = VALUES(minor_count),
		  passed_checks = VALUES(passed_checks), inapplicable = VALUES(inapplicable), issues_json = VALUES(issues_json)`,
		id, result.TotalIssues, result.CriticalCount, result.SeriousCount, result.ModerateCount, result.MinorCount,
		result.PassedChecks, result.Inapplicable, result.IssuesJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert scan result: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE scans SET status = 'completed', page_title = ?, duration_ms = ?, error_message = NULL, completed_at = NOW()
		WHERE id = ? AND status = 'running'`,
		pageTitle, durationMs, id)
	if err != nil {
		return fmt.Errorf("failed to mark scan completed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.NewAppError(models.CodeInvalidState, "scan %s is not running", id)
	}

	return tx.Commit()
}

// FailScan marks the scan failed with a message. For AI-admitted scans the
// AI sub-status fails too since the scan will never reach AI processing.
func (s *ScanService) FailScan(ctx context.Context, id, message string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scans
		SET status = 'failed', error_message = ?, completed_at = NOW(),
		    ai_status = IF(ai_enabled, 'failed', ai_status)
		WHERE id = ? AND status IN ('pending', 'running')`,
		message, id)
	if err != nil {
		return fmt.Errorf("failed to mark scan failed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.NewAppError(models.CodeInvalidState, "scan %s is already terminal", id)
	}
	return nil
}

// RetryFailedScan resets a failed AI scan back to pending. Only scans with
// ai_enabled and a failed AI status are eligible; the reset clears the
// error message. The scan's original failure released its campaign
// reservation, so the retry must win a fresh slot before re-entering the
// pipeline; otherwise the eventual import would retire a reservation the
// scan no longer holds. Nothing is written when the scan is ineligible.
func (s *ScanService) RetryFailedScan(ctx context.Context, id string) error {
	scan, err := s.GetScan(ctx, id)
	if err != nil {
		return err
	}
	if !scan.AIEnabled {
		return models.NewAppError(models.CodeAINotEnabled, "scan %s does not have AI enabled", id)
	}
	if scan.AIStatus != models.AIFailed {
		return models.NewAppError(models.CodeInvalidState, "scan %s has ai status %s, only failed scans can be retried", id, scan.AIStatus)
	}

	reserved := false
	if scan.CampaignID != nil {
		reservation, err := s.campaigns.CheckAndReserveSlot(ctx, *scan.CampaignID)
		if err != nil {
			return err
		}
		if !reservation.Granted {
			return models.NewAppError(models.CodeBudgetExhausted, "campaign %s cannot admit the retry of scan %s", *scan.CampaignID, id)
		}
		reserved = true
	}

	// A failed outer status goes back to pending with it; a completed scan
	// whose enrichment failed keeps its outer status and only re-enters the
	// AI pipeline. Assignment order matters: MySQL evaluates SET left to
	// right, so status flips last.
	result, err := s.db.ExecContext(ctx, `
		UPDATE scans
		SET ai_status = 'pending', error_message = NULL,
		    started_at = IF(status = 'failed', NULL, started_at),
		    completed_at = IF(status = 'failed', NULL, completed_at),
		    status = IF(status = 'failed', 'pending', status)
		WHERE id = ? AND ai_enabled = TRUE AND ai_status = 'failed'`, id)
	if err != nil {
		s.releaseRetrySlot(ctx, scan, reserved)
		return fmt.Errorf("failed to reset scan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		s.releaseRetrySlot(ctx, scan, reserved)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Lost a race with another writer since the eligibility read. The
		// fresh reservation has no scan to back it anymore.
		s.releaseRetrySlot(ctx, scan, reserved)
		return models.NewAppError(models.CodeConflict, "scan %s changed state during retry", id)
	}

	log.Infof("Scan %s reset to pending for retry", id)
	return nil
}

func (s *ScanService) releaseRetrySlot(ctx context.Context, scan *models.Scan, reserved bool) {
	if !reserved || scan.CampaignID == nil {
		return
	}
	if err := s.campaigns.ReleaseSlot(ctx, *scan.CampaignID); err != nil {
		log.WithError(err).Errorf("Failed to release retry slot for scan %s", scan.ID)
	}
}

// GetQueueStats returns scan counts per status and AI sub-status.
func (s *ScanService) GetQueueStats(ctx context.Context) (*models.QueueStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
		  SUM(status = 'pending'), SUM(status = 'running'), SUM(status = 'completed'), SUM(status = 'failed'),
		  SUM(ai_status = 'pending'), SUM(ai_status = 'downloaded'), SUM(ai_status = 'completed'), SUM(ai_status = 'failed')
		FROM scans`)

	var stats models.QueueStats
	var pending, running, completed, failed, aiPending, aiDownloaded, aiCompleted, aiFailed sql.NullInt64
	if err := row.Scan(&pending, &running, &completed, &failed, &aiPending, &aiDownloaded, &aiCompleted, &aiFailed); err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	stats.Pending = int(pending.Int64)
	stats.Running = int(running.Int64)
	stats.Completed = int(completed.Int64)
	stats.Failed = int(failed.Int64)
	stats.AIPending = int(aiPending.Int64)
	stats.AIDownloads = int(aiDownloaded.Int64)
	stats.AICompleted = int(aiCompleted.Int64)
	stats.AIFailed = int(aiFailed.Int64)
	return &stats, nil
}

// GetScanResult fetches the stored result for a scan, or nil when the scan
// produced none.
func (s *ScanService) GetScanResult(ctx context.Context, scanID string) (*models.ScanResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scan_id, total_issues, critical_count, serious_count, moderate_count, minor_count, passed_checks, inapplicable,
		       IFNULL(issues_json, ''), IFNULL(ai_summary, ''), IFNULL(ai_remediation_plan, ''), IFNULL(ai_issues_json, ''),
		       IFNULL(ai_model, ''), tokens_used, processing_time_ms
		FROM scan_results WHERE scan_id = ?`, scanID)

	var r models.ScanResult
	err := row.Scan(&r.ScanID, &r.TotalIssues, &r.CriticalCount, &r.SeriousCount, &r.ModerateCount, &r.MinorCount,
		&r.PassedChecks, &r.Inapplicable, &r.IssuesJSON, &r.AISummary, &r.AIRemediation, &r.AIIssuesJSON,
		&r.AIModel, &r.TokensUsed, &r.ProcessingTimeMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan result row: %w", err)
	}
	return &r, nil
}

// MarkNotified stamps a standalone scan as having had its completion
// notification enqueued, so repeated worker passes cannot enqueue twice.
// Returns true when this call won the stamp.
func (s *ScanService) MarkNotified(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scans SET notified_at = NOW() WHERE id = ? AND notified_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark scan notified: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// NullifyEmail clears the scan's stored email after notification delivery.
func (s *ScanService) NullifyEmail(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scans SET email = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to nullify scan email: %w", err)
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
