package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scan-service/models"

	"github.com/apex/log"
)

// AggregationOutcome reports what a terminal-scan notification did to the
// owning batch.
type AggregationOutcome string

const (
	// OutcomeNotInBatch means the scan has no owning batch.
	OutcomeNotInBatch AggregationOutcome = "not_in_batch"
	// OutcomeAlreadyClosed means the batch was already terminal or
	// cancelled; the notification was a no-op.
	OutcomeAlreadyClosed AggregationOutcome = "already_closed"
	// OutcomeStillRunning means scans remain in flight.
	OutcomeStillRunning AggregationOutcome = "still_running"
	// OutcomeClosed means this call transitioned the batch to its final
	// status.
	OutcomeClosed AggregationOutcome = "closed"
)

// BatchService detects batch completion and computes aggregate statistics.
// It recounts the full scan set on every terminal notification instead of
// trusting incremental counters, which makes it idempotent and self-healing
// against missed or duplicated events.
type BatchService struct {
	db     *sql.DB
	outbox *NotificationService
}

// NewBatchService creates a batch service instance. outbox may be nil in
// tests that do not exercise notification enqueueing.
func NewBatchService(db *sql.DB, outbox *NotificationService) *BatchService {
	return &BatchService{db: db, outbox: outbox}
}

type batchRecount struct {
	completed int
	failed    int
	inFlight  int

	urlsScanned   int
	totalIssues   int
	criticalCount int
	seriousCount  int
	moderateCount int
	minorCount    int
	passedChecks  int
}

// NotifyScanComplete processes one terminal-scan event for the scan's
// owning batch. Safe to call concurrently and repeatedly for the same scan;
// the already-terminal guard plus the guarded closing UPDATE make duplicate
// and racing notifications no-ops.
func (s *BatchService) NotifyScanComplete(ctx context.Context, scanID string) (AggregationOutcome, error) {
	var batchID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT batch_id FROM scans WHERE id = ?`, scanID).Scan(&batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", models.NewAppError(models.CodeNotFound, "scan %s not found", scanID)
		}
		return "", fmt.Errorf("failed to resolve batch for scan %s: %w", scanID, err)
	}
	if !batchID.Valid {
		return OutcomeNotInBatch, nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM batch_scans WHERE id = ?`, batchID.String).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", models.NewAppError(models.CodeNotFound, "batch %s not found", batchID.String)
		}
		return "", fmt.Errorf("failed to read batch %s: %w", batchID.String, err)
	}
	if isClosedBatchStatus(status) {
		return OutcomeAlreadyClosed, nil
	}

	recount, err := s.recountBatch(ctx, batchID.String)
	if err != nil {
		return "", err
	}

	if recount.inFlight > 0 {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE batch_scans SET status = 'running', completed_count = ?, failed_count = ?
			WHERE id = ? AND status IN ('pending', 'running', 'stale')`,
			recount.completed, recount.failed, batchID.String); err != nil {
			return "", fmt.Errorf("failed to update batch progress: %w", err)
		}
		return OutcomeStillRunning, nil
	}

	// Every owned scan is terminal: close the batch. One failure fails the
	// whole batch even though the completed scans' aggregates are kept.
	finalStatus := models.BatchCompleted
	if recount.failed > 0 {
		finalStatus = models.BatchFailed
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE batch_scans
		SET status = ?, completed_count = ?, failed_count = ?, urls_scanned = ?,
		    total_issues = ?, critical_count = ?, serious_count = ?, moderate_count = ?, minor_count = ?, passed_checks = ?,
		    completed_at = NOW()
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		finalStatus, recount.completed, recount.failed, recount.urlsScanned,
		recount.totalIssues, recount.criticalCount, recount.seriousCount, recount.moderateCount, recount.minorCount, recount.passedChecks,
		batchID.String)
	if err != nil {
		return "", fmt.Errorf("failed to close batch %s: %w", batchID.String, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// A racing notification closed the batch first. It also owns the
		// completion notification, so nothing more to do here.
		return OutcomeAlreadyClosed, nil
	}

	log.Infof("Batch %s closed as %s: %d completed, %d failed, %d issues",
		batchID.String, finalStatus, recount.completed, recount.failed, recount.totalIssues)

	s.enqueueCompletionNotification(ctx, batchID.String)
	return OutcomeClosed, nil
}

// recountBatch classifies every owned scan by current status and sums the
// issue counters of completed scans that produced a result. O(batch size)
// per call, by design.
func (s *BatchService) recountBatch(ctx context.Context, batchID string) (*batchRecount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.status, r.total_issues, r.critical_count, r.serious_count, r.moderate_count, r.minor_count, r.passed_checks
		FROM scans s
		LEFT JOIN scan_results r ON r.scan_id = s.id
		WHERE s.batch_id = ?`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to recount batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var recount batchRecount
	for rows.Next() {
		var status string
		var totalIssues, critical, serious, moderate, minor, passed sql.NullInt64
		if err := rows.Scan(&status, &totalIssues, &critical, &serious, &moderate, &minor, &passed); err != nil {
			return nil, fmt.Errorf("failed to scan recount row: %w", err)
		}

		switch status {
		case models.ScanCompleted:
			recount.completed++
			// Scans without a stored result still count as completed but
			// contribute nothing to the aggregates.
			if totalIssues.Valid {
				recount.urlsScanned++
				recount.totalIssues += int(totalIssues.Int64)
				recount.criticalCount += int(critical.Int64)
				recount.seriousCount += int(serious.Int64)
				recount.moderateCount += int(moderate.Int64)
				recount.minorCount += int(minor.Int64)
				recount.passedChecks += int(passed.Int64)
			}
		case models.ScanFailed:
			recount.failed++
		default:
			recount.inFlight++
		}
	}
	return &recount, rows.Err()
}

// enqueueCompletionNotification writes the batch-completion outbox row.
// Failures are logged and swallowed: the batch transition has already
// committed and must not be affected by a downstream problem.
func (s *BatchService) enqueueCompletionNotification(ctx context.Context, batchID string) {
	if s.outbox == nil {
		return
	}

	var email sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT email FROM batch_scans WHERE id = ?`, batchID).Scan(&email); err != nil {
		log.WithError(err).Errorf("Failed to read email for batch %s, skipping notification", batchID)
		return
	}
	if !email.Valid || email.String == "" {
		return
	}

	if err := s.outbox.Enqueue(ctx, models.NotifyBatchComplete, "", batchID, email.String); err != nil {
		log.WithError(err).Errorf("Failed to enqueue completion notification for batch %s", batchID)
	}
}

// CancelBatch administratively cancels a pending or running batch. In-flight
// scans run to their natural end; their terminal notifications become
// no-ops against the cancelled batch.
func (s *BatchService) CancelBatch(ctx context.Context, batchID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE batch_scans SET status = 'cancelled', completed_at = NOW()
		WHERE id = ? AND status IN ('pending', 'running', 'stale')`, batchID)
	if err != nil {
		return fmt.Errorf("failed to cancel batch: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM batch_scans WHERE id = ?`, batchID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewAppError(models.CodeNotFound, "batch %s not found", batchID)
		}
		if err != nil {
			return fmt.Errorf("failed to read batch %s: %w", batchID, err)
		}
		return models.NewAppError(models.CodeInvalidState, "batch %s is %s, cannot cancel", batchID, status)
	}

	log.Infof("Batch %s cancelled", batchID)
	return nil
}

// MarkStaleBatches flags running batches with no scan activity since the
// cutoff. Housekeeping only; a stale batch still closes normally if its
// scans eventually terminate.
func (s *BatchService) MarkStaleBatches(ctx context.Context, cutoff time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE batch_scans b
		SET b.status = 'stale'
		WHERE b.status = 'running'
		  AND NOT EXISTS (
		    SELECT 1 FROM scans s
		    WHERE s.batch_id = b.id
		      AND (s.completed_at > DATE_SUB(NOW(), INTERVAL ? SECOND)
		           OR s.started_at > DATE_SUB(NOW(), INTERVAL ? SECOND))
		  )`, int(cutoff.Seconds()), int(cutoff.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale batches: %w", err)
	}
	return result.RowsAffected()
}

// NullifyEmail clears the batch's stored email after notification delivery.
func (s *BatchService) NullifyEmail(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batch_scans SET email = NULL WHERE id = ?`, batchID)
	if err != nil {
		return fmt.Errorf("failed to nullify batch email: %w", err)
	}
	return nil
}

func isClosedBatchStatus(status string) bool {
	switch status {
	case models.BatchCompleted, models.BatchFailed, models.BatchCancelled:
		return true
	}
	return false
}
