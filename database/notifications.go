package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"scan-service/models"
)

// NotificationService persists the notification outbox. State transitions
// commit first; dispatching is a separate, independently retryable step, so
// no state machine ever depends on an email going out.
type NotificationService struct {
	db *sql.DB
}

// NewNotificationService creates a notification service instance.
func NewNotificationService(db *sql.DB) *NotificationService {
	return &NotificationService{db: db}
}

// Enqueue inserts a pending outbox row. scanID or batchID may be empty
// depending on kind.
func (s *NotificationService) Enqueue(ctx context.Context, kind, scanID, batchID, recipient string) error {
	if recipient == "" {
		return models.NewAppError(models.CodeInvalidInput, "notification recipient is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (kind, scan_id, batch_id, recipient, status, attempts, next_attempt_at)
		VALUES (?, ?, ?, ?, 'pending', 0, NOW())`,
		kind, emptyToNil(scanID), emptyToNil(batchID), recipient)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// FetchDue returns pending notifications whose next attempt is due.
func (s *NotificationService) FetchDue(ctx context.Context, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, scan_id, batch_id, recipient, status, attempts, next_attempt_at, last_error, created_at, sent_at
		FROM notifications
		WHERE status = 'pending' AND next_attempt_at <= NOW()
		ORDER BY next_attempt_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due notifications: %w", err)
	}
	defer rows.Close()

	var due []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.Kind, &n.ScanID, &n.BatchID, &n.Recipient, &n.Status, &n.Attempts, &n.NextAttemptAt, &n.LastError, &n.CreatedAt, &n.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		due = append(due, n)
	}
	return due, rows.Err()
}

// MarkSent finalizes a delivered notification.
func (s *NotificationService) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'sent', sent_at = NOW(), last_error = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// RecordFailure bumps the attempt counter and either reschedules with the
// given delay or, once maxAttempts is reached, marks the row failed.
func (s *NotificationService) RecordFailure(ctx context.Context, id int64, attempts, maxAttempts int, delay time.Duration, cause string) error {
	if attempts >= maxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE notifications SET status = 'failed', attempts = ?, last_error = ? WHERE id = ?`,
			attempts, cause, id)
		if err != nil {
			return fmt.Errorf("failed to mark notification failed: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET attempts = ?, last_error = ?, next_attempt_at = DATE_ADD(NOW(), INTERVAL ? SECOND)
		WHERE id = ?`,
		attempts, cause, int(delay.Seconds()), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule notification: %w", err)
	}
	return nil
}

// IsOptedOut reports whether the recipient asked to stop receiving emails.
func (s *NotificationService) IsOptedOut(ctx context.Context, email string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM opted_out_emails WHERE email = ?`, email).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check opt-out for %s: %w", email, err)
	}
	return count > 0, nil
}
