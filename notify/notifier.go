// Package notify dispatches the notification outbox. Scan and batch state
// transitions only ever enqueue outbox rows; this package owns delivery,
// retry with backoff and the post-delivery email nullification.
package notify

import (
	"context"
	"time"

	"scan-service/config"
	"scan-service/database"
	"scan-service/models"

	"github.com/apex/log"
)

const fetchBatchSize = 50

// Sender delivers rendered notification emails.
type Sender interface {
	SendScanReport(recipient string, scan *models.Scan, result *models.ScanResult) error
	SendBatchReport(recipient string, batch *models.BatchScan) error
}

// Dispatcher drains the notification outbox on a poll interval.
type Dispatcher struct {
	cfg           *config.Config
	notifications *database.NotificationService
	scans         *database.ScanService
	batches       *database.BatchService
	sender        Sender
	publisher     *Publisher
}

// NewDispatcher creates a dispatcher. publisher may be nil when no broker
// is configured.
func NewDispatcher(cfg *config.Config, notifications *database.NotificationService, scans *database.ScanService, batches *database.BatchService, sender Sender, publisher *Publisher) *Dispatcher {
	return &Dispatcher{
		cfg:           cfg,
		notifications: notifications,
		scans:         scans,
		batches:       batches,
		sender:        sender,
		publisher:     publisher,
	}
}

// Run polls the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Infof("Notification dispatcher started, polling every %v", d.cfg.NotifyPollInterval)
	ticker := time.NewTicker(d.cfg.NotifyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Notification dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.ProcessDue(ctx); err != nil {
				log.WithError(err).Error("Failed to process due notifications")
			}
		}
	}
}

// ProcessDue delivers every due pending notification once.
func (d *Dispatcher) ProcessDue(ctx context.Context) error {
	due, err := d.notifications.FetchDue(ctx, fetchBatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	log.Infof("Dispatching %d due notifications", len(due))
	for _, notification := range due {
		d.dispatchOne(ctx, notification)
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, n models.Notification) {
	optedOut, err := d.notifications.IsOptedOut(ctx, n.Recipient)
	if err != nil {
		log.WithError(err).Errorf("Failed opt-out check for notification %d", n.ID)
		d.recordFailure(ctx, n, err.Error())
		return
	}
	if optedOut {
		// Treat as delivered: the recipient asked for silence, and the
		// source row's email still gets nullified.
		log.Infof("Recipient of notification %d opted out, skipping send", n.ID)
		d.finalize(ctx, n)
		return
	}

	if err := d.deliver(ctx, n); err != nil {
		log.WithError(err).Warnf("Delivery of notification %d failed (attempt %d/%d)", n.ID, n.Attempts+1, d.cfg.NotifyMaxAttempts)
		d.recordFailure(ctx, n, err.Error())
		return
	}
	d.finalize(ctx, n)
}

func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) error {
	switch n.Kind {
	case models.NotifyScanComplete:
		scan, err := d.scans.GetScan(ctx, deref(n.ScanID))
		if err != nil {
			return err
		}
		result, err := d.scans.GetScanResult(ctx, scan.ID)
		if err != nil {
			return err
		}
		if err := d.sender.SendScanReport(n.Recipient, scan, result); err != nil {
			return err
		}
		d.publishEvent(CompletionEvent{Kind: n.Kind, ScanID: scan.ID, Status: scan.Status, Timestamp: time.Now().UTC()})
		return nil

	case models.NotifyBatchComplete:
		batch, err := d.scans.GetBatch(ctx, deref(n.BatchID))
		if err != nil {
			return err
		}
		if err := d.sender.SendBatchReport(n.Recipient, batch); err != nil {
			return err
		}
		d.publishEvent(CompletionEvent{Kind: n.Kind, BatchID: batch.ID, Status: batch.Status, Timestamp: time.Now().UTC()})
		return nil
	}
	return models.NewAppError(models.CodeInvalidInput, "unknown notification kind %q", n.Kind)
}

// publishEvent is best-effort: the email is the contract, the broker event
// is an optimization for live dashboards.
func (d *Dispatcher) publishEvent(event CompletionEvent) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(event); err != nil {
		log.WithError(err).Warn("Failed to publish completion event")
	}
}

// finalize marks the row sent and nullifies the source entity's stored
// email. Nullification failures are logged; the notification stays sent.
func (d *Dispatcher) finalize(ctx context.Context, n models.Notification) {
	if err := d.notifications.MarkSent(ctx, n.ID); err != nil {
		log.WithError(err).Errorf("Failed to mark notification %d sent", n.ID)
		return
	}

	var err error
	switch {
	case n.ScanID != nil:
		err = d.scans.NullifyEmail(ctx, *n.ScanID)
	case n.BatchID != nil:
		err = d.batches.NullifyEmail(ctx, *n.BatchID)
	}
	if err != nil {
		log.WithError(err).Errorf("Failed to nullify email for notification %d", n.ID)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, n models.Notification, cause string) {
	attempts := n.Attempts + 1
	delay := BackoffDelay(attempts)
	if err := d.notifications.RecordFailure(ctx, n.ID, attempts, d.cfg.NotifyMaxAttempts, delay, cause); err != nil {
		log.WithError(err).Errorf("Failed to record failure for notification %d", n.ID)
	}
}

// BackoffDelay returns the wait before retry number attempts+1: 1m, 2m, 4m,
// 8m, ... capped at one hour.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 7 {
		return time.Hour
	}
	delay := time.Minute << (attempts - 1)
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
