// Package worker runs the scan execution loop: claim pending scans, run the
// page-scanning engine against each, record the terminal outcome and hand
// it to the batch aggregator.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"scan-service/config"
	"scan-service/database"
	"scan-service/models"
	"scan-service/scanner"

	"github.com/apex/log"
)

// Processor claims and executes pending scans.
type Processor struct {
	cfg           *config.Config
	scans         *database.ScanService
	batches       *database.BatchService
	campaigns     *database.CampaignService
	notifications *database.NotificationService
	engine        scanner.Engine
}

// NewProcessor creates a scan processor.
func NewProcessor(cfg *config.Config, scans *database.ScanService, batches *database.BatchService, campaigns *database.CampaignService, notifications *database.NotificationService, engine scanner.Engine) *Processor {
	return &Processor{
		cfg:           cfg,
		scans:         scans,
		batches:       batches,
		campaigns:     campaigns,
		notifications: notifications,
		engine:        engine,
	}
}

// Run polls for pending scans until ctx is cancelled. A slow housekeeping
// tick flags stale batches.
func (p *Processor) Run(ctx context.Context) {
	log.Infof("Scan worker started: polling every %v, concurrency %d", p.cfg.WorkerPollInterval, p.cfg.WorkerConcurrency)
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	housekeeping := time.NewTicker(time.Hour)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Scan worker stopped")
			return
		case <-ticker.C:
			if err := p.ProcessOnce(ctx); err != nil {
				log.WithError(err).Error("Scan processing pass failed")
			}
		case <-housekeeping.C:
			if n, err := p.batches.MarkStaleBatches(ctx, p.cfg.StaleBatchCutoff); err != nil {
				log.WithError(err).Error("Stale batch sweep failed")
			} else if n > 0 {
				log.Warnf("Marked %d batches stale", n)
			}
		}
	}
}

// ProcessOnce claims up to the configured limit of pending scans and runs
// them on a bounded set of goroutines.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	claimed, err := p.scans.ClaimPendingScans(ctx, p.cfg.ScanClaimLimit)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	log.Infof("Claimed %d scans", len(claimed))
	sem := make(chan struct{}, p.cfg.WorkerConcurrency)
	var wg sync.WaitGroup
	for _, scan := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(scan models.Scan) {
			defer wg.Done()
			defer func() { <-sem }()
			p.processScan(ctx, scan)
		}(scan)
	}
	wg.Wait()
	return nil
}

// processScan drives one scan to a terminal status and notifies downstream.
// The terminal status write commits first; aggregation and notification
// failures are logged and never undo it.
func (p *Processor) processScan(ctx context.Context, scan models.Scan) {
	start := time.Now()
	result, err := p.engine.Scan(ctx, scan.URL, scan.WcagLevel)
	if err != nil {
		log.WithError(err).Warnf("Scan %s failed for %s", scan.ID, scan.URL)
		p.failScan(ctx, scan, err.Error())
		p.afterTerminal(ctx, scan)
		return
	}

	critical, serious, moderate, minor := result.CountByImpact()
	issuesJSON, err := json.Marshal(result.Issues)
	if err != nil {
		log.WithError(err).Errorf("Failed to encode issues for scan %s", scan.ID)
		issuesJSON = []byte("[]")
	}

	durationMs := result.DurationMs
	if durationMs == 0 {
		durationMs = time.Since(start).Milliseconds()
	}

	stored := &models.ScanResult{
		ScanID:        scan.ID,
		TotalIssues:   len(result.Issues),
		CriticalCount: critical,
		SeriousCount:  serious,
		ModerateCount: moderate,
		MinorCount:    minor,
		PassedChecks:  result.Passes,
		Inapplicable:  result.Inapplicable,
		IssuesJSON:    string(issuesJSON),
	}
	if err := p.scans.CompleteScan(ctx, scan.ID, stored, result.PageTitle, durationMs); err != nil {
		log.WithError(err).Errorf("Failed to complete scan %s", scan.ID)
		return
	}
	log.Infof("Scan %s completed: %d issues on %s", scan.ID, stored.TotalIssues, scan.URL)
	p.afterTerminal(ctx, scan)
}

func (p *Processor) failScan(ctx context.Context, scan models.Scan, message string) {
	if err := p.scans.FailScan(ctx, scan.ID, message); err != nil {
		log.WithError(err).Errorf("Failed to mark scan %s failed", scan.ID)
		return
	}
	// The scan held an AI reservation it will never consume.
	if scan.AIEnabled && scan.CampaignID != nil {
		if err := p.campaigns.ReleaseSlot(ctx, *scan.CampaignID); err != nil {
			log.WithError(err).Errorf("Failed to release AI slot for scan %s", scan.ID)
		}
	}
}

// afterTerminal routes the terminal event: batch members go to the
// aggregator, standalone scans with a recipient get their own notification.
func (p *Processor) afterTerminal(ctx context.Context, scan models.Scan) {
	if scan.BatchID != nil {
		outcome, err := p.batches.NotifyScanComplete(ctx, scan.ID)
		if err != nil {
			// Non-fatal: the recount design self-heals on the next
			// member's terminal notification.
			log.WithError(err).Errorf("Batch aggregation failed for scan %s", scan.ID)
			return
		}
		log.Debugf("Batch aggregation for scan %s: %s", scan.ID, outcome)
		return
	}

	if scan.Email == nil || *scan.Email == "" {
		return
	}
	won, err := p.scans.MarkNotified(ctx, scan.ID)
	if err != nil {
		log.WithError(err).Errorf("Failed to stamp notification for scan %s", scan.ID)
		return
	}
	if !won {
		return
	}
	if err := p.notifications.Enqueue(ctx, models.NotifyScanComplete, scan.ID, "", *scan.Email); err != nil {
		log.WithError(err).Errorf("Failed to enqueue notification for scan %s", scan.ID)
	}
}
