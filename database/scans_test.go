package database

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"scan-service/models"
)

func newScanService() *ScanService {
	return NewScanService(db, NewCampaignService(db, 3))
}

func scanRows(status string, aiEnabled bool, aiStatus any) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "url", "wcag_level", "status", "batch_id", "campaign_id", "ai_enabled", "ai_status",
		"page_title", "duration_ms", "error_message", "email", "created_at", "started_at", "completed_at",
	}).AddRow("scan-1", "https://example.com", "AA", status, nil, "camp-1", aiEnabled, aiStatus,
		"", 0, nil, nil, now, nil, nil)
}

func TestRetryFailedScanResetsToPending(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT (.+) FROM scans WHERE id").
			WithArgs("scan-1").
			WillReturnRows(scanRows(models.ScanFailed, true, models.AIFailed))
		// The original failure released the scan's reservation, so the
		// retry has to win a fresh slot.
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE scans").
			WithArgs("scan-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		svc := newScanService()
		if err := svc.RetryFailedScan(context.Background(), "scan-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestRetryFailedScanBudgetDenied(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT (.+) FROM scans WHERE id").
			WithArgs("scan-1").
			WillReturnRows(scanRows(models.ScanFailed, true, models.AIFailed))
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
			WithArgs("camp-1").
			WillReturnRows(campaignRows(1000, 950, 0, 100, models.CampaignActive))

		svc := newScanService()
		err := svc.RetryFailedScan(context.Background(), "scan-1")
		if models.ErrCode(err) != models.CodeBudgetExhausted {
			t.Errorf("expected %s, got %v", models.CodeBudgetExhausted, err)
		}
		// A denied retry must not touch the scan row.
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("denied retry must not write the scan: %v", err)
		}
	})
}

func TestRetryFailedScanAINotEnabled(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT (.+) FROM scans WHERE id").
			WithArgs("scan-1").
			WillReturnRows(scanRows(models.ScanFailed, false, nil))

		svc := newScanService()
		err := svc.RetryFailedScan(context.Background(), "scan-1")
		if models.ErrCode(err) != models.CodeAINotEnabled {
			t.Errorf("expected %s, got %v", models.CodeAINotEnabled, err)
		}
		// The rejection happens on the read alone; nothing is written.
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("rejected retry must not write: %v", err)
		}
	})
}

func TestRetryFailedScanWrongAIStatus(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT (.+) FROM scans WHERE id").
			WithArgs("scan-1").
			WillReturnRows(scanRows(models.ScanCompleted, true, models.AICompleted))

		svc := newScanService()
		err := svc.RetryFailedScan(context.Background(), "scan-1")
		if models.ErrCode(err) != models.CodeInvalidState {
			t.Errorf("expected %s, got %v", models.CodeInvalidState, err)
		}
	})
}

func TestRetryFailedScanLostRace(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT (.+) FROM scans WHERE id").
			WithArgs("scan-1").
			WillReturnRows(scanRows(models.ScanFailed, true, models.AIFailed))
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE scans").
			WithArgs("scan-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		// The fresh reservation has no scan behind it and is handed back.
		mock.ExpectExec("UPDATE campaigns SET reserved_slots = GREATEST").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		svc := newScanService()
		err := svc.RetryFailedScan(context.Background(), "scan-1")
		if models.ErrCode(err) != models.CodeConflict {
			t.Errorf("expected %s, got %v", models.CodeConflict, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

// A retried scan must hold its own reservation so the eventual token
// deduction retires that reservation and never another scan's: retry
// reserves (+1), deduct retires (-1), net zero on reserved_slots.
func TestRetryThenDeductBalancesReservations(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT (.+) FROM scans WHERE id").
			WithArgs("scan-1").
			WillReturnRows(scanRows(models.ScanFailed, true, models.AIFailed))
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE scans").
			WithArgs("scan-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE campaigns").
			WithArgs(int64(90), "camp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE campaigns SET status = 'exhausted'").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		campaigns := NewCampaignService(db, 3)
		svc := NewScanService(db, campaigns)
		if err := svc.RetryFailedScan(context.Background(), "scan-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := campaigns.DeductTokens(context.Background(), "camp-1", 90); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("every reservation move must be paired: %v", err)
		}
	})
}

func TestFailScanAlreadyTerminal(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE scans").
			WithArgs("engine timeout", "scan-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		svc := newScanService()
		err := svc.FailScan(context.Background(), "scan-1", "engine timeout")
		if models.ErrCode(err) != models.CodeInvalidState {
			t.Errorf("expected %s, got %v", models.CodeInvalidState, err)
		}
	})
}

func TestClaimPendingScans(t *testing.T) {
	it(func() {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM scans").
			WithArgs(2).
			WillReturnRows(sqlmock.NewRows([]string{"id", "url", "wcag_level", "batch_id", "campaign_id", "ai_enabled", "email"}).
				AddRow("scan-1", "https://a.example.com", "AA", nil, nil, false, nil).
				AddRow("scan-2", "https://b.example.com", "AA", "batch-1", nil, false, nil))
		mock.ExpectExec("UPDATE scans SET status = 'running'").
			WithArgs("scan-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE scans SET status = 'running'").
			WithArgs("scan-2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		svc := newScanService()
		claimed, err := svc.ClaimPendingScans(context.Background(), 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(claimed) != 2 {
			t.Fatalf("expected 2 claimed scans, got %d", len(claimed))
		}
		for _, scan := range claimed {
			if scan.Status != models.ScanRunning {
				t.Errorf("claimed scan %s should be running, got %s", scan.ID, scan.Status)
			}
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestClaimPendingScansEmptyQueue(t *testing.T) {
	it(func() {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM scans").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows([]string{"id", "url", "wcag_level", "batch_id", "campaign_id", "ai_enabled", "email"}))
		mock.ExpectCommit()

		svc := newScanService()
		claimed, err := svc.ClaimPendingScans(context.Background(), 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(claimed) != 0 {
			t.Errorf("expected no claimed scans, got %d", len(claimed))
		}
	})
}

func TestMarkNotified(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE scans SET notified_at").
			WithArgs("scan-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE scans SET notified_at").
			WithArgs("scan-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		svc := newScanService()
		won, err := svc.MarkNotified(context.Background(), "scan-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !won {
			t.Error("first caller should win the notification stamp")
		}
		won, err = svc.MarkNotified(context.Background(), "scan-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if won {
			t.Error("second caller must not win the notification stamp")
		}
	})
}

func TestCreateScanRejectsInvalidWcagLevel(t *testing.T) {
	it(func() {
		svc := newScanService()
		_, err := svc.CreateScan(context.Background(), CreateScanParams{URL: "https://example.com", WcagLevel: "BB"})
		if models.ErrCode(err) != models.CodeInvalidInput {
			t.Errorf("expected %s, got %v", models.CodeInvalidInput, err)
		}
	})
}
