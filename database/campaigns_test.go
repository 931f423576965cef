package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jknair0/beforeeach"

	"scan-service/models"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func campaignRows(budget, used int64, reserved int, avg int64, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "name", "total_token_budget", "used_tokens", "reserved_slots",
		"avg_tokens_per_scan", "status", "starts_at", "ends_at", "created_at", "updated_at",
	}).AddRow("camp-1", "spring promo", budget, used, reserved, avg, status, nil, nil, now, now)
}

func TestCheckAndReserveSlotGranted(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		svc := NewCampaignService(db, 3)
		result, err := svc.CheckAndReserveSlot(context.Background(), "camp-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Granted {
			t.Errorf("expected reservation granted, got denial with reason %q", result.Reason)
		}
	})
}

func TestCheckAndReserveSlotBudgetExhausted(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		// Guard did not match; the re-read finds an active campaign, so the
		// only explanation is budget.
		mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
			WithArgs("camp-1").
			WillReturnRows(campaignRows(1000, 950, 0, 100, models.CampaignActive))

		svc := NewCampaignService(db, 3)
		result, err := svc.CheckAndReserveSlot(context.Background(), "camp-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Granted {
			t.Error("expected denial, got grant")
		}
		if result.Reason != models.CodeBudgetExhausted {
			t.Errorf("expected reason %s, got %s", models.CodeBudgetExhausted, result.Reason)
		}
	})
}

func TestCheckAndReserveSlotCampaignMissing(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("camp-x").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
			WithArgs("camp-x").
			WillReturnError(sql.ErrNoRows)

		svc := NewCampaignService(db, 3)
		_, err := svc.CheckAndReserveSlot(context.Background(), "camp-x")
		if models.ErrCode(err) != models.CodeNotFound {
			t.Errorf("expected %s, got %v", models.CodeNotFound, err)
		}
	})
}

func TestCheckAndReserveSlotPausedCampaign(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
			WithArgs("camp-1").
			WillReturnRows(campaignRows(1000, 0, 0, 100, models.CampaignPaused))

		svc := NewCampaignService(db, 3)
		_, err := svc.CheckAndReserveSlot(context.Background(), "camp-1")
		if models.ErrCode(err) != models.CodeInvalidState {
			t.Errorf("expected %s, got %v", models.CodeInvalidState, err)
		}
	})
}

func TestCheckAndReserveSlotRetriesThenFails(t *testing.T) {
	it(func() {
		deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
		for i := 0; i < 3; i++ {
			mock.ExpectExec("UPDATE campaigns").
				WithArgs("camp-1").
				WillReturnError(deadlock)
		}

		svc := NewCampaignService(db, 3)
		_, err := svc.CheckAndReserveSlot(context.Background(), "camp-1")
		if models.ErrCode(err) != models.CodeReservationFailed {
			t.Errorf("expected %s after exhausted retries, got %v", models.CodeReservationFailed, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expected exactly 3 attempts: %v", err)
		}
	})
}

func TestCheckAndReserveSlotRecoversAfterConflict(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("camp-1").
			WillReturnError(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout"})
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		svc := NewCampaignService(db, 3)
		result, err := svc.CheckAndReserveSlot(context.Background(), "camp-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Granted {
			t.Error("expected grant on the retry")
		}
	})
}

func TestDeductTokensRetiresReservation(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE campaigns").
			WithArgs(int64(85), "camp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		// Exhaustion check runs after the deduction commits.
		mock.ExpectExec("UPDATE campaigns SET status = 'exhausted'").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		svc := NewCampaignService(db, 3)
		if err := svc.DeductTokens(context.Background(), "camp-1", 85); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestDeductTokensCampaignMissing(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE campaigns").
			WithArgs(int64(85), "camp-x").
			WillReturnResult(sqlmock.NewResult(0, 0))

		svc := NewCampaignService(db, 3)
		err := svc.DeductTokens(context.Background(), "camp-x", 85)
		if models.ErrCode(err) != models.CodeNotFound {
			t.Errorf("expected %s, got %v", models.CodeNotFound, err)
		}
	})
}

func TestDeductTokensRejectsNegative(t *testing.T) {
	it(func() {
		svc := NewCampaignService(db, 3)
		err := svc.DeductTokens(context.Background(), "camp-1", -5)
		if models.ErrCode(err) != models.CodeInvalidInput {
			t.Errorf("expected %s, got %v", models.CodeInvalidInput, err)
		}
	})
}

func TestReleaseSlot(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE campaigns SET reserved_slots = GREATEST").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		svc := NewCampaignService(db, 3)
		if err := svc.ReleaseSlot(context.Background(), "camp-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestGetCampaignMetrics(t *testing.T) {
	it(func() {
		// Budget 1000, one of ten reservations already deducted 85 tokens.
		mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
			WithArgs("camp-1").
			WillReturnRows(campaignRows(1000, 85, 9, 100, models.CampaignActive))

		svc := NewCampaignService(db, 3)
		metrics, err := svc.GetCampaignMetrics(context.Background(), "camp-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if metrics.RemainingTokens != 915 {
			t.Errorf("expected 915 remaining tokens, got %d", metrics.RemainingTokens)
		}
		if metrics.ReservedSlots != 9 {
			t.Errorf("expected 9 reserved slots, got %d", metrics.ReservedSlots)
		}
		if metrics.RemainingSlots != 1 {
			t.Errorf("expected 1 remaining slot, got %d", metrics.RemainingSlots)
		}
		if metrics.UtilizationPercent != 8.5 {
			t.Errorf("expected 8.5%% utilization, got %v", metrics.UtilizationPercent)
		}
	})
}

func TestGetCampaignMetricsSlotFreedByCheapDeduct(t *testing.T) {
	it(func() {
		// Fully reserved campaign: budget 1000, avg 100, 10 reservations.
		mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
			WithArgs("camp-1").
			WillReturnRows(campaignRows(1000, 0, 10, 100, models.CampaignActive))
		// One reservation retires under its estimate (85 of 100 tokens).
		mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
			WithArgs("camp-1").
			WillReturnRows(campaignRows(1000, 85, 9, 100, models.CampaignActive))

		svc := NewCampaignService(db, 3)
		before, err := svc.GetCampaignMetrics(context.Background(), "camp-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		after, err := svc.GetCampaignMetrics(context.Background(), "camp-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if before.RemainingSlots != 0 {
			t.Errorf("fully reserved campaign should have 0 remaining slots, got %d", before.RemainingSlots)
		}
		if after.RemainingSlots != before.RemainingSlots+1 {
			t.Errorf("retiring a cheap reservation should free one slot: before=%d after=%d",
				before.RemainingSlots, after.RemainingSlots)
		}
	})
}

func TestGetActiveCampaignNone(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE campaigns SET status = 'ended'").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM campaigns").
			WillReturnError(sql.ErrNoRows)

		svc := NewCampaignService(db, 3)
		campaign, err := svc.GetActiveCampaign(context.Background())
		if err != nil {
			t.Fatalf("no campaign should not be an error, got %v", err)
		}
		if campaign != nil {
			t.Errorf("expected nil campaign, got %+v", campaign)
		}
	})
}
