package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"scan-service/models"

	"github.com/apex/log"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MySQL error numbers treated as transient write conflicts.
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// CampaignService owns the campaign token ledger. All budget mutations go
// through single guarded UPDATE statements so concurrent callers can never
// observe a half-applied reservation.
type CampaignService struct {
	db                 *sql.DB
	reserveMaxAttempts int
}

// NewCampaignService creates a campaign service instance.
func NewCampaignService(db *sql.DB, reserveMaxAttempts int) *CampaignService {
	if reserveMaxAttempts <= 0 {
		reserveMaxAttempts = 3
	}
	return &CampaignService{db: db, reserveMaxAttempts: reserveMaxAttempts}
}

// ReservationResult reports the outcome of a slot reservation attempt.
type ReservationResult struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

// CreateCampaign inserts a new campaign owned by the admin subsystem.
func (s *CampaignService) CreateCampaign(ctx context.Context, req models.CreateCampaignRequest, defaultAvgTokens int64) (*models.Campaign, error) {
	if req.TotalTokenBudget <= 0 {
		return nil, models.NewAppError(models.CodeInvalidInput, "total_token_budget must be positive")
	}
	avg := req.AvgTokensPerScan
	if avg <= 0 {
		avg = defaultAvgTokens
	}

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, total_token_budget, used_tokens, reserved_slots, avg_tokens_per_scan, status, starts_at, ends_at)
		VALUES (?, ?, ?, 0, 0, ?, 'active', ?, ?)`,
		id, req.Name, req.TotalTokenBudget, avg, req.StartsAt, req.EndsAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert campaign: %w", err)
	}

	log.Infof("Created campaign %s (%s) with budget %d tokens", id, req.Name, req.TotalTokenBudget)
	return s.GetCampaign(ctx, id)
}

// GetCampaign fetches a campaign by id.
func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, total_token_budget, used_tokens, reserved_slots, avg_tokens_per_scan, status, starts_at, ends_at, created_at, updated_at
		FROM campaigns WHERE id = ?`, id)
	return scanCampaign(row)
}

// GetActiveCampaign returns the campaign currently accepting AI scans, or
// nil when no campaign is running. An absent campaign is a valid state, not
// an error. Overdue active campaigns are flipped to ended on the way.
func (s *CampaignService) GetActiveCampaign(ctx context.Context) (*models.Campaign, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'ended' WHERE status = 'active' AND ends_at IS NOT NULL AND ends_at <= NOW()`); err != nil {
		return nil, fmt.Errorf("failed to end overdue campaigns: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, total_token_budget, used_tokens, reserved_slots, avg_tokens_per_scan, status, starts_at, ends_at, created_at, updated_at
		FROM campaigns
		WHERE status = 'active'
		  AND (starts_at IS NULL OR starts_at <= NOW())
		  AND (ends_at IS NULL OR ends_at > NOW())
		ORDER BY created_at DESC
		LIMIT 1`)
	campaign, err := scanCampaign(row)
	if err != nil {
		if models.ErrCode(err) == models.CodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return campaign, nil
}

// CheckAndReserveSlot atomically admits one AI-enabled scan against the
// campaign budget. The guard and the increment are a single UPDATE, so two
// callers racing on the last slot cannot both be granted. Transient lock
// conflicts are retried a bounded number of times.
func (s *CampaignService) CheckAndReserveSlot(ctx context.Context, campaignID string) (*ReservationResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.reserveMaxAttempts; attempt++ {
		result, err := s.db.ExecContext(ctx, `
			UPDATE campaigns
			SET reserved_slots = reserved_slots + 1
			WHERE id = ? AND status = 'active'
			  AND used_tokens + (reserved_slots + 1) * avg_tokens_per_scan <= total_token_budget`,
			campaignID)
		if err != nil {
			if isTransientConflict(err) {
				log.WithError(err).Warnf("Reservation conflict on campaign %s, attempt %d/%d", campaignID, attempt, s.reserveMaxAttempts)
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("failed to reserve slot: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 1 {
			return &ReservationResult{Granted: true}, nil
		}

		// Nothing matched: either the campaign is missing, not active, or
		// out of budget. Re-read to classify.
		campaign, err := s.GetCampaign(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		if campaign.Status != models.CampaignActive {
			return nil, models.NewAppError(models.CodeInvalidState, "campaign %s is %s", campaignID, campaign.Status)
		}
		return &ReservationResult{Granted: false, Reason: models.CodeBudgetExhausted}, nil
	}
	return nil, models.NewAppError(models.CodeReservationFailed, "reservation on campaign %s failed after %d attempts: %v", campaignID, s.reserveMaxAttempts, lastErr)
}

// ReleaseSlot retires a reservation that will never consume AI processing.
func (s *CampaignService) ReleaseSlot(ctx context.Context, campaignID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET reserved_slots = GREATEST(reserved_slots - 1, 0) WHERE id = ?`,
		campaignID)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.NewAppError(models.CodeNotFound, "campaign %s not found", campaignID)
	}
	return nil
}

// DeductTokens commits the real token cost of a completed AI scan and
// retires its reservation in one statement. used_tokens is capped at the
// budget so the ledger invariant holds even when the actual cost overshoots
// the estimate that admitted the scan.
func (s *CampaignService) DeductTokens(ctx context.Context, campaignID string, actualTokens int64) error {
	if actualTokens < 0 {
		return models.NewAppError(models.CodeInvalidInput, "actual tokens must be non-negative, got %d", actualTokens)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET used_tokens = LEAST(total_token_budget, used_tokens + ?),
		    reserved_slots = GREATEST(reserved_slots - 1, 0)
		WHERE id = ?`,
		actualTokens, campaignID)
	if err != nil {
		return fmt.Errorf("failed to deduct tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.NewAppError(models.CodeNotFound, "campaign %s not found", campaignID)
	}

	// Flip to exhausted once less than one estimated scan remains. Losing
	// this race to another deduct is harmless, the guard re-checks.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'exhausted'
		WHERE id = ? AND status = 'active'
		  AND total_token_budget - used_tokens < avg_tokens_per_scan`,
		campaignID); err != nil {
		log.WithError(err).Errorf("Failed to check exhaustion for campaign %s", campaignID)
	}
	return nil
}

// GetCampaignMetrics returns a consistent snapshot of budget usage.
func (s *CampaignService) GetCampaignMetrics(ctx context.Context, campaignID string) (*models.CampaignMetrics, error) {
	campaign, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	remaining := campaign.TotalTokenBudget - campaign.UsedTokens
	if remaining < 0 {
		remaining = 0
	}

	// Slots the remaining budget can still cover once in-flight
	// reservations settle: ceil(remaining/avg) minus what is reserved.
	// Rounding up means retiring a reservation under its estimate frees a
	// slot immediately.
	remainingSlots := 0
	if campaign.AvgTokensPerScan > 0 {
		coverable := int((remaining + campaign.AvgTokensPerScan - 1) / campaign.AvgTokensPerScan)
		remainingSlots = coverable - campaign.ReservedSlots
		if remainingSlots < 0 {
			remainingSlots = 0
		}
	}

	utilization := 0.0
	if campaign.TotalTokenBudget > 0 {
		utilization, _ = decimal.NewFromInt(campaign.UsedTokens).
			Div(decimal.NewFromInt(campaign.TotalTokenBudget)).
			Mul(decimal.NewFromInt(100)).
			Round(2).Float64()
	}

	return &models.CampaignMetrics{
		CampaignID:         campaign.ID,
		RemainingTokens:    remaining,
		RemainingSlots:     remainingSlots,
		ReservedSlots:      campaign.ReservedSlots,
		UtilizationPercent: utilization,
	}, nil
}

// SetStatus applies an admin status change (pause, resume, end).
func (s *CampaignService) SetStatus(ctx context.Context, campaignID, status string) error {
	var result sql.Result
	var err error
	switch status {
	case models.CampaignPaused:
		result, err = s.db.ExecContext(ctx, `UPDATE campaigns SET status = 'paused' WHERE id = ? AND status = 'active'`, campaignID)
	case models.CampaignActive:
		result, err = s.db.ExecContext(ctx, `UPDATE campaigns SET status = 'active' WHERE id = ? AND status = 'paused'`, campaignID)
	case models.CampaignEnded:
		result, err = s.db.ExecContext(ctx, `UPDATE campaigns SET status = 'ended' WHERE id = ? AND status IN ('active', 'paused', 'exhausted')`, campaignID)
	default:
		return models.NewAppError(models.CodeInvalidInput, "unsupported campaign status %q", status)
	}
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		campaign, err := s.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		return models.NewAppError(models.CodeInvalidState, "campaign %s is %s, cannot transition to %s", campaignID, campaign.Status, status)
	}
	log.Infof("Campaign %s transitioned to %s", campaignID, status)
	return nil
}

// ListCampaigns returns all campaigns, newest first.
func (s *CampaignService) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, total_token_budget, used_tokens, reserved_slots, avg_tokens_per_scan, status, starts_at, ends_at, created_at, updated_at
		FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.TotalTokenBudget, &c.UsedTokens, &c.ReservedSlots, &c.AvgTokensPerScan, &c.Status, &c.StartsAt, &c.EndsAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.TotalTokenBudget, &c.UsedTokens, &c.ReservedSlots, &c.AvgTokensPerScan, &c.Status, &c.StartsAt, &c.EndsAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewAppError(models.CodeNotFound, "campaign not found")
		}
		return nil, fmt.Errorf("failed to scan campaign: %w", err)
	}
	return &c, nil
}

func isTransientConflict(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrDeadlock || mysqlErr.Number == mysqlErrLockWaitTimeout
	}
	return false
}
