// Package aiexport implements the batch boundary to the external AI
// enrichment pipeline: pending AI scans are exported as a CSV feed and the
// enriched results are imported back row by row.
package aiexport

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"scan-service/database"
	"scan-service/models"

	"github.com/apex/log"
)

// ExportHeader is the column layout of the export feed.
var ExportHeader = []string{"scan_id", "url", "email", "wcag_level", "issues_json", "created_at", "page_title"}

// ImportHeader is the column layout expected from the enrichment side.
var ImportHeader = []string{"scan_id", "ai_summary", "ai_remediation_plan", "ai_issues_json", "tokens_used", "ai_model", "processing_time"}

// Service moves scans across the AI pipeline boundary.
type Service struct {
	db        *sql.DB
	campaigns *database.CampaignService
}

// NewService creates an export/import service instance.
func NewService(db *sql.DB, campaigns *database.CampaignService) *Service {
	return &Service{db: db, campaigns: campaigns}
}

// ExportPendingScans selects every AI scan still waiting for enrichment,
// flips them all to downloaded and returns the CSV feed. Selection and
// status flip happen in one transaction so a concurrent export cannot
// double-claim the same scans, and the flip is all-or-nothing.
func (s *Service) ExportPendingScans(ctx context.Context) ([]byte, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT s.id, s.url, IFNULL(s.email, ''), s.wcag_level, IFNULL(r.issues_json, ''), s.created_at, IFNULL(s.page_title, '')
		FROM scans s
		LEFT JOIN scan_results r ON r.scan_id = s.id
		WHERE s.ai_enabled = TRUE AND s.ai_status = 'pending'
		ORDER BY s.created_at
		FOR UPDATE`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to select pending AI scans: %w", err)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(ExportHeader); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("failed to write CSV header: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id, url, email, wcagLevel, issuesJSON, pageTitle string
		var createdAt time.Time
		if err := rows.Scan(&id, &url, &email, &wcagLevel, &issuesJSON, &createdAt, &pageTitle); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("failed to scan export row: %w", err)
		}
		record := []string{id, url, email, wcagLevel, issuesJSON, createdAt.UTC().Format(time.RFC3339), pageTitle}
		if err := writer.Write(record); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("failed to write CSV row: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate export rows: %w", err)
	}

	if len(ids) > 0 {
		result, err := tx.ExecContext(ctx, `
			UPDATE scans SET ai_status = 'downloaded' WHERE ai_enabled = TRUE AND ai_status = 'pending'`)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to mark scans downloaded: %w", err)
		}
		flipped, err := result.RowsAffected()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if flipped != int64(len(ids)) {
			return nil, 0, fmt.Errorf("export flip mismatch: selected %d, flipped %d", len(ids), flipped)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit export: %w", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, 0, fmt.Errorf("failed to flush CSV: %w", err)
	}

	log.Infof("Exported %d pending AI scans", len(ids))
	return buf.Bytes(), len(ids), nil
}

// ParseImportCSV decodes the enrichment feed into import rows. Malformed
// numeric fields reject the single row, not the whole feed.
func ParseImportCSV(r io.Reader) ([]models.AIImportRow, []models.AIImportRowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(ImportHeader)

	header, err := reader.Read()
	if err != nil {
		return nil, nil, models.NewAppError(models.CodeInvalidInput, "failed to read CSV header: %v", err)
	}
	for i, col := range ImportHeader {
		if header[i] != col {
			return nil, nil, models.NewAppError(models.CodeInvalidInput, "unexpected CSV column %d: got %q, want %q", i, header[i], col)
		}
	}

	var parsed []models.AIImportRow
	var rowErrors []models.AIImportRowError
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, models.NewAppError(models.CodeInvalidInput, "failed to read CSV row: %v", err)
		}

		row := models.AIImportRow{
			ScanID:        record[0],
			AISummary:     record[1],
			AIRemediation: record[2],
			AIIssuesJSON:  record[3],
			AIModel:       record[5],
		}
		tokens, err := strconv.ParseInt(record[4], 10, 64)
		if err != nil {
			rowErrors = append(rowErrors, models.AIImportRowError{ScanID: row.ScanID, Error: "invalid tokens_used: " + record[4]})
			continue
		}
		processing, err := strconv.ParseInt(record[6], 10, 64)
		if err != nil {
			rowErrors = append(rowErrors, models.AIImportRowError{ScanID: row.ScanID, Error: "invalid processing_time: " + record[6]})
			continue
		}
		row.TokensUsed = tokens
		row.ProcessingTimeMs = processing
		parsed = append(parsed, row)
	}
	return parsed, rowErrors, nil
}

// ImportResults consumes enrichment rows. Each row is validated and applied
// independently; failures are collected per row and never abort the rest of
// the feed.
func (s *Service) ImportResults(ctx context.Context, rows []models.AIImportRow) *models.AIImportReport {
	report := &models.AIImportReport{}
	for _, row := range rows {
		if err := s.importRow(ctx, row); err != nil {
			report.Failed++
			report.RowErrors = append(report.RowErrors, models.AIImportRowError{ScanID: row.ScanID, Error: err.Error()})
			continue
		}
		report.Processed++
	}
	log.Infof("AI import finished: %d processed, %d failed", report.Processed, report.Failed)
	return report
}

func (s *Service) importRow(ctx context.Context, row models.AIImportRow) error {
	if row.ScanID == "" {
		return models.NewAppError(models.CodeInvalidInput, "missing scan_id")
	}
	if row.TokensUsed < 0 {
		return models.NewAppError(models.CodeInvalidInput, "negative tokens_used")
	}

	var aiEnabled bool
	var aiStatus sql.NullString
	var campaignID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT ai_enabled, ai_status, campaign_id FROM scans WHERE id = ?`, row.ScanID).
		Scan(&aiEnabled, &aiStatus, &campaignID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewAppError(models.CodeNotFound, "scan not found")
		}
		return fmt.Errorf("failed to read scan: %w", err)
	}
	if !aiEnabled {
		return models.NewAppError(models.CodeAINotEnabled, "scan does not have AI enabled")
	}
	if aiStatus.String != models.AIDownloaded {
		return models.NewAppError(models.CodeInvalidState, "ai status is %q, expected downloaded", aiStatus.String)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scan_results (scan_id, ai_summary, ai_remediation_plan, ai_issues_json, ai_model, tokens_used, processing_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE ai_summary = VALUES(ai_summary), ai_remediation_plan = VALUES(ai_remediation_plan),
		  ai_issues_json = VALUES(ai_issues_json), ai_model = VALUES(ai_model), tokens_used = VALUES(tokens_used),
		  processing_time_ms = VALUES(processing_time_ms)`,
		row.ScanID, row.AISummary, row.AIRemediation, row.AIIssuesJSON, row.AIModel, row.TokensUsed, row.ProcessingTimeMs)
	if err != nil {
		return fmt.Errorf("failed to store AI result: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE scans SET ai_status = 'completed' WHERE id = ? AND ai_status = 'downloaded'`, row.ScanID)
	if err != nil {
		return fmt.Errorf("failed to complete AI status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return models.NewAppError(models.CodeConflict, "scan changed state during import")
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import row: %w", err)
	}

	// The scan's enrichment is committed; the token deduction retires the
	// campaign reservation. A deduction failure is logged loudly but does
	// not undo the enrichment.
	if campaignID.Valid {
		if err := s.campaigns.DeductTokens(ctx, campaignID.String, row.TokensUsed); err != nil {
			log.WithError(err).Errorf("Failed to deduct %d tokens from campaign %s for scan %s", row.TokensUsed, campaignID.String, row.ScanID)
		}
	}
	return nil
}
