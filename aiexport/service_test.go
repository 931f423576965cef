package aiexport

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"

	"scan-service/database"
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

func TestExportPendingScans(t *testing.T) {
	it(func() {
		createdAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT s.id").
			WillReturnRows(sqlmock.NewRows([]string{"id", "url", "email", "wcag_level", "issues_json", "created_at", "page_title"}).
				AddRow("scan-1", "https://example.com", "a@example.com", "AA", `[{"rule":"color-contrast"}]`, createdAt, `Say "hello", world`).
				AddRow("scan-2", "https://example.org", "", "AAA", "", createdAt, "Plain title"))
		mock.ExpectExec("UPDATE scans SET ai_status = 'downloaded'").
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		svc := NewService(db, database.NewCampaignService(db, 3))
		feed, count, err := svc.ExportPendingScans(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 exported rows, got %d", count)
		}

		lines := strings.Split(strings.TrimRight(string(feed), "\n"), "\n")
		if len(lines) != 3 {
			t.Fatalf("expected header plus 2 rows, got %d lines", len(lines))
		}
		if lines[0] != strings.Join(ExportHeader, ",") {
			t.Errorf("unexpected header line: %s", lines[0])
		}
		// Embedded quotes must be doubled and the field quoted.
		if !strings.Contains(lines[1], `"Say ""hello"", world"`) {
			t.Errorf("embedded quotes not escaped: %s", lines[1])
		}
		// JSON with commas gets quoted as one field.
		if !strings.Contains(lines[1], `"[{""rule"":""color-contrast""}]"`) {
			t.Errorf("issues json not quoted: %s", lines[1])
		}
		// NULL email surfaces as an empty field.
		if !strings.HasPrefix(lines[2], "scan-2,https://example.org,,AAA,") {
			t.Errorf("empty email not rendered as empty field: %s", lines[2])
		}
	})
}

func TestExportPendingScansEmpty(t *testing.T) {
	it(func() {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT s.id").
			WillReturnRows(sqlmock.NewRows([]string{"id", "url", "email", "wcag_level", "issues_json", "created_at", "page_title"}))
		mock.ExpectCommit()

		svc := NewService(db, database.NewCampaignService(db, 3))
		feed, count, err := svc.ExportPendingScans(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected no exported rows, got %d", count)
		}
		if got := strings.TrimRight(string(feed), "\n"); got != strings.Join(ExportHeader, ",") {
			t.Errorf("empty export should still carry the header, got %q", got)
		}
		// No status flip without selected rows.
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestParseImportCSV(t *testing.T) {
	feed := strings.Join([]string{
		strings.Join(ImportHeader, ","),
		`scan-1,"Two issues found, one critical",Fix the contrast,"[{""rule"":""color-contrast""}]",412,gpt-4o,1730`,
		`scan-2,Summary,Plan,[],not-a-number,gpt-4o,90`,
		`scan-3,Summary,Plan,[],55,gpt-4o,120`,
	}, "\n")

	rows, rowErrors, err := ParseImportCSV(strings.NewReader(feed))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 parsed rows, got %d", len(rows))
	}
	if rows[0].AISummary != "Two issues found, one critical" {
		t.Errorf("quoted field mangled: %q", rows[0].AISummary)
	}
	if rows[0].TokensUsed != 412 {
		t.Errorf("expected 412 tokens, got %d", rows[0].TokensUsed)
	}
	if len(rowErrors) != 1 || rowErrors[0].ScanID != "scan-2" {
		t.Fatalf("expected one row error for scan-2, got %+v", rowErrors)
	}
}

func TestParseImportCSVRejectsWrongHeader(t *testing.T) {
	feed := "scan_id,summary,plan,issues,tokens,model,time\n"
	_, _, err := ParseImportCSV(strings.NewReader(feed))
	if models.ErrCode(err) != models.CodeInvalidInput {
		t.Errorf("expected %s, got %v", models.CodeInvalidInput, err)
	}
}

func TestImportResultsPartialSuccess(t *testing.T) {
	it(func() {
		// Row 1 applies cleanly and deducts from its campaign.
		mock.ExpectQuery("SELECT ai_enabled, ai_status, campaign_id FROM scans").
			WithArgs("scan-1").
			WillReturnRows(sqlmock.NewRows([]string{"ai_enabled", "ai_status", "campaign_id"}).
				AddRow(true, models.AIDownloaded, "camp-1"))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO scan_results").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE scans SET ai_status = 'completed'").
			WithArgs("scan-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectExec("UPDATE campaigns").
			WithArgs(int64(412), "camp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE campaigns SET status = 'exhausted'").
			WithArgs("camp-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		// Row 2 references an unknown scan.
		mock.ExpectQuery("SELECT ai_enabled, ai_status, campaign_id FROM scans").
			WithArgs("scan-x").
			WillReturnError(sql.ErrNoRows)

		// Row 3 was never exported.
		mock.ExpectQuery("SELECT ai_enabled, ai_status, campaign_id FROM scans").
			WithArgs("scan-3").
			WillReturnRows(sqlmock.NewRows([]string{"ai_enabled", "ai_status", "campaign_id"}).
				AddRow(true, models.AIPending, nil))

		svc := NewService(db, database.NewCampaignService(db, 3))
		report := svc.ImportResults(context.Background(), []models.AIImportRow{
			{ScanID: "scan-1", AISummary: "ok", TokensUsed: 412, AIModel: "gpt-4o", ProcessingTimeMs: 1730},
			{ScanID: "scan-x", TokensUsed: 10},
			{ScanID: "scan-3", TokensUsed: 20},
		})
		if report.Processed != 1 {
			t.Errorf("expected 1 processed row, got %d", report.Processed)
		}
		if report.Failed != 2 {
			t.Errorf("expected 2 failed rows, got %d", report.Failed)
		}
		if len(report.RowErrors) != 2 {
			t.Fatalf("expected 2 row errors, got %+v", report.RowErrors)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}
