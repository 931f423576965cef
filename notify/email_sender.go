package notify

import (
	"fmt"
	"strings"

	"scan-service/config"
	"scan-service/models"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailSender renders and sends notification emails via SendGrid.
type EmailSender struct {
	config *config.Config
	client *sendgrid.Client
}

// NewEmailSender creates an email sender.
func NewEmailSender(cfg *config.Config) *EmailSender {
	return &EmailSender{
		config: cfg,
		client: sendgrid.NewSendClient(cfg.SendGridAPIKey),
	}
}

// SendScanReport emails a single-scan completion report.
func (e *EmailSender) SendScanReport(recipient string, scan *models.Scan, result *models.ScanResult) error {
	subject := fmt.Sprintf("Accessibility scan finished: %s", scan.URL)
	var body strings.Builder
	fmt.Fprintf(&body, "<h2>Scan report for %s</h2>", scan.URL)
	fmt.Fprintf(&body, "<p>WCAG level: %s<br>Status: %s</p>", scan.WcagLevel, scan.Status)
	if scan.Status == models.ScanFailed && scan.ErrorMessage != nil {
		fmt.Fprintf(&body, "<p>The scan could not be completed: %s</p>", *scan.ErrorMessage)
	}
	if result != nil {
		fmt.Fprintf(&body, "<p>Issues found: %d (critical %d, serious %d, moderate %d, minor %d)<br>Passed checks: %d</p>",
			result.TotalIssues, result.CriticalCount, result.SeriousCount, result.ModerateCount, result.MinorCount, result.PassedChecks)
		if result.AISummary != "" {
			fmt.Fprintf(&body, "<h3>Summary</h3><p>%s</p>", result.AISummary)
		}
	}
	return e.send(recipient, subject, body.String())
}

// SendBatchReport emails a batch completion report with the aggregate
// statistics.
func (e *EmailSender) SendBatchReport(recipient string, batch *models.BatchScan) error {
	subject := fmt.Sprintf("Accessibility site scan finished: %s", batch.RootURL)
	var body strings.Builder
	fmt.Fprintf(&body, "<h2>Site scan report for %s</h2>", batch.RootURL)
	fmt.Fprintf(&body, "<p>Status: %s<br>Pages scanned: %d of %d (%d failed)</p>",
		batch.Status, batch.URLsScanned, batch.TotalUrls, batch.FailedCount)
	fmt.Fprintf(&body, "<p>Total issues: %d<br>Critical: %d<br>Serious: %d<br>Moderate: %d<br>Minor: %d<br>Passed checks: %d</p>",
		batch.TotalIssues, batch.CriticalCount, batch.SeriousCount, batch.ModerateCount, batch.MinorCount, batch.PassedChecks)
	if batch.Status == models.BatchFailed {
		body.WriteString("<p>Some pages failed to scan; the totals above cover the pages that completed.</p>")
	}
	return e.send(recipient, subject, body.String())
}

func (e *EmailSender) send(recipient, subject, htmlBody string) error {
	from := mail.NewEmail(e.config.SendGridFromName, e.config.SendGridFromEmail)
	to := mail.NewEmail(recipient, recipient)
	message := mail.NewSingleEmail(from, subject, to, "", htmlBody)

	response, err := e.client.Send(message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned status %d: %s", response.StatusCode, response.Body)
	}
	return nil
}
