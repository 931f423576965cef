package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/apex/log"
)

// Schema contains the database schema.
const Schema = `
CREATE TABLE IF NOT EXISTS campaigns (
    id VARCHAR(36) PRIMARY KEY,
    name VARCHAR(256) NOT NULL,
    total_token_budget BIGINT NOT NULL,
    used_tokens BIGINT NOT NULL DEFAULT 0,
    reserved_slots INT NOT NULL DEFAULT 0,
    avg_tokens_per_scan BIGINT NOT NULL,
    status ENUM('active', 'paused', 'exhausted', 'ended') NOT NULL DEFAULT 'active',
    starts_at TIMESTAMP NULL,
    ends_at TIMESTAMP NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    INDEX idx_campaign_status (status)
);

CREATE TABLE IF NOT EXISTS batch_scans (
    id VARCHAR(36) PRIMARY KEY,
    root_url VARCHAR(2048) NOT NULL,
    wcag_level ENUM('A', 'AA', 'AAA') NOT NULL DEFAULT 'AA',
    status ENUM('pending', 'running', 'completed', 'failed', 'cancelled', 'stale') NOT NULL DEFAULT 'pending',
    total_urls INT NOT NULL DEFAULT 0,
    completed_count INT NOT NULL DEFAULT 0,
    failed_count INT NOT NULL DEFAULT 0,
    urls_scanned INT NOT NULL DEFAULT 0,
    total_issues INT NOT NULL DEFAULT 0,
    critical_count INT NOT NULL DEFAULT 0,
    serious_count INT NOT NULL DEFAULT 0,
    moderate_count INT NOT NULL DEFAULT 0,
    minor_count INT NOT NULL DEFAULT 0,
    passed_checks INT NOT NULL DEFAULT 0,
    email VARCHAR(320) NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    completed_at TIMESTAMP NULL,
    INDEX idx_batch_status (status)
);

CREATE TABLE IF NOT EXISTS scans (
    id VARCHAR(36) PRIMARY KEY,
    url VARCHAR(2048) NOT NULL,
    wcag_level ENUM('A', 'AA', 'AAA') NOT NULL DEFAULT 'AA',
    status ENUM('pending', 'running', 'completed', 'failed') NOT NULL DEFAULT 'pending',
    batch_id VARCHAR(36) NULL,
    campaign_id VARCHAR(36) NULL,
    ai_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    ai_status ENUM('pending', 'downloaded', 'processing', 'completed', 'failed') NULL,
    page_title VARCHAR(512) NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL DEFAULT 0,
    error_message TEXT NULL,
    email VARCHAR(320) NULL,
    notified_at TIMESTAMP NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    started_at TIMESTAMP NULL,
    completed_at TIMESTAMP NULL,
    FOREIGN KEY (batch_id) REFERENCES batch_scans(id) ON DELETE SET NULL,
    INDEX idx_scan_status (status),
    INDEX idx_scan_batch (batch_id),
    INDEX idx_scan_ai (ai_enabled, ai_status)
);

CREATE TABLE IF NOT EXISTS scan_results (
    scan_id VARCHAR(36) PRIMARY KEY,
    total_issues INT NOT NULL DEFAULT 0,
    critical_count INT NOT NULL DEFAULT 0,
    serious_count INT NOT NULL DEFAULT 0,
    moderate_count INT NOT NULL DEFAULT 0,
    minor_count INT NOT NULL DEFAULT 0,
    passed_checks INT NOT NULL DEFAULT 0,
    inapplicable INT NOT NULL DEFAULT 0,
    issues_json MEDIUMTEXT NULL,
    ai_summary TEXT NULL,
    ai_remediation_plan MEDIUMTEXT NULL,
    ai_issues_json MEDIUMTEXT NULL,
    ai_model VARCHAR(128) NULL,
    tokens_used BIGINT NOT NULL DEFAULT 0,
    processing_time_ms BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (scan_id) REFERENCES scans(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS notifications (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    kind ENUM('scan_complete', 'batch_complete') NOT NULL,
    scan_id VARCHAR(36) NULL,
    batch_id VARCHAR(36) NULL,
    recipient VARCHAR(320) NOT NULL,
    status ENUM('pending', 'sent', 'failed') NOT NULL DEFAULT 'pending',
    attempts INT NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    last_error TEXT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    sent_at TIMESTAMP NULL,
    INDEX idx_notification_due (status, next_attempt_at)
);

CREATE TABLE IF NOT EXISTS opted_out_emails (
    email VARCHAR(320) PRIMARY KEY,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// verifyAndCreateTables executes the schema statements one by one.
func verifyAndCreateTables(db *sql.DB) error {
	for _, stmt := range strings.Split(Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	log.Info("Database schema verified")
	return nil
}
