package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"scan-service/config"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"
)

// NewDatabase opens the MySQL connection pool, waits for the server to
// become reachable and ensures the schema exists.
func NewDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection with exponential backoff retry
	deadline := time.Now().Add(60 * time.Second)
	waitInterval := 1 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		pingErr := db.PingContext(ctx)
		cancel()
		if pingErr == nil {
			break
		}
		if time.Now().After(deadline) {
			db.Close()
			return nil, fmt.Errorf("database ping timeout: %w", pingErr)
		}
		log.WithError(pingErr).Warnf("Database connection failed, retrying in %v", waitInterval)
		time.Sleep(waitInterval)
		waitInterval *= 2
	}

	if err := verifyAndCreateTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify/create tables: %w", err)
	}

	return db, nil
}
