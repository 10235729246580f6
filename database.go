package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ============================================================================
// Database Constants
// ============================================================================

const (
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
)

// --- Phase 1: Connection & Lifecycle ---

var DB *sql.DB
var GlobalLedger *Ledger

func InitDatabase(ctx context.Context, dataSourceName string) error {
	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	if err := createTables(initCtx, DB); err != nil {
		return err
	}

	GlobalLedger = NewLedger(DB)

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			subject_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS stock_items (
			name TEXT PRIMARY KEY,
			quantity INTEGER NOT NULL DEFAULT 0,
			registered_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sales_records (
			content_key TEXT PRIMARY KEY,
			period_count INTEGER NOT NULL DEFAULT 0,
			lifetime_count INTEGER NOT NULL DEFAULT 0,
			owner TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS movement_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject_id TEXT NOT NULL,
			target TEXT NOT NULL,
			delta INTEGER NOT NULL,
			acting_user TEXT,
			occurred_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gacha_history (
			subject_id TEXT NOT NULL,
			pool_owner TEXT NOT NULL,
			content_key TEXT NOT NULL,
			PRIMARY KEY (subject_id, pool_owner, content_key)
		)`,
		`CREATE TABLE IF NOT EXISTS catalog (
			slot INTEGER PRIMARY KEY,
			url TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_movement_log_target ON movement_log(target)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_records_owner ON sales_records(owner)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	return tx.Commit()
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Phase 2: Infrastructure & Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and by the
// price poller for the latest feed value.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}
