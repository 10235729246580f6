package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ============================================================================
// Ledger Errors
// ============================================================================

var (
	ErrInvalidAmount       = errors.New("amount must be a positive integer")
	ErrUnknownContentKey   = errors.New("no content registered for this key")
	ErrUnknownOwner        = errors.New("owner has no registered records")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientStock   = errors.New("insufficient stock")
)

const (
	ErrLedgerBeginTx   = "ledger: begin transaction: %w"
	ErrLedgerCommit    = "ledger: commit: %w"
	ErrLedgerExec      = "ledger: %s: %w"
	ErrLedgerScan      = "ledger: scan %s: %w"
	ErrLedgerEmptyPool = "draw pool is empty: %w"
)

// ===========================
// Types
// ===========================

// SalesRecord is one sellable unit of content keyed by its URL.
// PeriodCount resets, LifetimeCount is monotonic unless overridden.
type SalesRecord struct {
	ContentKey    string
	PeriodCount   int64
	LifetimeCount int64
	Owner         string
}

// StockItem is one registered item name with its current quantity.
type StockItem struct {
	Name     string
	Quantity int64
}

// MovementEntry is an immutable audit record of one balance or stock change.
type MovementEntry struct {
	ID         int64
	SubjectID  string
	Target     string
	Delta      int64
	ActingUser string
	OccurredAt time.Time
}

// Ledger owns the canonical balance, stock, sales and draw-history state.
// Mutating operations on the same key are serialized by a per-key mutex,
// and return only after the write committed.
type Ledger struct {
	db    *sql.DB
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, locks: map[string]*sync.Mutex{}}
}

func (l *Ledger) keyLock(kind, key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := kind + ":" + key
	m, ok := l.locks[k]
	if !ok {
		m = &sync.Mutex{}
		l.locks[k] = m
	}
	return m
}

func (l *Ledger) appendMovement(ctx context.Context, tx *sql.Tx, subjectID, target string, delta int64, actingUser string, occurredAt time.Time) error {
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	// sqlite compares datetimes lexicographically; keep them all in UTC.
	occurredAt = occurredAt.UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO movement_log (subject_id, target, delta, acting_user, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`, subjectID, target, delta, actingUser, occurredAt)
	if err != nil {
		return fmt.Errorf(ErrLedgerExec, "append movement", err)
	}
	return nil
}

// ===========================
// Account Balance Ledger
// ===========================

// GetBalance returns 0 for an unknown subject, never an error row-miss.
func (l *Ledger) GetBalance(ctx context.Context, subjectID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE subject_id = ?", subjectID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerScan, "balance", err)
	}
	return balance, nil
}

// Credit adds amount to the subject's balance, creating the account on first
// use, and appends a movement entry in the same transaction.
func (l *Ledger) Credit(ctx context.Context, subjectID string, amount int64, actingUser string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	mu := l.keyLock("account", subjectID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerBeginTx, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (subject_id, balance) VALUES (?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET balance = balance + excluded.balance
	`, subjectID, amount)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerExec, "credit", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE subject_id = ?", subjectID).Scan(&balance); err != nil {
		return 0, fmt.Errorf(ErrLedgerScan, "balance", err)
	}

	if err := l.appendMovement(ctx, tx, subjectID, subjectID, amount, actingUser, time.Time{}); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf(ErrLedgerCommit, err)
	}
	return balance, nil
}

// Debit subtracts amount from the subject's balance, clamping at zero.
// Callers needing a hard floor must use TryDebit instead.
func (l *Ledger) Debit(ctx context.Context, subjectID string, amount int64, actingUser string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	mu := l.keyLock("account", subjectID)
	mu.Lock()
	defer mu.Unlock()

	return l.debitLocked(ctx, subjectID, amount, actingUser, false)
}

// TryDebit performs the balance check and the decrement atomically and fails
// with ErrInsufficientBalance without touching state.
func (l *Ledger) TryDebit(ctx context.Context, subjectID string, amount int64, actingUser string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	mu := l.keyLock("account", subjectID)
	mu.Lock()
	defer mu.Unlock()

	return l.debitLocked(ctx, subjectID, amount, actingUser, true)
}

func (l *Ledger) debitLocked(ctx context.Context, subjectID string, amount int64, actingUser string, guarded bool) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerBeginTx, err)
	}
	defer tx.Rollback()

	var before int64
	err = tx.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE subject_id = ?", subjectID).Scan(&before)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf(ErrLedgerScan, "balance", err)
	}

	if guarded && before < amount {
		return before, ErrInsufficientBalance
	}

	after := before - amount
	if after < 0 {
		after = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (subject_id, balance) VALUES (?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET balance = excluded.balance
	`, subjectID, after)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerExec, "debit", err)
	}

	if err := l.appendMovement(ctx, tx, subjectID, subjectID, after-before, actingUser, time.Time{}); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf(ErrLedgerCommit, err)
	}
	return after, nil
}

// ===========================
// Stock Ledger
// ===========================

func (l *Ledger) GetStock(ctx context.Context, item string) (int64, error) {
	var quantity int64
	err := l.db.QueryRowContext(ctx, "SELECT quantity FROM stock_items WHERE name = ?", item).Scan(&quantity)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerScan, "stock", err)
	}
	return quantity, nil
}

// EnsureItem registers an item name with quantity 0 if it is not known yet.
// The item name set is open: bulk imports register names on first sight.
func (l *Ledger) EnsureItem(ctx context.Context, item string) error {
	_, err := l.db.ExecContext(ctx, "INSERT OR IGNORE INTO stock_items (name, quantity) VALUES (?, 0)", item)
	if err != nil {
		return fmt.Errorf(ErrLedgerExec, "ensure item", err)
	}
	return nil
}

// StockIn adds count units of item, auto-registering unknown items, and
// appends an inbound movement entry tagged with the acting subject.
func (l *Ledger) StockIn(ctx context.Context, subjectID, item string, count int64, occurredAt time.Time) (int64, error) {
	if count <= 0 {
		return 0, ErrInvalidAmount
	}

	mu := l.keyLock("stock", item)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerBeginTx, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_items (name, quantity) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET quantity = quantity + excluded.quantity
	`, item, count)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerExec, "stock in", err)
	}

	var quantity int64
	if err := tx.QueryRowContext(ctx, "SELECT quantity FROM stock_items WHERE name = ?", item).Scan(&quantity); err != nil {
		return 0, fmt.Errorf(ErrLedgerScan, "stock", err)
	}

	if err := l.appendMovement(ctx, tx, subjectID, item, count, subjectID, occurredAt); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf(ErrLedgerCommit, err)
	}
	return quantity, nil
}

// StockOut removes count units of item, clamping at zero. Callers needing a
// hard floor must use TryStockOut.
func (l *Ledger) StockOut(ctx context.Context, subjectID, item string, count int64, occurredAt time.Time) (int64, error) {
	if count <= 0 {
		return 0, ErrInvalidAmount
	}

	mu := l.keyLock("stock", item)
	mu.Lock()
	defer mu.Unlock()

	return l.stockOutLocked(ctx, subjectID, item, count, occurredAt, false)
}

// TryStockOut checks and decrements atomically, failing with
// ErrInsufficientStock without touching state.
func (l *Ledger) TryStockOut(ctx context.Context, subjectID, item string, count int64, occurredAt time.Time) (int64, error) {
	if count <= 0 {
		return 0, ErrInvalidAmount
	}

	mu := l.keyLock("stock", item)
	mu.Lock()
	defer mu.Unlock()

	return l.stockOutLocked(ctx, subjectID, item, count, occurredAt, true)
}

func (l *Ledger) stockOutLocked(ctx context.Context, subjectID, item string, count int64, occurredAt time.Time, guarded bool) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerBeginTx, err)
	}
	defer tx.Rollback()

	var before int64
	err = tx.QueryRowContext(ctx, "SELECT quantity FROM stock_items WHERE name = ?", item).Scan(&before)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf(ErrLedgerScan, "stock", err)
	}

	if guarded && before < count {
		return before, ErrInsufficientStock
	}

	after := before - count
	if after < 0 {
		after = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_items (name, quantity) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET quantity = excluded.quantity
	`, item, after)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerExec, "stock out", err)
	}

	if err := l.appendMovement(ctx, tx, subjectID, item, after-before, subjectID, occurredAt); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf(ErrLedgerCommit, err)
	}
	return after, nil
}

// ListItems returns every registered item with its quantity, in
// registration order.
func (l *Ledger) ListItems(ctx context.Context) ([]*StockItem, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT name, quantity FROM stock_items ORDER BY rowid ASC")
	if err != nil {
		return nil, fmt.Errorf(ErrLedgerExec, "list items", err)
	}
	defer rows.Close()

	var items []*StockItem
	for rows.Next() {
		it := &StockItem{}
		if err := rows.Scan(&it.Name, &it.Quantity); err != nil {
			return nil, fmt.Errorf(ErrLedgerScan, "item", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListMovements returns audit entries for a target (item or account),
// newest first. An empty target matches everything; a zero since matches
// all of history.
func (l *Ledger) ListMovements(ctx context.Context, target string, since time.Time, limit int) ([]*MovementEntry, error) {
	query := "SELECT id, subject_id, target, delta, acting_user, occurred_at FROM movement_log WHERE occurred_at >= ?"
	args := []any{since.UTC()}
	if target != "" {
		query += " AND target = ?"
		args = append(args, target)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf(ErrLedgerExec, "list movements", err)
	}
	defer rows.Close()

	var entries []*MovementEntry
	for rows.Next() {
		e := &MovementEntry{}
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Target, &e.Delta, &e.ActingUser, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf(ErrLedgerScan, "movement", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ===========================
// Sales/Ownership Ledger
// ===========================

// RegisterOwnership upserts the owner of a content key. A new key starts
// with both counts at zero; re-registering only overwrites the owner.
func (l *Ledger) RegisterOwnership(ctx context.Context, contentKey, owner string) error {
	mu := l.keyLock("sales", contentKey)
	mu.Lock()
	defer mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sales_records (content_key, period_count, lifetime_count, owner) VALUES (?, 0, 0, ?)
		ON CONFLICT(content_key) DO UPDATE SET owner = excluded.owner
	`, contentKey, owner)
	if err != nil {
		return fmt.Errorf(ErrLedgerExec, "register ownership", err)
	}
	return nil
}

// RecordOccurrence increments both counters for a content key, creating the
// record on its first occurrence, and returns the updated record.
func (l *Ledger) RecordOccurrence(ctx context.Context, contentKey string) (*SalesRecord, error) {
	mu := l.keyLock("sales", contentKey)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf(ErrLedgerBeginTx, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales_records (content_key, period_count, lifetime_count, owner) VALUES (?, 1, 1, NULL)
		ON CONFLICT(content_key) DO UPDATE SET
			period_count = period_count + 1,
			lifetime_count = lifetime_count + 1
	`, contentKey)
	if err != nil {
		return nil, fmt.Errorf(ErrLedgerExec, "record occurrence", err)
	}

	record, err := scanSalesRecord(tx.QueryRowContext(ctx,
		"SELECT content_key, period_count, lifetime_count, owner FROM sales_records WHERE content_key = ?", contentKey))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf(ErrLedgerCommit, err)
	}
	return record, nil
}

// GetSalesRecord returns nil for an unknown content key.
func (l *Ledger) GetSalesRecord(ctx context.Context, contentKey string) (*SalesRecord, error) {
	record, err := scanSalesRecord(l.db.QueryRowContext(ctx,
		"SELECT content_key, period_count, lifetime_count, owner FROM sales_records WHERE content_key = ?", contentKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return record, err
}

// ResetPeriodCounts zeroes the period count of every record whose owner
// matches, leaving lifetime counts untouched. Returns how many records
// were reset.
func (l *Ledger) ResetPeriodCounts(ctx context.Context, match func(owner string) bool) (int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerBeginTx, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT content_key, COALESCE(owner, '') FROM sales_records ORDER BY rowid ASC")
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerExec, "reset period counts", err)
	}

	var keys []string
	for rows.Next() {
		var key, owner string
		if err := rows.Scan(&key, &owner); err != nil {
			rows.Close()
			return 0, fmt.Errorf(ErrLedgerScan, "sales record", err)
		}
		if match == nil || match(owner) {
			keys = append(keys, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf(ErrLedgerScan, "sales record", err)
	}

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, "UPDATE sales_records SET period_count = 0 WHERE content_key = ?", key); err != nil {
			return 0, fmt.Errorf(ErrLedgerExec, "reset period counts", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf(ErrLedgerCommit, err)
	}
	return len(keys), nil
}

// OverrideLifetimeTotal redistributes newTotal across all of the owner's
// records: floor(newTotal/n) each, plus one extra per record in
// registration order until the remainder is exhausted.
func (l *Ledger) OverrideLifetimeTotal(ctx context.Context, owner string, newTotal int64) error {
	if newTotal < 0 {
		return ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf(ErrLedgerBeginTx, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT content_key FROM sales_records WHERE owner = ? ORDER BY rowid ASC", owner)
	if err != nil {
		return fmt.Errorf(ErrLedgerExec, "override lifetime total", err)
	}

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return fmt.Errorf(ErrLedgerScan, "sales record", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf(ErrLedgerScan, "sales record", err)
	}

	if len(keys) == 0 {
		return ErrUnknownOwner
	}

	n := int64(len(keys))
	base := newTotal / n
	remainder := newTotal % n
	for i, key := range keys {
		share := base
		if int64(i) < remainder {
			share++
		}
		if _, err := tx.ExecContext(ctx, "UPDATE sales_records SET lifetime_count = ? WHERE content_key = ?", share, key); err != nil {
			return fmt.Errorf(ErrLedgerExec, "override lifetime total", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf(ErrLedgerCommit, err)
	}
	return nil
}

// AggregateByOwner sums lifetime counts per owner. Owners with no records
// are absent from the map.
func (l *Ledger) AggregateByOwner(ctx context.Context) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT owner, SUM(lifetime_count) FROM sales_records
		WHERE owner IS NOT NULL AND owner != ''
		GROUP BY owner
	`)
	if err != nil {
		return nil, fmt.Errorf(ErrLedgerExec, "aggregate by owner", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var owner string
		var total int64
		if err := rows.Scan(&owner, &total); err != nil {
			return nil, fmt.Errorf(ErrLedgerScan, "aggregate", err)
		}
		totals[owner] = total
	}
	return totals, rows.Err()
}

func scanSalesRecord(row *sql.Row) (*SalesRecord, error) {
	record := &SalesRecord{}
	var owner sql.NullString
	err := row.Scan(&record.ContentKey, &record.PeriodCount, &record.LifetimeCount, &owner)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf(ErrLedgerScan, "sales record", err)
	}
	record.Owner = owner.String
	return record, nil
}

// ===========================
// Draw History (no-repeat selector)
// ===========================

// Draw picks one key uniformly at random from the candidates the subject
// has not drawn from this pool yet. When every candidate has been seen the
// history resets and the draw samples the full pool again.
func (l *Ledger) Draw(ctx context.Context, subjectID, poolOwner string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf(ErrLedgerEmptyPool, ErrUnknownOwner)
	}

	mu := l.keyLock("draw", subjectID+"\x00"+poolOwner)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf(ErrLedgerBeginTx, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT content_key FROM gacha_history WHERE subject_id = ? AND pool_owner = ?", subjectID, poolOwner)
	if err != nil {
		return "", fmt.Errorf(ErrLedgerExec, "draw history", err)
	}

	seen := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return "", fmt.Errorf(ErrLedgerScan, "draw history", err)
		}
		seen[key] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf(ErrLedgerScan, "draw history", err)
	}

	var unseen []string
	for _, key := range candidates {
		if !seen[key] {
			unseen = append(unseen, key)
		}
	}

	// Pool exhausted: reset history and redraw from the full pool.
	if len(unseen) == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM gacha_history WHERE subject_id = ? AND pool_owner = ?", subjectID, poolOwner); err != nil {
			return "", fmt.Errorf(ErrLedgerExec, "draw reset", err)
		}
		unseen = candidates
	}

	pick := unseen[rand.Intn(len(unseen))]

	_, err = tx.ExecContext(ctx, "INSERT OR IGNORE INTO gacha_history (subject_id, pool_owner, content_key) VALUES (?, ?, ?)", subjectID, poolOwner, pick)
	if err != nil {
		return "", fmt.Errorf(ErrLedgerExec, "draw record", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf(ErrLedgerCommit, err)
	}
	return pick, nil
}

// DrawnCount returns how many distinct keys the subject has drawn from the
// owner's pool since the last reset.
func (l *Ledger) DrawnCount(ctx context.Context, subjectID, poolOwner string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM gacha_history WHERE subject_id = ? AND pool_owner = ?", subjectID, poolOwner).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerScan, "draw count", err)
	}
	return count, nil
}

// ResetDraws clears the subject's history for the owner's pool and returns
// how many entries were dropped.
func (l *Ledger) ResetDraws(ctx context.Context, subjectID, poolOwner string) (int64, error) {
	mu := l.keyLock("draw", subjectID+"\x00"+poolOwner)
	mu.Lock()
	defer mu.Unlock()

	result, err := l.db.ExecContext(ctx, "DELETE FROM gacha_history WHERE subject_id = ? AND pool_owner = ?", subjectID, poolOwner)
	if err != nil {
		return 0, fmt.Errorf(ErrLedgerExec, "reset draws", err)
	}
	return result.RowsAffected()
}
