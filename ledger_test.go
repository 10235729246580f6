package main

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLedger opens a fresh in-memory database with the full schema.
// MaxOpenConns(1) keeps every query on the single shared :memory: handle.
func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, createTables(context.Background(), db))
	return NewLedger(db)
}

func TestBalanceLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	t.Run("unknown subject reads as zero", func(t *testing.T) {
		balance, err := ledger.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)
	})

	t.Run("credit creates the account", func(t *testing.T) {
		balance, err := ledger.Credit(ctx, "u1", 50, "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(50), balance)
	})

	t.Run("debit subtracts", func(t *testing.T) {
		balance, err := ledger.Debit(ctx, "u1", 20, "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(30), balance)
	})

	t.Run("debit clamps at zero", func(t *testing.T) {
		balance, err := ledger.Debit(ctx, "u1", 100, "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)

		balance, err = ledger.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)
	})
}

func TestCreditValidation(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	for _, amount := range []int64{0, -5} {
		_, err := ledger.Credit(ctx, "u1", amount, "admin")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = ledger.Debit(ctx, "u1", amount, "admin")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}

	// Rejected operations leave no trace.
	balance, err := ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	entries, err := ledger.ListMovements(ctx, "", time.Time{}, 100)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreditIsNotIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	for i := 0; i < 2; i++ {
		_, err := ledger.Credit(ctx, "u1", 10, "admin")
		require.NoError(t, err)
	}

	balance, err := ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

func TestTryDebit(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.Credit(ctx, "u1", 30, "admin")
	require.NoError(t, err)

	t.Run("insufficient balance leaves state untouched", func(t *testing.T) {
		_, err := ledger.TryDebit(ctx, "u1", 31, "u1")
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		balance, err := ledger.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(30), balance)
	})

	t.Run("exact balance succeeds", func(t *testing.T) {
		balance, err := ledger.TryDebit(ctx, "u1", 30, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)
	})

	t.Run("unknown subject is insufficient", func(t *testing.T) {
		_, err := ledger.TryDebit(ctx, "nobody", 1, "nobody")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})
}

func TestMovementLog(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.Credit(ctx, "u1", 50, "admin")
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, "u1", 20, "u1")
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, "u1", 100, "u1")
	require.NoError(t, err)

	entries, err := ledger.ListMovements(ctx, "u1", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first; the clamped debit logs the actual change, not the request.
	assert.Equal(t, int64(-30), entries[0].Delta)
	assert.Equal(t, int64(-20), entries[1].Delta)
	assert.Equal(t, int64(50), entries[2].Delta)
	assert.Equal(t, "admin", entries[2].ActingUser)
}

func TestMovementLogSinceAndLimit(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := ledger.StockIn(ctx, "staff", "badge", 5, cutoff.Add(-time.Hour))
	require.NoError(t, err)
	_, err = ledger.StockIn(ctx, "staff", "badge", 3, cutoff.Add(time.Hour))
	require.NoError(t, err)
	_, err = ledger.StockIn(ctx, "staff", "sticker", 7, cutoff.Add(2*time.Hour))
	require.NoError(t, err)

	t.Run("since filters out older entries", func(t *testing.T) {
		entries, err := ledger.ListMovements(ctx, "badge", cutoff, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(3), entries[0].Delta)
	})

	t.Run("empty target matches everything", func(t *testing.T) {
		entries, err := ledger.ListMovements(ctx, "", time.Time{}, 10)
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})

	t.Run("limit caps the result", func(t *testing.T) {
		entries, err := ledger.ListMovements(ctx, "", time.Time{}, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "sticker", entries[0].Target)
	})
}

func TestStockLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	t.Run("stock in auto-registers the item", func(t *testing.T) {
		quantity, err := ledger.StockIn(ctx, "staff", "badge", 10, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, int64(10), quantity)
	})

	t.Run("stock out clamps at zero", func(t *testing.T) {
		quantity, err := ledger.StockOut(ctx, "staff", "badge", 25, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, int64(0), quantity)
	})

	t.Run("guarded stock out refuses and keeps state", func(t *testing.T) {
		_, err := ledger.StockIn(ctx, "staff", "badge", 4, time.Time{})
		require.NoError(t, err)

		_, err = ledger.TryStockOut(ctx, "staff", "badge", 5, time.Time{})
		assert.ErrorIs(t, err, ErrInsufficientStock)

		quantity, err := ledger.GetStock(ctx, "badge")
		require.NoError(t, err)
		assert.Equal(t, int64(4), quantity)
	})

	t.Run("invalid counts are rejected", func(t *testing.T) {
		_, err := ledger.StockIn(ctx, "staff", "badge", 0, time.Time{})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = ledger.StockOut(ctx, "staff", "badge", -1, time.Time{})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("list preserves registration order", func(t *testing.T) {
		require.NoError(t, ledger.EnsureItem(ctx, "poster"))
		require.NoError(t, ledger.EnsureItem(ctx, "acrylic"))
		require.NoError(t, ledger.EnsureItem(ctx, "poster")) // no-op

		items, err := ledger.ListItems(ctx)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "badge", items[0].Name)
		assert.Equal(t, "poster", items[1].Name)
		assert.Equal(t, "acrylic", items[2].Name)
	})
}

func TestOwnershipAndOccurrences(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	t.Run("registering a new key starts both counts at zero", func(t *testing.T) {
		require.NoError(t, ledger.RegisterOwnership(ctx, "https://cdn.example/a", "alice"))

		record, err := ledger.GetSalesRecord(ctx, "https://cdn.example/a")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "alice", record.Owner)
		assert.Equal(t, int64(0), record.PeriodCount)
		assert.Equal(t, int64(0), record.LifetimeCount)
	})

	t.Run("occurrences increment both counters", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := ledger.RecordOccurrence(ctx, "https://cdn.example/a")
			require.NoError(t, err)
		}

		record, err := ledger.GetSalesRecord(ctx, "https://cdn.example/a")
		require.NoError(t, err)
		assert.Equal(t, int64(3), record.PeriodCount)
		assert.Equal(t, int64(3), record.LifetimeCount)
	})

	t.Run("re-registering changes only the owner", func(t *testing.T) {
		require.NoError(t, ledger.RegisterOwnership(ctx, "https://cdn.example/a", "bob"))

		record, err := ledger.GetSalesRecord(ctx, "https://cdn.example/a")
		require.NoError(t, err)
		assert.Equal(t, "bob", record.Owner)
		assert.Equal(t, int64(3), record.PeriodCount)
		assert.Equal(t, int64(3), record.LifetimeCount)
	})

	t.Run("first occurrence creates an ownerless record", func(t *testing.T) {
		record, err := ledger.RecordOccurrence(ctx, "https://cdn.example/b")
		require.NoError(t, err)
		assert.Equal(t, "", record.Owner)
		assert.Equal(t, int64(1), record.PeriodCount)
		assert.Equal(t, int64(1), record.LifetimeCount)
	})

	t.Run("unknown key reads as nil", func(t *testing.T) {
		record, err := ledger.GetSalesRecord(ctx, "https://cdn.example/missing")
		require.NoError(t, err)
		assert.Nil(t, record)
	})
}

func TestResetPeriodCounts(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	require.NoError(t, ledger.RegisterOwnership(ctx, "a", "alice"))
	require.NoError(t, ledger.RegisterOwnership(ctx, "b", "alice"))
	require.NoError(t, ledger.RegisterOwnership(ctx, "c", "bob"))
	for _, key := range []string{"a", "a", "b", "c"} {
		_, err := ledger.RecordOccurrence(ctx, key)
		require.NoError(t, err)
	}

	t.Run("reset by owner leaves others alone", func(t *testing.T) {
		n, err := ledger.ResetPeriodCounts(ctx, func(owner string) bool { return owner == "alice" })
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		a, err := ledger.GetSalesRecord(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(0), a.PeriodCount)
		assert.Equal(t, int64(2), a.LifetimeCount)

		c, err := ledger.GetSalesRecord(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.PeriodCount)
	})

	t.Run("nil match resets everything", func(t *testing.T) {
		n, err := ledger.ResetPeriodCounts(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		c, err := ledger.GetSalesRecord(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, int64(0), c.PeriodCount)
		assert.Equal(t, int64(1), c.LifetimeCount)
	})
}

func TestOverrideLifetimeTotal(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	require.NoError(t, ledger.RegisterOwnership(ctx, "a", "alice"))
	require.NoError(t, ledger.RegisterOwnership(ctx, "b", "alice"))
	require.NoError(t, ledger.RegisterOwnership(ctx, "c", "alice"))

	t.Run("remainder goes to the earliest registrations", func(t *testing.T) {
		require.NoError(t, ledger.OverrideLifetimeTotal(ctx, "alice", 10))

		var got []int64
		for _, key := range []string{"a", "b", "c"} {
			record, err := ledger.GetSalesRecord(ctx, key)
			require.NoError(t, err)
			got = append(got, record.LifetimeCount)
		}
		assert.Equal(t, []int64{4, 3, 3}, got)
	})

	t.Run("zero total zeroes every record", func(t *testing.T) {
		require.NoError(t, ledger.OverrideLifetimeTotal(ctx, "alice", 0))

		totals, err := ledger.AggregateByOwner(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), totals["alice"])
	})

	t.Run("unknown owner", func(t *testing.T) {
		err := ledger.OverrideLifetimeTotal(ctx, "nobody", 10)
		assert.ErrorIs(t, err, ErrUnknownOwner)
	})

	t.Run("negative total", func(t *testing.T) {
		err := ledger.OverrideLifetimeTotal(ctx, "alice", -1)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestAggregateByOwner(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	require.NoError(t, ledger.RegisterOwnership(ctx, "a", "alice"))
	require.NoError(t, ledger.RegisterOwnership(ctx, "b", "alice"))
	require.NoError(t, ledger.RegisterOwnership(ctx, "c", "bob"))
	for _, key := range []string{"a", "a", "b", "c", "unowned", "unowned"} {
		_, err := ledger.RecordOccurrence(ctx, key)
		require.NoError(t, err)
	}

	totals, err := ledger.AggregateByOwner(ctx)
	require.NoError(t, err)

	// Ownerless records never appear, not even as an empty-string owner.
	assert.Equal(t, map[string]int64{"alice": 3, "bob": 1}, totals)
}

func TestDrawWithoutReplacement(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	pool := []string{"p1", "p2", "p3", "p4", "p5"}

	t.Run("a full cycle is a permutation", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < len(pool); i++ {
			pick, err := ledger.Draw(ctx, "u1", "alice", pool)
			require.NoError(t, err)
			assert.False(t, seen[pick], "drew %q twice in one cycle", pick)
			seen[pick] = true
		}
		assert.Len(t, seen, len(pool))
	})

	t.Run("exhaustion resets the history", func(t *testing.T) {
		pick, err := ledger.Draw(ctx, "u1", "alice", pool)
		require.NoError(t, err)
		assert.Contains(t, pool, pick)

		count, err := ledger.DrawnCount(ctx, "u1", "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("histories are scoped per subject and pool", func(t *testing.T) {
		count, err := ledger.DrawnCount(ctx, "u2", "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		count, err = ledger.DrawnCount(ctx, "u1", "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("empty pool errors", func(t *testing.T) {
		_, err := ledger.Draw(ctx, "u1", "alice", nil)
		assert.Error(t, err)
	})
}

func TestResetDraws(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	pool := []string{"p1", "p2", "p3"}

	for i := 0; i < 2; i++ {
		_, err := ledger.Draw(ctx, "u1", "alice", pool)
		require.NoError(t, err)
	}

	n, err := ledger.ResetDraws(ctx, "u1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := ledger.DrawnCount(ctx, "u1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
