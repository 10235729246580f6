package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSalesCodeFlow walks the bookkeeping path a posted sales code takes:
// slot → URL → occurrence, with the owner attached along the way.
func TestSalesCodeFlow(t *testing.T) {
	ctx := context.Background()
	ledger := setupCatalogTest(t)

	require.NoError(t, SetCatalogURL(ctx, 7, "https://cdn.example/seven"))
	require.NoError(t, GlobalLedger.RegisterOwnership(ctx, "https://cdn.example/seven", "alice"))

	t.Run("unmapped code resolves to nothing", func(t *testing.T) {
		_, err := ResolveCatalogURL(ctx, 8)
		assert.ErrorIs(t, err, ErrUnknownContentKey)
	})

	t.Run("each posted code counts one sale", func(t *testing.T) {
		url, err := ResolveCatalogURL(ctx, 7)
		require.NoError(t, err)

		record, err := ledger.RecordOccurrence(ctx, url)
		require.NoError(t, err)
		assert.Equal(t, int64(1), record.LifetimeCount)
		assert.Equal(t, "alice", record.Owner)

		record, err = ledger.RecordOccurrence(ctx, url)
		require.NoError(t, err)
		assert.Equal(t, int64(2), record.LifetimeCount)
		assert.Equal(t, int64(2), record.PeriodCount)
	})

	t.Run("ranking sees the owner's total", func(t *testing.T) {
		totals, err := ledger.AggregateByOwner(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), totals["alice"])
	})
}
