package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportStockCSV(t *testing.T) {
	ctx := context.Background()
	ledger := setupCatalogTest(t)

	t.Run("unknown items are registered on sight", func(t *testing.T) {
		csvData := strings.Join([]string{
			"item,count",
			"badge,10",
			"poster,0",
			"badge,5",
		}, "\n")

		n, err := ImportStockCSV(ctx, strings.NewReader(csvData), "staff")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		quantity, err := ledger.GetStock(ctx, "badge")
		require.NoError(t, err)
		assert.Equal(t, int64(15), quantity)

		// Zero-count rows register the item without stocking it.
		quantity, err = ledger.GetStock(ctx, "poster")
		require.NoError(t, err)
		assert.Equal(t, int64(0), quantity)

		items, err := ledger.ListItems(ctx)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "badge", items[0].Name)
	})

	t.Run("bad count past the header fails", func(t *testing.T) {
		csvData := "badge,3\nposter,many\n"
		_, err := ImportStockCSV(ctx, strings.NewReader(csvData), "staff")
		assert.Error(t, err)
	})

	t.Run("short rows fail", func(t *testing.T) {
		_, err := ImportStockCSV(ctx, strings.NewReader("badge"), "staff")
		assert.Error(t, err)
	})
}
