package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupCatalogTest points the package globals at a throwaway database.
func setupCatalogTest(t *testing.T) *Ledger {
	t.Helper()
	ledger := newTestLedger(t)

	oldDB, oldLedger, oldConfig := DB, GlobalLedger, GlobalConfig
	DB = ledger.db
	GlobalLedger = ledger
	GlobalConfig = &Config{CatalogMaxSlot: 60}
	t.Cleanup(func() {
		DB, GlobalLedger, GlobalConfig = oldDB, oldLedger, oldConfig
	})
	return ledger
}

func TestCatalogMapping(t *testing.T) {
	ctx := context.Background()
	setupCatalogTest(t)

	t.Run("unknown slot", func(t *testing.T) {
		_, err := ResolveCatalogURL(ctx, 1)
		assert.ErrorIs(t, err, ErrUnknownContentKey)
	})

	t.Run("set and resolve", func(t *testing.T) {
		require.NoError(t, SetCatalogURL(ctx, 1, "https://cdn.example/a"))

		url, err := ResolveCatalogURL(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example/a", url)
	})

	t.Run("remapping replaces the URL", func(t *testing.T) {
		require.NoError(t, SetCatalogURL(ctx, 1, "https://cdn.example/b"))

		url, err := ResolveCatalogURL(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example/b", url)
	})

	t.Run("out-of-range slots are rejected", func(t *testing.T) {
		assert.Error(t, SetCatalogURL(ctx, 0, "https://cdn.example/x"))
		assert.Error(t, SetCatalogURL(ctx, 61, "https://cdn.example/x"))
	})

	t.Run("list is slot-ordered", func(t *testing.T) {
		require.NoError(t, SetCatalogURL(ctx, 5, "https://cdn.example/e"))
		require.NoError(t, SetCatalogURL(ctx, 3, "https://cdn.example/c"))

		entries, err := ListCatalog(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, []int{1, 3, 5}, []int{entries[0].Slot, entries[1].Slot, entries[2].Slot})
	})
}

func TestImportCatalogCSV(t *testing.T) {
	ctx := context.Background()
	ledger := setupCatalogTest(t)

	t.Run("header rows and owner columns", func(t *testing.T) {
		csvData := strings.Join([]string{
			"slot,url,owner",
			"1,https://cdn.example/a,alice",
			"2,https://cdn.example/b,",
			"3,https://cdn.example/c,bob",
		}, "\n")

		mapped, owned, err := ImportCatalogCSV(ctx, strings.NewReader(csvData))
		require.NoError(t, err)
		assert.Equal(t, 3, mapped)
		assert.Equal(t, 2, owned)

		url, err := ResolveCatalogURL(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example/b", url)

		record, err := ledger.GetSalesRecord(ctx, "https://cdn.example/a")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "alice", record.Owner)

		// No owner column means no record is created.
		record, err = ledger.GetSalesRecord(ctx, "https://cdn.example/b")
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("short rows fail", func(t *testing.T) {
		_, _, err := ImportCatalogCSV(ctx, strings.NewReader("justonecolumn"))
		assert.Error(t, err)
	})

	t.Run("non-numeric slot past the header fails", func(t *testing.T) {
		csvData := "1,https://cdn.example/a\nnope,https://cdn.example/b\n"
		_, _, err := ImportCatalogCSV(ctx, strings.NewReader(csvData))
		assert.Error(t, err)
	})

	t.Run("owner pool follows imported ownership", func(t *testing.T) {
		keys, err := OwnerContentKeys(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"https://cdn.example/a"}, keys)
	})
}
