package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ============================================================================
// Content Catalog
// ============================================================================
//
// The catalog maps small numeric slots (the codes users post in the sales
// channel) to content URLs. The URL is the canonical content key everywhere
// else: sales records, ownership and gacha pools are all keyed by URL.

const (
	MsgCatalogUpsertError = "failed to store catalog slot %d: %w"
	MsgCatalogQueryError  = "failed to query catalog: %w"
	MsgCatalogScanError   = "failed to scan catalog row: %w"
	MsgCatalogBadSlot     = "slot %d is out of range (1-%d)"
	MsgCatalogCSVRow      = "row %d: %v"
	MsgCatalogCSVColumns  = "row %d: expected slot,url[,owner]"
)

type CatalogEntry struct {
	Slot int
	URL  string
}

// SetCatalogURL maps a slot number to a content URL, replacing any previous
// mapping for that slot.
func SetCatalogURL(ctx context.Context, slot int, url string) error {
	if slot < 1 || slot > GlobalConfig.CatalogMaxSlot {
		return fmt.Errorf(MsgCatalogBadSlot, slot, GlobalConfig.CatalogMaxSlot)
	}
	_, err := DB.ExecContext(ctx, `
		INSERT INTO catalog (slot, url) VALUES (?, ?)
		ON CONFLICT(slot) DO UPDATE SET url = excluded.url
	`, slot, url)
	if err != nil {
		return fmt.Errorf(MsgCatalogUpsertError, slot, err)
	}
	return nil
}

// ResolveCatalogURL returns the URL mapped to a slot, or ErrUnknownContentKey
// when the slot has no mapping.
func ResolveCatalogURL(ctx context.Context, slot int) (string, error) {
	var url string
	err := DB.QueryRowContext(ctx, `SELECT url FROM catalog WHERE slot = ?`, slot).Scan(&url)
	if err == sql.ErrNoRows {
		return "", ErrUnknownContentKey
	}
	if err != nil {
		return "", fmt.Errorf(MsgCatalogQueryError, err)
	}
	return url, nil
}

// ListCatalog returns all slot mappings in slot order.
func ListCatalog(ctx context.Context) ([]CatalogEntry, error) {
	rows, err := DB.QueryContext(ctx, `SELECT slot, url FROM catalog ORDER BY slot`)
	if err != nil {
		return nil, fmt.Errorf(MsgCatalogQueryError, err)
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		if err := rows.Scan(&e.Slot, &e.URL); err != nil {
			return nil, fmt.Errorf(MsgCatalogScanError, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OwnerContentKeys returns the content URLs registered to an owner, in
// registration order. This is the gacha pool for that owner.
func OwnerContentKeys(ctx context.Context, owner string) ([]string, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT content_key FROM sales_records WHERE owner = ? ORDER BY rowid
	`, owner)
	if err != nil {
		return nil, fmt.Errorf(MsgCatalogQueryError, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf(MsgCatalogScanError, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ImportCatalogCSV reads slot,url[,owner] rows and applies each mapping.
// Rows with an owner column also register ownership of the URL. A header
// row whose first column is not a number is skipped. Returns the number of
// slots mapped and owners registered.
func ImportCatalogCSV(ctx context.Context, r io.Reader) (int, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	mapped := 0
	owned := 0
	rowNum := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return mapped, owned, fmt.Errorf(MsgCatalogCSVRow, rowNum+1, err)
		}
		rowNum++

		if len(record) < 2 {
			return mapped, owned, fmt.Errorf(MsgCatalogCSVColumns, rowNum)
		}

		slot, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			if rowNum == 1 {
				continue // header row
			}
			return mapped, owned, fmt.Errorf(MsgCatalogCSVRow, rowNum, err)
		}

		url := strings.TrimSpace(record[1])
		if err := SetCatalogURL(ctx, slot, url); err != nil {
			return mapped, owned, fmt.Errorf(MsgCatalogCSVRow, rowNum, err)
		}
		mapped++

		if len(record) >= 3 {
			owner := strings.TrimSpace(record[2])
			if owner != "" {
				if err := GlobalLedger.RegisterOwnership(ctx, url, owner); err != nil {
					return mapped, owned, fmt.Errorf(MsgCatalogCSVRow, rowNum, err)
				}
				owned++
			}
		}
	}
	return mapped, owned, nil
}
