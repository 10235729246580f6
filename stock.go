package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/sho0pi/naturaltime"
)

// ============================================================================
// Command Registration
// ============================================================================

func init() {
	initStockTimeParser()

	adminPerm := discord.PermissionAdministrator
	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "stock",
		Description:              "Manage item inventory",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "in",
				Description: "Add stock for an item",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "item",
						Description: "The item name",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "count",
						Description: "How many to add",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "out",
				Description: "Remove stock for an item",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "item",
						Description: "The item name",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "count",
						Description: "How many to remove",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "list",
				Description: "List all items and quantities",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Show recent stock movements",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "item",
						Description: "Only show movements for this item",
						Required:    false,
					},
					discord.ApplicationCommandOptionString{
						Name:        "since",
						Description: "How far back to look (e.g., 'yesterday', '2 weeks ago')",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "import",
				Description: "Bulk import item,count rows from a CSV file",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionAttachment{
						Name:        "file",
						Description: "CSV attachment",
						Required:    true,
					},
				},
			},
		},
	}, handleStock)
}

// ============================================================================
// Stock Inventory
// ============================================================================

const (
	MsgStockIn               = "Stocked in **%d** × `%s`. Now: %d"
	MsgStockOut              = "Stocked out **%d** × `%s`. Now: %d"
	MsgStockInsufficient     = "Only %d × `%s` in stock; %d requested."
	MsgStockBadCount         = "The count must be a positive number."
	MsgStockListEmpty        = "No items are registered."
	MsgStockListHeader       = "**Inventory**\n"
	MsgStockListRow          = "- `%s`: %d\n"
	MsgStockHistoryEmpty     = "No movements found."
	MsgStockHistoryHeader    = "**Stock movements**\n"
	MsgStockHistoryRow       = "`%s` %s %+d by <@%s>\n"
	MsgStockBadSince         = "Could not parse `%s` as a point in time."
	MsgStockImportFetchFail  = "Failed to download the attachment: %v"
	MsgStockImportDone       = "Imported stock for %d item(s)."
	MsgStockImportFail       = "Import failed: %v"
	MsgStockCSVColumns       = "row %d: expected item,count"
	MsgStockCSVRow           = "row %d: %v"
	MsgStockTimeParserFail   = "Failed to initialize time parser: %v"
	MsgStockError            = "Something went wrong: %v"
	stockHistoryDefaultLimit = 20
)

var stockTimeParser *naturaltime.Parser

func initStockTimeParser() {
	var err error
	stockTimeParser, err = naturaltime.New()
	if err != nil {
		LogFatal(MsgStockTimeParserFail, err)
	}
}

func handleStock(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	subCmd := data.SubCommandName
	if subCmd == nil {
		return
	}

	switch *subCmd {
	case "in":
		handleStockIn(event, data)
	case "out":
		handleStockOut(event, data)
	case "list":
		handleStockList(event)
	case "history":
		handleStockHistory(event, data)
	case "import":
		handleStockImport(event, data)
	}
}

func handleStockIn(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	item := strings.TrimSpace(data.String("item"))
	count := int64(data.Int("count"))

	quantity, err := GlobalLedger.StockIn(AppContext, event.User().ID.String(), item, count, time.Now())
	switch {
	case errors.Is(err, ErrInvalidAmount):
		_ = Respond(event, MsgStockBadCount, true)
	case err != nil:
		_ = Respond(event, fmt.Sprintf(MsgStockError, err), true)
	default:
		_ = Respond(event, fmt.Sprintf(MsgStockIn, count, item, quantity), false)
	}
}

func handleStockOut(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	item := strings.TrimSpace(data.String("item"))
	count := int64(data.Int("count"))

	quantity, err := GlobalLedger.TryStockOut(AppContext, event.User().ID.String(), item, count, time.Now())
	switch {
	case errors.Is(err, ErrInvalidAmount):
		_ = Respond(event, MsgStockBadCount, true)
	case errors.Is(err, ErrInsufficientStock):
		current, _ := GlobalLedger.GetStock(AppContext, item)
		_ = Respond(event, fmt.Sprintf(MsgStockInsufficient, current, item, count), true)
	case err != nil:
		_ = Respond(event, fmt.Sprintf(MsgStockError, err), true)
	default:
		_ = Respond(event, fmt.Sprintf(MsgStockOut, count, item, quantity), false)
	}
}

func handleStockList(event *events.ApplicationCommandInteractionCreate) {
	items, err := GlobalLedger.ListItems(AppContext)
	if err != nil {
		_ = Respond(event, fmt.Sprintf(MsgStockError, err), true)
		return
	}
	if len(items) == 0 {
		_ = Respond(event, MsgStockListEmpty, false)
		return
	}

	var sb strings.Builder
	sb.WriteString(MsgStockListHeader)
	for _, item := range items {
		sb.WriteString(fmt.Sprintf(MsgStockListRow, item.Name, item.Quantity))
	}
	_ = Respond(event, Truncate(sb.String(), 2000), false)
}

func handleStockHistory(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	item, _ := data.OptString("item")
	item = strings.TrimSpace(item)

	var since time.Time
	if sinceStr, ok := data.OptString("since"); ok {
		parsed, err := stockTimeParser.ParseDate(sinceStr, time.Now())
		if err != nil || parsed == nil {
			_ = Respond(event, fmt.Sprintf(MsgStockBadSince, sinceStr), true)
			return
		}
		since = *parsed
	}

	entries, err := GlobalLedger.ListMovements(AppContext, item, since, stockHistoryDefaultLimit)
	if err != nil {
		_ = Respond(event, fmt.Sprintf(MsgStockError, err), true)
		return
	}
	if len(entries) == 0 {
		_ = Respond(event, MsgStockHistoryEmpty, false)
		return
	}

	var sb strings.Builder
	sb.WriteString(MsgStockHistoryHeader)
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf(MsgStockHistoryRow,
			e.Target, e.OccurredAt.Format("2006-01-02 15:04"), e.Delta, e.ActingUser))
	}
	_ = Respond(event, Truncate(sb.String(), 2000), false)
}

func handleStockImport(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	attachment := data.Attachment("file")
	actingUser := event.User().ID.String()

	if err := event.DeferCreateMessage(true); err != nil {
		return
	}

	safeGo(func() {
		resp, err := HttpClient.Get(attachment.URL)
		if err != nil {
			_ = EditResponse(event, fmt.Sprintf(MsgStockImportFetchFail, err))
			return
		}
		defer resp.Body.Close()

		n, err := ImportStockCSV(AppContext, resp.Body, actingUser)
		if err != nil {
			_ = EditResponse(event, fmt.Sprintf(MsgStockImportFail, err))
			return
		}
		_ = EditResponse(event, fmt.Sprintf(MsgStockImportDone, n))
	})
}

// ImportStockCSV reads item,count rows and stocks each item in, registering
// unknown items on the way. A header row whose second column is not a number
// is skipped.
func ImportStockCSV(ctx context.Context, r io.Reader, actingUser string) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	imported := 0
	rowNum := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, fmt.Errorf(MsgStockCSVRow, rowNum+1, err)
		}
		rowNum++

		if len(record) < 2 {
			return imported, fmt.Errorf(MsgStockCSVColumns, rowNum)
		}

		item := strings.TrimSpace(record[0])
		count, err := strconv.ParseInt(strings.TrimSpace(record[1]), 10, 64)
		if err != nil {
			if rowNum == 1 {
				continue // header row
			}
			return imported, fmt.Errorf(MsgStockCSVRow, rowNum, err)
		}

		if err := GlobalLedger.EnsureItem(ctx, item); err != nil {
			return imported, fmt.Errorf(MsgStockCSVRow, rowNum, err)
		}
		if count > 0 {
			if _, err := GlobalLedger.StockIn(ctx, actingUser, item, count, time.Now()); err != nil {
				return imported, fmt.Errorf(MsgStockCSVRow, rowNum, err)
			}
		}
		imported++
	}
	return imported, nil
}
