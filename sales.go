package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
)

// ============================================================================
// Command Registration
// ============================================================================

func init() {
	RegisterMessageCreateHandler(handleSalesChannelMessage)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "sales",
		Description: "Manage the sales ledger",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "register",
				Description: "Register or change the owner of a content URL",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "url",
						Description: "The content URL",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "owner",
						Description: "The owner name",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "ranking",
				Description: "Show lifetime sales totals per owner",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "reset",
				Description: "Reset period counts (admin)",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "owner",
						Description: "Only reset records owned by this owner",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "settotal",
				Description: "Override an owner's lifetime total (admin)",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "owner",
						Description: "The owner name",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "total",
						Description: "The new lifetime total",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "map",
				Description: "Map a slot number to a content URL",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "slot",
						Description: "The slot number",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "url",
						Description: "The content URL",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "import",
				Description: "Bulk import slot,url[,owner] rows from a CSV file",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionAttachment{
						Name:        "file",
						Description: "CSV attachment",
						Required:    true,
					},
				},
			},
		},
	}, handleSales)
}

// ============================================================================
// Sales Messages
// ============================================================================

const (
	MsgSalesNoURL           = "No URL is registered for %d."
	MsgSalesRecorded        = "%d: %s\nSold: %d (Owner: %s)"
	MsgSalesOwnerUnset      = "unregistered"
	MsgSalesReplyError      = "Failed to reply in sales channel: %v"
	MsgSalesRecordError     = "Failed to record sale for slot %d: %v"
	MsgSalesRegistered      = "Registered `%s` as the owner of <%s>."
	MsgSalesRankingEmpty    = "No sales have been recorded yet."
	MsgSalesRankingHeader   = "**Lifetime sales by owner**\n"
	MsgSalesRankingRow      = "%d. %s — %d\n"
	MsgSalesResetDone       = "Reset period counts on %d record(s)."
	MsgSalesSetTotalDone    = "Set `%s`'s lifetime total to %d."
	MsgSalesUnknownOwner    = "No records are owned by `%s`."
	MsgSalesNegativeTotal   = "The total must be zero or positive."
	MsgSalesMapped          = "Mapped slot %d to <%s>."
	MsgSalesImportFetchFail = "Failed to download the attachment: %v"
	MsgSalesImportDone      = "Imported %d slot mapping(s), %d owner registration(s)."
	MsgSalesImportFail      = "Import failed: %v"
	MsgSalesAdminOnly       = "This subcommand requires Administrator."
	MsgSalesError           = "Something went wrong: %v"
)

// handleSalesChannelMessage watches the configured sales channel for bare
// numeric codes and records one sale per posted code.
func handleSalesChannelMessage(event *events.MessageCreate) {
	if event.Message.Author.Bot {
		return
	}
	if GlobalConfig == nil || GlobalConfig.SalesChannelID == "" {
		return
	}
	if event.ChannelID.String() != GlobalConfig.SalesChannelID {
		return
	}

	slot, err := strconv.Atoi(strings.TrimSpace(event.Message.Content))
	if err != nil || slot < 1 || slot > GlobalConfig.CatalogMaxSlot {
		return
	}

	ctx := context.Background()

	url, err := ResolveCatalogURL(ctx, slot)
	if errors.Is(err, ErrUnknownContentKey) {
		salesReply(event, fmt.Sprintf(MsgSalesNoURL, slot))
		return
	}
	if err != nil {
		LogSales(MsgSalesRecordError, slot, err)
		return
	}

	record, err := GlobalLedger.RecordOccurrence(ctx, url)
	if err != nil {
		LogSales(MsgSalesRecordError, slot, err)
		return
	}

	owner := record.Owner
	if owner == "" {
		owner = MsgSalesOwnerUnset
	}
	salesReply(event, fmt.Sprintf(MsgSalesRecorded, slot, url, record.LifetimeCount, owner))
}

// salesReply answers a sales channel message as an inline reply.
func salesReply(event *events.MessageCreate, content string) {
	_, err := event.Client().Rest.CreateMessage(event.ChannelID, discord.MessageCreate{
		Content:          content,
		MessageReference: &discord.MessageReference{MessageID: &event.Message.ID},
	})
	if err != nil {
		LogSales(MsgSalesReplyError, err)
	}
}

// ============================================================================
// Command Handlers
// ============================================================================

func handleSales(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	subCmd := data.SubCommandName
	if subCmd == nil {
		return
	}

	switch *subCmd {
	case "register":
		handleSalesRegister(event, data)
	case "ranking":
		handleSalesRanking(event)
	case "reset":
		handleSalesReset(event, data)
	case "settotal":
		handleSalesSetTotal(event, data)
	case "map":
		handleSalesMap(event, data)
	case "import":
		handleSalesImport(event, data)
	}
}

// requireAdmin gates admin subcommands inside otherwise-open command groups.
func requireAdmin(event *events.ApplicationCommandInteractionCreate, deniedMsg string) bool {
	if GlobalConfig.IsOwner(event.User().ID.String()) {
		return true
	}
	if member := event.Member(); member != nil && member.Permissions.Has(discord.PermissionAdministrator) {
		return true
	}
	_ = Respond(event, deniedMsg, true)
	return false
}

func handleSalesRegister(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	url := strings.TrimSpace(data.String("url"))
	owner := strings.TrimSpace(data.String("owner"))

	if err := GlobalLedger.RegisterOwnership(AppContext, url, owner); err != nil {
		_ = Respond(event, fmt.Sprintf(MsgSalesError, err), true)
		return
	}
	_ = Respond(event, fmt.Sprintf(MsgSalesRegistered, owner, url), false)
}

func handleSalesRanking(event *events.ApplicationCommandInteractionCreate) {
	totals, err := GlobalLedger.AggregateByOwner(AppContext)
	if err != nil {
		_ = Respond(event, fmt.Sprintf(MsgSalesError, err), true)
		return
	}
	if len(totals) == 0 {
		_ = Respond(event, MsgSalesRankingEmpty, false)
		return
	}

	type ownerTotal struct {
		owner string
		total int64
	}
	ranking := make([]ownerTotal, 0, len(totals))
	for owner, total := range totals {
		ranking = append(ranking, ownerTotal{owner, total})
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].total != ranking[j].total {
			return ranking[i].total > ranking[j].total
		}
		return ranking[i].owner < ranking[j].owner
	})

	var sb strings.Builder
	sb.WriteString(MsgSalesRankingHeader)
	for i, r := range ranking {
		sb.WriteString(fmt.Sprintf(MsgSalesRankingRow, i+1, r.owner, r.total))
	}
	_ = Respond(event, Truncate(sb.String(), 2000), false)
}

func handleSalesReset(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	if !requireAdmin(event, MsgSalesAdminOnly) {
		return
	}

	match := func(string) bool { return true }
	if owner, ok := data.OptString("owner"); ok {
		target := strings.TrimSpace(owner)
		match = func(o string) bool { return o == target }
	}

	n, err := GlobalLedger.ResetPeriodCounts(AppContext, match)
	if err != nil {
		_ = Respond(event, fmt.Sprintf(MsgSalesError, err), true)
		return
	}
	_ = Respond(event, fmt.Sprintf(MsgSalesResetDone, n), false)
}

func handleSalesSetTotal(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	if !requireAdmin(event, MsgSalesAdminOnly) {
		return
	}

	owner := strings.TrimSpace(data.String("owner"))
	total := int64(data.Int("total"))

	err := GlobalLedger.OverrideLifetimeTotal(AppContext, owner, total)
	switch {
	case errors.Is(err, ErrUnknownOwner):
		_ = Respond(event, fmt.Sprintf(MsgSalesUnknownOwner, owner), true)
	case errors.Is(err, ErrInvalidAmount):
		_ = Respond(event, MsgSalesNegativeTotal, true)
	case err != nil:
		_ = Respond(event, fmt.Sprintf(MsgSalesError, err), true)
	default:
		_ = Respond(event, fmt.Sprintf(MsgSalesSetTotalDone, owner, total), false)
	}
}

func handleSalesMap(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	slot := data.Int("slot")
	url := strings.TrimSpace(data.String("url"))

	if err := SetCatalogURL(AppContext, slot, url); err != nil {
		_ = Respond(event, fmt.Sprintf(MsgSalesError, err), true)
		return
	}
	_ = Respond(event, fmt.Sprintf(MsgSalesMapped, slot, url), false)
}

func handleSalesImport(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	attachment := data.Attachment("file")

	if err := event.DeferCreateMessage(true); err != nil {
		return
	}

	safeGo(func() {
		resp, err := HttpClient.Get(attachment.URL)
		if err != nil {
			_ = EditResponse(event, fmt.Sprintf(MsgSalesImportFetchFail, err))
			return
		}
		defer resp.Body.Close()

		mapped, owned, err := ImportCatalogCSV(AppContext, resp.Body)
		if err != nil {
			_ = EditResponse(event, fmt.Sprintf(MsgSalesImportFail, err))
			return
		}
		_ = EditResponse(event, fmt.Sprintf(MsgSalesImportDone, mapped, owned))
	})
}
