package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
)

// ============================================================================
// Command Registration
// ============================================================================

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "gacha",
		Description: "Draw content from an owner's pool",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pull",
				Description: "Spend coins to draw a content URL you haven't seen",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "owner",
						Description: "Whose pool to draw from",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Show how much of a pool you have seen",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "owner",
						Description: "Whose pool to check",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "reset",
				Description: "Forget what a user has seen in a pool (admin)",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Whose history to reset",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "owner",
						Description: "Whose pool to reset history for",
						Required:    true,
					},
				},
			},
		},
	}, handleGacha)
}

// ============================================================================
// Gacha
// ============================================================================

const (
	MsgGachaResult     = "🎰 You drew: %s\n(-%d coins, %d left)"
	MsgGachaEmptyPool  = "`%s` has no registered content."
	MsgGachaBroke      = "A pull costs %d coin(s); you have %d."
	MsgGachaHistory    = "You have seen **%d/%d** of `%s`'s pool."
	MsgGachaResetDone  = "Cleared %d seen entry(ies) for %s in `%s`'s pool."
	MsgGachaRefundFail = "Failed to refund %d coins to %s after a failed draw: %v"
	MsgGachaAdminOnly  = "This subcommand requires Administrator."
	MsgGachaError      = "Something went wrong: %v"
)

func handleGacha(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	subCmd := data.SubCommandName
	if subCmd == nil {
		return
	}

	switch *subCmd {
	case "pull":
		handleGachaPull(event, data)
	case "history":
		handleGachaHistory(event, data)
	case "reset":
		handleGachaReset(event, data)
	}
}

func handleGachaPull(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	owner := strings.TrimSpace(data.String("owner"))
	userID := event.User().ID.String()
	cost := GlobalConfig.GachaCost

	pool, err := OwnerContentKeys(AppContext, owner)
	if err != nil {
		_ = Respond(event, fmt.Sprintf(MsgGachaError, err), true)
		return
	}
	if len(pool) == 0 {
		_ = Respond(event, fmt.Sprintf(MsgGachaEmptyPool, owner), true)
		return
	}

	remaining, err := GlobalLedger.TryDebit(AppContext, userID, cost, userID)
	if errors.Is(err, ErrInsufficientBalance) {
		balance, _ := GlobalLedger.GetBalance(AppContext, userID)
		_ = Respond(event, fmt.Sprintf(MsgGachaBroke, cost, balance), true)
		return
	}
	if err != nil {
		_ = Respond(event, fmt.Sprintf(MsgGachaError, err), true)
		return
	}

	drawn, err := GlobalLedger.Draw(AppContext, userID, owner, pool)
	if err != nil {
		// The coins were already taken; give them back.
		if _, refundErr := GlobalLedger.Credit(AppContext, userID, cost, userID); refundErr != nil {
			LogGacha(MsgGachaRefundFail, cost, userID, refundErr)
		}
		_ = Respond(event, fmt.Sprintf(MsgGachaError, err), true)
		return
	}

	_ = Respond(event, fmt.Sprintf(MsgGachaResult, drawn, cost, remaining), false)
}

func handleGachaHistory(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	owner := strings.TrimSpace(data.String("owner"))
	userID := event.User().ID.String()

	pool, err := OwnerContentKeys(AppContext, owner)
	if err != nil {
		_ = Respond(event, fmt.Sprintf(MsgGachaError, err), true)
		return
	}

	seen, err := GlobalLedger.DrawnCount(AppContext, userID, owner)
	if err != nil {
		_ = Respond(event, fmt.Sprintf(MsgGachaError, err), true)
		return
	}
	_ = Respond(event, fmt.Sprintf(MsgGachaHistory, seen, len(pool), owner), true)
}

func handleGachaReset(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	if !requireAdmin(event, MsgGachaAdminOnly) {
		return
	}

	target := data.User("user")
	owner := strings.TrimSpace(data.String("owner"))

	n, err := GlobalLedger.ResetDraws(AppContext, target.ID.String(), owner)
	if err != nil {
		_ = Respond(event, fmt.Sprintf(MsgGachaError, err), true)
		return
	}
	_ = Respond(event, fmt.Sprintf(MsgGachaResetDone, n, target.Mention(), owner), false)
}
