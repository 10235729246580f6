package main

import (
	"errors"
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
)

// ============================================================================
// Command Registration
// ============================================================================

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "coin",
		Description: "Coin balances and transfers",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "balance",
				Description: "Show a coin balance",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Whose balance to show (defaults to you)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pay",
				Description: "Send coins to another user",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "The recipient",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "amount",
						Description: "How many coins to send",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "grant",
				Description: "Grant coins to a user (admin)",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "The recipient",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "amount",
						Description: "How many coins to grant",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "take",
				Description: "Take coins from a user (admin)",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "The user to take from",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "amount",
						Description: "How many coins to take",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "rate",
				Description: "Show the latest exchange rate",
			},
		},
	}, handleCoin)
}

// ============================================================================
// Coin Economy
// ============================================================================

const (
	MsgCoinBalance      = "%s has **%d** coin(s)."
	MsgCoinPaid         = "Sent **%d** coin(s) to %s. You now have %d."
	MsgCoinInsufficient = "You only have %d coin(s); %d needed."
	MsgCoinBadAmount    = "The amount must be a positive number."
	MsgCoinSelfPay      = "You cannot pay yourself."
	MsgCoinGranted      = "Granted **%d** coin(s) to %s. New balance: %d."
	MsgCoinTaken        = "Took **%d** coin(s) from %s. New balance: %d."
	MsgCoinRate         = "Current rate: **%s** (updated %s)"
	MsgCoinRateUnknown  = "No rate has been fetched yet."
	MsgCoinAdminOnly    = "This subcommand requires Administrator."
	MsgCoinError        = "Something went wrong: %v"
)

func handleCoin(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	subCmd := data.SubCommandName
	if subCmd == nil {
		return
	}

	switch *subCmd {
	case "balance":
		handleCoinBalance(event, data)
	case "pay":
		handleCoinPay(event, data)
	case "grant":
		handleCoinGrant(event, data)
	case "take":
		handleCoinTake(event, data)
	case "rate":
		handleCoinRate(event)
	}
}

func handleCoinBalance(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target := event.User()
	if user, ok := data.OptUser("user"); ok {
		target = user
	}

	balance, err := GlobalLedger.GetBalance(AppContext, target.ID.String())
	if err != nil {
		_ = Respond(event, fmt.Sprintf(MsgCoinError, err), true)
		return
	}
	_ = Respond(event, fmt.Sprintf(MsgCoinBalance, target.Mention(), balance), false)
}

func handleCoinPay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	payer := event.User()
	recipient := data.User("user")
	amount := int64(data.Int("amount"))

	if recipient.ID == payer.ID {
		_ = Respond(event, MsgCoinSelfPay, true)
		return
	}

	remaining, err := GlobalLedger.TryDebit(AppContext, payer.ID.String(), amount, payer.ID.String())
	switch {
	case errors.Is(err, ErrInvalidAmount):
		_ = Respond(event, MsgCoinBadAmount, true)
		return
	case errors.Is(err, ErrInsufficientBalance):
		balance, _ := GlobalLedger.GetBalance(AppContext, payer.ID.String())
		_ = Respond(event, fmt.Sprintf(MsgCoinInsufficient, balance, amount), true)
		return
	case err != nil:
		_ = Respond(event, fmt.Sprintf(MsgCoinError, err), true)
		return
	}

	if _, err := GlobalLedger.Credit(AppContext, recipient.ID.String(), amount, payer.ID.String()); err != nil {
		_ = Respond(event, fmt.Sprintf(MsgCoinError, err), true)
		return
	}
	_ = Respond(event, fmt.Sprintf(MsgCoinPaid, amount, recipient.Mention(), remaining), false)
}

func handleCoinGrant(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	if !requireAdmin(event, MsgCoinAdminOnly) {
		return
	}

	recipient := data.User("user")
	amount := int64(data.Int("amount"))

	balance, err := GlobalLedger.Credit(AppContext, recipient.ID.String(), amount, event.User().ID.String())
	switch {
	case errors.Is(err, ErrInvalidAmount):
		_ = Respond(event, MsgCoinBadAmount, true)
	case err != nil:
		_ = Respond(event, fmt.Sprintf(MsgCoinError, err), true)
	default:
		_ = Respond(event, fmt.Sprintf(MsgCoinGranted, amount, recipient.Mention(), balance), false)
	}
}

func handleCoinTake(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	if !requireAdmin(event, MsgCoinAdminOnly) {
		return
	}

	target := data.User("user")
	amount := int64(data.Int("amount"))

	// Clamp semantics: taking more than the user has zeroes the balance.
	balance, err := GlobalLedger.Debit(AppContext, target.ID.String(), amount, event.User().ID.String())
	switch {
	case errors.Is(err, ErrInvalidAmount):
		_ = Respond(event, MsgCoinBadAmount, true)
	case err != nil:
		_ = Respond(event, fmt.Sprintf(MsgCoinError, err), true)
	default:
		_ = Respond(event, fmt.Sprintf(MsgCoinTaken, amount, target.Mention(), balance), false)
	}
}

func handleCoinRate(event *events.ApplicationCommandInteractionCreate) {
	value, err := GetBotConfig(AppContext, BotConfigPriceValue)
	if err != nil || value == "" {
		_ = Respond(event, MsgCoinRateUnknown, true)
		return
	}
	updated, _ := GetBotConfig(AppContext, BotConfigPriceUpdated)
	if updated == "" {
		updated = "unknown"
	}
	_ = Respond(event, fmt.Sprintf(MsgCoinRate, value, updated), false)
}
