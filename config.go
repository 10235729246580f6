package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ============================================================================
// Config Constants
// ============================================================================

const (
	MsgConfigMissingToken   = "DISCORD_TOKEN is not set in .env file"
	MsgConfigInvalidGuildID = "invalid GUILD_ID: must be a valid Snowflake"
	MsgConfigInvalidChannel = "invalid SALES_CHANNEL_ID: must be a valid Snowflake"

	// Environment Variables
	EnvDiscordToken      = "DISCORD_TOKEN"
	EnvSilent            = "SILENT"
	EnvOwnerIDs          = "OWNER_IDS"
	EnvGuildID           = "GUILD_ID"
	EnvSalesChannelID    = "SALES_CHANNEL_ID"
	EnvGachaCost         = "GACHA_COST"
	EnvCatalogMaxSlot    = "CATALOG_MAX_SLOT"
	EnvPriceFeedURL      = "PRICE_FEED_URL"
	EnvPricePollInterval = "PRICE_POLL_INTERVAL"
)

type Config struct {
	Token             string
	GuildID           string
	DatabasePath      string
	OwnerIDs          []string
	Silent            bool
	SalesChannelID    string
	GachaCost         int64
	CatalogMaxSlot    int
	PriceFeedURL      string
	PricePollInterval time.Duration
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv(EnvDiscordToken)
	dbPath := filepath.Join(".", GetProjectName()+".db")

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))

	ownerIDsStr := os.Getenv(EnvOwnerIDs)
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:          token,
		GuildID:        os.Getenv(EnvGuildID),
		DatabasePath:   dbPath,
		OwnerIDs:       ownerIDs,
		Silent:         silent,
		SalesChannelID: os.Getenv(EnvSalesChannelID),
		PriceFeedURL:   os.Getenv(EnvPriceFeedURL),
	}

	cost, _ := strconv.ParseInt(os.Getenv(EnvGachaCost), 10, 64)
	if cost == 0 {
		cost = 10
	}
	cfg.GachaCost = cost

	cfg.CatalogMaxSlot, _ = strconv.Atoi(os.Getenv(EnvCatalogMaxSlot))
	if cfg.CatalogMaxSlot == 0 {
		cfg.CatalogMaxSlot = 60
	}

	pollSecs, _ := strconv.Atoi(os.Getenv(EnvPricePollInterval))
	if pollSecs == 0 {
		pollSecs = 300
	}
	cfg.PricePollInterval = time.Duration(pollSecs) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}
	if c.SalesChannelID != "" && (len(c.SalesChannelID) < 17 || len(c.SalesChannelID) > 20) {
		return fmt.Errorf(MsgConfigInvalidChannel)
	}
	return nil
}

// IsOwner reports whether a user ID is in the configured owner list.
func (c *Config) IsOwner(userID string) bool {
	for _, id := range c.OwnerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
