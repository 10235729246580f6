package main

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Price Feed Daemon
// ============================================================================
//
// Periodically fetches the external price feed and stores the latest value
// in bot_config so /coin rate can answer without a live fetch.

const (
	BotConfigPriceValue   = "price_last_value"
	BotConfigPriceUpdated = "price_last_updated"

	MsgPriceDaemonStarted = "Price poller started (every %s)."
	MsgPriceDaemonStopped = "Shutting down Price Poller..."
	MsgPriceDisabled      = "No PRICE_FEED_URL configured; price poller disabled."
	MsgPriceFetchFail     = "Price fetch failed: %v"
	MsgPriceDecodeFail    = "Price decode failed: %v"
	MsgPriceStoreFail     = "Failed to store price: %v"
	MsgPriceUpdated       = "Price updated: %s"
)

var pricePollerRunning int32

func init() {
	RegisterDaemon(LogPrice, StartPricePoller)
}

func StartPricePoller(ctx context.Context) (bool, func(), func()) {
	if GlobalConfig == nil || GlobalConfig.PriceFeedURL == "" {
		LogPrice(MsgPriceDisabled)
		return false, nil, nil
	}
	if !atomic.CompareAndSwapInt32(&pricePollerRunning, 0, 1) {
		return false, nil, nil
	}

	interval := GlobalConfig.PricePollInterval
	LogPrice(MsgPriceDaemonStarted, FormatDuration(interval))

	return true, func() {
			// The limiter caps fetch bursts even if the interval is set very low.
			limiter := rate.NewLimiter(rate.Every(10*time.Second), 1)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			pollPrice(ctx)
			for {
				select {
				case <-ticker.C:
					if limiter.Allow() {
						pollPrice(ctx)
					}
				case <-ctx.Done():
					return
				}
			}
		}, func() {
			LogPrice(MsgPriceDaemonStopped)
			atomic.StoreInt32(&pricePollerRunning, 0)
		}
}

func pollPrice(parentCtx context.Context) {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	resp, err := HttpClient.Get(GlobalConfig.PriceFeedURL)
	if err != nil {
		LogPrice(MsgPriceFetchFail, err)
		return
	}
	defer resp.Body.Close()

	var payload struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		LogPrice(MsgPriceDecodeFail, err)
		return
	}

	value := strconv.FormatFloat(payload.Price, 'f', -1, 64)
	if err := SetBotConfig(ctx, BotConfigPriceValue, value); err != nil {
		LogPrice(MsgPriceStoreFail, err)
		return
	}
	if err := SetBotConfig(ctx, BotConfigPriceUpdated, time.Now().Format(time.RFC3339)); err != nil {
		LogPrice(MsgPriceStoreFail, err)
		return
	}
	LogPrice(MsgPriceUpdated, value)
}
