// Command peek runs the extraction pipeline once for a single symbol and
// prints the result as JSON. Useful for checking selectors and heuristics
// against a live page without starting the server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"pricewatch/internal/config"
	"pricewatch/internal/extract"
	"pricewatch/internal/httpx"
	"pricewatch/internal/surface/cdp"
	"pricewatch/internal/watch"
)

func main() {
	_ = godotenv.Load()

	var symbol string
	var configPath string
	var timeoutSec int

	flag.StringVar(&symbol, "symbol", getenv("SYMBOL", "BTCUSD"), "instrument symbol to look up")
	flag.StringVar(&configPath, "config", getenv("CONFIG_FILE", ""), "path to config.json (optional)")
	flag.IntVar(&timeoutSec, "timeout", 60, "overall timeout in seconds")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)
	opener, err := cdp.NewOpener(ctx, cdp.Options{
		URL:         cfg.Browser.CDPURL,
		EvalTimeout: time.Duration(cfg.Browser.EvalTimeoutSec) * time.Second,
	}, httpClient)
	if err != nil {
		log.Fatalf("browser: %v", err)
	}
	defer opener.Close()

	update, err := watch.Observe(ctx, opener, extract.New(cfg.Watch.Selectors), symbol, watch.Options{
		URLTemplate:  cfg.Watch.URLTemplate,
		SettleDelay:  time.Duration(cfg.Watch.SettleDelayMs) * time.Millisecond,
		ReadyTimeout: time.Duration(cfg.Watch.ReadyTimeoutSec) * time.Second,
	})
	if err != nil {
		log.Fatalf("peek %s: %v", symbol, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(update)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
