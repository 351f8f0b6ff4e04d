package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

type Server struct {
	Port              string `json:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type Browser struct {
	// CDPURL is a DevTools endpoint (http://host:9222 or ws://...). Empty
	// means launch a local headless browser.
	CDPURL         string `json:"cdp_url"`
	EvalTimeoutSec int    `json:"eval_timeout_sec"`
}

type Watch struct {
	URLTemplate        string   `json:"url_template"`
	Selectors          []string `json:"selectors"`
	PollIntervalSec    int      `json:"poll_interval_sec"`
	SettleDelayMs      int      `json:"settle_delay_ms"`
	ReadyTimeoutSec    int      `json:"ready_timeout_sec"`
	BootstrapRetries   int      `json:"bootstrap_retries"`
	BootstrapBackoffMs int      `json:"bootstrap_backoff_ms"`
}

type Stream struct {
	BufferSize int `json:"buffer_size"`
}

type Config struct {
	Server  Server  `json:"server"`
	Browser Browser `json:"browser"`
	Watch   Watch   `json:"watch"`
	Stream  Stream  `json:"stream"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 15},
		Browser: Browser{
			CDPURL:         "",
			EvalTimeoutSec: 10,
		},
		Watch: Watch{
			URLTemplate: "https://www.tradingview.com/symbols/%s/",
			Selectors: []string{
				`[data-field="last_price"]`,
				`.tv-symbol-price-quote__value`,
				`span[class*="priceValue"]`,
				`div[class*="lastPrice"]`,
				`.js-symbol-last`,
			},
			PollIntervalSec:    3,
			SettleDelayMs:      2000,
			ReadyTimeoutSec:    15,
			BootstrapRetries:   5,
			BootstrapBackoffMs: 1500,
		},
		Stream: Stream{BufferSize: 16},
	}
}

// Load reads JSON config from path. If path is empty or file does not exist,
// it returns defaults. Environment variables override select fields.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT_SEC"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Server.RequestTimeoutSec = x
		}
	}
	if v := os.Getenv("CDP_URL"); v != "" {
		cfg.Browser.CDPURL = v
	}
	if v := os.Getenv("EVAL_TIMEOUT_SEC"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Browser.EvalTimeoutSec = x
		}
	}
	if v := os.Getenv("WATCH_URL_TEMPLATE"); v != "" {
		cfg.Watch.URLTemplate = v
	}
	if v := os.Getenv("WATCH_SELECTORS"); v != "" {
		cfg.Watch.Selectors = splitCSV(v)
	}
	if v := os.Getenv("POLL_INTERVAL_SEC"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Watch.PollIntervalSec = x
		}
	}
	if v := os.Getenv("SETTLE_DELAY_MS"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x >= 0 {
			cfg.Watch.SettleDelayMs = x
		}
	}
	if v := os.Getenv("READY_TIMEOUT_SEC"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Watch.ReadyTimeoutSec = x
		}
	}
	if v := os.Getenv("BOOTSTRAP_RETRIES"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x >= 0 {
			cfg.Watch.BootstrapRetries = x
		}
	}
	if v := os.Getenv("BOOTSTRAP_BACKOFF_MS"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Watch.BootstrapBackoffMs = x
		}
	}
	if v := os.Getenv("STREAM_BUFFER_SIZE"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Stream.BufferSize = x
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
