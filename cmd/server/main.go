package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pricewatch/internal/broadcast"
	"pricewatch/internal/config"
	"pricewatch/internal/extract"
	"pricewatch/internal/httpx"
	"pricewatch/internal/surface/cdp"
	"pricewatch/internal/watch"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	port := cfg.Server.Port

	if cfg.Browser.CDPURL == "" {
		log.Println("no CDP_URL set, launching a local headless browser")
	}

	httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)

	opener, err := cdp.NewOpener(context.Background(), cdp.Options{
		URL:         cfg.Browser.CDPURL,
		EvalTimeout: time.Duration(cfg.Browser.EvalTimeoutSec) * time.Second,
	}, httpClient)
	if err != nil {
		log.Fatalf("browser: %v", err)
	}

	ex := extract.New(cfg.Watch.Selectors)
	bc := broadcast.New(cfg.Stream.BufferSize)
	reg := watch.NewRegistry(opener, ex, bc, watch.Options{
		URLTemplate:      cfg.Watch.URLTemplate,
		PollInterval:     time.Duration(cfg.Watch.PollIntervalSec) * time.Second,
		SettleDelay:      time.Duration(cfg.Watch.SettleDelayMs) * time.Millisecond,
		ReadyTimeout:     time.Duration(cfg.Watch.ReadyTimeoutSec) * time.Second,
		BootstrapRetries: cfg.Watch.BootstrapRetries,
		BootstrapBackoff: time.Duration(cfg.Watch.BootstrapBackoffMs) * time.Millisecond,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/symbols", func(w http.ResponseWriter, r *http.Request) {
		handleSymbols(w, r, reg)
	})
	mux.HandleFunc("/api/stream", func(w http.ResponseWriter, r *http.Request) {
		handleStream(w, r, bc)
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           withJSONHeaders(withGzip(recoverPanic(limitBody(mux)))),
		ReadHeaderTimeout: 5 * time.Second,
		// Session opens navigate a real page and can take a while; the
		// stream endpoint is long-lived, so no write deadline here.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := reg.CloseAll(shutdownCtx); err != nil {
		log.Printf("shutdown: close sessions: %v", err)
	}
	_ = opener.Close()
}

type symbolsResponse struct {
	Symbols []string `json:"symbols"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type addBody struct {
	Symbol string `json:"symbol"`
}

func handleSymbols(w http.ResponseWriter, r *http.Request, reg *watch.Registry) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, symbolsResponse{Symbols: reg.List()})
	case http.MethodPost:
		var b addBody
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&b); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(b.Symbol) == "" {
			http.Error(w, "symbol cannot be empty", http.StatusBadRequest)
			return
		}
		writeJSON(w, successResponse{Success: reg.Add(r.Context(), b.Symbol)})
	case http.MethodDelete:
		sym := r.URL.Query().Get("symbol")
		if strings.TrimSpace(sym) == "" {
			http.Error(w, "missing symbol query param", http.StatusBadRequest)
			return
		}
		writeJSON(w, successResponse{Success: reg.Remove(sym)})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func withJSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocket(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		// Basic CORS for browser usage; adjust as needed.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withGzip compresses responses when the client supports gzip. Websocket
// upgrades pass through untouched; the hijacked connection must not be
// wrapped.
func withGzip(next http.Handler) http.Handler {
	var gzPool = sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocket(r) || !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gz := gzPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			_ = gz.Close()
			gz.Reset(io.Discard)
			gzPool.Put(gz)
		}()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gw := gzipResponseWriter{ResponseWriter: w, Writer: gz}
		next.ServeHTTP(gw, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	Writer io.Writer
}

func (g gzipResponseWriter) Write(b []byte) (int, error) {
	return g.Writer.Write(b)
}

// limitBody caps request body size to avoid memory abuse.
func limitBody(next http.Handler) http.Handler {
	const maxBody = 1 << 20 // 1MB
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanic protects handlers from panics.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func isWebSocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
