// Command codeassist runs a lightweight HTTP mock of the Cloud Code Assist
// API plus the Google OAuth token endpoint. It is used for E2E/load testing
// the gateway without real credentials.
//
// Endpoints:
//
//	POST /token                              — OAuth refresh-token exchange
//	POST /v1internal:loadCodeAssist          — project discovery
//	POST /v1internal:onboardUser             — tier onboarding (LRO)
//	POST /v1internal:streamGenerateContent   — SSE generation stream
//
// Point the gateway at it with:
//
//	CODEASSIST_BASE_URL=http://localhost:19080 \
//	OAUTH_TOKEN_URL=http://localhost:19080/token \
//	ACCOUNTS_FILE=accounts.json ./gateway
//
// Behaviour flags (via env):
//
//	PORT_CODEASSIST   — listen port (default 19080)
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of stream requests answered 500 (default 0)
//	MOCK_QUOTA_RATE   — fraction [0,1] of stream requests answered 429,
//	                    exercising account rotation (default 0)
//	MOCK_STREAM_WORDS — words in the streamed response (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	QuotaRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_QUOTA_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.QuotaRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock code assist",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Float64("quota_rate", cfg.QuotaRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	addr := ":" + portFromEnv("PORT_CODEASSIST", 19080)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock code assist listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock code assist")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	log.Info("mock code assist stopped")
}
