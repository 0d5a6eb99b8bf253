// specdec draft driver - client-side speculative decoding loop
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/avelsh/specdec/internal/backend"
	"github.com/avelsh/specdec/internal/draft"
	"github.com/avelsh/specdec/internal/wire"
)

type clientConfig struct {
	TargetAddr   string
	Prompts      []string
	MaxNewTokens uint32
	Gamma        uint32
	DraftSeed    int64
	EOSToken     int32
	VocabSize    int
	Baseline     bool
}

func loadClientConfig() clientConfig {
	prompts := []string{getEnv("PROMPT", "hello world")}
	if raw := os.Getenv("PROMPTS"); raw != "" {
		prompts = strings.Split(raw, "|")
	}
	return clientConfig{
		TargetAddr:   getEnv("TARGET_ADDR", "localhost:50051"),
		Prompts:      prompts,
		MaxNewTokens: uint32(getEnvInt("MAX_NEW_TOKENS", 64)),
		Gamma:        uint32(getEnvInt("GAMMA", 4)),
		DraftSeed:    int64(getEnvInt("DRAFT_SEED", 7)),
		EOSToken:     int32(getEnvInt("EOS_TOKEN", 0)),
		VocabSize:    getEnvInt("VOCAB_SIZE", 256),
		Baseline:     os.Getenv("BASELINE") == "true",
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}
	cfg := loadClientConfig()

	client, err := wire.NewClient(wire.DefaultClientConfig(cfg.TargetAddr), logger)
	if err != nil {
		slog.Error("Failed to connect to coordinator", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	// The local draft model deliberately runs with its own seed so it
	// disagrees with the target often enough to exercise rejection.
	model := backend.NewSimModel(cfg.DraftSeed, cfg.VocabSize, cfg.EOSToken)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i, prompt := range cfg.Prompts {
		sessionID := uint64(time.Now().UnixNano()) + uint64(i)
		loop := draft.New(client, model, model, logger)
		loop.SessionID = sessionID
		loop.Prompt = prompt
		loop.MaxNewTokens = cfg.MaxNewTokens
		loop.Gamma = cfg.Gamma

		wg.Add(1)
		go func() {
			defer wg.Done()

			if cfg.Baseline {
				text, err := loop.RunFull(ctx)
				if err != nil {
					slog.Error("Baseline generation failed", "session_id", loop.SessionID, "error", err)
					return
				}
				fmt.Printf("session %d (baseline): %q\n", loop.SessionID, text)
				return
			}

			res, err := loop.Run(ctx)
			if err != nil {
				slog.Error("Speculative generation failed", "session_id", loop.SessionID, "error", err)
				return
			}
			fmt.Printf("session %d: %q\n  tokens=%d rounds=%d match_rate=%.2f wall=%s\n",
				loop.SessionID, res.Text, len(res.Tokens), res.Rounds,
				res.Stats.AcceptanceRate(), res.WallTime)
		}()
	}

	wg.Wait()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
