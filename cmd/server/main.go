// specdec coordinator - target-side speculative decoding server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	"github.com/avelsh/specdec/internal/api"
	"github.com/avelsh/specdec/internal/backend"
	"github.com/avelsh/specdec/internal/batch"
	"github.com/avelsh/specdec/internal/config"
	"github.com/avelsh/specdec/internal/session"
	"github.com/avelsh/specdec/internal/store"
	"github.com/avelsh/specdec/internal/stream"
	"github.com/avelsh/specdec/internal/verifier"
	"github.com/avelsh/specdec/internal/wire"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting coordinator",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"vocab_size", cfg.VocabSize,
		"seed", cfg.Seed)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The target backend. SimModel stands in where no accelerator backend is
	// attached; it also provides the byte tokenizer.
	target := backend.NewSimModel(cfg.Seed, cfg.VocabSize, int32(cfg.EOSToken))

	sched := batch.New(target, batch.Options{
		MaxBatchSize: cfg.MaxBatchSize,
		MaxWait:      cfg.BatchMaxWait,
		Timeout:      cfg.VerifyTimeout,
	})
	go sched.Run(ctx)

	sessions := session.New()
	sessions.StartSweeper(ctx, cfg.SessionTTL, cfg.SweepInterval, nil)

	hub := stream.NewHub()
	svc := verifier.New(sessions, sched, target, target, verifier.Config{
		EOSToken: int32(cfg.EOSToken),
		Seed:     cfg.Seed,
	}, repo, hub)

	// gRPC server for the draft-side protocol.
	grpcServer := grpc.NewServer()
	wire.RegisterSpeculativeServiceServer(grpcServer, svc)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("gRPC server listening", "addr", grpcLis.Addr().String())
		if err := grpcServer.Serve(grpcLis); err != nil {
			slog.Error("gRPC server failed", "error", err)
			os.Exit(1)
		}
	}()

	// HTTP observation surface: health, session/generation introspection and
	// the WebSocket token stream.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	handler := api.NewHandler(repo, sessions)
	handler.RegisterRoutes(r)
	r.Get("/ws/generations", hub.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket streams stay open per session
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.GracefulStop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Coordinator stopped successfully")
}
