package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// ClientConfig holds connection parameters for the coordinator client.
type ClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultClientConfig returns the defaults used by the draft driver.
func DefaultClientConfig(addr string) ClientConfig {
	return ClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Client is the draft-side view of the coordinator service.
type Client struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// NewClient connects to the coordinator and probes readiness so bad
// endpoints fail at startup rather than on the first round.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to coordinator at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("coordinator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to coordinator", "address", cfg.Address)
	return &Client{conn: conn, logger: logger}, nil
}

// NewClientConn wraps an existing connection (in-process tests dial over
// bufconn). The connection must already carry the codec call option.
func NewClientConn(conn *grpc.ClientConn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, logger: logger}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func invoke[Req any, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, FromStatus(err)
	}
	return out, nil
}

// StartGeneration opens a session on the coordinator.
func (c *Client) StartGeneration(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	return invoke[StartRequest, StartResponse](ctx, c, "StartGeneration", req)
}

// VerifyBatchTokens submits one draft sequence per session for acceptance.
func (c *Client) VerifyBatchTokens(ctx context.Context, req *VerifyBatchRequest) (*VerifyBatchResponse, error) {
	return invoke[VerifyBatchRequest, VerifyBatchResponse](ctx, c, "VerifyBatchTokens", req)
}

// VerifyDraftTokens is the legacy single-session verify.
func (c *Client) VerifyDraftTokens(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	return invoke[VerifyRequest, VerifyResponse](ctx, c, "VerifyDraftTokens", req)
}

// FinalizeBatchTokens commits verified rounds for many sessions.
func (c *Client) FinalizeBatchTokens(ctx context.Context, req *FinalizeBatchRequest) (*FinalizeBatchResponse, error) {
	return invoke[FinalizeBatchRequest, FinalizeBatchResponse](ctx, c, "FinalizeBatchTokens", req)
}

// FinalizeTokens is the legacy single-session finalize.
func (c *Client) FinalizeTokens(ctx context.Context, req *FinalizeRequest) (*FinalizeResponse, error) {
	return invoke[FinalizeRequest, FinalizeResponse](ctx, c, "FinalizeTokens", req)
}

// GenerateFull runs target-only generation as a baseline or fallback.
func (c *Client) GenerateFull(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	return invoke[GenerateRequest, GenerateResponse](ctx, c, "GenerateFull", req)
}
