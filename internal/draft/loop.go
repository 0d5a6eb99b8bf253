// Package draft drives the client side of speculative decoding: propose
// gamma tokens from the local draft model, send them for verification,
// commit the accepted prefix, repeat until the sequence finishes.
package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avelsh/specdec/internal/backend"
	"github.com/avelsh/specdec/internal/domain"
	"github.com/avelsh/specdec/internal/wire"
)

// verifyRetries bounds how often a deadline-exceeded verify is retried.
// Retrying is safe: verify mutates no committed state.
const verifyRetries = 3

// Loop runs one generation session end to end. Each Loop owns its own
// bookkeeping; nothing is shared across sessions except the connection.
type Loop struct {
	client *wire.Client
	model  backend.Draft
	tok    backend.Tokenizer
	logger *slog.Logger

	SessionID    uint64
	Prompt       string
	MaxNewTokens uint32
	Gamma        uint32
}

// New builds a loop for one session.
func New(client *wire.Client, model backend.Draft, tok backend.Tokenizer, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{client: client, model: model, tok: tok, logger: logger}
}

// Result is the outcome of one finished session.
type Result struct {
	Text     string
	Tokens   []int32
	Stats    domain.Stats
	Rounds   int
	WallTime time.Duration
}

// Run executes INIT -> STARTED -> {PROPOSE -> VERIFY -> COMMIT}* -> FINISHED.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	if _, err := l.client.StartGeneration(ctx, &wire.StartRequest{
		SessionID:    l.SessionID,
		Prompt:       l.Prompt,
		MaxNewTokens: l.MaxNewTokens,
		Gamma:        l.Gamma,
	}); err != nil {
		return nil, fmt.Errorf("start session %d: %w", l.SessionID, err)
	}

	prefix := l.tok.Encode(l.Prompt)
	var committed []int32
	var stats domain.Stats
	rounds := 0

	for uint32(len(committed)) < l.MaxNewTokens {
		// PROPOSE: the draft model speaks for the current prefix.
		n := l.Gamma
		if remaining := l.MaxNewTokens - uint32(len(committed)); n > remaining {
			n = remaining
		}
		full := make([]int32, 0, len(prefix)+len(committed))
		full = append(append(full, prefix...), committed...)
		tokens, probs, err := l.model.Propose(ctx, full, int(n))
		if err != nil {
			return nil, fmt.Errorf("session %d: draft propose: %w", l.SessionID, err)
		}
		if len(tokens) == 0 {
			break
		}

		// VERIFY: the target decides how much of the proposal survives.
		res, err := l.verify(ctx, tokens, probs)
		if err != nil {
			return nil, fmt.Errorf("session %d: verify: %w", l.SessionID, err)
		}

		commit := append([]int32(nil), tokens[:res.TokensAccepted]...)
		if res.HasTargetToken {
			commit = append(commit, res.TargetToken)
		}
		stats.Proposed += uint64(len(tokens))
		stats.Accepted += uint64(res.TokensAccepted)
		if res.HasTargetToken {
			stats.Forced++
		}

		if len(commit) == 0 {
			// Budget exhausted server-side before this round; no pending
			// round exists so there is nothing to finalize.
			if res.Finished {
				break
			}
			return nil, fmt.Errorf("session %d: verify accepted nothing without finishing", l.SessionID)
		}

		// COMMIT: hand the server's own decision back for commitment.
		finResp, err := l.client.FinalizeBatchTokens(ctx, &wire.FinalizeBatchRequest{
			Sequences: []wire.FinalizeSequence{{SessionID: l.SessionID, Tokens: commit}},
		})
		if err != nil {
			return nil, fmt.Errorf("session %d: finalize: %w", l.SessionID, err)
		}
		fin := finResp.Results[0]
		if fin.Err != "" {
			return nil, fmt.Errorf("session %d: finalize: %s", l.SessionID, fin.Err)
		}

		committed = append(committed, commit...)
		rounds++

		if fin.Finished {
			break
		}
	}

	result := &Result{
		Text:     l.tok.Decode(committed),
		Tokens:   committed,
		Stats:    stats,
		Rounds:   rounds,
		WallTime: time.Since(start),
	}
	l.logger.Info("Speculative decoding finished",
		"session_id", l.SessionID,
		"tokens", len(committed),
		"rounds", rounds,
		"match_rate", stats.AcceptanceRate(),
		"wall_time", result.WallTime)
	return result, nil
}

// verify submits one round, retrying on a deadline since verification has
// no committed side effects.
func (l *Loop) verify(ctx context.Context, tokens []int32, probs []float64) (wire.VerifyResult, error) {
	probs32 := make([]float32, len(probs))
	for i, p := range probs {
		probs32[i] = float32(p)
	}
	req := &wire.VerifyBatchRequest{
		Sequences: []wire.DraftSequence{{
			SessionID:   l.SessionID,
			DraftTokens: tokens,
			DraftProbs:  probs32,
		}},
	}

	var lastErr error
	for attempt := 0; attempt < verifyRetries; attempt++ {
		resp, err := l.client.VerifyBatchTokens(ctx, req)
		if err == nil {
			return resp.Results[0], nil
		}
		lastErr = err
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return wire.VerifyResult{}, err
		}
		l.logger.Warn("Verify round timed out, retrying",
			"session_id", l.SessionID, "attempt", attempt+1)
	}
	return wire.VerifyResult{}, fmt.Errorf("verify exhausted %d attempts: %w", verifyRetries, lastErr)
}

// RunFull bypasses speculation entirely: the target generates every token.
// Used as a correctness baseline and when no draft model is available.
func (l *Loop) RunFull(ctx context.Context) (string, error) {
	resp, err := l.client.GenerateFull(ctx, &wire.GenerateRequest{
		SessionID:    l.SessionID,
		Prompt:       l.Prompt,
		MaxNewTokens: l.MaxNewTokens,
		Gamma:        l.Gamma,
	})
	if err != nil {
		return "", fmt.Errorf("session %d: generate full: %w", l.SessionID, err)
	}
	return resp.OutputText, nil
}
