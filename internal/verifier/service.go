// Package verifier implements the coordinator's gRPC service: session
// startup, draft verification, round finalization and the target-only
// baseline path.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avelsh/specdec/internal/accept"
	"github.com/avelsh/specdec/internal/backend"
	"github.com/avelsh/specdec/internal/batch"
	"github.com/avelsh/specdec/internal/domain"
	"github.com/avelsh/specdec/internal/session"
	"github.com/avelsh/specdec/internal/wire"
)

// Recorder persists finished generations. A nil Recorder disables
// persistence.
type Recorder interface {
	RecordGeneration(ctx context.Context, gen *domain.Generation) error
}

// Publisher fans committed tokens out to stream subscribers. A nil Publisher
// disables streaming.
type Publisher interface {
	Publish(sessionID uint64, tokens []int32, finished bool)
}

// Config holds the service's decoding parameters.
type Config struct {
	// EOSToken is the end-of-sequence marker, or -1 when the model has none.
	EOSToken int32
	// Seed initializes the acceptance RNG; decisions are reproducible for a
	// fixed seed and traffic.
	Seed int64
}

// Service implements wire.SpeculativeServiceServer. It owns no model state:
// probability computation is delegated to the target backend through the
// batch scheduler, commitment to the session store.
type Service struct {
	sessions *session.Store
	sched    *batch.Scheduler
	tok      backend.Tokenizer
	vocab    int
	eos      int32

	rngMu sync.Mutex
	rng   accept.Rand

	recorder  Recorder
	publisher Publisher
}

// New assembles the service. recorder and publisher may be nil.
func New(sessions *session.Store, sched *batch.Scheduler, target backend.Target, tok backend.Tokenizer, cfg Config, recorder Recorder, publisher Publisher) *Service {
	return &Service{
		sessions:  sessions,
		sched:     sched,
		tok:       tok,
		vocab:     target.Vocab(),
		eos:       cfg.EOSToken,
		rng:       accept.NewRand(cfg.Seed),
		recorder:  recorder,
		publisher: publisher,
	}
}

var _ wire.SpeculativeServiceServer = (*Service)(nil)

// StartGeneration registers a new session for the prompt.
func (s *Service) StartGeneration(ctx context.Context, req *wire.StartRequest) (*wire.StartResponse, error) {
	if req.MaxNewTokens == 0 {
		return nil, wire.ToStatus(fmt.Errorf("%w: max_new_tokens must be positive", domain.ErrArgument))
	}
	if req.Gamma == 0 {
		return nil, wire.ToStatus(fmt.Errorf("%w: gamma must be positive", domain.ErrArgument))
	}

	ctxTokens := s.tok.Encode(req.Prompt)
	if _, err := s.sessions.Start(req.SessionID, req.Prompt, ctxTokens, req.MaxNewTokens, req.Gamma); err != nil {
		return nil, wire.ToStatus(err)
	}
	return &wire.StartResponse{Acknowledged: true}, nil
}

// GenerateFull bypasses speculation: pure autoregressive sampling on the
// target backend. Used as a correctness baseline and as the fallback when no
// draft backend is available. req.Gamma is ignored.
func (s *Service) GenerateFull(ctx context.Context, req *wire.GenerateRequest) (*wire.GenerateResponse, error) {
	if req.MaxNewTokens == 0 {
		return nil, wire.ToStatus(fmt.Errorf("%w: max_new_tokens must be positive", domain.ErrArgument))
	}

	seq := s.tok.Encode(req.Prompt)
	promptLen := len(seq)
	gen := &domain.Generation{SessionID: req.SessionID, Prompt: req.Prompt}
	start := time.Now()

	for i := uint32(0); i < req.MaxNewTokens; i++ {
		results, err := s.sched.Score(ctx, []backend.ScoreRequest{
			{SessionID: req.SessionID, Context: seq},
		})
		if err != nil {
			return nil, wire.ToStatus(err)
		}
		tok := s.sample(results[0].NextDist)
		seq = append(seq, tok)
		if s.eos >= 0 && tok == s.eos {
			break
		}
	}

	out := s.tok.Decode(seq[promptLen:])
	gen.OutputText = out
	gen.TokensOut = uint32(len(seq) - promptLen)
	gen.Forced = uint64(gen.TokensOut)
	gen.StartedAt = start
	gen.FinishedAt = time.Now()
	gen.WallTime = gen.FinishedAt.Sub(gen.StartedAt)
	s.record(ctx, gen)

	slog.Info("Full generation completed", "session_id", req.SessionID, "tokens", gen.TokensOut)
	return &wire.GenerateResponse{OutputText: out}, nil
}

// sample draws from dist under the shared RNG lock so concurrent handlers
// keep the RNG stream well defined.
func (s *Service) sample(dist []float64) int32 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return accept.Sample(s.rng, dist)
}

func (s *Service) record(ctx context.Context, gen *domain.Generation) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordGeneration(ctx, gen); err != nil {
		slog.Error("Failed to record generation", "session_id", gen.SessionID, "error", err)
	}
}

func (s *Service) publish(sessionID uint64, tokens []int32, finished bool) {
	if s.publisher != nil {
		s.publisher.Publish(sessionID, tokens, finished)
	}
}
