package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avelsh/specdec/internal/domain"
	"github.com/avelsh/specdec/internal/wire"
)

// FinalizeBatchTokens commits verified rounds. Unlike verify, finalize
// mutations are independent per session: one failed session is reported in
// its result and does not block the others.
func (s *Service) FinalizeBatchTokens(ctx context.Context, req *wire.FinalizeBatchRequest) (*wire.FinalizeBatchResponse, error) {
	if len(req.Sequences) == 0 {
		return nil, wire.ToStatus(fmt.Errorf("%w: empty finalize batch", domain.ErrArgument))
	}

	results := make([]wire.FinalizeResult, len(req.Sequences))
	for i, seq := range req.Sequences {
		finished, err := s.finalizeOne(ctx, seq.SessionID, seq.Tokens)
		results[i] = wire.FinalizeResult{SessionID: seq.SessionID, Finished: finished}
		if err != nil {
			results[i].Err = err.Error()
			slog.Warn("Finalize failed", "session_id", seq.SessionID, "error", err)
		}
	}
	return &wire.FinalizeBatchResponse{Results: results}, nil
}

// FinalizeTokens is the legacy single-session finalize. The client reports
// the accepted count; the server already knows the accepted prefix from the
// verify round and answers with the replacement (or bonus) token.
func (s *Service) FinalizeTokens(ctx context.Context, req *wire.FinalizeRequest) (*wire.FinalizeResponse, error) {
	h, err := s.sessions.Acquire(req.SessionID)
	if err != nil {
		return nil, wire.ToStatus(err)
	}
	defer h.Release()

	sess := h.Session()
	pending := sess.Pending
	if pending == nil {
		return nil, wire.ToStatus(fmt.Errorf("%w: session %d has no pending round", domain.ErrChunkMismatch, req.SessionID))
	}
	if pending.ChunkSize != req.DraftChunkSize || pending.AcceptedCount != req.AcceptedCount {
		return nil, wire.ToStatus(fmt.Errorf(
			"%w: session %d reported accepted=%d chunk=%d, verify round had accepted=%d chunk=%d",
			domain.ErrChunkMismatch, req.SessionID,
			req.AcceptedCount, req.DraftChunkSize,
			pending.AcceptedCount, pending.ChunkSize))
	}

	commit := append([]int32(nil), pending.AcceptedTokens...)
	if pending.HasTargetToken {
		commit = append(commit, pending.TargetToken)
	}
	finished := s.commit(ctx, sess, pending, commit)

	return &wire.FinalizeResponse{
		FinalToken:    pending.TargetToken,
		HasFinalToken: pending.HasTargetToken,
		Finished:      finished,
	}, nil
}

// finalizeOne validates the submitted tokens against the pending verify
// round and applies them. Duplicate delivery of an already-finalized round
// finds no pending round and is rejected instead of double-committing.
func (s *Service) finalizeOne(ctx context.Context, sessionID uint64, tokens []int32) (bool, error) {
	h, err := s.sessions.Acquire(sessionID)
	if err != nil {
		return false, err
	}
	defer h.Release()

	sess := h.Session()
	pending := sess.Pending
	if pending == nil {
		return sess.Finished, fmt.Errorf("%w: session %d has no pending round", domain.ErrChunkMismatch, sessionID)
	}
	if uint32(len(tokens)) != pending.CommitLen() {
		return false, fmt.Errorf("%w: session %d submitted %d tokens, verify round produced %d",
			domain.ErrChunkMismatch, sessionID, len(tokens), pending.CommitLen())
	}
	for i, tok := range pending.AcceptedTokens {
		if tokens[i] != tok {
			return false, fmt.Errorf("%w: session %d token %d differs from verified prefix",
				domain.ErrChunkMismatch, sessionID, i)
		}
	}
	if pending.HasTargetToken && tokens[len(tokens)-1] != pending.TargetToken {
		return false, fmt.Errorf("%w: session %d replacement token differs from verify result",
			domain.ErrChunkMismatch, sessionID)
	}

	return s.commit(ctx, sess, pending, tokens), nil
}

// commit appends the round's tokens, consumes the pending round, and tears
// the session down once it is finished and the result delivered. The caller
// holds the session.
func (s *Service) commit(ctx context.Context, sess *domain.Session, pending *domain.PendingRound, tokens []int32) bool {
	sess.Committed = append(sess.Committed, tokens...)
	sess.Cursor += uint32(len(tokens))
	sess.Round = pending.Round
	sess.Pending = nil
	sess.Stats.Proposed += uint64(pending.ChunkSize)
	sess.Stats.Accepted += uint64(pending.AcceptedCount)
	if pending.HasTargetToken {
		sess.Stats.Forced++
	}

	finished := pending.Finished || sess.Cursor >= sess.MaxNewTokens
	if !finished && s.eos >= 0 && len(tokens) > 0 && tokens[len(tokens)-1] == s.eos {
		finished = true
	}

	s.publish(sess.ID, tokens, finished)

	if finished && !sess.Finished {
		sess.Finished = true
		gen := &domain.Generation{
			SessionID:   sess.ID,
			Prompt:      sess.Prompt,
			OutputText:  s.tok.Decode(sess.Committed),
			TokensOut:   sess.Cursor,
			Accepted:    sess.Stats.Accepted,
			Forced:      sess.Stats.Forced,
			MatchRate:   sess.Stats.AcceptanceRate(),
			WallTime:    time.Since(sess.CreatedAt),
			StartedAt:   sess.CreatedAt,
			FinishedAt:  time.Now(),
			Speculative: true,
		}
		s.record(ctx, gen)
		slog.Info("Generation finished",
			"session_id", sess.ID,
			"tokens", sess.Cursor,
			"rounds", sess.Round,
			"match_rate", gen.MatchRate)

		// The finalize response delivers the result; the record is no
		// longer needed in the table.
		if err := s.sessions.Evict(sess.ID); err != nil {
			slog.Warn("Evicting finished session failed", "session_id", sess.ID, "error", err)
		}
	}
	return finished
}
