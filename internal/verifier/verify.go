package verifier

import (
	"context"
	"fmt"

	"github.com/avelsh/specdec/internal/accept"
	"github.com/avelsh/specdec/internal/backend"
	"github.com/avelsh/specdec/internal/domain"
	"github.com/avelsh/specdec/internal/session"
	"github.com/avelsh/specdec/internal/wire"
)

// VerifyBatchTokens runs the acceptance test for every submitted session.
// The candidate chunks are scored in one backend forward pass; if that pass
// fails, no session in the request gets a result (all-or-nothing). Verify
// commits nothing: a failed or timed-out call can be retried with the same
// draft sequences.
func (s *Service) VerifyBatchTokens(ctx context.Context, req *wire.VerifyBatchRequest) (*wire.VerifyBatchResponse, error) {
	if len(req.Sequences) == 0 {
		return nil, wire.ToStatus(fmt.Errorf("%w: empty verify batch", domain.ErrArgument))
	}
	for _, seq := range req.Sequences {
		if err := validateSequence(seq); err != nil {
			return nil, wire.ToStatus(err)
		}
	}

	// Acquire every session up front so the batch observes a consistent
	// snapshot; bail out releasing everything on the first failure.
	handles := make([]*session.Handle, 0, len(req.Sequences))
	release := func() {
		for _, h := range handles {
			h.Release()
		}
	}
	for _, seq := range req.Sequences {
		h, err := s.sessions.Acquire(seq.SessionID)
		if err != nil {
			release()
			return nil, wire.ToStatus(fmt.Errorf("session %d: %w", seq.SessionID, err))
		}
		handles = append(handles, h)
	}
	defer release()

	// A chunk that would overshoot the token budget is truncated before
	// acceptance; the final round legitimately carries fewer than gamma
	// tokens.
	chunks := make([]wire.DraftSequence, len(req.Sequences))
	scoreReqs := make([]backend.ScoreRequest, 0, len(req.Sequences))
	scoreIdx := make([]int, 0, len(req.Sequences))
	for i, seq := range req.Sequences {
		sess := handles[i].Session()
		chunk := truncateChunk(seq, sess.Remaining())
		chunks[i] = chunk
		if len(chunk.DraftTokens) > 0 && !sess.Finished {
			scoreReqs = append(scoreReqs, backend.ScoreRequest{
				SessionID: sess.ID,
				Context:   sess.Sequence(),
				Candidate: chunk.DraftTokens,
			})
			scoreIdx = append(scoreIdx, i)
		}
	}

	var scores []backend.ScoreResult
	if len(scoreReqs) > 0 {
		var err error
		scores, err = s.sched.Score(ctx, scoreReqs)
		if err != nil {
			return nil, wire.ToStatus(err)
		}
	}

	results := make([]wire.VerifyResult, len(req.Sequences))
	for i := range req.Sequences {
		sess := handles[i].Session()
		if len(chunks[i].DraftTokens) == 0 || sess.Finished {
			// Budget exhausted or already terminal: nothing to verify.
			results[i] = wire.VerifyResult{SessionID: sess.ID, Finished: true}
			continue
		}
		results[i] = wire.VerifyResult{SessionID: sess.ID}
	}
	for n, i := range scoreIdx {
		sess := handles[i].Session()
		res, err := s.verifyOne(sess, chunks[i], scores[n])
		if err != nil {
			return nil, wire.ToStatus(err)
		}
		results[i] = res
	}

	return &wire.VerifyBatchResponse{Results: results}, nil
}

// VerifyDraftTokens is the legacy single-session verify: a one-element batch
// over the same acceptance path.
func (s *Service) VerifyDraftTokens(ctx context.Context, req *wire.VerifyRequest) (*wire.VerifyResponse, error) {
	batchResp, err := s.VerifyBatchTokens(ctx, &wire.VerifyBatchRequest{
		Sequences: []wire.DraftSequence{{
			SessionID:   req.SessionID,
			DraftTokens: req.DraftTokens,
			DraftProbs:  req.DraftProbs,
		}},
	})
	if err != nil {
		return nil, err
	}
	r := batchResp.Results[0]
	committed := make([]int32, 0, r.TokensAccepted)
	committed = append(committed, req.DraftTokens[:r.TokensAccepted]...)
	return &wire.VerifyResponse{
		CommittedIDs:  committed,
		AcceptedCount: r.TokensAccepted,
		Finished:      r.Finished,
	}, nil
}

// verifyOne applies the acceptance test to one scored chunk and stamps the
// session's pending round. The caller holds the session.
func (s *Service) verifyOne(sess *domain.Session, chunk wire.DraftSequence, score backend.ScoreResult) (wire.VerifyResult, error) {
	q := make([]float64, len(chunk.DraftProbs))
	for i, p := range chunk.DraftProbs {
		q[i] = float64(p)
	}

	s.rngMu.Lock()
	decision, err := accept.Run(s.rng, q, score.TokenProbs)
	s.rngMu.Unlock()
	if err != nil {
		return wire.VerifyResult{}, err
	}

	accepted := decision.Accepted
	// An end marker inside the accepted prefix terminates the sequence
	// there; later accepted tokens are discarded.
	eosInPrefix := false
	if s.eos >= 0 {
		for j := 0; j < accepted; j++ {
			if chunk.DraftTokens[j] == s.eos {
				accepted = j + 1
				eosInPrefix = true
				break
			}
		}
	}

	res := wire.VerifyResult{
		SessionID:      sess.ID,
		TokensAccepted: uint32(accepted),
	}

	remaining := sess.Remaining()
	switch {
	case eosInPrefix:
		res.Finished = true
	case decision.Rejected:
		// Replacement from the residual distribution at the rejected
		// position. The wire carries only the draft token's probability, so
		// the known draft mass is a point mass on that token.
		pos := decision.RejectedAt
		qDist := accept.PointMass(s.vocab, chunk.DraftTokens[pos], q[pos])
		residual := accept.Residual(score.Dists[pos], qDist)
		res.TargetToken = s.sample(residual)
		res.HasTargetToken = true
	case uint32(accepted) < remaining:
		// Whole chunk accepted with budget to spare: one bonus token from
		// the pure target distribution at the next position.
		res.TargetToken = s.sample(score.NextDist)
		res.HasTargetToken = true
	}

	commitLen := uint32(accepted)
	if res.HasTargetToken {
		commitLen++
		if s.eos >= 0 && res.TargetToken == s.eos {
			res.Finished = true
		}
	}
	if sess.Cursor+commitLen >= sess.MaxNewTokens {
		res.Finished = true
	}

	sess.Pending = &domain.PendingRound{
		Round:          sess.Round + 1,
		ChunkSize:      uint32(len(chunk.DraftTokens)),
		AcceptedCount:  uint32(accepted),
		AcceptedTokens: append([]int32(nil), chunk.DraftTokens[:accepted]...),
		TargetToken:    res.TargetToken,
		HasTargetToken: res.HasTargetToken,
		Finished:       res.Finished,
	}
	return res, nil
}

func validateSequence(seq wire.DraftSequence) error {
	if len(seq.DraftTokens) != len(seq.DraftProbs) {
		return fmt.Errorf("%w: session %d: %d draft tokens vs %d probs",
			domain.ErrArgument, seq.SessionID, len(seq.DraftTokens), len(seq.DraftProbs))
	}
	for i, p := range seq.DraftProbs {
		if p < 0 || p > 1 {
			return fmt.Errorf("%w: session %d: draft prob %g at position %d out of range",
				domain.ErrArgument, seq.SessionID, p, i)
		}
	}
	return nil
}

func truncateChunk(seq wire.DraftSequence, remaining uint32) wire.DraftSequence {
	n := len(seq.DraftTokens)
	if uint32(n) > remaining {
		n = int(remaining)
	}
	return wire.DraftSequence{
		SessionID:   seq.SessionID,
		DraftTokens: seq.DraftTokens[:n],
		DraftProbs:  seq.DraftProbs[:n],
	}
}
