// Package domain holds the core records shared across the coordinator.
package domain

import "time"

// Session is one in-progress generation job. All mutable fields are owned by
// the session store and may only be touched while the session is held.
type Session struct {
	ID           uint64
	Prompt       string
	MaxNewTokens uint32
	Gamma        uint32

	// Context is the tokenized prompt; Committed holds only generated
	// tokens, so Cursor == len(Committed).
	Context   []int32
	Committed []int32
	Cursor    uint32
	Finished  bool

	// Round counts completed verify/finalize cycles. Pending carries the
	// outcome of a verify round until the matching finalize consumes it.
	Round   uint64
	Pending *PendingRound

	Stats      Stats
	CreatedAt  time.Time
	LastActive time.Time
}

// PendingRound records what the verifier decided for the in-flight round so
// that finalize can validate the tokens the client commits.
type PendingRound struct {
	Round          uint64
	ChunkSize      uint32
	AcceptedCount  uint32
	AcceptedTokens []int32
	TargetToken    int32
	HasTargetToken bool
	Finished       bool
}

// CommitLen is the number of tokens a finalize for this round must carry.
func (p *PendingRound) CommitLen() uint32 {
	n := p.AcceptedCount
	if p.HasTargetToken {
		n++
	}
	return n
}

// Stats accumulates per-session acceptance bookkeeping across rounds.
type Stats struct {
	Proposed uint64 `json:"proposed"` // draft tokens submitted for verification
	Accepted uint64 `json:"accepted"` // draft tokens accepted by the target
	Forced   uint64 `json:"forced"`   // replacement/bonus tokens sampled from the target
}

// AcceptanceRate is the share of committed tokens that came from the draft.
func (s Stats) AcceptanceRate() float64 {
	total := s.Accepted + s.Forced
	if total == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(total)
}

// Sequence returns the full token sequence (prompt context plus committed).
func (s *Session) Sequence() []int32 {
	seq := make([]int32, 0, len(s.Context)+len(s.Committed))
	seq = append(seq, s.Context...)
	return append(seq, s.Committed...)
}

// Remaining is how many tokens the session may still commit.
func (s *Session) Remaining() uint32 {
	if s.Cursor >= s.MaxNewTokens {
		return 0
	}
	return s.MaxNewTokens - s.Cursor
}

// Generation is a finished generation as persisted by the store.
type Generation struct {
	SessionID   uint64        `json:"session_id"`
	Prompt      string        `json:"prompt"`
	OutputText  string        `json:"output_text"`
	TokensOut   uint32        `json:"tokens_out"`
	Accepted    uint64        `json:"accepted"`
	Forced      uint64        `json:"forced"`
	MatchRate   float64       `json:"match_rate"`
	WallTime    time.Duration `json:"wall_time_ms"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Speculative bool          `json:"speculative"`
}
