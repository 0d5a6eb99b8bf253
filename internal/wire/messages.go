// Package wire defines the RPC contract between the draft-side client and
// the target-side coordinator. Two protocol generations coexist: the batched
// v2 calls are authoritative, the single-session v1 calls are kept as thin
// adapters for older clients.
package wire

// StartRequest opens a generation session.
type StartRequest struct {
	SessionID    uint64 `json:"session_id"`
	Prompt       string `json:"prompt"`
	MaxNewTokens uint32 `json:"max_new_tokens"`
	Gamma        uint32 `json:"gamma"`
}

// StartResponse acknowledges session creation.
type StartResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// DraftSequence is one round's proposal for one session. DraftProbs[i] is
// the proposal probability the draft model assigned to DraftTokens[i].
type DraftSequence struct {
	SessionID   uint64    `json:"session_id"`
	DraftTokens []int32   `json:"draft_tokens"`
	DraftProbs  []float32 `json:"draft_probs"`
}

// VerifyBatchRequest carries one DraftSequence per session.
type VerifyBatchRequest struct {
	Sequences []DraftSequence `json:"sequences"`
}

// VerifyResult is the server's acceptance decision for one session.
// HasTargetToken distinguishes "no replacement" from a legitimate token id
// of zero.
type VerifyResult struct {
	SessionID      uint64 `json:"session_id"`
	TokensAccepted uint32 `json:"tokens_accepted"`
	TargetToken    int32  `json:"target_token"`
	HasTargetToken bool   `json:"has_target_token"`
	Finished       bool   `json:"finished"`
}

// VerifyBatchResponse holds exactly one result per submitted session,
// matched by session id.
type VerifyBatchResponse struct {
	Results []VerifyResult `json:"results"`
}

// VerifyRequest is the legacy single-session verify.
type VerifyRequest struct {
	SessionID   uint64    `json:"session_id"`
	DraftTokens []int32   `json:"draft_tokens"`
	DraftProbs  []float32 `json:"draft_probs"`
}

// VerifyResponse is the legacy single-session verify result: the accepted
// prefix plus its length.
type VerifyResponse struct {
	CommittedIDs  []int32 `json:"committed_ids"`
	AcceptedCount uint32  `json:"accepted_count"`
	Finished      bool    `json:"finished"`
}

// FinalizeSequence commits the accepted prefix (plus replacement or bonus
// token, if any) for one session.
type FinalizeSequence struct {
	SessionID uint64  `json:"session_id"`
	Tokens    []int32 `json:"tokens"`
}

// FinalizeBatchRequest carries independent per-session commits.
type FinalizeBatchRequest struct {
	Sequences []FinalizeSequence `json:"sequences"`
}

// FinalizeResult reports per-session commit outcome. Err carries a
// session-level failure; finalize mutations are independent, so one failed
// session does not block the others.
type FinalizeResult struct {
	SessionID uint64 `json:"session_id"`
	Finished  bool   `json:"finished"`
	Err       string `json:"err,omitempty"`
}

// FinalizeBatchResponse holds one result per submitted session.
type FinalizeBatchResponse struct {
	Results []FinalizeResult `json:"results"`
}

// FinalizeRequest is the legacy single-session finalize: the client reports
// how much of the previously verified chunk it accepted and the server
// answers with the replacement (or bonus) token.
type FinalizeRequest struct {
	SessionID      uint64 `json:"session_id"`
	AcceptedCount  uint32 `json:"accepted_count"`
	DraftChunkSize uint32 `json:"draft_chunk_size"`
}

// FinalizeResponse carries the replacement/bonus token when present.
type FinalizeResponse struct {
	FinalToken    int32 `json:"final_token"`
	HasFinalToken bool  `json:"has_final_token"`
	Finished      bool  `json:"finished"`
}

// GenerateRequest asks for a pure target-only generation (no speculation).
// Gamma is accepted for wire compatibility and ignored.
type GenerateRequest struct {
	SessionID    uint64 `json:"session_id"`
	Prompt       string `json:"prompt"`
	MaxNewTokens uint32 `json:"max_new_tokens"`
	Gamma        uint32 `json:"gamma"`
}

// GenerateResponse is the decoded target-only output.
type GenerateResponse struct {
	OutputText string `json:"output_text"`
}
