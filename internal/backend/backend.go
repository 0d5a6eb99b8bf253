// Package backend defines the narrow seams to the draft and target model
// runtimes. Real model inference (forward passes, accelerator placement)
// lives behind these interfaces and is not this repository's concern.
package backend

import "context"

// ScoreRequest asks the target model to score one candidate chunk
// conditioned on a prefix.
type ScoreRequest struct {
	SessionID uint64
	Context   []int32
	Candidate []int32
}

// ScoreResult is the target model's view of one scored chunk.
type ScoreResult struct {
	// TokenProbs[i] is the target probability of Candidate[i] given
	// Context plus Candidate[:i].
	TokenProbs []float64
	// Dists[i] is the full target distribution at position i, used for
	// residual sampling after a rejection.
	Dists [][]float64
	// NextDist is the distribution at the position following the last
	// candidate token, used for the bonus token when the whole chunk is
	// accepted. For an empty candidate it is the distribution at the end
	// of Context.
	NextDist []float64
}

// Target scores candidate chunks. One ScoreBatch call is one forward pass:
// it either scores every request or fails as a whole.
type Target interface {
	ScoreBatch(ctx context.Context, reqs []ScoreRequest) ([]ScoreResult, error)
	Vocab() int
}

// Draft proposes up to n next tokens with their proposal probabilities.
type Draft interface {
	Propose(ctx context.Context, prefix []int32, n int) (tokens []int32, probs []float64, err error)
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) []int32
	Decode(tokens []int32) string
}
