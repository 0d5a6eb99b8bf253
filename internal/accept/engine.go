// Package accept implements the rejection-sampling acceptance test for
// speculative decoding: a draft token i is kept with probability
// min(1, p_i/q_i), and the first rejection is repaired with a token drawn
// from the residual target distribution.
package accept

import (
	"fmt"
	"math/rand"

	"github.com/avelsh/specdec/internal/domain"
)

// Rand is the uniform source the engine draws from. *rand.Rand satisfies it;
// tests may substitute a scripted sequence.
type Rand interface {
	Float64() float64
}

// NewRand returns a seeded source suitable for the engine. Acceptance
// decisions are reproducible for a fixed seed and input.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// Decision is the outcome of running the acceptance test over one chunk.
type Decision struct {
	// Accepted is in [0, len(draft_tokens)].
	Accepted int
	// Rejected reports whether a position was rejected; when false the whole
	// chunk was accepted and the caller owes a bonus token instead of a
	// replacement.
	Rejected bool
	// RejectedAt is the first rejected position, valid only when Rejected.
	RejectedAt int
}

// Run applies the acceptance test left to right. draftProbs holds the
// proposal probability q_i of each draft token, targetProbs the target
// model's probability p_i for the same token and prefix.
//
// A token is accepted iff r < min(1, p/q) with r uniform in [0,1). The
// comparison is strict so that p == 0 can never be accepted, whatever the
// draw. q == 0 accepts unconditionally: the ratio is taken as infinite to
// avoid a division error, and a draft model cannot legitimately propose a
// zero-probability token.
func Run(rng Rand, draftProbs, targetProbs []float64) (Decision, error) {
	if len(draftProbs) != len(targetProbs) {
		return Decision{}, fmt.Errorf("%w: %d draft probs vs %d target probs",
			domain.ErrArgument, len(draftProbs), len(targetProbs))
	}
	for i, q := range draftProbs {
		if q < 0 || q > 1 {
			return Decision{}, fmt.Errorf("%w: draft prob %g at position %d out of range", domain.ErrArgument, q, i)
		}
	}

	for i := range draftProbs {
		q, p := draftProbs[i], targetProbs[i]
		if q == 0 {
			continue
		}
		ratio := p / q
		if ratio > 1 {
			ratio = 1
		}
		if rng.Float64() >= ratio {
			return Decision{Accepted: i, Rejected: true, RejectedAt: i}, nil
		}
	}
	return Decision{Accepted: len(draftProbs)}, nil
}

// Residual returns the renormalized residual distribution max(0, p-q). When
// the residual carries no mass (the draft distribution covers the target
// pointwise on everything the caller knows about), it falls back to the raw
// target distribution so a replacement can still be drawn.
func Residual(target, draft []float64) []float64 {
	out := make([]float64, len(target))
	var mass float64
	for i, p := range target {
		var q float64
		if i < len(draft) {
			q = draft[i]
		}
		if d := p - q; d > 0 {
			out[i] = d
			mass += d
		}
	}
	if mass <= 0 {
		copy(out, target)
		mass = 0
		for _, p := range target {
			mass += p
		}
		if mass <= 0 {
			return out
		}
	}
	for i := range out {
		out[i] /= mass
	}
	return out
}

// PointMass builds a vocabulary-sized distribution that places prob at token
// and zero elsewhere. The verifier uses it to subtract the one piece of draft
// mass the wire protocol carries.
func PointMass(vocab int, token int32, prob float64) []float64 {
	dist := make([]float64, vocab)
	if int(token) >= 0 && int(token) < vocab {
		dist[token] = prob
	}
	return dist
}

// Sample draws one token index from dist using a single uniform variate.
// dist need not be normalized; zero total mass yields token 0.
func Sample(rng Rand, dist []float64) int32 {
	var total float64
	for _, p := range dist {
		total += p
	}
	if total <= 0 {
		return 0
	}
	r := rng.Float64() * total
	var cum float64
	for i, p := range dist {
		cum += p
		if r < cum {
			return int32(i)
		}
	}
	// Floating point underflow on the last bucket.
	return int32(len(dist) - 1)
}
