package backend

import (
	"context"
	"hash/fnv"
	"math/rand"
)

// SimModel is a deterministic byte-level language model used in tests and
// local runs where no accelerator backend is attached. Tokens are byte
// values; the distribution at any position is a pure function of the model
// seed and the trailing prefix window, so two SimModels with the same seed
// agree exactly and a draft/target pair with different seeds diverge.
type SimModel struct {
	seed  int64
	vocab int
	eos   int32
}

// Window of trailing tokens that conditions the next-token distribution.
const simWindow = 4

// NewSimModel builds a model over a byte vocabulary. eos may be -1 for no
// end-of-sequence token.
func NewSimModel(seed int64, vocab int, eos int32) *SimModel {
	if vocab <= 0 {
		vocab = 256
	}
	return &SimModel{seed: seed, vocab: vocab, eos: eos}
}

func (m *SimModel) Vocab() int { return m.vocab }

// dist returns the next-token distribution after prefix. The prefix hash
// seeds a throwaway generator so the result is reproducible.
func (m *SimModel) dist(prefix []int32) []float64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(m.seed >> (8 * i))
	}
	h.Write(buf[:])
	start := len(prefix) - simWindow
	if start < 0 {
		start = 0
	}
	for _, t := range prefix[start:] {
		h.Write([]byte{byte(t), byte(t >> 8), byte(t >> 16), byte(t >> 24)})
	}
	local := rand.New(rand.NewSource(int64(h.Sum64())))

	// A peaked distribution: a handful of favored tokens carry most of the
	// mass, the rest share a uniform floor.
	weights := make([]float64, m.vocab)
	const floor = 0.01
	for i := range weights {
		weights[i] = floor
	}
	for k := 0; k < 4; k++ {
		weights[local.Intn(m.vocab)] += local.Float64() * float64(int(8) >> k)
	}
	// End-of-sequence pressure grows with generated length so runs finish.
	if m.eos >= 0 && int(m.eos) < m.vocab {
		weights[m.eos] += float64(len(prefix)) * 0.05
	}
	var total float64
	for _, w := range weights {
		total += w
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

// ScoreBatch scores every chunk or none; the sim never fails partially.
func (m *SimModel) ScoreBatch(_ context.Context, reqs []ScoreRequest) ([]ScoreResult, error) {
	out := make([]ScoreResult, len(reqs))
	for n, req := range reqs {
		prefix := append([]int32(nil), req.Context...)
		res := ScoreResult{
			TokenProbs: make([]float64, len(req.Candidate)),
			Dists:      make([][]float64, len(req.Candidate)),
		}
		for i, tok := range req.Candidate {
			d := m.dist(prefix)
			res.Dists[i] = d
			if int(tok) >= 0 && int(tok) < m.vocab {
				res.TokenProbs[i] = d[tok]
			}
			prefix = append(prefix, tok)
		}
		res.NextDist = m.dist(prefix)
		out[n] = res
	}
	return out, nil
}

// Propose samples up to n tokens autoregressively. Sampling randomness is
// derived from the prefix, so proposals are reproducible as well.
func (m *SimModel) Propose(_ context.Context, prefix []int32, n int) ([]int32, []float64, error) {
	cur := append([]int32(nil), prefix...)
	tokens := make([]int32, 0, n)
	probs := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		d := m.dist(cur)
		tok := argmax(d)
		tokens = append(tokens, tok)
		probs = append(probs, d[tok])
		cur = append(cur, tok)
		if m.eos >= 0 && tok == m.eos {
			break
		}
	}
	return tokens, probs, nil
}

func argmax(d []float64) int32 {
	best := 0
	for i, p := range d {
		if p > d[best] {
			best = i
		}
	}
	return int32(best)
}

// Encode maps text to byte tokens.
func (m *SimModel) Encode(text string) []int32 {
	toks := make([]int32, 0, len(text))
	for _, b := range []byte(text) {
		toks = append(toks, int32(b))
	}
	return toks
}

// Decode maps byte tokens back to text, dropping the end marker and any
// token outside the byte range.
func (m *SimModel) Decode(tokens []int32) string {
	buf := make([]byte, 0, len(tokens))
	for _, t := range tokens {
		if t == m.eos || t < 0 || t > 255 {
			continue
		}
		buf = append(buf, byte(t))
	}
	return string(buf)
}
