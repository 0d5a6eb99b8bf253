package backend

import (
	"context"
	"math"
	"testing"
)

func TestSimModel_Deterministic(t *testing.T) {
	a := NewSimModel(42, 256, 0)
	b := NewSimModel(42, 256, 0)
	prefix := a.Encode("determinism")

	da := a.dist(prefix)
	db := b.dist(prefix)
	for i := range da {
		if da[i] != db[i] {
			t.Fatalf("Same seed and prefix produced different distributions at %d", i)
		}
	}

	c := NewSimModel(7, 256, 0)
	dc := c.dist(prefix)
	same := true
	for i := range da {
		if da[i] != dc[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Different seeds produced identical distributions")
	}
}

func TestSimModel_DistributionsNormalize(t *testing.T) {
	m := NewSimModel(42, 256, 0)
	prefix := m.Encode("hello")

	d := m.dist(prefix)
	var total float64
	for _, p := range d {
		if p < 0 {
			t.Fatal("Negative probability")
		}
		total += p
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("Distribution sums to %g, want 1", total)
	}
}

func TestSimModel_ScoreBatchShapes(t *testing.T) {
	m := NewSimModel(42, 256, 0)

	reqs := []ScoreRequest{
		{SessionID: 1, Context: m.Encode("ab"), Candidate: []int32{99, 100, 101}},
		{SessionID: 2, Context: m.Encode("xyz"), Candidate: []int32{50}},
	}
	results, err := m.ScoreBatch(context.Background(), reqs)
	if err != nil {
		t.Fatalf("ScoreBatch returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for i, res := range results {
		want := len(reqs[i].Candidate)
		if len(res.TokenProbs) != want || len(res.Dists) != want {
			t.Errorf("Result %d has %d probs and %d dists, want %d", i, len(res.TokenProbs), len(res.Dists), want)
		}
		if len(res.NextDist) != 256 {
			t.Errorf("Result %d NextDist length = %d, want 256", i, len(res.NextDist))
		}
		for j, tok := range reqs[i].Candidate {
			if res.TokenProbs[j] != res.Dists[j][tok] {
				t.Errorf("Result %d: TokenProbs[%d] disagrees with Dists[%d]", i, j, j)
			}
		}
	}
}

func TestSimModel_ProposeAgreesWithScore(t *testing.T) {
	// The draft's reported probability for its own proposal must match what
	// scoring the same prefix yields, since both derive from dist.
	m := NewSimModel(42, 256, 0)
	prefix := m.Encode("agreement")

	tokens, probs, err := m.Propose(context.Background(), prefix, 4)
	if err != nil {
		t.Fatalf("Propose returned error: %v", err)
	}
	if len(tokens) == 0 || len(tokens) != len(probs) {
		t.Fatalf("Unexpected proposal shape: %d tokens, %d probs", len(tokens), len(probs))
	}

	results, err := m.ScoreBatch(context.Background(), []ScoreRequest{
		{Context: prefix, Candidate: tokens},
	})
	if err != nil {
		t.Fatalf("ScoreBatch returned error: %v", err)
	}
	for i := range tokens {
		if results[0].TokenProbs[i] != probs[i] {
			t.Errorf("Position %d: score %g, proposal reported %g", i, results[0].TokenProbs[i], probs[i])
		}
	}
}

func TestSimModel_ProposeStopsAtEOS(t *testing.T) {
	m := NewSimModel(42, 256, 0)
	tokens, _, err := m.Propose(context.Background(), m.Encode("x"), 64)
	if err != nil {
		t.Fatalf("Propose returned error: %v", err)
	}
	for i, tok := range tokens[:len(tokens)-1] {
		if tok == 0 {
			t.Errorf("End marker at position %d of %d is not last", i, len(tokens))
		}
	}
}

func TestSimModel_EncodeDecode(t *testing.T) {
	m := NewSimModel(42, 256, -1)
	text := "round trip"
	if got := m.Decode(m.Encode(text)); got != text {
		t.Errorf("Decode(Encode(%q)) = %q", text, got)
	}

	withEOS := NewSimModel(42, 256, 0)
	tokens := append(withEOS.Encode("ab"), 0)
	if got := withEOS.Decode(tokens); got != "ab" {
		t.Errorf("Expected end marker dropped, got %q", got)
	}
}
