package draft

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/avelsh/specdec/internal/backend"
	"github.com/avelsh/specdec/internal/batch"
	"github.com/avelsh/specdec/internal/domain"
	"github.com/avelsh/specdec/internal/session"
	"github.com/avelsh/specdec/internal/verifier"
	"github.com/avelsh/specdec/internal/wire"
)

const (
	testVocab = 256
	testEOS   = 0
)

// startCoordinator brings up the full server stack on an in-process listener
// and returns a connected client.
func startCoordinator(t *testing.T, targetSeed int64) *wire.Client {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	target := backend.NewSimModel(targetSeed, testVocab, testEOS)
	sched := batch.New(target, batch.Options{MaxBatchSize: 8, MaxWait: time.Millisecond})
	go sched.Run(ctx)

	svc := verifier.New(session.New(), sched, target, target, verifier.Config{
		EOSToken: testEOS,
		Seed:     1,
	}, nil, nil)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	wire.RegisterSpeculativeServiceServer(srv, svc)
	go func() {
		if err := srv.Serve(lis); err != nil {
			t.Logf("gRPC server stopped: %v", err)
		}
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufconn: %v", err)
	}
	client := wire.NewClientConn(conn, nil)
	t.Cleanup(client.Close)
	return client
}

func newTestLoop(client *wire.Client, draftSeed int64, sessionID uint64, maxNew, gamma uint32) *Loop {
	model := backend.NewSimModel(draftSeed, testVocab, testEOS)
	l := New(client, model, model, nil)
	l.SessionID = sessionID
	l.Prompt = "the quick brown fox"
	l.MaxNewTokens = maxNew
	l.Gamma = gamma
	return l
}

func TestLoop_EndToEnd(t *testing.T) {
	client := startCoordinator(t, 42)

	// A draft with a different seed disagrees with the target often enough to
	// exercise both acceptance and rejection.
	loop := newTestLoop(client, 7, 1, 32, 4)
	res, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(res.Tokens) == 0 {
		t.Fatal("Expected at least one committed token")
	}
	if uint32(len(res.Tokens)) > loop.MaxNewTokens {
		t.Errorf("Committed %d tokens, budget is %d", len(res.Tokens), loop.MaxNewTokens)
	}
	if res.Rounds == 0 {
		t.Error("Expected at least one round")
	}

	// Every committed token is either an accepted draft token or a target
	// replacement/bonus; the books must balance.
	if res.Stats.Accepted+res.Stats.Forced != uint64(len(res.Tokens)) {
		t.Errorf("Stats do not cover the output: %+v for %d tokens", res.Stats, len(res.Tokens))
	}
	if res.Stats.Accepted > res.Stats.Proposed {
		t.Errorf("Accepted %d of only %d proposed", res.Stats.Accepted, res.Stats.Proposed)
	}
}

func TestLoop_MatchingModelsAcceptEverything(t *testing.T) {
	// Draft and target share a seed, so p == q at every position and no draft
	// token is ever rejected. Forced tokens are bonus draws only.
	client := startCoordinator(t, 42)

	loop := newTestLoop(client, 42, 1, 24, 4)
	res, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Stats.Proposed == 0 {
		t.Fatal("Expected proposals")
	}
	if res.Stats.Accepted != res.Stats.Proposed {
		t.Errorf("Identical models must accept every proposal: %+v", res.Stats)
	}
}

func TestLoop_SequenceMatchesServerCommitment(t *testing.T) {
	// Two runs of the same session id must be rejected on the second start.
	client := startCoordinator(t, 42)

	first := newTestLoop(client, 7, 5, 16, 4)
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// The finished session is evicted server-side, so the id is reusable.
	second := newTestLoop(client, 7, 5, 16, 4)
	res2, err := second.Run(context.Background())
	if err != nil {
		t.Fatalf("Second run returned error: %v", err)
	}
	if len(res2.Tokens) == 0 {
		t.Error("Expected tokens from the reused session id")
	}
}

func TestLoop_UnknownSessionSurfacesNotFound(t *testing.T) {
	client := startCoordinator(t, 42)

	// Verify without a start must surface the domain error through the stack.
	_, err := client.VerifyBatchTokens(context.Background(), &wire.VerifyBatchRequest{
		Sequences: []wire.DraftSequence{{SessionID: 404, DraftTokens: []int32{1}, DraftProbs: []float32{0.5}}},
	})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound through the client, got %v", err)
	}
}

func TestLoop_RunFullBaseline(t *testing.T) {
	client := startCoordinator(t, 42)

	loop := newTestLoop(client, 7, 9, 16, 4)
	text, err := loop.RunFull(context.Background())
	if err != nil {
		t.Fatalf("RunFull returned error: %v", err)
	}
	// The sim target reaches its end marker quickly; the call must still
	// succeed and return the decoded text.
	if len(text) > 16 {
		t.Errorf("Baseline produced %d bytes for a 16 token budget", len(text))
	}
}
