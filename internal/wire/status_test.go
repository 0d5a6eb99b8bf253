package wire

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/avelsh/specdec/internal/domain"
)

func TestStatus_RoundTrip(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{domain.ErrSessionNotFound, codes.NotFound},
		{domain.ErrSessionExists, codes.AlreadyExists},
		{domain.ErrSessionBusy, codes.Aborted},
		{domain.ErrChunkMismatch, codes.FailedPrecondition},
		{domain.ErrArgument, codes.InvalidArgument},
		{domain.ErrBackend, codes.Internal},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
	}

	for _, c := range cases {
		st := ToStatus(fmt.Errorf("%w: details", c.err))
		got, ok := status.FromError(st)
		if !ok {
			t.Fatalf("ToStatus(%v) did not produce a status error", c.err)
		}
		if got.Code() != c.code {
			t.Errorf("ToStatus(%v) code = %v, want %v", c.err, got.Code(), c.code)
		}
		if back := FromStatus(st); !errors.Is(back, c.err) {
			t.Errorf("FromStatus did not recover %v, got %v", c.err, back)
		}
	}
}

func TestStatus_Nil(t *testing.T) {
	if ToStatus(nil) != nil {
		t.Error("ToStatus(nil) must be nil")
	}
	if FromStatus(nil) != nil {
		t.Error("FromStatus(nil) must be nil")
	}
}

func TestStatus_UnknownErrorPassesThrough(t *testing.T) {
	st := ToStatus(errors.New("surprising"))
	got, _ := status.FromError(st)
	if got.Code() != codes.Unknown {
		t.Errorf("Expected Unknown code, got %v", got.Code())
	}
}

func TestCodec_PresenceFlagSurvives(t *testing.T) {
	codec := jsonCodec{}

	// A zero-valued token id must stay distinguishable from "no token".
	in := &VerifyResult{SessionID: 4, TokensAccepted: 2, TargetToken: 0, HasTargetToken: true}
	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}

	var out VerifyResult
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if !out.HasTargetToken || out.TargetToken != 0 {
		t.Errorf("Presence flag lost across the wire: %+v", out)
	}
}
