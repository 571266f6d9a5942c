package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodeStoreUnavailable, "open session store", cause)

	if err.Error() != "open session store" {
		t.Fatalf("expected internal message, got %q", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to match with errors.Is")
	}
}

func TestGetCode(t *testing.T) {
	err := New(CodeAgentBusy, "turn already in flight")
	wrapped := fmt.Errorf("submit: %w", err)

	if got := GetCode(wrapped); got != CodeAgentBusy {
		t.Fatalf("expected AGENT_BUSY through wrapping, got %q", got)
	}
	if got := GetCode(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("expected UNKNOWN for plain error, got %q", got)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeUnauthorized, "observer may not advance")
	if !stderrors.Is(err, New(CodeUnauthorized, "")) {
		t.Fatal("expected code-based match")
	}
	if stderrors.Is(err, New(CodeAgentBusy, "")) {
		t.Fatal("expected mismatch for different code")
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	tests := []struct {
		code Code
		want codes.Code
	}{
		{CodeUnauthorized, codes.PermissionDenied},
		{CodeInvalidTransition, codes.FailedPrecondition},
		{CodeAgentBusy, codes.ResourceExhausted},
		{CodeRateLimited, codes.ResourceExhausted},
		{CodeProviderError, codes.Unavailable},
		{CodeConflictingVersion, codes.Aborted},
		{CodeNotFound, codes.NotFound},
		{CodeUnknown, codes.Internal},
	}
	for _, tt := range tests {
		if got := tt.code.GRPCCode(); got != tt.want {
			t.Fatalf("code %q: expected %v, got %v", tt.code, tt.want, got)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !CodeAgentBusy.Retryable() {
		t.Fatal("expected AGENT_BUSY to be retryable")
	}
	if CodeUnauthorized.Retryable() {
		t.Fatal("expected UNAUTHORIZED to be terminal")
	}
}
