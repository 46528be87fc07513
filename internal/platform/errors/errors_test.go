package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := Wrap(fmt.Errorf("disk full"), ErrCodeInternal, "failed to add part")
	if !stderrors.Is(err, &Error{Code: ErrCodeInternal}) {
		t.Fatal("expected code match")
	}
	if stderrors.Is(err, &Error{Code: ErrCodeNotFound}) {
		t.Fatal("unexpected code match")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection reset")
	err := fmt.Errorf("outer: %w", Wrap(cause, ErrCodeUnavailable, "store unavailable"))
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if got := CodeOf(err); got != ErrCodeUnavailable {
		t.Fatalf("code = %s, want %s", got, ErrCodeUnavailable)
	}
	if got := err.Error(); got != "outer: store unavailable: connection reset" {
		t.Fatalf("message = %q", got)
	}
}

func TestCodeOfPlainError(t *testing.T) {
	t.Parallel()

	if got := CodeOf(fmt.Errorf("boom")); got != ErrCodeInternal {
		t.Fatalf("code = %s, want %s", got, ErrCodeInternal)
	}
}

func TestHasCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("finalize: %w", New(ErrCodeInconsistent, "cart cleared but workflow kept"))
	if !HasCode(err, ErrCodeInconsistent) {
		t.Fatal("expected inconsistent code")
	}
	if HasCode(err, ErrCodeFinalizeFailed) {
		t.Fatal("unexpected finalize code")
	}
}

func TestNotFoundMetadata(t *testing.T) {
	t.Parallel()

	err := NotFound("cart", "lab1")
	if err.Metadata["resource"] != "cart" || err.Metadata["id"] != "lab1" {
		t.Fatalf("metadata = %v", err.Metadata)
	}
	withExtra := err.WithMetadata("user", "U1")
	if _, ok := err.Metadata["user"]; ok {
		t.Fatal("WithMetadata mutated the receiver")
	}
	if withExtra.Metadata["user"] != "U1" {
		t.Fatalf("metadata = %v", withExtra.Metadata)
	}
}

func TestCodeMappings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code Code
		grpc codes.Code
		http int
	}{
		{ErrCodeNotFound, codes.NotFound, http.StatusNotFound},
		{ErrCodeInvalidInput, codes.InvalidArgument, http.StatusBadRequest},
		{ErrCodeFinalizeFailed, codes.FailedPrecondition, http.StatusConflict},
		{ErrCodeUnavailable, codes.Unavailable, http.StatusServiceUnavailable},
		{ErrCodeInconsistent, codes.DataLoss, http.StatusInternalServerError},
		{ErrCodeInternal, codes.Internal, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := tc.code.GRPCCode(); got != tc.grpc {
			t.Errorf("%s grpc = %v, want %v", tc.code, got, tc.grpc)
		}
		if got := tc.code.HTTPStatus(); got != tc.http {
			t.Errorf("%s http = %d, want %d", tc.code, got, tc.http)
		}
	}
}
