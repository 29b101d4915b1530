package realtime

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapErrorPreservesInnerStatusCode(t *testing.T) {
	inner := NewError(CodeDisconnected, 503, "transport down")
	wrapped := WrapError(CodeMessagesAttachmentFailed, 500, "failed to attach room", inner)

	if wrapped.StatusCode != 503 {
		t.Fatalf("status = %d, want the inner 503", wrapped.StatusCode)
	}
	if wrapped.Code != CodeMessagesAttachmentFailed {
		t.Fatalf("code = %d, want the annotation code", wrapped.Code)
	}
	if !errors.Is(wrapped, inner) {
		t.Fatal("wrapped error must unwrap to its cause")
	}
}

func TestWrapErrorPlainCause(t *testing.T) {
	wrapped := WrapError(CodeInternalError, 500, "boom", errors.New("socket closed"))
	if wrapped.StatusCode != 500 {
		t.Fatalf("status = %d, want the supplied 500", wrapped.StatusCode)
	}
}

func TestAsErrorInfoThroughWrapping(t *testing.T) {
	inner := NewError(CodeUnauthorized, 401, "bad credentials")
	err := fmt.Errorf("connect: %w", inner)

	ei, ok := AsErrorInfo(err)
	if !ok {
		t.Fatal("expected to find the ErrorInfo through fmt.Errorf wrapping")
	}
	if ei.Code != CodeUnauthorized {
		t.Fatalf("code = %d, want unauthorized", ei.Code)
	}

	if _, ok := AsErrorInfo(errors.New("plain")); ok {
		t.Fatal("plain errors must not match")
	}
}
