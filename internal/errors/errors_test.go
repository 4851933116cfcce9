package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	err := Wrap(CodeModelFailure, context.DeadlineExceeded, "模型调用超时")
	if !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be preserved")
	}
	if CodeOf(err) != CodeModelFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	wrapped := fmt.Errorf("turn: %w", err)
	if CodeOf(wrapped) != CodeModelFailure {
		t.Fatalf("expected code to survive fmt wrapping")
	}
	if !RetryableError(wrapped) {
		t.Fatalf("model failures should be retryable")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeToolNotFound, "contact.merge")
	b := New(CodeToolNotFound, "")
	if !stdErrors.Is(a, b) {
		t.Fatalf("errors with the same code should match")
	}
	if stdErrors.Is(a, New(CodeToolFailure, "")) {
		t.Fatalf("errors with different codes should not match")
	}
}

func TestUserMessage(t *testing.T) {
	err := New(CodeAmbiguousReference, "2 contacts match")
	if err.UserMessage() == "" || err.UserMessage() == err.Message() {
		t.Fatalf("expected a registered user message, got %q", err.UserMessage())
	}
	custom := New(CodeToolFailure, "boom", WithUserMessage("The calendar is offline."))
	if UserMessageOf(custom) != "The calendar is offline." {
		t.Fatalf("unexpected user message: %q", UserMessageOf(custom))
	}
	if UserMessageOf(stdErrors.New("raw")) != AttributesOf(CodeUnknown).UserMessage {
		t.Fatalf("raw errors must not leak their text")
	}
}

func TestRegisterOverridesAttributes(t *testing.T) {
	code := Code("TEST_CUSTOM")
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})
	err := New(code, "")
	if err.Message() != "custom" || !err.Retryable() || err.Severity() != SeverityWarning {
		t.Fatalf("unexpected attributes: %+v", err)
	}
	if New(code, "", WithRetryable(false)).Retryable() {
		t.Fatalf("option should override registry")
	}
}
