package odin

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_CodeExtraction(t *testing.T) {
	err := NewError(ErrCodeAuthFailed, "token rejected")

	if CodeOf(err) != ErrCodeAuthFailed {
		t.Errorf("expected AUTH_FAILED, got %q", CodeOf(err))
	}
	if !IsCode(err, ErrCodeAuthFailed) {
		t.Error("IsCode missed the direct code")
	}
	if IsCode(err, ErrCodeNetwork) {
		t.Error("IsCode matched the wrong code")
	}
}

func TestError_WrappedChain(t *testing.T) {
	root := fmt.Errorf("dial tcp: connection refused")
	err := fmt.Errorf("join: %w", WrapError(root, ErrCodeNetwork, "gateway dial failed"))

	if !IsCode(err, ErrCodeNetwork) {
		t.Error("expected code through the wrap chain")
	}
	if !errors.Is(err, root) {
		t.Error("expected the root cause to survive unwrapping")
	}
}

func TestError_MessageFormat(t *testing.T) {
	plain := NewError(ErrCodeInvalidState, "cannot join twice")
	if got := plain.Error(); got != "INVALID_STATE: cannot join twice" {
		t.Errorf("unexpected format: %q", got)
	}

	caused := WrapError(fmt.Errorf("boom"), ErrCodeConnectionLost, "gateway connection lost")
	if got := caused.Error(); !strings.Contains(got, "caused by: boom") {
		t.Errorf("expected cause in message, got %q", got)
	}
}

func TestCodeOf_ForeignError(t *testing.T) {
	if CodeOf(fmt.Errorf("some other error")) != "" {
		t.Error("expected empty code for foreign errors")
	}
	if CodeOf(nil) != "" {
		t.Error("expected empty code for nil")
	}
}
