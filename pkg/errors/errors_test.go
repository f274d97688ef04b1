package errors

import (
	stderrors "errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := New(CodeToolInvocation, "adapter unreachable", cause)
	want := "[TOOL_INVOCATION_ERROR] adapter unreachable: connection refused"
	if err.Error() != want {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Fatalf("expected unwrap to reach cause")
	}
}

func TestErrorWithoutCause(t *testing.T) {
	err := New(CodeValidation, "objective is required", nil)
	want := "[VALIDATION_ERROR] objective is required"
	if err.Error() != want {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestWithContextChaining(t *testing.T) {
	err := New(CodeTimeout, "worker exceeded deadline", nil).
		WithContext("task_id", "t-1").
		WithRecoverable(true)
	if err.Context["task_id"] != "t-1" {
		t.Fatalf("expected context to carry task_id")
	}
	if !err.Recoverable {
		t.Fatalf("expected recoverable")
	}
}

func TestAsOpsError(t *testing.T) {
	typed := New(CodeNotFound, "no such task", nil)
	if AsOpsError(typed) != typed {
		t.Fatalf("expected identity for typed errors")
	}
	wrapped := AsOpsError(stderrors.New("boom"))
	if wrapped.Code != CodeInternal {
		t.Fatalf("expected internal code, got %s", wrapped.Code)
	}
	if AsOpsError(nil) != nil {
		t.Fatalf("expected nil for nil")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != "" {
		t.Fatalf("expected empty code for nil")
	}
	if CodeOf(stderrors.New("x")) != CodeInternal {
		t.Fatalf("expected internal for untyped")
	}
	if CodeOf(New(CodeHumanRejected, "rejected", nil)) != CodeHumanRejected {
		t.Fatalf("expected human rejected code")
	}
}

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{CodeValidation, 400},
		{CodeNotFound, 404},
		{CodeTimeout, 408},
		{CodePolicyConflict, 409},
		{CodeStoreError, 503},
		{CodeInternal, 500},
	}
	for _, tc := range cases {
		if got := New(tc.code, "x", nil).StatusCode; got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.code, tc.want, got)
		}
	}
}
