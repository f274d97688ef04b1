// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for opsgate.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies opsgate errors for monitoring, retry decisions and the
// outcome taxonomy recorded on terminal tasks.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeValidation indicates a malformed task submission, rejected synchronously.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeClassification indicates the risk classifier could not determine a
	// signature. The task is not dropped; it defaults to high risk.
	CodeClassification ErrorCode = "CLASSIFICATION_ERROR"

	// CodeToolInvocation indicates an external tool adapter failed or returned
	// malformed output. Recoverable; retried by dispatch.
	CodeToolInvocation ErrorCode = "TOOL_INVOCATION_ERROR"

	// CodeApprovalTimeout indicates a pending approval expired unresolved.
	CodeApprovalTimeout ErrorCode = "APPROVAL_TIMEOUT"

	// CodeHumanRejected indicates an operator rejected a pending approval.
	CodeHumanRejected ErrorCode = "HUMAN_REJECTED"

	// CodePolicyConflict indicates a learning cycle lost a policy publish race.
	CodePolicyConflict ErrorCode = "POLICY_UPDATE_CONFLICT"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeStoreError indicates the durable store is unavailable or failed a write.
	CodeStoreError ErrorCode = "STORE_ERROR"
)

// OpsError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type OpsError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
	StatusCode  int // For HTTP responses
}

// Error implements the error interface.
func (e *OpsError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *OpsError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *OpsError) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
	})
}

// New creates a new OpsError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *OpsError {
	return &OpsError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *OpsError) WithContext(key string, value interface{}) *OpsError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *OpsError) WithRecoverable(recoverable bool) *OpsError {
	e.Recoverable = recoverable
	return e
}

// AsOpsError attempts to convert an error to an OpsError.
// Returns the error as OpsError if it is one, or wraps it otherwise.
func AsOpsError(err error) *OpsError {
	if err == nil {
		return nil
	}
	if oe, ok := err.(*OpsError); ok {
		return oe
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the error code carried by err, or CodeInternal for
// untyped errors. Returns an empty code for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if oe, ok := err.(*OpsError); ok {
		return oe.Code
	}
	return CodeInternal
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodeValidation:
		return 400
	case CodeTimeout, CodeApprovalTimeout:
		return 408
	case CodePolicyConflict:
		return 409
	case CodeStoreError:
		return 503
	default:
		return 500
	}
}
