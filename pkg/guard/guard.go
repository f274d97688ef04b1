// SPDX-License-Identifier: Apache-2.0

// Package guard screens task submissions before they are admitted. Checkers
// refuse objectives that match forbidden operation patterns; the redactor
// masks credential material in task context so secrets never reach the
// durable checkpoint or the outcome record.
package guard

import (
	"context"
	"sync"
)

// Finding is the result of screening an objective.
type Finding struct {
	// Blocked indicates the submission must be refused.
	Blocked bool

	// Reason explains the refusal (empty when not blocked).
	Reason string

	// CheckerID identifies the checker that refused.
	CheckerID string

	// Category names the matched rule category.
	Category string
}

// Checker examines an objective before admission.
type Checker interface {
	// Check returns a blocking Finding when the objective violates a rule.
	Check(ctx context.Context, objective string) Finding

	// ID returns a unique identifier for this checker.
	ID() string
}

// Screen chains checkers over submitted objectives and redacts secrets
// from task context. The zero value admits everything.
type Screen struct {
	mu       sync.RWMutex
	checkers []Checker
	redactor *SecretRedactor
}

// Option configures a Screen.
type Option func(*Screen)

// WithChecker adds a checker to the chain.
func WithChecker(c Checker) Option {
	return func(s *Screen) {
		s.checkers = append(s.checkers, c)
	}
}

// WithSecretRedaction enables credential masking of task context values.
func WithSecretRedaction() Option {
	return func(s *Screen) {
		s.redactor = NewSecretRedactor()
	}
}

// NewScreen creates a screen with the given options.
func NewScreen(opts ...Option) *Screen {
	s := &Screen{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Default returns the screen used when nothing else is configured:
// destructive-operation refusal plus secret redaction.
func Default() *Screen {
	return NewScreen(
		WithChecker(NewDestructiveOpsChecker()),
		WithSecretRedaction(),
	)
}

// Check runs all checkers and returns the first blocking finding. A
// cancelled context blocks the submission; admission is fail-closed.
func (s *Screen) Check(ctx context.Context, objective string) Finding {
	s.mu.RLock()
	checkers := s.checkers
	s.mu.RUnlock()

	for _, checker := range checkers {
		select {
		case <-ctx.Done():
			return Finding{Blocked: true, Reason: "screening cancelled", CheckerID: "system"}
		default:
		}
		finding := checker.Check(ctx, objective)
		if finding.Blocked {
			finding.CheckerID = checker.ID()
			return finding
		}
	}
	return Finding{}
}

// Sanitize returns a copy of the task context with credential material
// masked, along with the number of values that were changed. The input map
// is never modified.
func (s *Screen) Sanitize(taskCtx map[string]string) (map[string]string, int) {
	if s.redactor == nil || len(taskCtx) == 0 {
		return taskCtx, 0
	}
	out := make(map[string]string, len(taskCtx))
	changed := 0
	for k, v := range taskCtx {
		masked, n := s.redactor.Redact(v)
		out[k] = masked
		if n > 0 {
			changed++
		}
	}
	return out, changed
}

// AddChecker adds a checker at runtime.
func (s *Screen) AddChecker(c Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers = append(s.checkers, c)
}
