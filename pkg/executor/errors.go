package executor

import (
	"errors"
	"fmt"

	"github.com/kashaf12/mandate/pkg/contracts"
)

// ErrDeferUnsupported is returned when an admission path yields a DEFER
// decision. No shipping component emits one; seeing it means a custom
// backend got ahead of the executor.
var ErrDeferUnsupported = errors.New("executor: DEFER decisions are not supported")

// BlockedError is raised when an action is refused: at admission, when the
// execution lease expires, or when verification exceeds its deadline. It
// carries the full decision so callers can branch on the code and honor
// RetryAfterMs on soft blocks.
type BlockedError struct {
	AgentID  string
	ActionID string
	Decision contracts.Decision
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("executor: action %s for agent %s blocked: %s (%s)",
		e.ActionID, e.AgentID, e.Decision.Reason, e.Decision.Code)
}

// Code returns the block code.
func (e *BlockedError) Code() contracts.BlockCode {
	return e.Decision.Code
}

// Retryable reports whether waiting can clear the block. Rate-limit blocks
// are retryable after Decision.RetryAfterMs; duplicates, kills, expiry, and
// permission blocks are not.
func (e *BlockedError) Retryable() bool {
	return !e.Decision.Hard
}

// VerificationError is raised when a tool policy's verifier rejects an
// execution result. The result was produced but must not be trusted;
// charging has already been settled per the charging policy.
type VerificationError struct {
	AgentID  string
	ActionID string
	Err      error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("executor: verification failed for action %s: %v", e.ActionID, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}
