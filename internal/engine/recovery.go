package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/aide-sh/aide/pkg/schema"
)

// recoveryWire is the LLM recovery decision as it appears on the wire.
// Decoded only after the raw payload passes schema validation.
type recoveryWire struct {
	Action            string                `json:"action"`
	Reasoning         string                `json:"reasoning"`
	Modifications     *schema.StepOverrides `json:"modifications,omitempty"`
	RetryDelaySeconds float64               `json:"retry_delay_seconds,omitempty"`
}

func decodeRecovery(raw []byte) (*schema.RecoveryAction, error) {
	var w recoveryWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "recovery action does not match expected shape").WithCause(err)
	}
	return &schema.RecoveryAction{
		Action:        schema.RecoveryActionType(w.Action),
		Reasoning:     w.Reasoning,
		Modifications: w.Modifications,
		RetryDelay:    time.Duration(w.RetryDelaySeconds * float64(time.Second)),
	}, nil
}

// ApplyRecoveryPolicy enforces the retry budget on a recovery decision.
// Pure: any non-abort action is overridden to abort once the budget is
// exhausted, regardless of what the model answered.
func ApplyRecoveryPolicy(action *schema.RecoveryAction, retryCount, maxRetries int) *schema.RecoveryAction {
	if action.Action == schema.RecoveryAbort {
		return action
	}
	if retryCount >= maxRetries {
		return &schema.RecoveryAction{
			Action:    schema.RecoveryAbort,
			Reasoning: "retry budget exhausted (" + action.Reasoning + ")",
		}
	}
	return action
}

// abortAction is the safe default when recovery reasoning itself is
// unavailable. Never guess an optimistic outcome.
func abortAction(reason string) *schema.RecoveryAction {
	return &schema.RecoveryAction{
		Action:    schema.RecoveryAbort,
		Reasoning: reason,
	}
}

// IsRetryableError classifies whether a step error is worth retrying.
// Typed errors decide for themselves; network errors and timeouts are
// retryable; cancellation is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var aideErr *schema.AideError
	if errors.As(err, &aideErr) {
		return aideErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// waitRetryDelay sleeps for the recovery delay or returns early when the
// context is cancelled.
func waitRetryDelay(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
