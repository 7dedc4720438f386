package dispatch

import (
	"time"

	"github.com/marcus-qen/adjutant/internal/controlplane/invoker"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// ErrCodeInvalidResultStatus marks an agent result whose status is not in
// the known set. Such executions fail without retry inspection.
const ErrCodeInvalidResultStatus = "invalid_result_status"

// RetryPolicy parameterizes the retry decision. Pure data, safe to share.
type RetryPolicy struct {
	MaxAttempts        int    `json:"max_attempts"`
	BackoffStrategy    string `json:"backoff_strategy"`
	BackoffBaseSeconds int    `json:"backoff_base_seconds"`
	BackoffMaxSeconds  int    `json:"backoff_max_seconds"`
}

// DefaultRetryPolicy returns the stock policy: three attempts with
// exponential backoff from one minute, capped at an hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		BackoffStrategy:    schedules.BackoffExponential,
		BackoffBaseSeconds: 60,
		BackoffMaxSeconds:  3600,
	}
}

// ShouldRetry reports whether another attempt is permitted.
func ShouldRetry(attemptCount, maxAttempts int) bool {
	return attemptCount < maxAttempts
}

// ComputeRetryAt returns when the next attempt should fire, or nil for
// the none strategy. retryCount is the 1-based index of the retry being
// scheduled.
func ComputeRetryAt(finishedAt time.Time, retryCount int, policy RetryPolicy) *time.Time {
	if retryCount < 1 {
		retryCount = 1
	}
	var delay time.Duration
	switch policy.BackoffStrategy {
	case schedules.BackoffFixed:
		delay = time.Duration(policy.BackoffBaseSeconds) * time.Second
	case schedules.BackoffExponential:
		seconds := policy.BackoffBaseSeconds
		for i := 1; i < retryCount; i++ {
			seconds *= 2
			if policy.BackoffMaxSeconds > 0 && seconds >= policy.BackoffMaxSeconds {
				seconds = policy.BackoffMaxSeconds
				break
			}
		}
		if policy.BackoffMaxSeconds > 0 && seconds > policy.BackoffMaxSeconds {
			seconds = policy.BackoffMaxSeconds
		}
		delay = time.Duration(seconds) * time.Second
	case schedules.BackoffNone:
		return nil
	default:
		return nil
	}
	at := finishedAt.UTC().Add(delay)
	return &at
}

// Decision is the outcome of applying the retry decision table to one
// invocation result.
type Decision struct {
	Status       string
	NextRetryAt  *time.Time
	RetryCount   int
	ErrorCode    *string
	ErrorMessage *string
}

// Decide maps (attempt, result, policy) to the execution's next status.
// attemptCount and retryCount describe the attempt that just finished.
// A retry hint from the agent overrides the policy's backoff strategy and
// next-attempt time; the attempt budget itself is not negotiable.
func Decide(policy RetryPolicy, attemptCount, retryCount int, result invoker.InvocationResult, finishedAt time.Time) Decision {
	switch result.Status {
	case invoker.StatusSuccess:
		return Decision{Status: schedules.ExecSucceeded, RetryCount: retryCount}

	case invoker.StatusFailure, invoker.StatusDeferred:
		d := Decision{RetryCount: retryCount}
		if result.Error != nil {
			code, msg := result.Error.ErrorCode, result.Error.ErrorMessage
			d.ErrorCode, d.ErrorMessage = &code, &msg
		}

		effective := policy
		if hint := result.RetryHint; hint != nil && hint.BackoffStrategy != nil {
			effective.BackoffStrategy = *hint.BackoffStrategy
		}
		if effective.BackoffStrategy != schedules.BackoffNone && ShouldRetry(attemptCount, policy.MaxAttempts) {
			d.RetryCount = retryCount + 1
			if hint := result.RetryHint; hint != nil && hint.RetryAfter != nil {
				at := hint.RetryAfter.UTC()
				d.NextRetryAt = &at
			} else {
				d.NextRetryAt = ComputeRetryAt(finishedAt, d.RetryCount, effective)
			}
			if d.NextRetryAt != nil {
				d.Status = schedules.ExecRetryScheduled
				return d
			}
			d.RetryCount = retryCount
		}
		d.Status = schedules.ExecFailed
		return d

	default:
		code := ErrCodeInvalidResultStatus
		msg := "agent returned unrecognized status " + result.Status
		return Decision{
			Status:       schedules.ExecFailed,
			RetryCount:   retryCount,
			ErrorCode:    &code,
			ErrorMessage: &msg,
		}
	}
}
