package dispatch

import (
	"testing"
	"time"

	"github.com/marcus-qen/adjutant/internal/controlplane/invoker"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		attempt, max int
		want         bool
	}{
		{1, 3, true},
		{2, 3, true},
		{3, 3, false},
		{4, 3, false},
		{1, 1, false},
	}
	for _, tc := range cases {
		if got := ShouldRetry(tc.attempt, tc.max); got != tc.want {
			t.Errorf("ShouldRetry(%d, %d) = %v, want %v", tc.attempt, tc.max, got, tc.want)
		}
	}
}

func TestComputeRetryAtFixed(t *testing.T) {
	finished := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	policy := RetryPolicy{BackoffStrategy: schedules.BackoffFixed, BackoffBaseSeconds: 300}

	for _, retryCount := range []int{1, 2, 5} {
		at := ComputeRetryAt(finished, retryCount, policy)
		if at == nil || !at.Equal(finished.Add(300*time.Second)) {
			t.Errorf("retry %d: got %v, want %v", retryCount, at, finished.Add(300*time.Second))
		}
	}
}

func TestComputeRetryAtExponential(t *testing.T) {
	finished := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	policy := RetryPolicy{
		BackoffStrategy:    schedules.BackoffExponential,
		BackoffBaseSeconds: 60,
		BackoffMaxSeconds:  300,
	}

	cases := []struct {
		retryCount  int
		wantSeconds int
	}{
		{1, 60},
		{2, 120},
		{3, 240},
		{4, 300}, // capped
		{9, 300},
		{0, 60}, // clamped to the first retry
	}
	for _, tc := range cases {
		at := ComputeRetryAt(finished, tc.retryCount, policy)
		want := finished.Add(time.Duration(tc.wantSeconds) * time.Second)
		if at == nil || !at.Equal(want) {
			t.Errorf("retry %d: got %v, want %v", tc.retryCount, at, want)
		}
	}
}

func TestComputeRetryAtNone(t *testing.T) {
	finished := time.Now().UTC()
	if at := ComputeRetryAt(finished, 1, RetryPolicy{BackoffStrategy: schedules.BackoffNone}); at != nil {
		t.Errorf("none strategy: got %v, want nil", at)
	}
	if at := ComputeRetryAt(finished, 1, RetryPolicy{BackoffStrategy: "bogus"}); at != nil {
		t.Errorf("unknown strategy: got %v, want nil", at)
	}
}

func TestDecideSuccess(t *testing.T) {
	finished := time.Now().UTC()
	d := Decide(DefaultRetryPolicy(), 2, 1, invoker.InvocationResult{Status: invoker.StatusSuccess}, finished)
	if d.Status != schedules.ExecSucceeded {
		t.Errorf("status = %q, want succeeded", d.Status)
	}
	if d.NextRetryAt != nil || d.ErrorCode != nil {
		t.Errorf("success decision carries retry/error fields: %+v", d)
	}
}

func TestDecideFailureSchedulesRetry(t *testing.T) {
	finished := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	policy := RetryPolicy{
		MaxAttempts:        3,
		BackoffStrategy:    schedules.BackoffFixed,
		BackoffBaseSeconds: 300,
	}
	result := invoker.Failure("task_failed", "calendar unreachable")

	d := Decide(policy, 1, 0, result, finished)
	if d.Status != schedules.ExecRetryScheduled {
		t.Fatalf("status = %q, want retry_scheduled", d.Status)
	}
	if d.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", d.RetryCount)
	}
	if d.NextRetryAt == nil || !d.NextRetryAt.Equal(finished.Add(300*time.Second)) {
		t.Errorf("next retry = %v", d.NextRetryAt)
	}
	if d.ErrorCode == nil || *d.ErrorCode != "task_failed" {
		t.Errorf("error code = %v", d.ErrorCode)
	}
}

func TestDecideFailureAtMaxAttempts(t *testing.T) {
	finished := time.Now().UTC()
	policy := RetryPolicy{MaxAttempts: 2, BackoffStrategy: schedules.BackoffFixed, BackoffBaseSeconds: 60}
	result := invoker.Failure("task_failed", "still broken")

	d := Decide(policy, 2, 1, result, finished)
	if d.Status != schedules.ExecFailed {
		t.Fatalf("status = %q, want failed", d.Status)
	}
	if d.NextRetryAt != nil {
		t.Errorf("terminal failure must not schedule a retry: %v", d.NextRetryAt)
	}
	if d.RetryCount != 1 {
		t.Errorf("retry count = %d, want unchanged 1", d.RetryCount)
	}
	if d.ErrorMessage == nil || *d.ErrorMessage != "still broken" {
		t.Errorf("error message = %v", d.ErrorMessage)
	}
}

func TestDecideDeferredBehavesLikeFailure(t *testing.T) {
	finished := time.Now().UTC()
	d := Decide(DefaultRetryPolicy(), 1, 0, invoker.InvocationResult{Status: invoker.StatusDeferred}, finished)
	if d.Status != schedules.ExecRetryScheduled || d.RetryCount != 1 {
		t.Errorf("deferred decision = %+v, want retry_scheduled retry 1", d)
	}
}

func TestDecideNoneStrategyFailsImmediately(t *testing.T) {
	finished := time.Now().UTC()
	policy := RetryPolicy{MaxAttempts: 3, BackoffStrategy: schedules.BackoffNone}
	d := Decide(policy, 1, 0, invoker.InvocationResult{Status: invoker.StatusFailure}, finished)
	if d.Status != schedules.ExecFailed {
		t.Errorf("status = %q, want failed", d.Status)
	}
}

func TestDecideHonorsRetryAfterHint(t *testing.T) {
	finished := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	policy := RetryPolicy{MaxAttempts: 3, BackoffStrategy: schedules.BackoffFixed, BackoffBaseSeconds: 300}
	retryAfter := finished.Add(45 * time.Minute)

	result := invoker.Failure("rate_limited", "provider throttled us")
	result.RetryHint = &invoker.RetryHint{RetryAfter: &retryAfter}

	d := Decide(policy, 1, 0, result, finished)
	if d.Status != schedules.ExecRetryScheduled {
		t.Fatalf("status = %q, want retry_scheduled", d.Status)
	}
	if d.NextRetryAt == nil || !d.NextRetryAt.Equal(retryAfter) {
		t.Errorf("next retry = %v, want the hinted %v", d.NextRetryAt, retryAfter)
	}
}

func TestDecideHonorsBackoffStrategyHint(t *testing.T) {
	finished := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	policy := RetryPolicy{MaxAttempts: 3, BackoffStrategy: schedules.BackoffFixed, BackoffBaseSeconds: 300}

	// An agent hinting "none" suppresses the retry the policy would allow.
	none := schedules.BackoffNone
	result := invoker.Failure("task_failed", "no point retrying")
	result.RetryHint = &invoker.RetryHint{BackoffStrategy: &none}

	d := Decide(policy, 1, 0, result, finished)
	if d.Status != schedules.ExecFailed {
		t.Fatalf("status = %q, want failed", d.Status)
	}
	if d.NextRetryAt != nil {
		t.Errorf("hinted none must not schedule a retry: %v", d.NextRetryAt)
	}

	// The hint cannot stretch the attempt budget.
	exp := schedules.BackoffExponential
	result.RetryHint = &invoker.RetryHint{BackoffStrategy: &exp}
	d = Decide(policy, 3, 2, result, finished)
	if d.Status != schedules.ExecFailed || d.NextRetryAt != nil {
		t.Errorf("exhausted budget decision = %+v, want terminal failure", d)
	}
}

func TestDecideUnknownStatus(t *testing.T) {
	finished := time.Now().UTC()
	d := Decide(DefaultRetryPolicy(), 1, 0, invoker.InvocationResult{Status: "partial"}, finished)
	if d.Status != schedules.ExecFailed {
		t.Fatalf("status = %q, want failed", d.Status)
	}
	if d.ErrorCode == nil || *d.ErrorCode != ErrCodeInvalidResultStatus {
		t.Errorf("error code = %v, want %s", d.ErrorCode, ErrCodeInvalidResultStatus)
	}
	if d.NextRetryAt != nil {
		t.Errorf("unknown status must not schedule a retry")
	}
}
