/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// FailureNotificationService turns finished executions into operator
// notifications. Terminal failures are critical, scheduled retries are
// warnings, everything else is silent.
type FailureNotificationService struct {
	store  *schedules.Store
	router *Router
	log    logr.Logger
}

// NewFailureNotificationService wires the service.
func NewFailureNotificationService(store *schedules.Store, router *Router, log logr.Logger) *FailureNotificationService {
	return &FailureNotificationService{store: store, router: router, log: log}
}

// NotifyIfNeeded is the dispatcher's best-effort post-execution hook.
func (s *FailureNotificationService) NotifyIfNeeded(ctx context.Context, executionID string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}

	var severity, title string
	switch exec.Status {
	case schedules.ExecFailed:
		severity = "critical"
		title = fmt.Sprintf("Task failed after %d of %d attempts", exec.AttemptCount, exec.MaxAttempts)
	case schedules.ExecRetryScheduled:
		severity = "warning"
		title = fmt.Sprintf("Task attempt %d failed, retry scheduled", exec.AttemptCount)
	default:
		return nil
	}

	summary := exec.ScheduleID
	if intent, err := s.store.GetTaskIntent(ctx, exec.TaskIntentID); err == nil {
		summary = intent.Summary
	}

	body := ""
	if exec.LastErrorCode != nil {
		body = *exec.LastErrorCode
	}
	if exec.LastErrorMessage != nil {
		if body != "" {
			body += ": "
		}
		body += *exec.LastErrorMessage
	}
	if exec.NextRetryAt != nil {
		body += fmt.Sprintf("\nNext retry at %s", exec.NextRetryAt.Format(time.RFC3339))
	}

	errs := s.router.Notify(ctx, Message{
		ScheduleID:  exec.ScheduleID,
		ExecutionID: exec.ID,
		Summary:     summary,
		Severity:    severity,
		Title:       title,
		Body:        body,
		Timestamp:   time.Now().UTC(),
	})
	if len(errs) > 0 {
		return fmt.Errorf("%d notification channel(s) failed", len(errs))
	}
	return nil
}
