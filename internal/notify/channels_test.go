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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestSlackChannel_Send(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, "#alerts")
	err := ch.Send(context.Background(), Message{
		ScheduleID: "sched-1",
		Summary:    "water the plants",
		Severity:   "critical",
		Title:      "Task failed after 3 of 3 attempts",
		Body:       "invoker_exception: runtime unreachable",
	})

	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if received["channel"] != "#alerts" {
		t.Errorf("channel = %v, want #alerts", received["channel"])
	}
	text, _ := received["text"].(string)
	if text == "" {
		t.Error("expected text in payload")
	}
}

func TestWebhookChannel_Send(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(204)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, map[string]string{"Authorization": "Bearer tok"})
	err := ch.Send(context.Background(), Message{
		ScheduleID:  "sched-2",
		ExecutionID: "exec-9",
		Severity:    "warning",
		Title:       "retry scheduled",
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if received["schedule_id"] != "sched-2" || received["execution_id"] != "exec-9" {
		t.Errorf("payload = %v", received)
	}
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, nil)
	if err := ch.Send(context.Background(), Message{Severity: "info", Title: "x"}); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

type captureChannel struct {
	sent []Message
}

func (c *captureChannel) Send(_ context.Context, msg Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureChannel) Type() string { return "capture" }

func TestRouterSeverityFanOut(t *testing.T) {
	info := &captureChannel{}
	critical := &captureChannel{}
	router := NewRouter(SeverityRoute{
		Info:     []Channel{info},
		Critical: []Channel{critical},
	}, nil, logr.Discard())

	router.Notify(context.Background(), Message{ScheduleID: "s1", Severity: "info", Title: "i"})
	if len(info.sent) != 1 || len(critical.sent) != 0 {
		t.Errorf("info routing: info=%d critical=%d", len(info.sent), len(critical.sent))
	}

	// Critical fans out to every level.
	router.Notify(context.Background(), Message{ScheduleID: "s1", Severity: "critical", Title: "c"})
	if len(info.sent) != 2 || len(critical.sent) != 1 {
		t.Errorf("critical routing: info=%d critical=%d", len(info.sent), len(critical.sent))
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2)

	if !rl.Allow("sched-1") || !rl.Allow("sched-1") {
		t.Fatal("first two notifications should pass")
	}
	if rl.Allow("sched-1") {
		t.Fatal("third notification within the hour should be limited")
	}
	// Other schedules have their own budget.
	if !rl.Allow("sched-2") {
		t.Fatal("limits are per schedule")
	}
}

func TestRouterRateLimit(t *testing.T) {
	ch := &captureChannel{}
	router := NewRouter(SeverityRoute{Info: []Channel{ch}}, NewRateLimiter(1), logr.Discard())

	router.Notify(context.Background(), Message{ScheduleID: "s1", Severity: "info", Title: "a", Timestamp: time.Now()})
	router.Notify(context.Background(), Message{ScheduleID: "s1", Severity: "info", Title: "b", Timestamp: time.Now()})

	if len(ch.sent) != 1 {
		t.Errorf("sent = %d, want 1 (second rate-limited)", len(ch.sent))
	}
}
