/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the scheduler
// control plane.
//
// Each timer callback becomes a trace rooted at dispatch.callback, with
// child spans for predicate evaluation and the agent invocation. Command
// mutations trace the timer adapter sync.
//
// Custom span attributes use the `adjutant.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/marcus-qen/adjutant/controlplane"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("adjutant-controlplane"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartCallbackSpan creates the parent span for a timer callback dispatch.
func StartCallbackSpan(ctx context.Context, scheduleID, trigger, traceID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch.callback",
		trace.WithAttributes(
			attribute.String("adjutant.schedule_id", scheduleID),
			attribute.String("adjutant.trigger", trigger),
			attribute.String("adjutant.trace_id", traceID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartPredicateSpan creates a child span for a conditional predicate evaluation.
func StartPredicateSpan(ctx context.Context, subject, operator string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "predicate.evaluate",
		trace.WithAttributes(
			attribute.String("adjutant.predicate_subject", subject),
			attribute.String("adjutant.predicate_operator", operator),
		),
	)
}

// EndPredicateSpan enriches the predicate span with the evaluation result.
func EndPredicateSpan(span trace.Span, triggered bool, errorCode string) {
	span.SetAttributes(attribute.Bool("adjutant.predicate_triggered", triggered))
	if errorCode != "" {
		span.SetAttributes(attribute.String("adjutant.predicate_error", errorCode))
	}
	span.End()
}

// StartInvocationSpan creates a child span for the agent invocation.
func StartInvocationSpan(ctx context.Context, executionID string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.invoke",
		trace.WithAttributes(
			attribute.String("adjutant.execution_id", executionID),
			attribute.Int("adjutant.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndInvocationSpan enriches the invocation span with the terminal status.
func EndInvocationSpan(span trace.Span, status, errorCode string) {
	span.SetAttributes(attribute.String("adjutant.execution_status", status))
	if errorCode != "" {
		span.SetAttributes(attribute.String("adjutant.error_code", errorCode))
	}
	span.End()
}

// StartAdapterSyncSpan creates a child span for a timer adapter mutation sync.
func StartAdapterSyncSpan(ctx context.Context, scheduleID, event string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "timer.sync",
		trace.WithAttributes(
			attribute.String("adjutant.schedule_id", scheduleID),
			attribute.String("adjutant.sync_event", event),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndAdapterSyncSpan closes the sync span, recording the adapter error
// code when the sync failed.
func EndAdapterSyncSpan(span trace.Span, errorCode string) {
	if errorCode != "" {
		span.SetAttributes(attribute.String("adjutant.sync_error", errorCode))
	}
	span.End()
}
