// Package predicate evaluates conditional-schedule predicates: validate,
// gate the subject resolver behind the capability check, compare the
// resolved value, and record the evaluation audit row.
package predicate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/capability"
	"github.com/marcus-qen/adjutant/internal/controlplane/metrics"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
	"github.com/marcus-qen/adjutant/internal/controlplane/storage"
)

// Result codes. StatusError results always carry one of these.
const (
	CodeInvalidPredicate     = "invalid_predicate"
	CodeOperatorNotSupported = "operator_not_supported"
	CodeForbidden            = "forbidden"
	CodeSubjectNotFound      = "subject_not_found"
	CodeValueTypeMismatch    = "value_type_mismatch"
	CodeEvaluationFailed     = "evaluation_failed"
	codeOK                   = "ok"
)

// ResolverError is the typed failure of a subject resolver; its code
// propagates into the evaluation result unchanged.
type ResolverError struct {
	Code    string
	Message string
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SubjectResolver reads one observable. Implementations live outside the
// core (MCP tools, vault lookups); the service only ever calls them after
// the capability gate allows.
type SubjectResolver interface {
	Name() string
	Resolve(ctx context.Context, subject string, actor schedules.ActorContext) (any, error)
}

// Request is one evaluation.
type Request struct {
	ScheduleID     string
	ExecutionID    *string
	Subject        string
	Operator       string
	Value          *string
	EvaluationTime time.Time
	CorrelationID  string
	Actor          schedules.ActorContext
}

// Result is the evaluation outcome. Triggered is true exactly when the
// predicate held.
type Result struct {
	EvaluationID  string
	Status        string // audit.PredicateTrue | PredicateFalse | PredicateError
	ResultCode    string
	Triggered     bool
	ObservedValue *string
	ErrorMessage  string
}

// Service wires the gate, the resolver, and the audit store.
type Service struct {
	gate     *capability.Gate
	resolver SubjectResolver
	audits   *audit.Store
	logger   *zap.Logger
	now      func() time.Time
}

// NewService builds an evaluation service.
func NewService(gate *capability.Gate, resolver SubjectResolver, audits *audit.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		gate:     gate,
		resolver: resolver,
		audits:   audits,
		logger:   logger.Named("predicate"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CapabilityID extracts the capability from a subject: everything before
// the first "/", or the whole subject when it has no path.
func CapabilityID(subject string) string {
	if i := strings.Index(subject, "/"); i >= 0 {
		return subject[:i]
	}
	return subject
}

// Evaluate runs the six-step protocol. The audit row is appended through
// q so it commits atomically with the caller's transaction. The returned
// error is reserved for audit-persistence failures; evaluation problems
// are reported in the Result.
func (s *Service) Evaluate(ctx context.Context, q storage.Querier, req Request) (Result, error) {
	result := Result{EvaluationID: uuid.NewString()}
	defer func() { metrics.RecordPredicateEvaluation(resultLabel(result)) }()
	decision := audit.DecisionAllow
	var denyReason *capability.Decision

	if code, msg := validate(req); code != "" {
		result.Status = audit.PredicateError
		result.ResultCode = code
		result.ErrorMessage = msg
		return result, s.record(ctx, q, req, result, decision, nil)
	}

	capabilityID := CapabilityID(req.Subject)
	gateDecision := s.gate.Check(capabilityID, req.Actor, map[string]string{
		"schedule_id": req.ScheduleID,
	})
	if !gateDecision.Allowed {
		decision = audit.DecisionDeny
		denyReason = &gateDecision
		result.Status = audit.PredicateError
		result.ResultCode = CodeForbidden
		result.ErrorMessage = gateDecision.Reason
		return result, s.record(ctx, q, req, result, decision, denyReason)
	}

	observed, err := s.resolver.Resolve(ctx, req.Subject, req.Actor)
	if err != nil {
		result.Status = audit.PredicateError
		result.ErrorMessage = err.Error()
		var resolverErr *ResolverError
		if errors.As(err, &resolverErr) {
			result.ResultCode = resolverErr.Code
		} else {
			result.ResultCode = CodeEvaluationFailed
		}
		return result, s.record(ctx, q, req, result, decision, nil)
	}
	result.ObservedValue = stringifyPtr(observed)

	matched, code, msg := compare(req.Operator, observed, req.Value)
	if code != "" {
		result.Status = audit.PredicateError
		result.ResultCode = code
		result.ErrorMessage = msg
		return result, s.record(ctx, q, req, result, decision, nil)
	}

	result.Triggered = matched
	result.ResultCode = codeOK
	if matched {
		result.Status = audit.PredicateTrue
	} else {
		result.Status = audit.PredicateFalse
	}
	return result, s.record(ctx, q, req, result, decision, nil)
}

func (s *Service) record(ctx context.Context, q storage.Querier, req Request, result Result, decision string, deny *capability.Decision) error {
	row := audit.PredicateRow{
		EvaluationID:          result.EvaluationID,
		ScheduleID:            req.ScheduleID,
		ExecutionID:           req.ExecutionID,
		Subject:               req.Subject,
		Operator:              req.Operator,
		Value:                 req.Value,
		EvaluationTime:        req.EvaluationTime.UTC(),
		EvaluatedAt:           s.now(),
		Status:                result.Status,
		ResultCode:            result.ResultCode,
		ObservedValue:         result.ObservedValue,
		AuthorizationDecision: decision,
		ProviderName:          s.resolver.Name(),
		ProviderAttempt:       1,
		CorrelationID:         req.CorrelationID,
	}
	if deny != nil {
		row.AuthorizationReasonCode = &deny.ReasonCode
		row.AuthorizationReasonMessage = &deny.Reason
	}
	if _, err := s.audits.AppendPredicate(ctx, q, row); err != nil {
		return fmt.Errorf("record predicate evaluation: %w", err)
	}
	return nil
}

func resultLabel(result Result) string {
	switch result.Status {
	case audit.PredicateTrue:
		return "triggered"
	case audit.PredicateFalse:
		return "not_triggered"
	}
	return "error"
}

// validate is step 1: shape checks only, no I/O.
func validate(req Request) (code, msg string) {
	if strings.TrimSpace(req.Subject) == "" {
		return CodeInvalidPredicate, "predicate subject is required"
	}
	switch req.Operator {
	case schedules.OpEq, schedules.OpNeq, schedules.OpGt, schedules.OpGte,
		schedules.OpLt, schedules.OpLte, schedules.OpExists, schedules.OpMatches:
	case "":
		return CodeInvalidPredicate, "predicate operator is required"
	default:
		return CodeOperatorNotSupported, fmt.Sprintf("operator %q is not supported", req.Operator)
	}
	if req.Operator != schedules.OpExists {
		if req.Value == nil || strings.TrimSpace(*req.Value) == "" {
			return CodeInvalidPredicate, fmt.Sprintf("operator %q requires a value", req.Operator)
		}
	}
	if req.Operator == schedules.OpMatches {
		if !validPattern(*req.Value) {
			return CodeInvalidPredicate, fmt.Sprintf("pattern %q contains characters outside the allowed set", *req.Value)
		}
	}
	return "", ""
}
