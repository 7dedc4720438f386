package schedules

import (
	"context"

	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
)

// QueryService is the read surface: filtered, cursor-paginated views over
// schedules, executions, and the three audit logs. It never mutates state
// and never contacts the timer engine.
type QueryService struct {
	store  *Store
	audits *audit.Store
	logger *zap.Logger
}

// NewQueryService wires the query service.
func NewQueryService(store *Store, audits *audit.Store, logger *zap.Logger) *QueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryService{
		store:  store,
		audits: audits,
		logger: logger.Named("queries"),
	}
}

// GetSchedule returns one schedule by id.
func (s *QueryService) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// GetTaskIntent returns one task intent by id.
func (s *QueryService) GetTaskIntent(ctx context.Context, id string) (*TaskIntent, error) {
	return s.store.GetTaskIntent(ctx, id)
}

// ListSchedules returns schedules matching the filter, newest first, with
// an opaque cursor for the next page.
func (s *QueryService) ListSchedules(ctx context.Context, query ScheduleQuery) ([]Schedule, string, error) {
	return s.store.ListSchedules(ctx, query)
}

// GetExecution returns one execution by id.
func (s *QueryService) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// ListExecutions returns executions matching the filter, newest first.
func (s *QueryService) ListExecutions(ctx context.Context, query ExecutionQuery) ([]Execution, string, error) {
	return s.store.ListExecutions(ctx, query)
}

// ScheduleAuditLog pages through the schedule lifecycle audit log.
func (s *QueryService) ScheduleAuditLog(ctx context.Context, f audit.ScheduleFilter) ([]audit.ScheduleRow, string, error) {
	return s.audits.ListSchedule(ctx, f)
}

// ExecutionAuditLog pages through the execution audit log.
func (s *QueryService) ExecutionAuditLog(ctx context.Context, f audit.ExecutionFilter) ([]audit.ExecutionRow, string, error) {
	return s.audits.ListExecution(ctx, f)
}

// PredicateAuditLog pages through the predicate evaluation audit log.
func (s *QueryService) PredicateAuditLog(ctx context.Context, f audit.PredicateFilter) ([]audit.PredicateRow, string, error) {
	return s.audits.ListPredicate(ctx, f)
}
