// Package capability decides whether the scheduler's synthetic actor may
// touch a named capability. Only read-only capabilities are ever allowed,
// and only for the exact scheduled-constrained-limited actor tuple.
package capability

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// Deny reason codes.
const (
	ReasonNotReadOnly         = "not_read_only"
	ReasonUnknownCapability   = "unknown_capability"
	ReasonInvalidActorContext = "invalid_actor_context"
)

// defaultAllowlist names the read-only capabilities scheduler-initiated
// predicate evaluation may exercise.
var defaultAllowlist = []string{
	"obsidian.read",
	"memory.propose",
	"vault.search",
	"messaging.read",
	"calendar.read",
	"reminders.read",
	"blob.read",
	"filesystem.read",
	"github.read",
	"web.fetch",
	"scheduler.read",
	"policy.read",
}

// denylist names the side-effecting counterparts explicitly, so a config
// mistake that adds one to the allowlist still cannot open it up.
var denylist = []string{
	"obsidian.write",
	"memory.store",
	"memory.normalize",
	"memory.promote",
	"vault.write",
	"messaging.send",
	"messaging.notify",
	"calendar.write",
	"reminders.write",
	"blob.write",
	"filesystem.write",
	"github.write",
	"web.emit",
	"scheduler.write",
	"policy.write",
}

// Decision is the outcome of one gate check.
type Decision struct {
	Allowed    bool
	ReasonCode string
	Reason     string
}

// DenyEvent is handed to the audit callback on every deny.
type DenyEvent struct {
	CapabilityID      string
	Actor             schedules.ActorContext
	ReasonCode        string
	Reason            string
	OccurredAt        time.Time
	EvaluationContext map[string]string
}

// DenyCallback records a denial. Failures are logged and swallowed; the
// gate's answer never depends on the audit path.
type DenyCallback func(DenyEvent) error

// GateError is the typed error raised by Require on a deny.
type GateError struct {
	CapabilityID string
	ReasonCode   string
	ActorSummary string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("capability %s denied (%s) for %s", e.CapabilityID, e.ReasonCode, e.ActorSummary)
}

// Gate is a pure, thread-safe allow/deny oracle. The allow set may be
// overridden from configuration; the deny set may not.
type Gate struct {
	allow  map[string]struct{}
	deny   map[string]struct{}
	onDeny DenyCallback
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithAllowlist replaces the default allow set. Entries also present in
// the deny set stay denied.
func WithAllowlist(capabilities []string) Option {
	return func(g *Gate) {
		g.allow = toSet(capabilities)
	}
}

// WithDenyCallback installs the denial audit hook.
func WithDenyCallback(cb DenyCallback) Option {
	return func(g *Gate) { g.onDeny = cb }
}

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate builds a gate with the default capability partition.
func NewGate(logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		allow:  toSet(defaultAllowlist),
		deny:   toSet(denylist),
		logger: logger.Named("capability"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// Check decides one capability for one actor. The deny set wins over
// everything, then the actor tuple, then allow-set membership.
func (g *Gate) Check(capabilityID string, actor schedules.ActorContext, evalCtx map[string]string) Decision {
	if _, denied := g.deny[capabilityID]; denied {
		return g.denyWith(capabilityID, actor, evalCtx, ReasonNotReadOnly,
			fmt.Sprintf("capability %s is side-effecting", capabilityID))
	}
	if !actor.IsScheduled() {
		return g.denyWith(capabilityID, actor, evalCtx, ReasonInvalidActorContext,
			"actor does not match the scheduled constrained-limited identity")
	}
	if _, allowed := g.allow[capabilityID]; !allowed {
		return g.denyWith(capabilityID, actor, evalCtx, ReasonUnknownCapability,
			fmt.Sprintf("capability %s is not in the read-only allowlist", capabilityID))
	}
	return Decision{Allowed: true}
}

// Require is Check that raises. Deny becomes a *GateError.
func (g *Gate) Require(capabilityID string, actor schedules.ActorContext, evalCtx map[string]string) error {
	decision := g.Check(capabilityID, actor, evalCtx)
	if decision.Allowed {
		return nil
	}
	return &GateError{
		CapabilityID: capabilityID,
		ReasonCode:   decision.ReasonCode,
		ActorSummary: actor.Summary(),
	}
}

func (g *Gate) denyWith(capabilityID string, actor schedules.ActorContext, evalCtx map[string]string, code, reason string) Decision {
	if g.onDeny != nil {
		event := DenyEvent{
			CapabilityID:      capabilityID,
			Actor:             actor,
			ReasonCode:        code,
			Reason:            reason,
			OccurredAt:        g.now(),
			EvaluationContext: evalCtx,
		}
		if err := g.onDeny(event); err != nil {
			g.logger.Warn("deny audit callback failed",
				zap.String("capability", capabilityID),
				zap.String("reason_code", code),
				zap.Error(err))
		}
	}
	return Decision{ReasonCode: code, Reason: reason}
}
