package schedules

import "strings"

// Actor types.
const (
	ActorHuman     = "human"
	ActorAgent     = "agent"
	ActorScheduled = "scheduled"
	ActorSystem    = "system"
)

// Scheduled-actor attribute values. The capability gate admits exactly
// this tuple and nothing else.
const (
	ChannelScheduled     = "scheduled"
	PrivilegeConstrained = "constrained"
	AutonomyLimited      = "limited"
)

// ActorContext identifies who initiated a mutation and under which channel.
type ActorContext struct {
	ActorType      string  `json:"actor_type"`
	ActorID        *string `json:"actor_id,omitempty"`
	Channel        string  `json:"channel"`
	PrivilegeLevel string  `json:"privilege_level,omitempty"`
	AutonomyLevel  string  `json:"autonomy_level,omitempty"`
	TraceID        string  `json:"trace_id"`
	RequestID      *string `json:"request_id,omitempty"`
}

// ScheduledActor returns the synthetic constrained identity under which all
// scheduler-initiated actions run.
func ScheduledActor(traceID string) ActorContext {
	return ActorContext{
		ActorType:      ActorScheduled,
		Channel:        ChannelScheduled,
		PrivilegeLevel: PrivilegeConstrained,
		AutonomyLevel:  AutonomyLimited,
		TraceID:        traceID,
	}
}

// IsScheduled reports whether the context matches the scheduled
// constrained-limited tuple exactly.
func (a ActorContext) IsScheduled() bool {
	return a.ActorType == ActorScheduled &&
		a.Channel == ChannelScheduled &&
		a.PrivilegeLevel == PrivilegeConstrained &&
		a.AutonomyLevel == AutonomyLimited
}

// Summary renders a compact actor description for audit rows and errors.
func (a ActorContext) Summary() string {
	id := ""
	if a.ActorID != nil {
		id = *a.ActorID
	}
	parts := []string{a.ActorType}
	if id != "" {
		parts = append(parts, id)
	}
	if a.Channel != "" {
		parts = append(parts, "via "+a.Channel)
	}
	return strings.Join(parts, " ")
}

// Validate enforces the actor invariants on mutations: actor type, channel
// and trace id must be set, and the scheduled identity is reserved for the
// dispatcher.
func (a ActorContext) Validate(allowScheduled bool) error {
	if strings.TrimSpace(a.ActorType) == "" {
		return &MissingActorError{Field: "actor_type"}
	}
	if strings.TrimSpace(a.Channel) == "" {
		return &MissingActorError{Field: "channel"}
	}
	if strings.TrimSpace(a.TraceID) == "" {
		return &MissingActorError{Field: "trace_id"}
	}
	if !allowScheduled && a.ActorType == ActorScheduled {
		return &ValidationError{Field: "actor_type", Msg: "scheduled actor is reserved for the dispatcher"}
	}
	return nil
}
