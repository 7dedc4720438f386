package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// Actor headers. Every mutating API request must carry at least the
// actor type; the rest defaults sensibly.
const (
	HeaderActorType = "X-Adjutant-Actor-Type"
	HeaderActorID   = "X-Adjutant-Actor-Id"
	HeaderChannel   = "X-Adjutant-Channel"
	HeaderPrivilege = "X-Adjutant-Privilege"
	HeaderAutonomy  = "X-Adjutant-Autonomy"
	HeaderTraceID   = "X-Adjutant-Trace-Id"
	HeaderRequestID = "X-Adjutant-Request-Id"
)

// MissingActorContextError is returned when a mutating request carries no
// usable actor identity.
type MissingActorContextError struct {
	Header string
}

func (e *MissingActorContextError) Error() string {
	return "missing actor context header " + e.Header
}

// ActorFromRequest builds the actor context from request headers.
//
// The scheduled identity is reserved for the dispatcher and rejected
// here; timer callbacks do not arrive through the public API.
func ActorFromRequest(r *http.Request) (schedules.ActorContext, error) {
	actorType := strings.TrimSpace(r.Header.Get(HeaderActorType))
	if actorType == "" {
		return schedules.ActorContext{}, &MissingActorContextError{Header: HeaderActorType}
	}
	if actorType == schedules.ActorScheduled {
		return schedules.ActorContext{}, &schedules.ValidationError{
			Field: "actor_type",
			Msg:   "scheduled actor is reserved for the dispatcher",
		}
	}

	actor := schedules.ActorContext{
		ActorType:      actorType,
		Channel:        strings.TrimSpace(r.Header.Get(HeaderChannel)),
		PrivilegeLevel: strings.TrimSpace(r.Header.Get(HeaderPrivilege)),
		AutonomyLevel:  strings.TrimSpace(r.Header.Get(HeaderAutonomy)),
		TraceID:        strings.TrimSpace(r.Header.Get(HeaderTraceID)),
	}
	if actor.Channel == "" {
		actor.Channel = "api"
	}
	if actor.TraceID == "" {
		actor.TraceID = uuid.NewString()
	}
	if id := strings.TrimSpace(r.Header.Get(HeaderActorID)); id != "" {
		actor.ActorID = &id
	}
	if rid := strings.TrimSpace(r.Header.Get(HeaderRequestID)); rid != "" {
		actor.RequestID = &rid
	}
	return actor, nil
}
