// Package context assembles the RuntimeContext a node's guards, rules, and
// action handler read from: five read-only compartments merged fresh on
// every orchestration cycle so no stale view can leak between steps.
package context

import "time"

// ClientCompartment holds caller-supplied identity and request-scoped data.
type ClientCompartment struct {
	ClientID   string
	Principal  string
	Attributes map[string]any
}

// DomainCompartment holds the business payload the process was started with,
// plus any domain data merged in by completed node outputs.
type DomainCompartment struct {
	Payload map[string]any
}

// EntityStateCompartment holds the accumulated output of every completed
// node, keyed by node id, so later guards can reference an earlier node's
// result without it leaking into the original domain payload.
type EntityStateCompartment struct {
	NodeOutputs map[string]map[string]any
}

// Obligation is a pending timer or external commitment the process is
// tracking (e.g. an SLA deadline, a scheduled retry).
type Obligation struct {
	ID       string
	Kind     string
	DueAt    time.Time
	NodeID   string
	Metadata map[string]any
}

// OperationalCompartment holds system-level bookkeeping: engine state plus
// pending obligations evaluated by the periodic sweep.
type OperationalCompartment struct {
	SystemState map[string]any
	Obligations []Obligation
}

// EventRecord is one event that has been observed by the instance.
type EventRecord struct {
	Type       string
	Payload    map[string]any
	OccurredAt time.Time
}

// EventHistoryCompartment holds the ordered events this instance has seen.
type EventHistoryCompartment struct {
	Events []EventRecord
}

// RuntimeContext is the full read-only view assembled for one evaluation
// cycle. Guards and rules only ever read from it; nothing here is mutated
// by the evaluation/decision pipeline.
type RuntimeContext struct {
	Client       ClientCompartment
	Domain       DomainCompartment
	EntityState  EntityStateCompartment
	Operational  OperationalCompartment
	EventHistory EventHistoryCompartment

	// RuleOutputs holds the results of business rules already evaluated
	// this cycle, keyed by rule id, so downstream guards can reference them.
	RuleOutputs map[string]bool
	// PolicyResults holds the results of policy gates already evaluated
	// this cycle, keyed by policy id.
	PolicyResults map[string]PolicyResult
	// TriggeringEvent is the event that caused this cycle to run, if any.
	TriggeringEvent *EventRecord
}

// PolicyDecision is the outcome of one policy gate evaluation.
type PolicyDecision string

const (
	PolicyPassed PolicyDecision = "PASSED"
	PolicyFailed PolicyDecision = "FAILED"
	PolicyWaived PolicyDecision = "WAIVED"
)

// PolicyResult carries a policy gate's decision and the gate's declared type,
// since a FAILED STATUTORY gate blocks unconditionally while others may be waived.
type PolicyResult struct {
	Decision PolicyDecision
	GateType string
}

// Assembler builds a RuntimeContext for one evaluation cycle from the
// instance-level domain payload, accumulated node outputs, and event
// history.
type Assembler struct{}

func NewAssembler() *Assembler { return &Assembler{} }

// Assemble builds a RuntimeContext from the given inputs. nodeOutputs maps
// completed node id to its output; it is exposed both under EntityState
// (the canonical per-node accumulator) and merged into Domain.Payload under
// the node id key so guards can reference "domain.nodeId.field" uniformly.
func (a *Assembler) Assemble(
	clientID, principal string,
	clientAttrs map[string]any,
	domainPayload map[string]any,
	nodeOutputs map[string]map[string]any,
	systemState map[string]any,
	obligations []Obligation,
	events []EventRecord,
	triggeringEvent *EventRecord,
) *RuntimeContext {
	merged := make(map[string]any, len(domainPayload)+len(nodeOutputs))
	for k, v := range domainPayload {
		merged[k] = v
	}
	for nodeID, out := range nodeOutputs {
		merged[nodeID] = out
	}

	entityState := make(map[string]map[string]any, len(nodeOutputs))
	for nodeID, out := range nodeOutputs {
		entityState[nodeID] = out
	}

	return &RuntimeContext{
		Client: ClientCompartment{
			ClientID:   clientID,
			Principal:  principal,
			Attributes: clientAttrs,
		},
		Domain:      DomainCompartment{Payload: merged},
		EntityState: EntityStateCompartment{NodeOutputs: entityState},
		Operational: OperationalCompartment{
			SystemState: systemState,
			Obligations: obligations,
		},
		EventHistory:    EventHistoryCompartment{Events: events},
		RuleOutputs:     make(map[string]bool),
		PolicyResults:   make(map[string]PolicyResult),
		TriggeringEvent: triggeringEvent,
	}
}

// ToEvalEnv flattens the compartments into the variable environment the
// expression evaluator binds guard expressions against.
func (rc *RuntimeContext) ToEvalEnv() map[string]any {
	return map[string]any{
		"client":    rc.Client.Attributes,
		"clientId":  rc.Client.ClientID,
		"principal": rc.Client.Principal,
		"domain":    rc.Domain.Payload,
		"entities":  rc.EntityState.NodeOutputs,
		"system":    rc.Operational.SystemState,
		"rules":     rc.RuleOutputs,
	}
}

// HasEvent reports whether an event of eventType occurred in history, or is
// the current triggering event.
func (rc *RuntimeContext) HasEvent(eventType string) bool {
	if rc.TriggeringEvent != nil && rc.TriggeringEvent.Type == eventType {
		return true
	}
	for _, e := range rc.EventHistory.Events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}
