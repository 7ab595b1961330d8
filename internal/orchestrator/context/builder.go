package context

import (
	"context"

	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
)

// DomainSource supplies the business payload an instance was started with,
// keyed by instance id.
type DomainSource interface {
	DomainPayload(ctx context.Context, instanceID string) (map[string]any, error)
}

// ConfigSource resolves tenant-scoped client configuration, merged into the
// client compartment's attributes.
type ConfigSource interface {
	LoadFor(ctx context.Context, tenantID string) (map[string]any, error)
}

// ObligationSource lists the obligations currently tracked for an instance.
type ObligationSource interface {
	Obligations(ctx context.Context, instanceID string) ([]Obligation, error)
}

// Builder assembles a RuntimeContext for one cycle from an instance's
// history plus its external collaborators, namespacing completed-node
// outputs by node id the way PrepareNodeContext merges parent outputs.
type Builder struct {
	Assembler   *Assembler
	Domain      DomainSource
	Config      ConfigSource
	Obligations ObligationSource
	SystemState func() map[string]any
}

func NewBuilder(domain DomainSource, config ConfigSource, obligations ObligationSource, systemState func() map[string]any) *Builder {
	return &Builder{Assembler: NewAssembler(), Domain: domain, Config: config, Obligations: obligations, SystemState: systemState}
}

// Build assembles the RuntimeContext for inst, optionally biased by
// triggeringEvent (nil outside event re-evaluation).
func (b *Builder) Build(ctx context.Context, inst *instance.ProcessInstance, tenantID string, triggeringEvent *EventRecord) (*RuntimeContext, error) {
	var domainPayload map[string]any
	var err error
	if b.Domain != nil {
		domainPayload, err = b.Domain.DomainPayload(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
	}

	nodeOutputs := make(map[string]map[string]any)
	var events []EventRecord
	for _, h := range inst.History() {
		if h.Status == instance.NodeStatusCompleted && h.Output != nil {
			nodeOutputs[h.NodeID] = h.Output
		}
	}

	var clientAttrs map[string]any
	if b.Config != nil {
		clientAttrs, err = b.Config.LoadFor(ctx, tenantID)
		if err != nil {
			return nil, err
		}
	}

	var obligations []Obligation
	if b.Obligations != nil {
		obligations, err = b.Obligations.Obligations(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
	}

	var systemState map[string]any
	if b.SystemState != nil {
		systemState = b.SystemState()
	}

	return b.Assembler.Assemble(tenantID, "", clientAttrs, domainPayload, nodeOutputs, systemState, obligations, events, triggeringEvent), nil
}
