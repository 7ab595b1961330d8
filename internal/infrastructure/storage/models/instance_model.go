package models

import (
	"time"

	"github.com/uptrace/bun"
)

// NodeExecutionRecord is the JSONB shape of one historical node execution
// within an instance.
type NodeExecutionRecord struct {
	NodeID      string                 `json:"node_id"`
	Status      string                 `json:"status"`
	EnteredAt   time.Time              `json:"entered_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempt     int                    `json:"attempt,omitempty"`
	WaveIndex   int                    `json:"wave_index,omitempty"`
}

// ProcessInstanceModel represents the runtime state of one process execution
// in the database. History is stored as a JSONB document: it is append-only
// and always read whole with the instance.
type ProcessInstanceModel struct {
	bun.BaseModel `bun:"table:process_instances,alias:pi"`

	ID            string                          `bun:"id,pk,notnull" json:"id"`
	GraphID       string                          `bun:"graph_id,notnull" json:"graph_id"`
	GraphVersion  int                             `bun:"graph_version,notnull,default:1" json:"graph_version"`
	CorrelationID string                          `bun:"correlation_id" json:"correlation_id,omitempty"`
	Status        string                          `bun:"status,notnull,default:'RUNNING'" json:"status"`
	ActiveNodeIDs JSONBSlice[string]              `bun:"active_node_ids,type:jsonb" json:"active_node_ids,omitempty"`
	History       JSONBSlice[NodeExecutionRecord] `bun:"history,type:jsonb" json:"history,omitempty"`
	DomainPayload JSONBMap                        `bun:"domain_payload,type:jsonb,default:'{}'" json:"domain_payload,omitempty"`
	StartedAt     time.Time                       `bun:"started_at,notnull" json:"started_at"`
	EndedAt       *time.Time                      `bun:"ended_at" json:"ended_at,omitempty"`
	UpdatedAt     time.Time                       `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// ObligationModel is a deadline-bearing commitment tracked for an instance,
// scanned by the periodic sweep to synthesize TimerExpired events.
type ObligationModel struct {
	bun.BaseModel `bun:"table:obligations,alias:ob"`

	ID         string    `bun:"id,pk,notnull" json:"id"`
	InstanceID string    `bun:"instance_id,notnull" json:"instance_id"`
	Kind       string    `bun:"kind,notnull" json:"kind"`
	NodeID     string    `bun:"node_id" json:"node_id,omitempty"`
	DueAt      time.Time `bun:"due_at,notnull" json:"due_at"`
	Satisfied  bool      `bun:"satisfied,notnull,default:false" json:"satisfied"`
	Metadata   JSONBMap  `bun:"metadata,type:jsonb,default:'{}'" json:"metadata,omitempty"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
