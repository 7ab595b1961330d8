package rest

import (
	"time"

	storagemodels "github.com/flowcore/orchestrator/internal/infrastructure/storage/models"
	"github.com/flowcore/orchestrator/internal/orchestrator/cycle"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
	"github.com/flowcore/orchestrator/internal/orchestrator/process"
	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

// SaveGraphRequest is the payload for publishing a process graph. The node
// and edge documents share their wire shape with the storage layer, so a
// stored graph and a posted graph are the same JSON.
type SaveGraphRequest struct {
	ID              string                     `json:"id" binding:"required,max=255"`
	Version         int                        `json:"version" binding:"required,gte=1"`
	Status          string                     `json:"status" binding:"required,oneof=DRAFT PUBLISHED DEPRECATED"`
	Nodes           []storagemodels.NodeRecord `json:"nodes" binding:"required,min=1"`
	Edges           []storagemodels.EdgeRecord `json:"edges"`
	EntryNodeIDs    []string                   `json:"entry_node_ids" binding:"required,min=1"`
	TerminalNodeIDs []string                   `json:"terminal_node_ids" binding:"required,min=1"`
	Metadata        map[string]interface{}     `json:"metadata"`
}

// GraphResponse describes one stored graph version.
type GraphResponse struct {
	ID              string   `json:"id"`
	Version         int      `json:"version"`
	Status          string   `json:"status"`
	NodeCount       int      `json:"node_count"`
	EdgeCount       int      `json:"edge_count"`
	EntryNodeIDs    []string `json:"entry_node_ids"`
	TerminalNodeIDs []string `json:"terminal_node_ids"`
}

// StartInstanceRequest is the payload for starting a process instance.
type StartInstanceRequest struct {
	GraphID       string                 `json:"graph_id" binding:"required"`
	GraphVersion  int                    `json:"graph_version"` // 0 means latest
	CorrelationID string                 `json:"correlation_id"`
	Domain        map[string]interface{} `json:"domain"`
}

// SignalRequest is the payload for offering an event to the scheduler.
type SignalRequest struct {
	EventType     string                 `json:"event_type" binding:"required"`
	InstanceID    string                 `json:"instance_id"`
	CorrelationID string                 `json:"correlation_id"`
	Payload       map[string]interface{} `json:"payload"`
}

// CycleResultResponse summarizes how one orchestration cycle ended.
type CycleResultResponse struct {
	Status   string   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	TraceIDs []string `json:"trace_ids,omitempty"`
}

// InstanceResponse describes an instance's current state.
type InstanceResponse struct {
	ID            string               `json:"id"`
	GraphID       string               `json:"graph_id"`
	GraphVersion  int                  `json:"graph_version"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	Status        string               `json:"status"`
	ActiveNodeIDs []string             `json:"active_node_ids,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	EndedAt       *time.Time           `json:"ended_at,omitempty"`
	History       []NodeExecutionDTO   `json:"history,omitempty"`
	LastResult    *CycleResultResponse `json:"last_result,omitempty"`
	IsActive      bool                 `json:"is_active"`
}

// NodeExecutionDTO is one history line of an instance.
type NodeExecutionDTO struct {
	NodeID      string                 `json:"node_id"`
	Status      string                 `json:"status"`
	EnteredAt   time.Time              `json:"entered_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempt     int                    `json:"attempt,omitempty"`
}

// TraceResponse is the API projection of one decision trace.
type TraceResponse struct {
	ID                string    `json:"id"`
	InstanceID        string    `json:"instance_id"`
	Timestamp         time.Time `json:"timestamp"`
	Type              string    `json:"type"`
	Outcome           string    `json:"outcome"`
	NodeID            string    `json:"node_id,omitempty"`
	DecisionType      string    `json:"decision_type,omitempty"`
	SelectionCriteria string    `json:"selection_criteria,omitempty"`
	SelectionReason   string    `json:"selection_reason,omitempty"`
	Error             string    `json:"error,omitempty"`
}

func toCycleResult(result cycle.OrchestrationResult) *CycleResultResponse {
	resp := &CycleResultResponse{Status: string(result.Status), Reason: result.Reason}
	for _, t := range result.Traces {
		resp.TraceIDs = append(resp.TraceIDs, t.ID)
	}
	return resp
}

func toInstanceResponse(snap instance.Snapshot, status *process.CachedStatus) InstanceResponse {
	history := make([]NodeExecutionDTO, 0, len(snap.History))
	for _, h := range snap.History {
		history = append(history, NodeExecutionDTO{
			NodeID:      h.NodeID,
			Status:      string(h.Status),
			EnteredAt:   h.EnteredAt,
			CompletedAt: h.CompletedAt,
			Output:      h.Output,
			Error:       h.Error,
			Attempt:     h.Attempt,
		})
	}

	resp := InstanceResponse{
		ID:            snap.ID,
		GraphID:       snap.GraphID,
		GraphVersion:  snap.GraphVersion,
		CorrelationID: snap.CorrelationID,
		Status:        string(snap.Status),
		ActiveNodeIDs: snap.ActiveNodeIDs,
		StartedAt:     snap.StartedAt,
		EndedAt:       snap.EndedAt,
		History:       history,
	}
	if status != nil {
		resp.IsActive = status.IsActive
		if status.LastResult.Status != "" {
			resp.LastResult = toCycleResult(status.LastResult)
		}
	}
	return resp
}

func toTraceResponse(t trace.DecisionTrace) TraceResponse {
	return TraceResponse{
		ID:                t.ID,
		InstanceID:        t.InstanceID,
		Timestamp:         t.Timestamp,
		Type:              string(t.Type),
		Outcome:           string(t.Outcome),
		NodeID:            t.NodeID,
		DecisionType:      string(t.Decision.Type),
		SelectionCriteria: string(t.Decision.SelectionCriteria),
		SelectionReason:   t.Decision.SelectionReason,
		Error:             t.Error,
	}
}
