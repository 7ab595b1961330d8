package rest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	storagemodels "github.com/flowcore/orchestrator/internal/infrastructure/storage/models"
	"github.com/flowcore/orchestrator/internal/orchestrator/cycle"
	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/orcherr"
	"github.com/flowcore/orchestrator/internal/orchestrator/ports"
	"github.com/flowcore/orchestrator/internal/orchestrator/process"
	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

// Scheduler is the slice of the process orchestrator the API drives.
type Scheduler interface {
	Start(ctx context.Context, req process.StartRequest) (cycle.OrchestrationResult, error)
	Signal(evt process.Event)
	Suspend(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID string) (cycle.OrchestrationResult, error)
	Cancel(ctx context.Context, instanceID string) error
	GetStatus(ctx context.Context, instanceID string) (process.CachedStatus, error)
}

// ExpressionParser dry-parses guard expressions during graph validation.
type ExpressionParser interface {
	DryParse(expr string) error
}

// Handlers exposes the orchestrator over HTTP: graph publication, instance
// lifecycle, event signalling, and trace queries.
type Handlers struct {
	scheduler Scheduler
	graphs    ports.ProcessGraphRepository
	traces    ports.DecisionTraceRepository
	parser    ExpressionParser
}

func NewHandlers(scheduler Scheduler, graphs ports.ProcessGraphRepository, traces ports.DecisionTraceRepository, parser ExpressionParser) *Handlers {
	return &Handlers{scheduler: scheduler, graphs: graphs, traces: traces, parser: parser}
}

// SaveGraph validates and persists a process graph definition.
// POST /api/v1/graphs
func (h *Handlers) SaveGraph(c *gin.Context) {
	var req SaveGraphRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	model := &storagemodels.ProcessGraphModel{
		ID:              req.ID,
		Version:         req.Version,
		Status:          req.Status,
		Nodes:           storagemodels.JSONBSlice[storagemodels.NodeRecord](req.Nodes),
		Edges:           storagemodels.JSONBSlice[storagemodels.EdgeRecord](req.Edges),
		EntryNodeIDs:    storagemodels.JSONBSlice[string](req.EntryNodeIDs),
		TerminalNodeIDs: storagemodels.JSONBSlice[string](req.TerminalNodeIDs),
		Metadata:        storagemodels.JSONBMap(req.Metadata),
	}
	g := storagemodels.ToProcessGraph(model)

	var dryParse func(string) error
	if h.parser != nil {
		dryParse = h.parser.DryParse
	}
	if validationErrs := g.Validate(dryParse); len(validationErrs) > 0 {
		details := make(map[string]interface{}, len(validationErrs))
		for i, msg := range validationErrs {
			details[validationKey(i)] = msg
		}
		respondAPIErrorWithRequestID(c, NewAPIErrorWithDetails("GRAPH_INVALID", "Graph validation failed", http.StatusBadRequest, details))
		return
	}

	if err := h.graphs.Save(c.Request.Context(), g); err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}
	respondJSON(c, http.StatusCreated, toGraphResponse(g))
}

// GetGraph returns a graph by id; ?version= selects one, default latest.
// GET /api/v1/graphs/:id
func (h *Handlers) GetGraph(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}

	var (
		g     *graph.ProcessGraph
		found bool
		err   error
	)
	if version := getQueryInt(c, "version", 0); version > 0 {
		g, found, err = h.graphs.FindByIDAndVersion(c.Request.Context(), id, version)
	} else {
		g, found, err = h.graphs.FindLatestVersion(c.Request.Context(), id)
	}
	if err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}
	if !found {
		respondAPIErrorWithRequestID(c, orcherr.New(orcherr.KindGraphNotFound, "graph "+id))
		return
	}
	respondJSON(c, http.StatusOK, toGraphResponse(g))
}

// DeleteGraph removes all versions of a graph.
// DELETE /api/v1/graphs/:id
func (h *Handlers) DeleteGraph(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	if err := h.graphs.DeleteByID(c.Request.Context(), id); err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartInstance creates and starts a new process instance.
// POST /api/v1/instances
func (h *Handlers) StartInstance(c *gin.Context) {
	var req StartInstanceRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	instanceID := uuid.NewString()
	result, err := h.scheduler.Start(c.Request.Context(), process.StartRequest{
		InstanceID:    instanceID,
		GraphID:       req.GraphID,
		GraphVersion:  req.GraphVersion,
		CorrelationID: req.CorrelationID,
		Domain:        req.Domain,
	})
	if err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, gin.H{
		"instance_id": instanceID,
		"result":      toCycleResult(result),
	})
}

// GetInstance returns the current state of an instance.
// GET /api/v1/instances/:id
func (h *Handlers) GetInstance(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}

	status, err := h.scheduler.GetStatus(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toInstanceResponse(status.Instance, &status))
}

// SuspendInstance pauses an instance.
// POST /api/v1/instances/:id/suspend
func (h *Handlers) SuspendInstance(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	if err := h.scheduler.Suspend(c.Request.Context(), id); err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"instance_id": id, "status": "SUSPENDED"})
}

// ResumeInstance restores a suspended instance and runs one cycle.
// POST /api/v1/instances/:id/resume
func (h *Handlers) ResumeInstance(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	result, err := h.scheduler.Resume(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"instance_id": id, "result": toCycleResult(result)})
}

// CancelInstance cancels an instance.
// POST /api/v1/instances/:id/cancel
func (h *Handlers) CancelInstance(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	if err := h.scheduler.Cancel(c.Request.Context(), id); err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"instance_id": id, "status": "CANCELLED"})
}

// SignalEvent offers an event to the scheduler's queue.
// POST /api/v1/events
func (h *Handlers) SignalEvent(c *gin.Context) {
	var req SignalRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	h.scheduler.Signal(process.Event{
		Type:          process.EventType(req.EventType),
		InstanceID:    req.InstanceID,
		CorrelationID: req.CorrelationID,
		Payload:       req.Payload,
		OccurredAt:    time.Now(),
	})
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// ListTraces returns an instance's decision traces, optionally filtered by
// ?type= and bounded by ?from=/?to= (RFC3339).
// GET /api/v1/instances/:id/traces
func (h *Handlers) ListTraces(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		traces []trace.DecisionTrace
		err    error
	)
	switch {
	case c.Query("type") != "":
		traces, err = h.traces.FindByInstanceIDAndType(ctx, id, trace.Type(c.Query("type")))
	case c.Query("from") != "" || c.Query("to") != "":
		from, to, parseErr := parseTimeRange(c.Query("from"), c.Query("to"))
		if parseErr != nil {
			respondAPIErrorWithRequestID(c, NewAPIError("INVALID_PARAMETER", "from/to must be RFC3339 timestamps", http.StatusBadRequest))
			return
		}
		traces, err = h.traces.FindByInstanceIDAndTimeRange(ctx, id, from, to)
	default:
		traces, err = h.traces.FindByInstanceID(ctx, id)
	}
	if err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}

	out := make([]TraceResponse, 0, len(traces))
	for _, t := range traces {
		out = append(out, toTraceResponse(t))
	}
	respondList(c, http.StatusOK, out, len(out), len(out), 0)
}

// GetLatestTrace returns an instance's most recent decision trace.
// GET /api/v1/instances/:id/traces/latest
func (h *Handlers) GetLatestTrace(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	t, found, err := h.traces.FindLatestByInstanceID(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}
	if !found {
		respondAPIErrorWithRequestID(c, ErrNotFound)
		return
	}
	respondJSON(c, http.StatusOK, toTraceResponse(*t))
}

func toGraphResponse(g *graph.ProcessGraph) GraphResponse {
	return GraphResponse{
		ID:              g.ID,
		Version:         g.Version,
		Status:          string(g.Status),
		NodeCount:       len(g.Nodes()),
		EdgeCount:       len(g.Edges()),
		EntryNodeIDs:    g.EntryNodeIDs,
		TerminalNodeIDs: g.TerminalNodeIDs,
	}
}

func validationKey(i int) string {
	return "error_" + strconv.Itoa(i)
}

func parseTimeRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now()
	var err error
	if fromRaw != "" {
		from, err = time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return from, to, err
		}
	}
	if toRaw != "" {
		to, err = time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return from, to, err
		}
	}
	return from, to, nil
}
