// Package seed loads declarative process-graph definitions from YAML files
// and publishes them through the graph repository, so deployments can ship
// their graphs alongside the binary instead of POSTing them after startup.
package seed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/ports"
	executorconfig "github.com/flowcore/orchestrator/pkg/executor/config"
)

// GraphFile is the YAML shape of one process-graph definition.
type GraphFile struct {
	ID            string         `yaml:"id"`
	Version       int            `yaml:"version"`
	Status        string         `yaml:"status"`
	Metadata      map[string]any `yaml:"metadata"`
	EntryNodes    []string       `yaml:"entry_nodes"`
	TerminalNodes []string       `yaml:"terminal_nodes"`
	Nodes         []NodeFile     `yaml:"nodes"`
	Edges         []EdgeFile     `yaml:"edges"`
}

// NodeFile is the YAML shape of one node.
type NodeFile struct {
	ID                   string         `yaml:"id"`
	Name                 string         `yaml:"name"`
	Preconditions        []string       `yaml:"preconditions"`
	BusinessRules        []string       `yaml:"business_rules"`
	PolicyGates          []GateFile     `yaml:"policy_gates"`
	ActionType           string         `yaml:"action_type"`
	HandlerRef           string         `yaml:"handler_ref"`
	ActionConfig         map[string]any `yaml:"action_config"`
	Subscribes           []string       `yaml:"subscribes"`
	Emits                []string       `yaml:"emits"`
	RequiredPermissions  []string       `yaml:"required_permissions"`
	TimeoutSeconds       int            `yaml:"timeout_seconds"`
	IdempotencyEnabled   bool           `yaml:"idempotency_enabled"`
	AuthorizationEnabled bool           `yaml:"authorization_enabled"`
	PolicyGateEnabled    bool           `yaml:"policy_gate_enabled"`
}

// GateFile names a design-time policy gate.
type GateFile struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
}

// EdgeFile is the YAML shape of one edge.
type EdgeFile struct {
	ID               string   `yaml:"id"`
	Source           string   `yaml:"source"`
	Target           string   `yaml:"target"`
	GuardContext     []string `yaml:"guard_context"`
	GuardRule        []string `yaml:"guard_rule"`
	GuardPolicy      []string `yaml:"guard_policy"`
	GuardEvent       []string `yaml:"guard_event"`
	Semantics        string   `yaml:"semantics"` // SEQUENTIAL | PARALLEL
	JoinType         string   `yaml:"join_type"`
	JoinN            int      `yaml:"join_n"`
	JoinM            int      `yaml:"join_m"`
	Weight           int      `yaml:"weight"`
	Rank             int      `yaml:"rank"`
	Exclusive        bool     `yaml:"exclusive"`
	ActivatingEvents []string `yaml:"activating_events"`
	Compensation     string   `yaml:"compensation"` // NONE | RETRY | ESCALATE | COMPENSATE
	MaxRetries       int      `yaml:"max_retries"`
	CompensateTarget string   `yaml:"compensate_target"`
}

// Parse decodes one YAML document into a validated ProcessGraph.
func Parse(data []byte, dryParse func(string) error) (*graph.ProcessGraph, error) {
	var file GraphFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode graph yaml: %w", err)
	}
	if file.ID == "" {
		return nil, fmt.Errorf("graph id is required")
	}
	if file.Version <= 0 {
		file.Version = 1
	}
	status := graph.GraphStatus(file.Status)
	if status == "" {
		status = graph.StatusPublished
	}

	nodes := make([]graph.Node, 0, len(file.Nodes))
	for _, n := range file.Nodes {
		gates := make([]graph.PolicyGateRef, 0, len(n.PolicyGates))
		for _, g := range n.PolicyGates {
			gates = append(gates, graph.PolicyGateRef{ID: g.ID, Type: g.Type})
		}
		actionType := graph.ActionType(n.ActionType)
		if actionType == "" {
			actionType = graph.ActionSystemInvocation
		}
		nodes = append(nodes, graph.Node{
			ID:                   n.ID,
			Name:                 n.Name,
			Preconditions:        n.Preconditions,
			BusinessRules:        n.BusinessRules,
			PolicyGates:          gates,
			Action:               graph.Action{Type: actionType, HandlerRef: n.HandlerRef, Config: n.ActionConfig},
			EventConfig:          graph.EventConfig{Subscribes: n.Subscribes, Emits: n.Emits},
			RequiredPermissions:  n.RequiredPermissions,
			TimeoutSeconds:       n.TimeoutSeconds,
			IdempotencyEnabled:   n.IdempotencyEnabled,
			AuthorizationEnabled: n.AuthorizationEnabled,
			PolicyGateEnabled:    n.PolicyGateEnabled,
		})
	}

	edges := make([]graph.Edge, 0, len(file.Edges))
	for _, e := range file.Edges {
		semantics := e.Semantics
		if semantics == "" {
			semantics = graph.SemanticsSequential
		}
		compensation := graph.CompensationKind(e.Compensation)
		if compensation == "" {
			compensation = graph.CompensationNone
		}
		edges = append(edges, graph.Edge{
			ID:           e.ID,
			SourceNodeID: e.Source,
			TargetNodeID: e.Target,
			GuardConditions: graph.GuardConditions{
				Context: e.GuardContext,
				Rule:    e.GuardRule,
				Policy:  e.GuardPolicy,
				Event:   e.GuardEvent,
			},
			ExecutionSemantics: graph.ExecutionSemantics{
				Type:     semantics,
				JoinType: graph.JoinType(e.JoinType),
				N:        e.JoinN,
				M:        e.JoinM,
			},
			Priority:      graph.Priority{Weight: e.Weight, Rank: e.Rank, Exclusive: e.Exclusive},
			EventTriggers: graph.EventTriggers{ActivatingEvents: e.ActivatingEvents},
			Compensation:  graph.Compensation{Kind: compensation, MaxRetries: e.MaxRetries, TargetNodeID: e.CompensateTarget},
		})
	}

	g := graph.New(file.ID, file.Version, status, nodes, edges, file.EntryNodes, file.TerminalNodes, file.Metadata)
	if errs := g.Validate(dryParse); len(errs) > 0 {
		return nil, fmt.Errorf("graph %s invalid: %s", file.ID, strings.Join(errs, "; "))
	}
	for _, n := range g.Nodes() {
		if err := validateActionConfig(n); err != nil {
			return nil, fmt.Errorf("graph %s node %s: %w", file.ID, n.ID, err)
		}
	}
	return g, nil
}

// validateActionConfig type-checks the action configuration of the builtin
// handlers whose config shape is known at seed time. Unknown handler refs
// are left for the executor registry to reject at dispatch.
func validateActionConfig(n graph.Node) error {
	if n.Action.Type != graph.ActionSystemInvocation || len(n.Action.Config) == 0 {
		return nil
	}
	switch n.Action.HandlerRef {
	case "http":
		cfg, err := executorconfig.ParseConfig[executorconfig.HTTPConfig](n.Action.Config)
		if err != nil {
			return err
		}
		return cfg.Validate()
	case "transform":
		cfg, err := executorconfig.ParseConfig[executorconfig.TransformConfig](n.Action.Config)
		if err != nil {
			return err
		}
		return cfg.Validate()
	case "conditional":
		cfg, err := executorconfig.ParseConfig[executorconfig.ConditionalConfig](n.Action.Config)
		if err != nil {
			return err
		}
		return cfg.Validate()
	case "merge":
		cfg, err := executorconfig.ParseConfig[executorconfig.MergeConfig](n.Action.Config)
		if err != nil {
			return err
		}
		return cfg.Validate()
	}
	return nil
}

// LoadDir parses every *.yaml/*.yml file in dir and saves the graphs through
// repo. Files load in name order so later files may supersede earlier ones.
func LoadDir(ctx context.Context, dir string, repo ports.ProcessGraphRepository, dryParse func(string) error) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read seed dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	loaded := 0
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, fmt.Errorf("read %s: %w", name, err)
		}
		g, err := Parse(data, dryParse)
		if err != nil {
			return loaded, fmt.Errorf("%s: %w", name, err)
		}
		if err := repo.Save(ctx, g); err != nil {
			return loaded, fmt.Errorf("save %s: %w", name, err)
		}
		loaded++
	}
	return loaded, nil
}
