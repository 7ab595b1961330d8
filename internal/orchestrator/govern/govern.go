// Package govern implements the ExecutionGovernor: the idempotency,
// authorization, and runtime-policy-gate checks that run after a node is
// selected but before its action is dispatched.
package govern

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CheckResult is the outcome of one governance sub-check.
type CheckResult struct {
	Passed bool
	Reason string
	// Key/Principal/Policies carry whichever identifier is relevant to the
	// check that produced this result.
	Key       string
	Principal string
	Policies  []string
}

// Result is the full GovernanceResult for one node selection.
type Result struct {
	Approved      bool
	Idempotency   CheckResult
	Authorization CheckResult
	PolicyGate    CheckResult
}

// FirstFailureReason returns the reason of the first failing sub-check, or
// "" if approved.
func (r Result) FirstFailureReason() string {
	if !r.Idempotency.Passed {
		return r.Idempotency.Reason
	}
	if !r.Authorization.Passed {
		return r.Authorization.Reason
	}
	if !r.PolicyGate.Passed {
		return r.PolicyGate.Reason
	}
	return ""
}

// IdempotencyStore is the port for atomic idempotency-key bookkeeping. A
// production implementation backs this with Redis SETNX; tests can use an
// in-memory map.
type IdempotencyStore interface {
	// Reserve atomically records key -> executionID if key is not already
	// present, returning (true, "") on success or (false, previousExecutionID)
	// if key was already recorded.
	Reserve(ctx context.Context, key, executionID string, ttl time.Duration) (reserved bool, previousExecutionID string, err error)
	// Commit overwrites key -> executionID unconditionally, replacing the
	// placeholder Reserve wrote once the execution actually succeeded.
	Commit(ctx context.Context, key, executionID string, ttl time.Duration) error
	// Release removes a reservation, used to roll back a key reserved for
	// an execution that never committed (e.g. governance rejected afterward).
	Release(ctx context.Context, key string) error
}

// NodeGovernance is the subset of node configuration the governor consults.
// It is deliberately narrow so callers can adapt any concrete Node type.
type NodeGovernance struct {
	NodeID               string
	IdempotencyEnabled   bool
	AuthorizationEnabled bool
	PolicyGateEnabled    bool
	RequiredPermissions  []string
	InputKeys            []string // ctx compartments this node declares as inputs, for fingerprinting
}

// Principal is the resolved identity governance checks authorize against.
type Principal struct {
	ID          string
	Permissions map[string]bool
}

// PrincipalResolver extracts the acting Principal from the runtime context's
// client compartment. Implementations typically validate a JWT via
// golang-jwt and consult an OIDC-backed permission set.
type PrincipalResolver interface {
	Resolve(ctx context.Context, env map[string]any) (Principal, error)
}

// RuntimePolicyEvaluator runs the node-wide runtime policies that are
// distinct from the design-time policy gates the NodeEvaluator already
// checked. It returns the ids of policies that failed.
type RuntimePolicyEvaluator interface {
	Evaluate(ctx context.Context, nodeID string, env map[string]any) (checked []string, failed []string, err error)
}

// DefaultIdempotencyTTL is used when a node does not declare its own.
const DefaultIdempotencyTTL = 24 * time.Hour

// Governor implements ExecutionGovernor.enforce.
type Governor struct {
	Store      IdempotencyStore
	Principals PrincipalResolver
	Policies   RuntimePolicyEvaluator
	TTL        time.Duration

	// Process-wide governance switches. A disabled check is skipped for
	// every node, regardless of the node's own flags.
	DisableIdempotency   bool
	DisableAuthorization bool
	DisablePolicyGate    bool
}

func NewGovernor(store IdempotencyStore, principals PrincipalResolver, policies RuntimePolicyEvaluator, ttl time.Duration) *Governor {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Governor{Store: store, Principals: principals, Policies: policies, TTL: ttl}
}

// Enforce runs the three governance checks in order and returns the first
// failing reason, or an approved Result if all pass.
func (g *Governor) Enforce(ctx context.Context, instanceID string, node NodeGovernance, env map[string]any) (Result, error) {
	idem, idemKey, err := g.checkIdempotency(ctx, instanceID, node, env)
	if err != nil {
		return Result{}, err
	}
	if !idem.Passed {
		return Result{Approved: false, Idempotency: idem}, nil
	}

	auth := g.checkAuthorization(ctx, node, env)
	if !auth.Passed {
		return Result{Approved: false, Idempotency: idem, Authorization: auth}, nil
	}

	policy, err := g.checkPolicyGate(ctx, node, env)
	if err != nil {
		return Result{}, err
	}
	if !policy.Passed {
		return Result{Approved: false, Idempotency: idem, Authorization: auth, PolicyGate: policy}, nil
	}

	_ = idemKey
	return Result{Approved: true, Idempotency: idem, Authorization: auth, PolicyGate: policy}, nil
}

func (g *Governor) checkIdempotency(ctx context.Context, instanceID string, node NodeGovernance, env map[string]any) (CheckResult, string, error) {
	if g.DisableIdempotency || !node.IdempotencyEnabled || g.Store == nil {
		return CheckResult{Passed: true, Reason: "skipped"}, "", nil
	}
	key := IdempotencyKey(instanceID, node.NodeID, Fingerprint(node.InputKeys, env))
	reserved, previous, err := g.Store.Reserve(ctx, key, "pending", g.TTL)
	if err != nil {
		return CheckResult{}, "", fmt.Errorf("idempotency store: %w", err)
	}
	if !reserved {
		return CheckResult{Passed: false, Reason: "already executed as " + previous, Key: key}, key, nil
	}
	return CheckResult{Passed: true, Key: key}, key, nil
}

func (g *Governor) checkAuthorization(ctx context.Context, node NodeGovernance, env map[string]any) CheckResult {
	if g.DisableAuthorization || !node.AuthorizationEnabled || len(node.RequiredPermissions) == 0 {
		return CheckResult{Passed: true, Reason: "skipped"}
	}
	if g.Principals == nil {
		return CheckResult{Passed: false, Reason: "no principal resolver configured"}
	}
	principal, err := g.Principals.Resolve(ctx, env)
	if err != nil {
		return CheckResult{Passed: false, Reason: "principal resolution failed: " + err.Error()}
	}
	var missing []string
	for _, perm := range node.RequiredPermissions {
		if !principal.Permissions[perm] {
			missing = append(missing, perm)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Passed: false, Principal: principal.ID,
			Reason: "missing permissions: " + fmt.Sprint(missing),
		}
	}
	return CheckResult{Passed: true, Principal: principal.ID}
}

func (g *Governor) checkPolicyGate(ctx context.Context, node NodeGovernance, env map[string]any) (CheckResult, error) {
	if g.DisablePolicyGate || !node.PolicyGateEnabled || g.Policies == nil {
		return CheckResult{Passed: true, Reason: "skipped"}, nil
	}
	checked, failed, err := g.Policies.Evaluate(ctx, node.NodeID, env)
	if err != nil {
		return CheckResult{}, fmt.Errorf("runtime policy evaluation: %w", err)
	}
	if len(failed) > 0 {
		return CheckResult{Passed: false, Policies: checked, Reason: "runtime policies failed: " + fmt.Sprint(failed)}, nil
	}
	return CheckResult{Passed: true, Policies: checked}, nil
}

// RecordExecution commits idempotency.key -> executionID. Callers invoke
// this only after the executor reports success (or a compensation commits).
func (g *Governor) RecordExecution(ctx context.Context, instanceID string, node NodeGovernance, env map[string]any, executionID string) error {
	if g.DisableIdempotency || !node.IdempotencyEnabled || g.Store == nil {
		return nil
	}
	key := IdempotencyKey(instanceID, node.NodeID, Fingerprint(node.InputKeys, env))
	if err := g.Store.Commit(ctx, key, executionID, g.TTL); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// ReleaseReservation rolls back the idempotency key Enforce reserved for an
// execution that never committed: a downstream governance rejection, or an
// action failure that compensation will retry.
func (g *Governor) ReleaseReservation(ctx context.Context, instanceID string, node NodeGovernance, env map[string]any) error {
	if g.DisableIdempotency || !node.IdempotencyEnabled || g.Store == nil {
		return nil
	}
	key := IdempotencyKey(instanceID, node.NodeID, Fingerprint(node.InputKeys, env))
	return g.Store.Release(ctx, key)
}

// Fingerprint produces a stable hash of the declared input keys' values in
// env, or of the whole env if inputKeys is empty (undeclared inputs fall
// back to the whole flattened environment when the node declares none).
func Fingerprint(inputKeys []string, env map[string]any) string {
	subset := env
	if len(inputKeys) > 0 {
		subset = make(map[string]any, len(inputKeys))
		for _, k := range inputKeys {
			subset[k] = env[k]
		}
	}
	keys := make([]string, 0, len(subset))
	for k := range subset {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(keys))
	for _, k := range keys {
		ordered[k] = subset[k]
	}
	b, _ := json.Marshal(ordered)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey builds the stable idempotency key for one node execution.
func IdempotencyKey(instanceID, nodeID, fingerprint string) string {
	sum := sha256.Sum256([]byte(instanceID + "|" + nodeID + "|" + fingerprint))
	return hex.EncodeToString(sum[:])
}
