package govern

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPrincipalResolver struct {
	principal Principal
	err       error
}

func (r *staticPrincipalResolver) Resolve(_ context.Context, _ map[string]any) (Principal, error) {
	return r.principal, r.err
}

type staticPolicyEvaluator struct {
	checked []string
	failed  []string
}

func (e *staticPolicyEvaluator) Evaluate(_ context.Context, _ string, _ map[string]any) ([]string, []string, error) {
	return e.checked, e.failed, nil
}

func governedNode() NodeGovernance {
	return NodeGovernance{
		NodeID:               "n1",
		IdempotencyEnabled:   true,
		AuthorizationEnabled: true,
		PolicyGateEnabled:    true,
	}
}

func TestEnforce_AllChecksPass(t *testing.T) {
	g := NewGovernor(NewInMemoryIdempotencyStore(), &staticPrincipalResolver{principal: Principal{ID: "alice"}}, &staticPolicyEvaluator{checked: []string{"p1"}}, 0)

	node := governedNode()
	node.RequiredPermissions = []string{"process:execute"}
	resolver := g.Principals.(*staticPrincipalResolver)
	resolver.principal.Permissions = map[string]bool{"process:execute": true}

	result, err := g.Enforce(context.Background(), "i1", node, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.True(t, result.Idempotency.Passed)
	assert.True(t, result.Authorization.Passed)
	assert.True(t, result.PolicyGate.Passed)
	assert.Equal(t, "alice", result.Authorization.Principal)
	assert.Empty(t, result.FirstFailureReason())
}

func TestEnforce_SecondEnforceRejectedByIdempotency(t *testing.T) {
	g := NewGovernor(NewInMemoryIdempotencyStore(), nil, nil, 0)
	node := governedNode()
	env := map[string]any{"k": "v"}

	first, err := g.Enforce(context.Background(), "i1", node, env)
	require.NoError(t, err)
	require.True(t, first.Approved)

	second, err := g.Enforce(context.Background(), "i1", node, env)
	require.NoError(t, err)
	assert.False(t, second.Approved)
	assert.False(t, second.Idempotency.Passed)
	assert.Contains(t, second.Idempotency.Reason, "already executed")
}

func TestEnforce_DifferentFingerprintGetsFreshKey(t *testing.T) {
	g := NewGovernor(NewInMemoryIdempotencyStore(), nil, nil, 0)
	node := governedNode()

	first, err := g.Enforce(context.Background(), "i1", node, map[string]any{"k": "v1"})
	require.NoError(t, err)
	require.True(t, first.Approved)

	second, err := g.Enforce(context.Background(), "i1", node, map[string]any{"k": "v2"})
	require.NoError(t, err)
	assert.True(t, second.Approved, "a changed input fingerprint is a distinct execution")
}

func TestEnforce_IdempotencyDisabledSkips(t *testing.T) {
	g := NewGovernor(NewInMemoryIdempotencyStore(), nil, nil, 0)
	node := governedNode()
	node.IdempotencyEnabled = false

	for i := 0; i < 3; i++ {
		result, err := g.Enforce(context.Background(), "i1", node, nil)
		require.NoError(t, err)
		assert.True(t, result.Approved)
		assert.Equal(t, "skipped", result.Idempotency.Reason)
	}
}

func TestEnforce_MissingPermissionRejects(t *testing.T) {
	resolver := &staticPrincipalResolver{principal: Principal{ID: "bob", Permissions: map[string]bool{"other": true}}}
	g := NewGovernor(nil, resolver, nil, 0)

	node := governedNode()
	node.IdempotencyEnabled = false
	node.RequiredPermissions = []string{"process:execute"}

	result, err := g.Enforce(context.Background(), "i1", node, nil)
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.False(t, result.Authorization.Passed)
	assert.Contains(t, result.Authorization.Reason, "missing permissions")
	assert.Equal(t, result.Authorization.Reason, result.FirstFailureReason())
}

func TestEnforce_RuntimePolicyFailureRejects(t *testing.T) {
	g := NewGovernor(nil, nil, &staticPolicyEvaluator{checked: []string{"p1", "p2"}, failed: []string{"p2"}}, 0)

	node := governedNode()
	node.IdempotencyEnabled = false
	node.AuthorizationEnabled = false

	result, err := g.Enforce(context.Background(), "i1", node, nil)
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.False(t, result.PolicyGate.Passed)
	assert.Contains(t, result.PolicyGate.Reason, "p2")
}

func TestFingerprint_StableAcrossMapOrder(t *testing.T) {
	env1 := map[string]any{"a": 1, "b": "x", "c": []any{1, 2}}
	env2 := map[string]any{"c": []any{1, 2}, "b": "x", "a": 1}
	assert.Equal(t, Fingerprint(nil, env1), Fingerprint(nil, env2))
}

func TestFingerprint_DeclaredInputKeysNarrowScope(t *testing.T) {
	env := map[string]any{"a": 1, "noise": "changes"}
	envChanged := map[string]any{"a": 1, "noise": "different"}

	assert.NotEqual(t, Fingerprint(nil, env), Fingerprint(nil, envChanged))
	assert.Equal(t, Fingerprint([]string{"a"}, env), Fingerprint([]string{"a"}, envChanged))
}

func TestIdempotencyKey_IncludesInstanceAndNode(t *testing.T) {
	fp := Fingerprint(nil, map[string]any{"k": "v"})
	assert.NotEqual(t, IdempotencyKey("i1", "n1", fp), IdempotencyKey("i2", "n1", fp))
	assert.NotEqual(t, IdempotencyKey("i1", "n1", fp), IdempotencyKey("i1", "n2", fp))
	assert.Equal(t, IdempotencyKey("i1", "n1", fp), IdempotencyKey("i1", "n1", fp))
}

func TestRedisIdempotencyStore_ReserveIsAtomic(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisIdempotencyStore(client, "")

	reserved, prev, err := store.Reserve(context.Background(), "k1", "exec-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Empty(t, prev)

	reserved, prev, err = store.Reserve(context.Background(), "k1", "exec-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "exec-1", prev)
}

func TestRedisIdempotencyStore_CommitReplacesReservation(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisIdempotencyStore(client, "")

	_, _, err := store.Reserve(context.Background(), "k1", "pending", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Commit(context.Background(), "k1", "exec-42", time.Minute))

	reserved, prev, err := store.Reserve(context.Background(), "k1", "exec-43", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "exec-42", prev)
}

func TestRedisIdempotencyStore_ReleaseAllowsRereservation(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisIdempotencyStore(client, "test:")

	_, _, err := store.Reserve(context.Background(), "k1", "exec-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Release(context.Background(), "k1"))

	reserved, _, err := store.Reserve(context.Background(), "k1", "exec-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestJWTPrincipalResolver_ResolvesSubjectAndPermissions(t *testing.T) {
	key := []byte("test-signing-key")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":         "svc-onboarding",
		"permissions": []string{"process:execute", "process:read"},
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)

	resolver := NewJWTPrincipalResolver(key)
	principal, err := resolver.Resolve(context.Background(), map[string]any{"bearerToken": signed})
	require.NoError(t, err)
	assert.Equal(t, "svc-onboarding", principal.ID)
	assert.True(t, principal.Permissions["process:execute"])
	assert.True(t, principal.Permissions["process:read"])
	assert.False(t, principal.Permissions["process:admin"])
}

func TestJWTPrincipalResolver_RejectsMissingOrInvalidToken(t *testing.T) {
	resolver := NewJWTPrincipalResolver([]byte("key"))

	_, err := resolver.Resolve(context.Background(), map[string]any{})
	assert.Error(t, err)

	_, err = resolver.Resolve(context.Background(), map[string]any{"bearerToken": "not-a-jwt"})
	assert.Error(t, err)
}

func TestJWTPrincipalResolver_RejectsWrongKey(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"})
	signed, err := token.SignedString([]byte("other-key"))
	require.NoError(t, err)

	resolver := NewJWTPrincipalResolver([]byte("right-key"))
	_, err = resolver.Resolve(context.Background(), map[string]any{"bearerToken": signed})
	assert.Error(t, err)
}
