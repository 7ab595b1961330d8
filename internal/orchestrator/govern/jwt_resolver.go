package govern

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// jwtClaims is the minimal claim set the orchestrator needs to resolve a
// Principal: subject plus a flattened permission list.
type jwtClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

// JWTPrincipalResolver resolves a Principal from a bearer token found under
// the "bearerToken" key of the environment passed to Resolve (a key that
// RuntimeContext.ToEvalEnv does not set), validated against a fixed signing
// key. An OIDC-backed deployment instead validates via
// coreos/go-oidc's IDTokenVerifier and adapts the resulting claims the same
// way.
type JWTPrincipalResolver struct {
	SigningKey []byte
}

func NewJWTPrincipalResolver(signingKey []byte) *JWTPrincipalResolver {
	return &JWTPrincipalResolver{SigningKey: signingKey}
}

func (r *JWTPrincipalResolver) Resolve(_ context.Context, env map[string]any) (Principal, error) {
	raw, _ := env["bearerToken"].(string)
	if raw == "" {
		return Principal{}, fmt.Errorf("no bearer token in context")
	}

	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.SigningKey, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}

	perms := make(map[string]bool, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms[p] = true
	}
	return Principal{ID: claims.Subject, Permissions: perms}, nil
}
