package govern

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2/clientcredentials"
)

// OIDCPrincipalResolver resolves a Principal by validating the bearer token
// against an OIDC issuer's published keys, instead of a locally shared HMAC
// secret. Deployments where node actions run under service identities point
// ClientCredentials at the same issuer so outbound calls can mint their own
// tokens from the identity the governor verified.
type OIDCPrincipalResolver struct {
	verifier *oidc.IDTokenVerifier

	// ClientCredentials, when configured, is exposed to action handlers that
	// need a service-to-service token source bound to the verified issuer.
	ClientCredentials *clientcredentials.Config
}

// NewOIDCPrincipalResolver discovers the issuer's configuration and builds a
// verifier for tokens addressed to clientID.
func NewOIDCPrincipalResolver(ctx context.Context, issuerURL, clientID string, creds *clientcredentials.Config) (*OIDCPrincipalResolver, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer: %w", err)
	}
	return &OIDCPrincipalResolver{
		verifier:          provider.Verifier(&oidc.Config{ClientID: clientID}),
		ClientCredentials: creds,
	}, nil
}

type oidcClaims struct {
	Permissions []string `json:"permissions"`
	Scope       string   `json:"scope"`
}

func (r *OIDCPrincipalResolver) Resolve(ctx context.Context, env map[string]any) (Principal, error) {
	raw, _ := env["bearerToken"].(string)
	if raw == "" {
		return Principal{}, fmt.Errorf("no bearer token in context")
	}

	token, err := r.verifier.Verify(ctx, raw)
	if err != nil {
		return Principal{}, fmt.Errorf("verify token: %w", err)
	}

	var claims oidcClaims
	if err := token.Claims(&claims); err != nil {
		return Principal{}, fmt.Errorf("decode claims: %w", err)
	}

	perms := make(map[string]bool, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms[p] = true
	}
	return Principal{ID: token.Subject, Permissions: perms}, nil
}
