// Package gateway authenticates and serves the node agent's interactive
// WebSocket traffic: terminal attachments and ACP session viewers. Upgrades
// are guarded by an origin allowlist and a JWKS-validated management JWT.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Routing headers set by the gateway after authentication. Client-supplied
// values are stripped; downstream handlers only ever see the authoritative
// ones.
const (
	HeaderNodeID      = "X-SAM-Node-Id"
	HeaderWorkspaceID = "X-SAM-Workspace-Id"
)

// Claims are the management JWT claims the control plane issues for
// workspace access.
type Claims struct {
	jwt.RegisteredClaims
	WorkspaceID string `json:"workspaceId,omitempty"`
	NodeID      string `json:"nodeId,omitempty"`
}

// Validator validates management JWTs against a remote JWKS endpoint. Keys
// are fetched and refreshed in the background by keyfunc.
type Validator struct {
	jwks     keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewValidator creates a validator that fetches keys from jwksURL.
func NewValidator(jwksURL, audience, issuer string) (*Validator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}
	return &Validator{jwks: k, audience: audience, issuer: issuer}, nil
}

// Validate parses and validates a token, checking signature, expiry,
// audience, and issuer.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithAudience(v.audience),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ValidateForWorkspace validates the token and additionally requires its
// workspaceId claim to match the routed workspace.
func (v *Validator) ValidateForWorkspace(tokenString, workspaceID string) (*Claims, error) {
	claims, err := v.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("workspace mismatch: token is for %q", claims.WorkspaceID)
	}
	return claims, nil
}

// BearerToken extracts the credential from the Authorization header or, for
// browser WebSocket connects that cannot set headers, the short-lived token
// query parameter.
func BearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, found := strings.CutPrefix(auth, "Bearer "); found {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
