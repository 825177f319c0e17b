package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAudience = "workspace-terminal"
	testIssuer   = "https://cp.example.com"
	testKeyID    = "test-key"
)

// newTestJWKS serves a JWKS document for the given RSA key.
func newTestJWKS(t *testing.T, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	doc := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":%q,"use":"sig","alg":"RS256","n":%q,"e":%q}]}`, testKeyID, n, e)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func baseClaims(workspaceID string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		WorkspaceID: workspaceID,
	}
}

func TestValidatorAcceptsValidToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := newTestJWKS(t, key)

	v, err := NewValidator(srv.URL, testAudience, testIssuer)
	require.NoError(t, err)

	claims, err := v.Validate(signToken(t, key, baseClaims("ws-1")))
	require.NoError(t, err)
	assert.Equal(t, "ws-1", claims.WorkspaceID)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestValidatorRejectsBadTokens(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := newTestJWKS(t, key)

	v, err := NewValidator(srv.URL, testAudience, testIssuer)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		claims := baseClaims("ws-1")
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := v.Validate(signToken(t, key, claims))
		assert.Error(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := baseClaims("ws-1")
		claims.Audience = jwt.ClaimStrings{"something-else"}
		_, err := v.Validate(signToken(t, key, claims))
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := baseClaims("ws-1")
		claims.Issuer = "https://evil.example.com"
		_, err := v.Validate(signToken(t, key, claims))
		assert.Error(t, err)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, err = v.Validate(signToken(t, otherKey, baseClaims("ws-1")))
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Validate("not-a-jwt")
		assert.Error(t, err)
	})
}

func TestValidateForWorkspace(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := newTestJWKS(t, key)

	v, err := NewValidator(srv.URL, testAudience, testIssuer)
	require.NoError(t, err)

	token := signToken(t, key, baseClaims("ws-1"))

	_, err = v.ValidateForWorkspace(token, "ws-1")
	assert.NoError(t, err)

	_, err = v.ValidateForWorkspace(token, "ws-2")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", BearerToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws?token=query-token", nil)
	assert.Equal(t, "query-token", BearerToken(r))

	// Header wins over query parameter.
	r = httptest.NewRequest(http.MethodGet, "/ws?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", BearerToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, BearerToken(r))

	// Non-bearer schemes fall through to the query parameter.
	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, BearerToken(r))
}
