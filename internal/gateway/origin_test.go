package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samcloud/node-agent/internal/common/logger"
)

func requestWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginCheckerAllowed(t *testing.T) {
	c := NewOriginChecker([]string{
		"https://app.example.com",
		"https://*.preview.example.com",
	}, logger.Default())

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true}, // no Origin header: same-origin or non-browser
		{"https://app.example.com", true},
		{"https://pr-42.preview.example.com", true},
		{"https://evil.com", false},
		{"https://app.example.com.evil.com", false},
		{"https://.preview.example.com", false},
		{"https://a/b.preview.example.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Allowed(requestWithOrigin(tt.origin)), "origin %q", tt.origin)
	}
}

func TestOriginCheckerWildcardAll(t *testing.T) {
	c := NewOriginChecker([]string{"*"}, logger.Default())
	assert.True(t, c.Allowed(requestWithOrigin("https://anything.example.com")))
}

func TestOriginCheckerEmptyAllowlist(t *testing.T) {
	c := NewOriginChecker(nil, logger.Default())
	assert.False(t, c.Allowed(requestWithOrigin("https://app.example.com")))
	assert.True(t, c.Allowed(requestWithOrigin("")))
}

func TestMatchWildcardOrigin(t *testing.T) {
	assert.True(t, matchWildcardOrigin("https://foo.example.com", "https://*.example.com"))
	assert.False(t, matchWildcardOrigin("https://example.com", "https://*.example.com"))
	assert.False(t, matchWildcardOrigin("http://foo.example.com", "https://*.example.com"))
	assert.False(t, matchWildcardOrigin("https://foo.example.com", "no-wildcard"))
}
