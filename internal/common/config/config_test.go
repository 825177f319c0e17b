package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresControlPlaneURLAndNodeID(t *testing.T) {
	t.Setenv("CONTROL_PLANE_URL", "")
	t.Setenv("NODE_ID", "")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTROL_PLANE_URL")
	assert.Contains(t, err.Error(), "NODE_ID")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONTROL_PLANE_URL", "https://api.example.com")
	t.Setenv("NODE_ID", "node-1")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "workspace-terminal", cfg.JWT.Audience)
	assert.Equal(t, 5000, cfg.ACP.MessageBufferSize)
	assert.Equal(t, 256, cfg.ACP.ViewerSendBuffer)
	assert.Equal(t, 262144, cfg.PTY.OutputBufferSize)
	assert.Equal(t, time.Duration(0), cfg.PTY.OrphanGracePeriod)
	assert.Equal(t, 2*time.Second, cfg.Outbox.BatchMaxWait)
	assert.Equal(t, 50, cfg.Outbox.BatchMaxSize)
	assert.Equal(t, 65536, cfg.Outbox.BatchMaxBytes)
	assert.Equal(t, 10000, cfg.Outbox.OutboxMaxSize)
	assert.Equal(t, time.Second, cfg.Outbox.RetryInitial)
	assert.Equal(t, 30*time.Second, cfg.Outbox.RetryMax)
	assert.Equal(t, 5*time.Minute, cfg.Outbox.RetryMaxElapsed)
	assert.Equal(t, 60*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 30*time.Second, cfg.Container.CacheTTL)
	assert.Equal(t, 100, cfg.Logs.StreamBufferSize)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONTROL_PLANE_URL", "https://api.example.com")
	t.Setenv("NODE_ID", "node-1")
	t.Setenv("VM_AGENT_PORT", "9090")
	t.Setenv("ACP_PROMPT_TIMEOUT", "90s")
	t.Setenv("MSG_BATCH_MAX_SIZE", "25")
	t.Setenv("PTY_OUTPUT_BUFFER_SIZE", "1024")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.ACP.PromptTimeout)
	assert.Equal(t, 25, cfg.Outbox.BatchMaxSize)
	assert.Equal(t, 1024, cfg.PTY.OutputBufferSize)
}

func TestDerivedFields(t *testing.T) {
	t.Setenv("CONTROL_PLANE_URL", "https://api.example.com/")
	t.Setenv("NODE_ID", "node-1")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.Node.ControlPlaneURL)
	assert.Equal(t, "https://api.example.com/.well-known/jwks.json", cfg.JWT.JWKSURL)
	assert.Equal(t, "https://api.example.com", cfg.JWT.Issuer)
}

func TestAllowedOriginListDerived(t *testing.T) {
	t.Setenv("CONTROL_PLANE_URL", "https://api.example.com")
	t.Setenv("NODE_ID", "node-1")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	origins := cfg.AllowedOriginList()
	assert.Equal(t, []string{"https://api.example.com", "https://*.example.com"}, origins)
}

func TestAllowedOriginListExplicit(t *testing.T) {
	t.Setenv("CONTROL_PLANE_URL", "https://api.example.com")
	t.Setenv("NODE_ID", "node-1")
	t.Setenv("ALLOWED_ORIGINS", "https://a.test, https://b.test")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.AllowedOriginList())
}
