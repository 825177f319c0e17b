package acp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentCommandFor(t *testing.T) {
	tests := []struct {
		agentType      string
		credentialKind string
		wantCommand    string
		wantEnvVar     string
		wantInstall    bool
	}{
		{"claude-code", "api-key", "claude-code-acp", "ANTHROPIC_API_KEY", true},
		{"claude-code", "oauth-token", "claude-code-acp", "CLAUDE_CODE_OAUTH_TOKEN", true},
		{"openai-codex", "api-key", "codex-acp", "OPENAI_API_KEY", true},
		{"google-gemini", "api-key", "gemini", "GEMINI_API_KEY", true},
		{"unknown-agent", "api-key", "unknown-agent", "API_KEY", false},
	}
	for _, tt := range tests {
		t.Run(tt.agentType+"/"+tt.credentialKind, func(t *testing.T) {
			info := agentCommandFor(tt.agentType, tt.credentialKind)
			assert.Equal(t, tt.wantCommand, info.command)
			assert.Equal(t, tt.wantEnvVar, info.envVarName)
			if tt.wantInstall {
				assert.NotEmpty(t, info.installCmd)
			} else {
				assert.Empty(t, info.installCmd)
			}
		})
	}
}

func TestAgentCommandForGeminiArgs(t *testing.T) {
	info := agentCommandFor("google-gemini", "api-key")
	assert.Equal(t, []string{"--experimental-acp"}, info.args)
}

func TestModelEnvVarFor(t *testing.T) {
	assert.Equal(t, "ANTHROPIC_MODEL", modelEnvVarFor("claude-code"))
	assert.Equal(t, "CODEX_MODEL", modelEnvVarFor("openai-codex"))
	assert.Equal(t, "GEMINI_MODEL", modelEnvVarFor("google-gemini"))
	assert.Empty(t, modelEnvVarFor("unknown-agent"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := strings.Repeat("x", 600)
	got := truncate(long, 500)
	assert.Len(t, []rune(got), 501)
	assert.True(t, strings.HasSuffix(got, "…"))
}
