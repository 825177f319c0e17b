package acp

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// agentCommand describes how to run one supported agent kind inside the
// devcontainer: the adapter binary, its arguments, the environment variable
// carrying the credential, and the install command used when the binary is
// missing. The set of supported kinds is closed; unknown kinds fall through
// to a generic entry with no installer.
type agentCommand struct {
	command    string
	args       []string
	envVarName string
	installCmd string
}

// agentCommandFor returns the launch recipe for an agent kind. The
// credential kind selects between API-key and OAuth environment variables
// where the agent distinguishes them.
func agentCommandFor(agentType, credentialKind string) agentCommand {
	switch agentType {
	case "claude-code":
		if credentialKind == "oauth-token" {
			return agentCommand{"claude-code-acp", nil, "CLAUDE_CODE_OAUTH_TOKEN", "npm install -g @zed-industries/claude-code-acp"}
		}
		return agentCommand{"claude-code-acp", nil, "ANTHROPIC_API_KEY", "npm install -g @zed-industries/claude-code-acp"}
	case "openai-codex":
		return agentCommand{"codex-acp", nil, "OPENAI_API_KEY", "npm install -g @zed-industries/codex-acp"}
	case "google-gemini":
		return agentCommand{"gemini", []string{"--experimental-acp"}, "GEMINI_API_KEY", "npm install -g @google/gemini-cli"}
	default:
		return agentCommand{agentType, nil, "API_KEY", ""}
	}
}

// modelEnvVarFor returns the environment variable used to pin an agent's
// model, or empty when the agent takes the model over the ACP session
// settings call only.
func modelEnvVarFor(agentType string) string {
	switch agentType {
	case "claude-code":
		return "ANTHROPIC_MODEL"
	case "openai-codex":
		return "CODEX_MODEL"
	case "google-gemini":
		return "GEMINI_MODEL"
	default:
		return ""
	}
}

const installTimeout = 5 * time.Minute

// installAgentBinary installs the agent's ACP adapter inside the container.
// npm global installs need root in most devcontainer images, so the install
// runs as root regardless of the configured container user.
func installAgentBinary(ctx context.Context, containerID string, info agentCommand, log *logger.Logger) error {
	if info.installCmd == "" {
		return fmt.Errorf("no install command for %s", info.command)
	}

	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	log.Info("installing agent binary",
		zap.String("command", info.command),
		zap.String("install_cmd", info.installCmd))

	args := []string{"exec", "-u", "root", containerID, "sh", "-c", info.installCmd}
	cmd := exec.CommandContext(installCtx, "docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("install %s failed: %w: %s", info.command, err, truncate(strings.TrimSpace(string(out)), 500))
	}

	// Verify the binary is now resolvable for the session user.
	check := exec.CommandContext(installCtx, "docker", "exec", containerID, "which", info.command)
	if err := check.Run(); err != nil {
		return fmt.Errorf("%s still missing after install", info.command)
	}

	log.Info("agent binary installed", zap.String("command", info.command))
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
