package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

const credentialHelperPath = "/usr/local/bin/git-credential-sam"

// ensureGitCredentialHelper installs a credential helper inside the
// devcontainer that fetches short-lived GitHub tokens from this agent's
// /git/credentials endpoint.
func (p *Pipeline) ensureGitCredentialHelper(ctx context.Context) error {
	if p.cfg.Repository == "" {
		return nil
	}
	if !isGitHubRepo(p.cfg.Repository) {
		p.logger.Info("repository is not on GitHub, skipping credential helper setup")
		return nil
	}
	if p.callbackToken == "" {
		return errors.New("callback token is required for git credential helper setup")
	}

	containerID, err := p.container(ctx)
	if err != nil {
		return fmt.Errorf("failed to locate devcontainer for credential helper setup: %w", err)
	}

	script, err := p.renderCredentialHelperScript()
	if err != nil {
		return fmt.Errorf("failed to render git credential helper script: %w", err)
	}

	tempFile, err := os.CreateTemp("", "git-credential-sam-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary credential helper script: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	if _, err := tempFile.WriteString(script); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write temporary credential helper script: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to finalize temporary credential helper script: %w", err)
	}
	if err := os.Chmod(tempPath, 0o755); err != nil {
		return fmt.Errorf("failed to chmod temporary credential helper script: %w", err)
	}

	cmd := exec.CommandContext(ctx, "docker", "cp", tempPath, containerID+":"+credentialHelperPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to copy credential helper into devcontainer: %w: %s",
			err, strings.TrimSpace(string(output)))
	}

	// -u root: the container's default user may not write /usr/local/bin
	cmd = exec.CommandContext(ctx, "docker", "exec", "-u", "root", containerID,
		"chmod", "0755", credentialHelperPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to chmod credential helper in devcontainer: %w: %s",
			err, strings.TrimSpace(string(output)))
	}

	cmd = exec.CommandContext(ctx, "docker", "exec", "-u", "root", containerID,
		"git", "config", "--system", "credential.helper", credentialHelperPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to configure git credential helper in devcontainer: %w: %s",
			err, strings.TrimSpace(string(output)))
	}

	p.logger.Info("configured git credential helper",
		zap.String("container_id", containerID))
	return nil
}

// renderCredentialHelperScript produces a POSIX shell helper that reaches the
// agent over the container's gateway, trying the usual host addresses.
func (p *Pipeline) renderCredentialHelperScript() (string, error) {
	if p.callbackToken == "" {
		return "", errors.New("callback token is empty")
	}
	if p.cfg.AgentPort <= 0 {
		return "", fmt.Errorf("invalid agent port: %d", p.cfg.AgentPort)
	}

	return fmt.Sprintf(`#!/bin/sh
set -eu

action="${1:-get}"
if [ "$action" != "get" ]; then
  exit 0
fi

requested_host=""
while IFS= read -r line; do
  [ -z "$line" ] && break
  case "$line" in
    host=*) requested_host="${line#host=}" ;;
  esac
done

if [ -n "$requested_host" ] && [ "$requested_host" != "github.com" ] && [ "$requested_host" != "api.github.com" ]; then
  exit 0
fi

resolve_gateway() {
  ip route 2>/dev/null | awk '/default/ {print $3; exit}'
}

request_credentials() {
  target="$1"
  curl -fsS --max-time 5 -X POST \
    -H "Authorization: Bearer %s" \
    "http://${target}:%d/git/credentials"
}

gateway="$(resolve_gateway || true)"
for target in host.docker.internal "$gateway" 172.17.0.1; do
  [ -n "$target" ] || continue
  if request_credentials "$target" 2>/dev/null; then
    exit 0
  fi
done

exit 0
`, p.callbackToken, p.cfg.AgentPort), nil
}

// resolveGitIdentity derives the commit identity from bootstrap state. An
// empty email disables identity setup entirely.
func resolveGitIdentity(state *State) (name, email string, ok bool) {
	if state == nil {
		return "", "", false
	}
	email = strings.TrimSpace(state.GitUserEmail)
	if email == "" {
		return "", "", false
	}
	name = strings.TrimSpace(state.GitUserName)
	if name != "" {
		return name, email, true
	}
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at], email, true
	}
	return "workspace-user", email, true
}

func (p *Pipeline) ensureGitIdentity(ctx context.Context, state *State) error {
	gitUserName, gitUserEmail, ok := resolveGitIdentity(state)
	if !ok {
		return nil
	}

	containerID, err := p.container(ctx)
	if err != nil {
		return fmt.Errorf("failed to locate devcontainer for git identity setup: %w", err)
	}

	cmd := exec.CommandContext(ctx, "docker", "exec", "-u", "root", containerID,
		"git", "config", "--system", "user.email", gitUserEmail)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to configure git user.email in devcontainer: %w: %s",
			err, strings.TrimSpace(string(output)))
	}

	cmd = exec.CommandContext(ctx, "docker", "exec", "-u", "root", containerID,
		"git", "config", "--system", "user.name", gitUserName)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to configure git user.name in devcontainer: %w: %s",
			err, strings.TrimSpace(string(output)))
	}

	p.logger.Info("configured git identity", zap.String("container_id", containerID))
	return nil
}
