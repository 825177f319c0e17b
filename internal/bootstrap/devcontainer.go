package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// ensureDevcontainerReady builds and starts the devcontainer. Returns
// usedFallback=true when the repository's own devcontainer config failed and
// the default image was used instead.
func (p *Pipeline) ensureDevcontainerReady(ctx context.Context) (bool, error) {
	if _, err := p.container(ctx); err == nil {
		p.logger.Info("devcontainer already running",
			zap.String("label", p.cfg.LabelKey+"="+p.cfg.LabelValue))
		return false, nil
	}

	// cloud-init installs Node.js and the devcontainer CLI asynchronously
	// after the agent starts, so the CLI may not exist yet.
	if err := waitForCommand(ctx, "devcontainer", p.logger); err != nil {
		return false, fmt.Errorf("devcontainer CLI never became available: %w", err)
	}

	buildCtx, cancel := context.WithTimeout(ctx, p.cfg.BuildTimeout)
	defer cancel()

	if hasDevcontainerConfig(p.cfg.WorkspaceDir) {
		args := []string{"up", "--workspace-folder", p.cfg.WorkspaceDir}
		// The repo's own config wins; additional features are only injected
		// into the default config.
		cmd := exec.CommandContext(buildCtx, "devcontainer", args...)
		output, err := cmd.CombinedOutput()
		if err == nil {
			return false, nil
		}

		p.logger.Warn("devcontainer build failed with repo config, falling back to default image",
			zap.Error(err))
		errorLogPath := filepath.Join(p.cfg.WorkspaceDir, ".devcontainer-build-error.log")
		if writeErr := os.WriteFile(errorLogPath, output, 0o644); writeErr != nil {
			p.logger.Warn("failed to write devcontainer build error log",
				zap.String("path", errorLogPath), zap.Error(writeErr))
		}

		if fallbackErr := p.runDevcontainerWithDefault(buildCtx); fallbackErr != nil {
			return false, fmt.Errorf("devcontainer fallback also failed: %w (original error: %v)",
				fallbackErr, err)
		}
		p.logger.Info("devcontainer fallback succeeded with default image")
		return true, nil
	}

	if err := p.runDevcontainerWithDefault(buildCtx); err != nil {
		return false, err
	}
	return false, nil
}

// runDevcontainerWithDefault writes a default devcontainer.json and runs
// devcontainer up with --override-config and optional --additional-features.
func (p *Pipeline) runDevcontainerWithDefault(ctx context.Context) error {
	configPath, err := p.writeDefaultDevcontainerConfig()
	if err != nil {
		return fmt.Errorf("failed to write default devcontainer config: %w", err)
	}
	p.logger.Info("using default devcontainer config",
		zap.String("path", configPath), zap.String("image", p.cfg.DefaultImage))

	args := []string{"up", "--workspace-folder", p.cfg.WorkspaceDir, "--override-config", configPath}
	if p.cfg.AdditionalFeatures != "" {
		args = append(args, "--additional-features", p.cfg.AdditionalFeatures)
	}

	cmd := exec.CommandContext(ctx, "devcontainer", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("devcontainer up failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (p *Pipeline) writeDefaultDevcontainerConfig() (string, error) {
	configPath := p.cfg.DefaultConfigPath
	if configPath == "" {
		configPath = filepath.Join(os.TempDir(), "default-devcontainer.json")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	image := p.cfg.DefaultImage
	if image == "" {
		image = "mcr.microsoft.com/devcontainers/universal:2"
	}

	configJSON := fmt.Sprintf(`{
  "name": "Default Workspace",
  "image": %q,
  "features": {
    "ghcr.io/devcontainers/features/git:1": {},
    "ghcr.io/devcontainers/features/github-cli:1": {}
  },
  "remoteUser": "vscode"
}
`, image)

	if err := os.WriteFile(configPath, []byte(configJSON), 0o644); err != nil {
		return "", fmt.Errorf("failed to write default config: %w", err)
	}
	return configPath, nil
}

// hasDevcontainerConfig reports whether the workspace carries its own
// devcontainer configuration: .devcontainer/devcontainer.json,
// .devcontainer.json, or any JSON inside a .devcontainer/ directory.
func hasDevcontainerConfig(workspaceDir string) bool {
	candidates := []string{
		filepath.Join(workspaceDir, ".devcontainer", "devcontainer.json"),
		filepath.Join(workspaceDir, ".devcontainer.json"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	entries, err := os.ReadDir(filepath.Join(workspaceDir, ".devcontainer"))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			return true
		}
	}
	return false
}

// waitForCommand polls PATH until the command appears or ctx is cancelled.
func waitForCommand(ctx context.Context, name string, log *logger.Logger) error {
	if _, err := exec.LookPath(name); err == nil {
		return nil
	}

	log.Info("waiting for command to be installed", zap.String("command", name))
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for %q: %w", name, ctx.Err())
		case <-ticker.C:
			if _, err := exec.LookPath(name); err == nil {
				return nil
			}
		}
	}
}

// ensureWorkspaceWritablePre loosens permissions on the bind mount before the
// build, so lifecycle hooks running as non-root users can mutate it.
func (p *Pipeline) ensureWorkspaceWritablePre(ctx context.Context) error {
	if p.cfg.WorkspaceDir == "" {
		return nil
	}
	if _, err := os.Stat(p.cfg.WorkspaceDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat workspace dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "chmod", "-R", "a+rwX", p.cfg.WorkspaceDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to normalize workspace permissions: %w: %s",
			err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ensureWorkspaceWritable chowns the workspace to the devcontainer's
// effective user after the build. All failures here degrade to a log line:
// a wrongly-owned workspace is annoying, not fatal.
func (p *Pipeline) ensureWorkspaceWritable(ctx context.Context) error {
	if p.cfg.WorkspaceDir == "" {
		return nil
	}
	if _, err := os.Stat(p.cfg.WorkspaceDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat workspace dir: %w", err)
	}

	containerID, err := p.container(ctx)
	if err != nil {
		p.logger.Warn("workspace permission fix skipped: no devcontainer", zap.Error(err))
		return nil
	}

	uid, gid := 0, 0
	if user := strings.TrimSpace(p.cfg.ContainerUser); user != "" {
		if u, g, err := containerUserIDs(ctx, containerID, user); err != nil {
			p.logger.Warn("unable to resolve configured container user, using container default",
				zap.String("user", user), zap.Error(err))
		} else {
			uid, gid = u, g
		}
	}
	if uid == 0 && gid == 0 {
		u, g, err := containerUserIDs(ctx, containerID, "")
		if err != nil {
			p.logger.Warn("workspace permission fix skipped: unable to resolve container user",
				zap.Error(err))
			return nil
		}
		uid, gid = u, g
	}

	owner := fmt.Sprintf("%d:%d", uid, gid)
	cmd := exec.CommandContext(ctx, "chown", "-R", owner, p.cfg.WorkspaceDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		p.logger.Warn("workspace permission fix failed",
			zap.String("owner", owner),
			zap.String("output", strings.TrimSpace(string(output))),
			zap.Error(err))
	}
	return nil
}

// containerUserIDs resolves uid/gid inside the container, for the named user
// or the container's current user when name is empty.
func containerUserIDs(ctx context.Context, containerID, user string) (int, int, error) {
	idArg := func(flag string) []string {
		args := []string{"exec", containerID, "id", flag}
		if user != "" {
			args = append(args, user)
		}
		return args
	}

	uidOut, err := exec.CommandContext(ctx, "docker", idArg("-u")...).CombinedOutput()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get uid in devcontainer: %w: %s",
			err, strings.TrimSpace(string(uidOut)))
	}
	uid, err := strconv.Atoi(strings.TrimSpace(string(uidOut)))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid output: %q", strings.TrimSpace(string(uidOut)))
	}

	gidOut, err := exec.CommandContext(ctx, "docker", idArg("-g")...).CombinedOutput()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get gid in devcontainer: %w: %s",
			err, strings.TrimSpace(string(gidOut)))
	}
	gid, err := strconv.Atoi(strings.TrimSpace(string(gidOut)))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid gid output: %q", strings.TrimSpace(string(gidOut)))
	}
	return uid, gid, nil
}
