package bootstrap

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ensureRepositoryReady clones the configured repository into the workspace
// directory. A workspace that already contains a .git directory is left
// untouched.
func (p *Pipeline) ensureRepositoryReady(ctx context.Context, state *State) error {
	if p.cfg.Repository == "" {
		p.logger.Info("repository is empty, skipping clone step")
		return nil
	}

	gitDir := filepath.Join(p.cfg.WorkspaceDir, ".git")
	if _, err := os.Stat(gitDir); err == nil {
		p.logger.Info("repository already present, skipping clone",
			zap.String("dir", p.cfg.WorkspaceDir))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.cfg.WorkspaceDir), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace parent directory: %w", err)
	}
	// A partial previous clone without .git is garbage; start clean.
	if err := os.RemoveAll(p.cfg.WorkspaceDir); err != nil {
		return fmt.Errorf("failed to clean workspace directory: %w", err)
	}

	repoURL := normalizeRepoURL(p.cfg.Repository)
	cloneToken := ""
	if state != nil {
		cloneToken = state.GitHubToken
	}
	cloneURL, err := withGitHubToken(repoURL, cloneToken)
	if err != nil {
		return fmt.Errorf("failed to prepare clone URL: %w", err)
	}

	p.logger.Info("cloning repository",
		zap.String("repository", p.cfg.Repository),
		zap.String("branch", p.cfg.Branch))
	cmd := exec.CommandContext(ctx, "git", "clone",
		"--branch", p.cfg.Branch, "--single-branch", cloneURL, p.cfg.WorkspaceDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err,
			redactSecret(strings.TrimSpace(string(output)), cloneToken))
	}

	// Persist origin without embedded credentials.
	cmd = exec.CommandContext(ctx, "git", "-C", p.cfg.WorkspaceDir,
		"remote", "set-url", "origin", repoURL)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to sanitize repository origin URL: %w: %s",
			err, strings.TrimSpace(string(output)))
	}
	return nil
}

// normalizeRepoURL turns "owner/repo" or "github.com/owner/repo" shorthand
// into a full https clone URL.
func normalizeRepoURL(repo string) string {
	repo = strings.TrimSpace(repo)
	if strings.HasPrefix(repo, "http://") || strings.HasPrefix(repo, "https://") {
		if !strings.HasSuffix(repo, ".git") {
			return repo + ".git"
		}
		return repo
	}

	repo = strings.TrimPrefix(repo, "github.com/")
	repo = strings.TrimSuffix(repo, ".git")
	return "https://github.com/" + repo + ".git"
}

// withGitHubToken embeds an access token into a github.com https URL.
// Non-GitHub and non-https URLs pass through unchanged.
func withGitHubToken(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" || !strings.EqualFold(u.Host, "github.com") {
		return repoURL, nil
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func isGitHubRepo(repo string) bool {
	u, err := url.Parse(normalizeRepoURL(repo))
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, "github.com")
}

func redactSecret(input, secret string) string {
	if secret == "" {
		return input
	}
	return strings.ReplaceAll(input, secret, "***")
}
