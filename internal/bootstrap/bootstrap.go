// Package bootstrap turns a freshly provisioned workspace into a ready one:
// it redeems the single-use bootstrap token, clones the repository, builds
// the devcontainer, wires git credentials, and signals the control plane.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
	"github.com/samcloud/node-agent/internal/report"
)

const maxRedeemBackoff = 30 * time.Second

// Config holds everything one workspace bootstrap needs.
type Config struct {
	ControlPlaneURL string
	BootstrapToken  string
	WorkspaceID     string
	WorkspaceDir    string
	Repository      string
	Branch          string
	StatePath       string

	MaxWait      time.Duration
	BuildTimeout time.Duration

	DefaultImage       string
	DefaultConfigPath  string
	AdditionalFeatures string
	ContainerUser      string
	LabelKey           string
	LabelValue         string

	AgentPort int
}

// redeemResponse is the control plane's answer to token redemption.
type redeemResponse struct {
	WorkspaceID     string  `json:"workspaceId"`
	CallbackToken   string  `json:"callbackToken"`
	GitHubToken     *string `json:"githubToken"`
	GitUserName     *string `json:"gitUserName"`
	GitUserEmail    *string `json:"gitUserEmail"`
	ControlPlaneURL string  `json:"controlPlaneUrl"`
}

// ProvisionState carries credentials for on-demand workspace preparation
// outside the bootstrap-token flow.
type ProvisionState struct {
	GitHubToken  string
	GitUserName  string
	GitUserEmail string
}

// Pipeline runs the bootstrap steps for one workspace. Every step is
// idempotent, so a crashed bootstrap can be re-run from the top.
type Pipeline struct {
	cfg       Config
	logger    *logger.Logger
	bootLog   *report.Reporter
	container ContainerResolver
	client    *http.Client

	callbackRetry retryConfig
	callbackToken string
}

// ContainerResolver returns the workspace's devcontainer ID.
type ContainerResolver func(ctx context.Context) (string, error)

// NewPipeline creates a bootstrap pipeline. bootLog may be nil.
func NewPipeline(cfg Config, resolver ContainerResolver, bootLog *report.Reporter, log *logger.Logger) *Pipeline {
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 15 * time.Minute
	}
	return &Pipeline{
		cfg:           cfg,
		container:     resolver,
		bootLog:       bootLog,
		callbackRetry: defaultCallbackRetry(),
		client:        &http.Client{Timeout: 30 * time.Second},
		logger: log.WithFields(
			zap.String("component", "bootstrap"),
			zap.String("workspace_id", cfg.WorkspaceID)),
	}
}

// Token returns the callback token obtained during Run, or the one passed
// through PrepareWorkspace.
func (p *Pipeline) Token() string {
	return p.callbackToken
}

// Run performs the full boot flow: redeem (or reuse persisted state), then
// prepare the workspace and mark it ready. A nil return means the workspace
// is serving.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.cfg.BootstrapToken == "" {
		return nil
	}

	state, err := LoadState(p.cfg.StatePath)
	if err != nil {
		return fmt.Errorf("failed to load bootstrap state: %w", err)
	}

	if state != nil {
		if state.WorkspaceID != p.cfg.WorkspaceID {
			return fmt.Errorf("bootstrap state workspace mismatch: expected %s, found %s",
				p.cfg.WorkspaceID, state.WorkspaceID)
		}
		p.logger.Info("using persisted bootstrap state", zap.String("path", p.cfg.StatePath))
		p.callbackToken = state.CallbackToken
		p.bootLog.SetToken(state.CallbackToken)
	} else {
		p.step("bootstrap_redeem", "started", "Redeeming bootstrap credentials")
		state, err = p.redeemWithRetry(ctx)
		if err != nil {
			return err
		}
		p.callbackToken = state.CallbackToken
		p.bootLog.SetToken(state.CallbackToken)
		p.step("bootstrap_redeem", "completed", "Bootstrap credentials redeemed")
		if err := SaveState(p.cfg.StatePath, state); err != nil {
			return fmt.Errorf("failed to persist bootstrap state: %w", err)
		}
	}

	if p.callbackToken == "" {
		return errors.New("callback token is missing after bootstrap")
	}

	return p.prepare(ctx, state)
}

// PrepareWorkspace provisions a workspace on demand, outside the boot-token
// flow. Used when the control plane asks a running node for a new workspace.
func (p *Pipeline) PrepareWorkspace(ctx context.Context, callbackToken string, state ProvisionState) error {
	p.callbackToken = callbackToken
	p.bootLog.SetToken(callbackToken)
	return p.prepare(ctx, &State{
		WorkspaceID:   p.cfg.WorkspaceID,
		CallbackToken: callbackToken,
		GitHubToken:   strings.TrimSpace(state.GitHubToken),
		GitUserName:   strings.TrimSpace(state.GitUserName),
		GitUserEmail:  strings.TrimSpace(state.GitUserEmail),
	})
}

// prepare runs the provisioning steps. A terminal failure is reported to the
// control plane's provisioning-failed endpoint before it propagates.
func (p *Pipeline) prepare(ctx context.Context, state *State) error {
	if err := p.runSteps(ctx, state); err != nil {
		p.notifyProvisioningFailed(ctx, err.Error())
		return err
	}
	return nil
}

func (p *Pipeline) runSteps(ctx context.Context, state *State) error {
	p.step("git_clone", "started", "Cloning repository")
	if err := p.ensureRepositoryReady(ctx, state); err != nil {
		p.step("git_clone", "failed", "Repository clone failed", err.Error())
		return err
	}
	p.step("git_clone", "completed", "Repository cloned")

	p.step("workspace_perms_pre", "started", "Preparing workspace permissions")
	if err := p.ensureWorkspaceWritablePre(ctx); err != nil {
		p.step("workspace_perms_pre", "failed", "Pre-build permission setup failed", err.Error())
		return err
	}
	p.step("workspace_perms_pre", "completed", "Workspace permissions prepared")

	p.step("devcontainer_up", "started", "Building devcontainer")
	usedFallback, err := p.ensureDevcontainerReady(ctx)
	if err != nil {
		p.step("devcontainer_up", "failed", "Devcontainer build failed", err.Error())
		return err
	}
	if usedFallback {
		p.step("devcontainer_up", "completed", "Devcontainer ready (fallback to default image)")
	} else {
		p.step("devcontainer_up", "completed", "Devcontainer ready")
	}

	p.step("workspace_perms", "started", "Setting workspace permissions")
	if err := p.ensureWorkspaceWritable(ctx); err != nil {
		p.step("workspace_perms", "failed", "Permission setup failed", err.Error())
		return err
	}
	p.step("workspace_perms", "completed", "Workspace permissions set")

	p.step("git_creds", "started", "Configuring git credentials")
	if err := p.ensureGitCredentialHelper(ctx); err != nil {
		p.step("git_creds", "failed", "Git credential setup failed", err.Error())
		return err
	}
	p.step("git_creds", "completed", "Git credentials configured")

	p.step("git_identity", "started", "Configuring git identity")
	if err := p.ensureGitIdentity(ctx, state); err != nil {
		p.step("git_identity", "failed", "Git identity setup failed", err.Error())
		return err
	}
	p.step("git_identity", "completed", "Git identity configured")

	p.step("workspace_ready", "started", "Marking workspace ready")
	if err := p.markReady(ctx); err != nil {
		p.step("workspace_ready", "failed", "Failed to mark workspace ready", err.Error())
		return err
	}
	p.step("workspace_ready", "completed", "Workspace is ready")
	return nil
}

func (p *Pipeline) step(name, status, message string, detail ...string) {
	entry := report.BootLogEntry{Step: name, Status: status, Message: message}
	if len(detail) > 0 && detail[0] != "" {
		entry.Detail = detail[0]
	}
	if err := p.bootLog.EnqueueBootLog(entry); err != nil {
		p.logger.Warn("failed to enqueue boot log entry",
			zap.String("step", name), zap.Error(err))
	}
	p.logger.Info("bootstrap step",
		zap.String("step", name), zap.String("status", status))
}

func (p *Pipeline) redeemWithRetry(ctx context.Context) (*State, error) {
	deadline := time.Now().Add(p.cfg.MaxWait)
	backoff := time.Second
	var lastErr error

	for {
		state, retryable, err := p.redeem(ctx)
		if err == nil {
			p.logger.Info("bootstrap token redeemed")
			return state, nil
		}

		lastErr = err
		if !retryable {
			return nil, fmt.Errorf("bootstrap redemption failed (non-retryable): %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("bootstrap redemption timed out after %s: %w", p.cfg.MaxWait, lastErr)
		}

		wait := backoff
		if wait > maxRedeemBackoff {
			wait = maxRedeemBackoff
		}
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}
		p.logger.Warn("bootstrap redemption failed, retrying",
			zap.Duration("wait", wait), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
}

// redeem POSTs the single-use token. The second return reports whether the
// failure is worth retrying: auth-shaped rejections are final.
func (p *Pipeline) redeem(ctx context.Context) (*State, bool, error) {
	endpoint := fmt.Sprintf("%s/api/bootstrap/%s",
		strings.TrimRight(p.cfg.ControlPlaneURL, "/"), p.cfg.BootstrapToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, true, err
	}

	res, err := p.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 8*1024))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		retryable := res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests
		if res.StatusCode == http.StatusUnauthorized ||
			res.StatusCode == http.StatusForbidden ||
			res.StatusCode == http.StatusNotFound {
			retryable = false
		}
		return nil, retryable, fmt.Errorf("bootstrap endpoint returned HTTP %d: %s",
			res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload redeemResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, true, fmt.Errorf("failed to decode bootstrap response: %w", err)
	}
	if payload.WorkspaceID == "" || payload.CallbackToken == "" {
		return nil, false, errors.New("bootstrap response missing required fields")
	}
	if payload.WorkspaceID != p.cfg.WorkspaceID {
		return nil, false, fmt.Errorf("bootstrap workspace mismatch: expected %s, got %s",
			p.cfg.WorkspaceID, payload.WorkspaceID)
	}

	state := &State{
		WorkspaceID:   payload.WorkspaceID,
		CallbackToken: payload.CallbackToken,
	}
	if payload.GitHubToken != nil {
		state.GitHubToken = *payload.GitHubToken
	}
	if payload.GitUserName != nil {
		state.GitUserName = strings.TrimSpace(*payload.GitUserName)
	}
	if payload.GitUserEmail != nil {
		state.GitUserEmail = strings.TrimSpace(*payload.GitUserEmail)
	}
	return state, false, nil
}

// markReady signals the control plane that the workspace is serving. The
// ready callback is the control plane's only trigger to advance the caller's
// pipeline, so transient failures retry with backoff before giving up.
func (p *Pipeline) markReady(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/workspaces/%s/ready",
		strings.TrimRight(p.cfg.ControlPlaneURL, "/"), p.cfg.WorkspaceID)
	err := p.retryCallback(ctx, "workspace-ready", p.callbackRetry, func(ctx context.Context) error {
		return p.postCallback(ctx, endpoint, map[string]string{"status": "running"})
	})
	if err != nil {
		return err
	}
	p.logger.Info("workspace marked ready")
	return nil
}

// notifyProvisioningFailed tells the control plane the workspace cannot be
// provisioned. Best effort: after its own retries it degrades to a log line.
func (p *Pipeline) notifyProvisioningFailed(ctx context.Context, message string) {
	if p.callbackToken == "" {
		return
	}
	if strings.TrimSpace(message) == "" {
		message = "workspace provisioning failed"
	}
	endpoint := fmt.Sprintf("%s/api/workspaces/%s/provisioning-failed",
		strings.TrimRight(p.cfg.ControlPlaneURL, "/"), p.cfg.WorkspaceID)
	err := p.retryCallback(ctx, "provisioning-failed", p.callbackRetry, func(ctx context.Context) error {
		return p.postCallback(ctx, endpoint, map[string]string{"error": message})
	})
	if err != nil {
		p.logger.Error("provisioning-failed report did not reach the control plane", zap.Error(err))
	}
}

// postCallback POSTs a JSON payload with the callback bearer. Responses in
// the 4xx range (except 408 and 429) are permanent; retrying cannot help.
func (p *Pipeline) postCallback(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return permanent(fmt.Errorf("failed to marshal callback payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("failed to create callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.callbackToken)

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(res.Body, 8*1024))
		err := fmt.Errorf("callback endpoint returned HTTP %d: %s",
			res.StatusCode, strings.TrimSpace(string(respBody)))
		if res.StatusCode >= 400 && res.StatusCode < 500 &&
			res.StatusCode != http.StatusRequestTimeout &&
			res.StatusCode != http.StatusTooManyRequests {
			return permanent(err)
		}
		return err
	}
	return nil
}
