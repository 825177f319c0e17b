package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// agentCredential is the decrypted credential for one agent kind, as served
// by the control plane.
type agentCredential struct {
	credential     string
	credentialKind string // "api-key" or "oauth-token"
}

// agentSettings holds the user's per-agent preferences from the control
// plane. Absent or unreachable settings degrade to agent defaults.
type agentSettings struct {
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// fetchAgentKey retrieves the agent credential for this workspace.
func (h *SessionHost) fetchAgentKey(ctx context.Context, agentType string) (*agentCredential, error) {
	url := fmt.Sprintf("%s/api/workspaces/%s/agent-key", h.cfg.ControlPlaneURL, h.cfg.WorkspaceID)

	body, err := json.Marshal(map[string]string{"agentType": agentType})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.cfg.CallbackToken)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch agent key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no credential configured for %s", agentType)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control plane returned status %d", resp.StatusCode)
	}

	var result struct {
		APIKey         string `json:"apiKey"`
		CredentialKind string `json:"credentialKind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.APIKey == "" {
		return nil, fmt.Errorf("empty credential returned for %s", agentType)
	}
	if result.CredentialKind == "" {
		result.CredentialKind = "api-key"
	}

	return &agentCredential{
		credential:     result.APIKey,
		credentialKind: result.CredentialKind,
	}, nil
}

// fetchAgentSettings retrieves the user's agent settings. Failures are
// non-fatal and return nil.
func (h *SessionHost) fetchAgentSettings(ctx context.Context, agentType string) *agentSettings {
	url := fmt.Sprintf("%s/api/workspaces/%s/agent-settings", h.cfg.ControlPlaneURL, h.cfg.WorkspaceID)

	body, err := json.Marshal(map[string]string{"agentType": agentType})
	if err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.cfg.CallbackToken)

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn("agent settings fetch failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.logger.Warn("agent settings returned non-OK status, using defaults",
			zap.Int("status", resp.StatusCode))
		return nil
	}

	var result agentSettings
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		h.logger.Warn("agent settings decode failed", zap.Error(err))
		return nil
	}
	return &result
}
