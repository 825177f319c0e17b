package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
)

// hostClient implements the agent-facing side of the ACP connection: it
// receives session updates and permission/file-system requests from the agent
// and fans them out to the host's viewers and the message outbox.
type hostClient struct {
	host *SessionHost
}

var _ acpsdk.Client = (*hostClient)(nil)

func (c *hostClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("marshal session update: %w", err)
	}
	c.host.broadcastMessage(data)
	c.host.enqueueMessages(ExtractMessages(params))
	return nil
}

// RequestPermission forwards the request to viewers for display, then
// auto-approves with the first offered option. Interactive approval is the
// control plane UI's job; the agent-side policy is set via the session
// permission mode at startup.
func (c *hostClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "permission/request",
		"params":  params,
	})
	if err != nil {
		return acpsdk.RequestPermissionResponse{}, fmt.Errorf("marshal permission request: %w", err)
	}
	c.host.broadcastMessage(data)

	mode := c.host.permissionMode
	if mode == "" {
		mode = "default"
	}
	c.host.logger.Info("permission request",
		zap.String("mode", mode),
		zap.Int("option_count", len(params.Options)))

	if len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *hostClient) ReadTextFile(ctx context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(params.Path, 0) {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path contains null byte")
	}

	containerID, err := c.host.cfg.ContainerResolver(ctx)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("resolve container: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, c.host.cfg.FileExecTimeout)
	defer cancel()

	content, stderr, err := execInContainer(execCtx, containerID, c.host.cfg.ContainerUser, "", "cat", params.Path)
	if err != nil {
		c.host.logger.Error("agent file read failed",
			zap.String("path", params.Path),
			zap.String("stderr", stderr),
			zap.Error(err))
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("read file %q: %v", params.Path, err)
	}

	if len(content) > c.host.cfg.FileMaxSize {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file %q exceeds maximum size of %d bytes", params.Path, c.host.cfg.FileMaxSize)
	}

	return acpsdk.ReadTextFileResponse{
		Content: applyLineLimit(content, params.Line, params.Limit),
	}, nil
}

func (c *hostClient) WriteTextFile(ctx context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(params.Path, 0) {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path contains null byte")
	}
	if len(params.Content) > c.host.cfg.FileMaxSize {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("content exceeds maximum size of %d bytes", c.host.cfg.FileMaxSize)
	}

	containerID, err := c.host.cfg.ContainerResolver(ctx)
	if err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("resolve container: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, c.host.cfg.FileExecTimeout)
	defer cancel()

	dockerArgs := []string{"exec", "-i"}
	if c.host.cfg.ContainerUser != "" {
		dockerArgs = append(dockerArgs, "-u", c.host.cfg.ContainerUser)
	}
	dockerArgs = append(dockerArgs, containerID, "tee", params.Path)

	cmd := exec.CommandContext(execCtx, "docker", dockerArgs...)
	cmd.Stdin = strings.NewReader(params.Content)

	var stderrBuf bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		c.host.logger.Error("agent file write failed",
			zap.String("path", params.Path),
			zap.String("stderr", strings.TrimSpace(stderrBuf.String())),
			zap.Error(err))
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("write file %q: %v", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

// Agent-driven terminals are not exposed; interactive shells go through the
// PTY manager instead.

func (c *hostClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *hostClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *hostClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *hostClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *hostClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}
