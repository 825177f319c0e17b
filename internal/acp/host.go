package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
	"github.com/samcloud/node-agent/internal/report"
	"github.com/samcloud/node-agent/internal/store"
)

// HostStatus is the lifecycle state of a SessionHost.
type HostStatus string

const (
	HostIdle      HostStatus = "idle"      // no agent selected yet
	HostStarting  HostStatus = "starting"  // agent being initialized
	HostReady     HostStatus = "ready"     // agent ready for prompts
	HostPrompting HostStatus = "prompting" // prompt in progress
	HostError     HostStatus = "error"     // agent in error state
	HostStopped   HostStatus = "stopped"   // explicitly stopped
)

// ContainerResolver returns the workspace's current devcontainer ID.
type ContainerResolver func(ctx context.Context) (string, error)

// SessionRecorder persists session metadata so a session can resume after a
// process restart via LoadSession. May be nil to disable persistence.
type SessionRecorder interface {
	UpsertACPSession(rec store.ACPSessionRecord) error
}

// HostConfig holds the configuration for one SessionHost.
type HostConfig struct {
	SessionID   string
	WorkspaceID string
	Label       string

	ControlPlaneURL string
	CallbackToken   string

	ContainerResolver ContainerResolver
	ContainerUser     string
	ContainerWorkDir  string

	InitTimeout        time.Duration
	PromptTimeout      time.Duration
	CancelGracePeriod  time.Duration
	MaxRestartAttempts int
	MessageBufferSize  int
	ViewerSendBuffer   int
	IdleSuspendTimeout time.Duration
	FileExecTimeout    time.Duration
	FileMaxSize        int

	// Resume state from a persisted session record.
	PreviousAgentType    string
	PreviousACPSessionID string

	Messages *report.Reporter // message outbox, may be nil
	Errors   *report.Reporter // error outbox, may be nil
	Records  SessionRecorder  // session persistence, may be nil

	// GitTokenFetcher supplies a GH_TOKEN for the agent's environment when
	// the container env files carry none.
	GitTokenFetcher func(ctx context.Context) (string, error)
	// OnSuspend notifies the owner after an idle auto-suspend.
	OnSuspend func(workspaceID, sessionID string)
	// OnPromptComplete fires after each prompt with its stop reason.
	OnPromptComplete func(stopReason string, err error)
	// OnBufferEvict is called when the replay buffer drops oldest entries.
	OnBufferEvict func(dropped int)
	// OnEvent appends a workspace-level event record.
	OnEvent func(level, eventType, message string)

	HTTPClient *http.Client
}

func (c *HostConfig) withDefaults() {
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = 60 * time.Minute
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = 5 * time.Second
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 3
	}
	if c.MessageBufferSize <= 0 {
		c.MessageBufferSize = 5000
	}
	if c.ViewerSendBuffer <= 0 {
		c.ViewerSendBuffer = 256
	}
	if c.FileExecTimeout <= 0 {
		c.FileExecTimeout = 30 * time.Second
	}
	if c.FileMaxSize <= 0 {
		c.FileMaxSize = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}

// SessionHost manages one agent session independently of any WebSocket
// connection. It owns the agent process, the ACP connection, and the replay
// buffer; viewers come and go without affecting the agent.
type SessionHost struct {
	cfg    HostConfig
	logger *logger.Logger
	client *http.Client

	// Agent state (guarded by mu).
	mu             sync.RWMutex
	process        *AgentProcess
	acpConn        *acpsdk.ClientSideConnection
	agentType      string
	sessionID      acpsdk.SessionId
	restartCount   int
	permissionMode string
	status         HostStatus
	statusErr      string
	lastPrompt     string
	createdAt      time.Time

	// Viewers (guarded by viewerMu).
	viewerMu     sync.RWMutex
	viewers      map[string]*Viewer
	suspendTimer *time.Timer

	// Replay buffer (guarded by bufMu).
	bufMu      sync.RWMutex
	messageBuf []BufferedMessage
	seqCounter uint64

	// Prompt serialization. promptCancel lives behind its own mutex so
	// CancelPrompt never waits on a blocked Prompt call.
	promptMu       sync.Mutex
	promptInFlight bool
	promptSeq      uint64
	promptCancelMu sync.Mutex
	promptCancel   context.CancelFunc
	activePromptID uint64

	stderrMu  sync.Mutex
	stderrBuf strings.Builder

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSessionHost creates a host in the idle state. Call SelectAgent to start
// an agent.
func NewSessionHost(cfg HostConfig, log *logger.Logger) *SessionHost {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	if log == nil {
		log = logger.Default()
	}
	return &SessionHost{
		cfg: cfg,
		logger: log.WithFields(
			zap.String("component", "acp"),
			zap.String("session_id", cfg.SessionID)),
		client:     cfg.HTTPClient,
		status:     HostIdle,
		createdAt:  time.Now(),
		viewers:    make(map[string]*Viewer),
		messageBuf: make([]BufferedMessage, 0, 256),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Status returns the current host status.
func (h *SessionHost) Status() HostStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// AgentType returns the selected agent kind, or empty.
func (h *SessionHost) AgentType() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agentType
}

// SessionID returns the host's session identifier.
func (h *SessionHost) SessionID() string { return h.cfg.SessionID }

// ContainerWorkDir returns the working directory inside the container.
func (h *SessionHost) ContainerWorkDir() string { return h.cfg.ContainerWorkDir }

// IsPrompting reports whether a prompt is in flight. The auto-suspend timer
// checks this to avoid interrupting active work.
func (h *SessionHost) IsPrompting() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status == HostPrompting
}

func (h *SessionHost) currentSessionState() (HostStatus, string, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, h.agentType, h.statusErr
}

// SelectAgent fetches credentials, installs the adapter binary on demand,
// starts the agent process, and runs the ACP handshake. Errors surface as
// agent_status frames rather than return values because selection is driven
// by viewer control messages.
func (h *SessionHost) SelectAgent(ctx context.Context, agentType string) {
	h.mu.Lock()

	// Capture resume state before stopping any running agent.
	previousACPSessionID := string(h.sessionID)
	previousAgentType := h.agentType
	if previousACPSessionID == "" && h.cfg.PreviousACPSessionID != "" {
		previousACPSessionID = h.cfg.PreviousACPSessionID
		h.cfg.PreviousACPSessionID = ""
	}
	if previousAgentType == "" && h.cfg.PreviousAgentType != "" {
		previousAgentType = h.cfg.PreviousAgentType
		h.cfg.PreviousAgentType = ""
	}

	if h.process != nil {
		h.stopCurrentAgentLocked()
	}
	h.agentType = agentType
	h.restartCount = 0
	h.status = HostStarting
	h.statusErr = ""
	h.mu.Unlock()

	h.logger.Info("agent selection requested", zap.String("agent_type", agentType))
	h.broadcastAgentStatus(StatusStarting, agentType, "")

	h.stderrMu.Lock()
	h.stderrBuf.Reset()
	h.stderrMu.Unlock()

	cred, err := h.fetchAgentKey(ctx, agentType)
	if err != nil {
		errMsg := fmt.Sprintf("failed to fetch credential for %s — check settings", agentType)
		h.logger.Error("agent credential fetch failed", zap.Error(err))
		h.setStatus(HostError, errMsg)
		h.broadcastAgentStatus(StatusError, agentType, errMsg)
		h.reportAgentError(agentType, "agent_key_fetch", errMsg, err.Error())
		return
	}

	info := agentCommandFor(agentType, cred.credentialKind)
	if err := h.ensureAgentInstalled(ctx, info); err != nil {
		errMsg := fmt.Sprintf("failed to install %s: %v", info.command, err)
		h.logger.Error("agent install failed", zap.Error(err))
		h.setStatus(HostError, errMsg)
		h.broadcastAgentStatus(StatusError, agentType, errMsg)
		h.reportAgentError(agentType, "agent_install", errMsg, err.Error())
		return
	}

	settings := h.fetchAgentSettings(ctx, agentType)

	// LoadSession only makes sense when resuming the same agent kind.
	loadSessionID := ""
	if previousACPSessionID != "" && previousAgentType == agentType {
		loadSessionID = previousACPSessionID
	} else if previousACPSessionID != "" {
		h.logger.Info("skipping session restore, agent kind changed",
			zap.String("previous", previousAgentType),
			zap.String("requested", agentType))
	}

	h.mu.Lock()
	if err := h.startAgent(ctx, agentType, cred, settings, loadSessionID); err != nil {
		h.status = HostError
		h.statusErr = err.Error()
		h.mu.Unlock()
		h.logger.Error("agent start failed", zap.Error(err))
		h.broadcastAgentStatus(StatusError, agentType, err.Error())
		h.reportAgentError(agentType, "agent_start", err.Error(), "")
		return
	}
	h.status = HostReady
	h.statusErr = ""
	h.mu.Unlock()

	h.logger.Info("agent ready", zap.String("agent_type", agentType))
	h.reportEvent("info", "agent.ready", fmt.Sprintf("agent %s is ready", agentType))
	h.broadcastAgentStatus(StatusReady, agentType, "")
	h.persistSession()
}

// HandlePrompt routes a session/prompt request through the ACP connection.
// Prompts are serialized; a second prompt while one is in flight is rejected
// with a busy error.
func (h *SessionHost) HandlePrompt(ctx context.Context, reqID json.RawMessage, params json.RawMessage, viewerID string) {
	h.mu.RLock()
	acpConn := h.acpConn
	sessionID := h.sessionID
	h.mu.RUnlock()

	if acpConn == nil || sessionID == acpsdk.SessionId("") {
		h.sendJSONRPCErrorToViewer(viewerID, reqID, -32603, "No ACP session active")
		return
	}

	var promptParams struct {
		Prompt []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"prompt"`
	}
	if err := json.Unmarshal(params, &promptParams); err != nil {
		h.sendJSONRPCErrorToViewer(viewerID, reqID, -32602, "Invalid prompt params")
		return
	}

	var blocks []acpsdk.ContentBlock
	var firstText string
	for _, p := range promptParams.Prompt {
		if p.Type == "text" && p.Text != "" {
			blocks = append(blocks, acpsdk.TextBlock(p.Text))
			if firstText == "" {
				firstText = p.Text
			}
		}
	}
	if len(blocks) == 0 {
		h.sendJSONRPCErrorToViewer(viewerID, reqID, -32602, "Empty prompt")
		return
	}

	if firstText != "" {
		h.persistLastPrompt(firstText)
	}

	// Agents do not echo user input as session/update during live prompts
	// (only during LoadSession replay), so synthetic user_message_chunk
	// notifications are injected into the broadcast stream and the message
	// outbox here.
	for _, block := range blocks {
		notif := acpsdk.SessionNotification{
			SessionId: sessionID,
			Update:    acpsdk.UpdateUserMessage(block),
		}
		data, marshalErr := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"method":  "session/update",
			"params":  notif,
		})
		if marshalErr != nil {
			continue
		}
		h.broadcastMessage(data)
		h.enqueueMessages(ExtractMessages(notif))
	}

	// A prompt is active work; hold off any pending auto-suspend.
	h.viewerMu.Lock()
	if h.suspendTimer != nil {
		h.suspendTimer.Stop()
		h.suspendTimer = nil
	}
	h.viewerMu.Unlock()

	promptCtx, promptCancel := context.WithTimeout(ctx, h.cfg.PromptTimeout)
	promptID, ok := h.beginPrompt(promptCancel)
	if !ok {
		promptCancel()
		h.sendJSONRPCErrorToViewer(viewerID, reqID, -32603, "Prompt already in progress")
		return
	}
	defer func() {
		h.endPrompt(promptID)
		promptCancel()
	}()

	// Watchdog for agents that ignore the context deadline.
	promptDone := make(chan struct{})
	go h.watchPromptTimeout(promptID, promptCtx, promptDone, viewerID, reqID)
	defer close(promptDone)

	h.setStatus(HostPrompting, "")
	h.broadcastControl(MsgSessionPrompting, nil)

	h.logger.Info("prompt started",
		zap.String("acp_session_id", string(sessionID)),
		zap.Int("block_count", len(blocks)))
	promptStart := time.Now()

	// Prompt blocks; session/update notifications flow through the client
	// callback in parallel.
	resp, err := acpConn.Prompt(promptCtx, acpsdk.PromptRequest{
		SessionId: sessionID,
		Prompt:    blocks,
	})

	// A force-stop may have disowned this prompt while Prompt was blocked.
	if !h.isPromptActive(promptID) {
		return
	}

	h.setStatus(HostReady, "")
	h.broadcastControl(MsgSessionPromptDone, nil)

	if err != nil {
		errMsg := fmt.Sprintf("Prompt failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(promptCtx.Err(), context.DeadlineExceeded) {
			errMsg = fmt.Sprintf("Prompt timed out after %s", h.cfg.PromptTimeout)
		}
		h.logger.Error("prompt failed", zap.Error(err),
			zap.Duration("duration", time.Since(promptStart)))
		h.broadcastMessage(h.marshalJSONRPCError(reqID, -32603, errMsg))
		if cb := h.cfg.OnPromptComplete; cb != nil {
			go cb("error", err)
		}
		return
	}

	h.logger.Info("prompt completed",
		zap.String("stop_reason", string(resp.StopReason)),
		zap.Duration("duration", time.Since(promptStart)))

	result, _ := json.Marshal(resp)
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(reqID),
		"result":  json.RawMessage(result),
	})
	h.broadcastMessage(data)

	if cb := h.cfg.OnPromptComplete; cb != nil {
		go cb(string(resp.StopReason), nil)
	}
}

// CancelPrompt cancels the in-flight prompt, if any. After the grace period
// an unresponsive agent is force-stopped.
func (h *SessionHost) CancelPrompt() {
	h.promptCancelMu.Lock()
	cancelFn := h.promptCancel
	promptID := h.activePromptID
	h.promptCancelMu.Unlock()

	if cancelFn == nil {
		return
	}

	h.logger.Info("cancelling in-flight prompt")
	cancelFn()

	grace := h.cfg.CancelGracePeriod
	go func(id uint64, wait time.Duration) {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		<-timer.C
		h.triggerPromptForceStopIfStuck(id, fmt.Sprintf("prompt cancel grace elapsed after %s", wait))
	}(promptID, grace)
}

// ForwardToAgent writes a raw JSON-RPC line to the agent's stdin.
func (h *SessionHost) ForwardToAgent(message []byte) {
	h.mu.RLock()
	process := h.process
	h.mu.RUnlock()

	if process == nil {
		h.logger.Warn("no agent process running, dropping message")
		return
	}
	data := append(message, '\n')
	if _, err := process.Stdin().Write(data); err != nil {
		h.logger.Error("write to agent stdin failed", zap.Error(err))
	}
}

// Stop kills the agent, disconnects all viewers, and marks the session
// stopped. Viewer disconnects never trigger this.
func (h *SessionHost) Stop() {
	h.mu.Lock()
	if h.status == HostStopped {
		h.mu.Unlock()
		return
	}
	h.status = HostStopped
	h.statusErr = ""
	h.stopCurrentAgentLocked()
	h.mu.Unlock()

	h.viewerMu.Lock()
	if h.suspendTimer != nil {
		h.suspendTimer.Stop()
		h.suspendTimer = nil
	}
	h.viewerMu.Unlock()

	h.cancel()
	h.closeAllViewers("session stopped")
	h.logger.Info("session host stopped")
}

// Suspend stops the agent process but preserves the ACP session ID so a
// later SelectAgent can resume via LoadSession. Returns the preserved ACP
// session ID and agent kind.
func (h *SessionHost) Suspend() (acpSessionID string, agentType string) {
	h.mu.Lock()
	if h.status == HostStopped {
		h.mu.Unlock()
		return "", ""
	}
	acpSessionID = string(h.sessionID)
	agentType = h.agentType
	h.stopCurrentAgentLocked()
	h.status = HostStopped
	h.statusErr = ""
	h.mu.Unlock()

	h.cancel()
	h.persistSessionWithStatus("suspended")
	h.closeAllViewers("session suspended")

	h.logger.Info("session host suspended",
		zap.String("acp_session_id", acpSessionID),
		zap.String("agent_type", agentType))
	return acpSessionID, agentType
}

func (h *SessionHost) closeAllViewers(reason string) {
	h.viewerMu.Lock()
	defer h.viewerMu.Unlock()
	for id, viewer := range h.viewers {
		viewer.once.Do(func() { close(viewer.done) })
		_ = viewer.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
			time.Now().Add(5*time.Second),
		)
		_ = viewer.conn.Close()
		delete(h.viewers, id)
	}
}

// autoSuspend fires from the idle timer. Conditions are re-checked under
// lock: a viewer may have attached, or a prompt may have started, since the
// timer was armed.
func (h *SessionHost) autoSuspend() {
	h.viewerMu.Lock()
	h.suspendTimer = nil
	if len(h.viewers) > 0 {
		h.viewerMu.Unlock()
		return
	}
	if h.IsPrompting() {
		if h.suspendTimer == nil {
			h.suspendTimer = time.AfterFunc(h.cfg.IdleSuspendTimeout, h.autoSuspend)
		}
		h.viewerMu.Unlock()
		return
	}
	h.viewerMu.Unlock()

	h.logger.Info("auto-suspending idle viewerless session")
	acpSessionID, agentType := h.Suspend()

	if h.cfg.OnSuspend != nil {
		h.cfg.OnSuspend(h.cfg.WorkspaceID, h.cfg.SessionID)
	}
	h.reportEvent("info", "agent_session.auto_suspended",
		fmt.Sprintf("session auto-suspended (agent %s, acp session %s)", agentType, acpSessionID))
}

// startAgent spawns the process and runs the ACP handshake. Must hold h.mu.
func (h *SessionHost) startAgent(ctx context.Context, agentType string, cred *agentCredential, settings *agentSettings, previousACPSessionID string) error {
	containerID, err := h.cfg.ContainerResolver(ctx)
	if err != nil {
		return fmt.Errorf("devcontainer not available: %w", err)
	}

	info := agentCommandFor(agentType, cred.credentialKind)

	// Bootstrap-written env vars are not ambient for docker exec; read them
	// back and inject explicitly.
	envVars := ReadContainerEnvFiles(ctx, containerID)

	if h.cfg.GitTokenFetcher != nil && !hasEnvVar(envVars, "GH_TOKEN") {
		if token, err := h.cfg.GitTokenFetcher(ctx); err == nil && token != "" {
			envVars = append(envVars, "GH_TOKEN="+token)
		}
	}

	envVars = append(envVars, fmt.Sprintf("%s=%s", info.envVarName, cred.credential))
	if settings != nil && settings.Model != "" {
		if modelEnv := modelEnvVarFor(agentType); modelEnv != "" {
			envVars = append(envVars, fmt.Sprintf("%s=%s", modelEnv, settings.Model))
		}
	}

	if settings != nil && settings.PermissionMode != "" {
		h.permissionMode = settings.PermissionMode
	} else {
		h.permissionMode = "default"
	}

	process, err := StartProcess(ProcessConfig{
		ContainerID:   containerID,
		ContainerUser: h.cfg.ContainerUser,
		Command:       info.command,
		Args:          info.args,
		EnvVars:       envVars,
		WorkDir:       h.cfg.ContainerWorkDir,
	})
	if err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}
	h.process = process

	client := &hostClient{host: h}
	h.acpConn = acpsdk.NewClientSideConnection(client, process.Stdin(), process.Stdout())

	go h.monitorStderr(process)
	go h.monitorProcessExit(ctx, process, agentType, cred, settings)

	initCtx, initCancel := context.WithTimeout(ctx, h.cfg.InitTimeout)
	defer initCancel()

	initResp, err := h.acpConn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		return fmt.Errorf("ACP initialize failed: %w", err)
	}

	if previousACPSessionID != "" && initResp.AgentCapabilities.LoadSession {
		h.logger.Info("attempting session restore",
			zap.String("acp_session_id", previousACPSessionID))
		_, loadErr := h.acpConn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(previousACPSessionID),
			Cwd:        h.cfg.ContainerWorkDir,
			McpServers: []acpsdk.McpServer{},
		})
		if loadErr == nil {
			h.sessionID = acpsdk.SessionId(previousACPSessionID)
			h.reportEvent("info", "agent.load_session", "previous conversation restored")
			h.applySessionSettings(initCtx, settings)
			return nil
		}
		h.logger.Warn("session restore failed, starting fresh", zap.Error(loadErr))
		h.reportEvent("warn", "agent.load_session_failed", "could not restore conversation, starting fresh")
	} else if previousACPSessionID != "" {
		h.logger.Info("agent does not support session restore, starting fresh")
	}

	sessResp, err := h.acpConn.NewSession(initCtx, acpsdk.NewSessionRequest{
		Cwd:        h.cfg.ContainerWorkDir,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		return fmt.Errorf("ACP new session failed: %w", err)
	}
	h.sessionID = sessResp.SessionId
	h.logger.Info("new ACP session", zap.String("acp_session_id", string(h.sessionID)))
	h.applySessionSettings(initCtx, settings)
	return nil
}

// applySessionSettings sets the session model and mode. Both are non-fatal.
func (h *SessionHost) applySessionSettings(ctx context.Context, settings *agentSettings) {
	if settings == nil || h.acpConn == nil || h.sessionID == "" {
		return
	}

	if settings.Model != "" {
		if _, err := h.acpConn.SetSessionModel(ctx, acpsdk.SetSessionModelRequest{
			SessionId: h.sessionID,
			ModelId:   acpsdk.ModelId(settings.Model),
		}); err != nil {
			h.logger.Warn("set session model failed",
				zap.String("model", settings.Model), zap.Error(err))
		}
	}

	if settings.PermissionMode != "" && settings.PermissionMode != "default" {
		if _, err := h.acpConn.SetSessionMode(ctx, acpsdk.SetSessionModeRequest{
			SessionId: h.sessionID,
			ModeId:    acpsdk.SessionModeId(settings.PermissionMode),
		}); err != nil {
			h.logger.Warn("set session mode failed",
				zap.String("mode", settings.PermissionMode), zap.Error(err))
		}
	}
}

// ensureAgentInstalled installs the adapter binary on demand.
func (h *SessionHost) ensureAgentInstalled(ctx context.Context, info agentCommand) error {
	if info.installCmd == "" {
		return nil
	}
	containerID, err := h.cfg.ContainerResolver(ctx)
	if err != nil {
		return fmt.Errorf("devcontainer not available: %w", err)
	}

	check := exec.CommandContext(ctx, "docker", "exec", containerID, "which", info.command)
	if err := check.Run(); err == nil {
		return nil
	}

	h.broadcastAgentStatus(StatusInstalling, info.command, "")
	return installAgentBinary(ctx, containerID, info, h.logger)
}

// monitorStderr collects agent stderr for crash reports, capped at 4 KB.
func (h *SessionHost) monitorStderr(process *AgentProcess) {
	scanner := bufio.NewScanner(process.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		h.logger.Debug("agent stderr", zap.String("line", line))
		h.stderrMu.Lock()
		if h.stderrBuf.Len() < 4096 {
			if h.stderrBuf.Len() > 0 {
				h.stderrBuf.WriteByte('\n')
			}
			h.stderrBuf.WriteString(line)
		}
		h.stderrMu.Unlock()
	}
}

func (h *SessionHost) getAndClearStderr() string {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	s := h.stderrBuf.String()
	h.stderrBuf.Reset()
	return s
}

// monitorProcessExit detects crashes and restarts the agent up to
// MaxRestartAttempts times. A rapid exit (under 5s) is treated as a startup
// crash — usually a bad credential — and not retried.
func (h *SessionHost) monitorProcessExit(ctx context.Context, process *AgentProcess, agentType string, cred *agentCredential, settings *agentSettings) {
	err := process.Wait()

	// Give the stderr scanner a beat to drain.
	time.Sleep(100 * time.Millisecond)
	stderrOutput := h.getAndClearStderr()

	uptime := process.Uptime()
	exitInfo := "exit=0"
	if err != nil {
		exitInfo = fmt.Sprintf("exit=%v", err)
	}
	h.logger.Info("agent process exited",
		zap.String("agent_type", agentType),
		zap.Duration("uptime", uptime.Round(time.Millisecond)),
		zap.String("exit", exitInfo))

	rapidExit := uptime < 5*time.Second

	h.mu.Lock()
	if h.process != process {
		h.mu.Unlock()
		return
	}
	if h.status == HostStopped {
		h.mu.Unlock()
		return
	}

	if rapidExit {
		h.process = nil
		h.acpConn = nil
		h.sessionID = ""
		h.status = HostError
		errMsg := fmt.Sprintf("agent %s crashed on startup (exited in %v, %s)", agentType, uptime.Round(time.Millisecond), exitInfo)
		if stderrOutput != "" {
			errMsg = fmt.Sprintf("%s: %s", errMsg, truncate(stderrOutput, 500))
		}
		h.statusErr = errMsg
		h.mu.Unlock()
		h.broadcastAgentStatus(StatusError, agentType, errMsg)
		h.reportAgentError(agentType, "agent_crash", errMsg, stderrOutput)
		return
	}

	h.restartCount++
	if h.restartCount > h.cfg.MaxRestartAttempts {
		h.process = nil
		h.acpConn = nil
		h.sessionID = ""
		h.status = HostError
		crashMsg := "agent crashed and could not be restarted"
		if stderrOutput != "" {
			crashMsg = fmt.Sprintf("%s: %s", crashMsg, truncate(stderrOutput, 500))
		}
		h.statusErr = crashMsg
		h.mu.Unlock()
		h.broadcastAgentStatus(StatusError, agentType, crashMsg)
		h.reportAgentError(agentType, "agent_max_restarts", crashMsg, stderrOutput)
		return
	}

	attempt := h.restartCount
	h.process = nil
	h.acpConn = nil
	h.sessionID = ""
	h.status = HostStarting
	h.mu.Unlock()

	h.logger.Info("restarting agent",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", h.cfg.MaxRestartAttempts))
	h.broadcastAgentStatus(StatusRestarting, agentType, "")

	time.Sleep(time.Second)

	h.mu.Lock()
	if h.status == HostStopped {
		h.mu.Unlock()
		return
	}
	if err := h.startAgent(ctx, agentType, cred, settings, ""); err != nil {
		h.status = HostError
		h.statusErr = err.Error()
		h.mu.Unlock()
		h.logger.Error("agent restart failed", zap.Error(err))
		h.broadcastAgentStatus(StatusError, agentType, err.Error())
		h.reportAgentError(agentType, "agent_restart_failed", err.Error(), "")
		return
	}
	h.status = HostReady
	h.statusErr = ""
	h.mu.Unlock()

	h.broadcastAgentStatus(StatusReady, agentType, "")
}

// stopCurrentAgentLocked stops the agent process. Must hold h.mu.
func (h *SessionHost) stopCurrentAgentLocked() {
	if h.process != nil {
		_ = h.process.Stop()
		h.process = nil
	}
	h.acpConn = nil
	h.sessionID = ""
}

// --- Prompt bookkeeping ---

func (h *SessionHost) beginPrompt(cancel context.CancelFunc) (uint64, bool) {
	h.promptMu.Lock()
	defer h.promptMu.Unlock()
	if h.promptInFlight {
		return 0, false
	}
	h.promptInFlight = true
	promptID := atomic.AddUint64(&h.promptSeq, 1)

	h.promptCancelMu.Lock()
	h.promptCancel = cancel
	h.activePromptID = promptID
	h.promptCancelMu.Unlock()
	return promptID, true
}

func (h *SessionHost) endPrompt(promptID uint64) {
	h.promptMu.Lock()
	h.promptInFlight = false
	h.promptMu.Unlock()

	h.promptCancelMu.Lock()
	if h.activePromptID == promptID {
		h.activePromptID = 0
		h.promptCancel = nil
	}
	h.promptCancelMu.Unlock()
}

func (h *SessionHost) isPromptActive(promptID uint64) bool {
	h.promptCancelMu.Lock()
	defer h.promptCancelMu.Unlock()
	return h.activePromptID == promptID
}

func (h *SessionHost) watchPromptTimeout(promptID uint64, promptCtx context.Context, done <-chan struct{}, viewerID string, reqID json.RawMessage) {
	select {
	case <-done:
		return
	case <-promptCtx.Done():
		if !errors.Is(promptCtx.Err(), context.DeadlineExceeded) {
			return
		}
		msg := fmt.Sprintf("Prompt timed out after %s", h.cfg.PromptTimeout)
		h.sendJSONRPCErrorToViewer(viewerID, reqID, -32603, msg)
		h.triggerPromptForceStopIfStuck(promptID, msg)
	}
}

// triggerPromptForceStopIfStuck kills the agent if the given prompt is still
// active, disowning the blocked Prompt call.
func (h *SessionHost) triggerPromptForceStopIfStuck(promptID uint64, reason string) {
	h.promptCancelMu.Lock()
	if h.activePromptID != promptID {
		h.promptCancelMu.Unlock()
		return
	}
	h.activePromptID = 0
	h.promptCancel = nil
	h.promptCancelMu.Unlock()

	h.promptMu.Lock()
	h.promptInFlight = false
	h.promptMu.Unlock()

	h.mu.Lock()
	agentType := h.agentType
	if h.status == HostPrompting {
		h.status = HostError
		h.statusErr = reason
	}
	h.stopCurrentAgentLocked()
	h.mu.Unlock()

	h.logger.Error("prompt force-stopped", zap.String("reason", reason))
	h.reportAgentError(agentType, "prompt_force_stop", reason, "")
	h.broadcastControl(MsgSessionPromptDone, nil)
	h.broadcastAgentStatus(StatusError, agentType, reason)
}

func (h *SessionHost) setStatus(status HostStatus, errMsg string) {
	h.mu.Lock()
	h.status = status
	h.statusErr = errMsg
	h.mu.Unlock()
}

// --- Reporting and persistence ---

func (h *SessionHost) enqueueMessages(msgs []ExtractedMessage) {
	for _, m := range msgs {
		if err := h.cfg.Messages.EnqueueMessage(report.Message{
			MessageID:    m.MessageID,
			SessionID:    h.cfg.SessionID,
			Role:         m.Role,
			Content:      m.Content,
			ToolMetadata: m.ToolMetadata,
		}); err != nil {
			h.logger.Warn("message enqueue failed",
				zap.String("message_id", m.MessageID), zap.Error(err))
		}
	}
}

func (h *SessionHost) reportAgentError(agentType, step, message, detail string) {
	_ = h.cfg.Errors.EnqueueError(report.ErrorEntry{
		Level:       "error",
		Message:     message,
		Source:      "acp-host",
		WorkspaceID: h.cfg.WorkspaceID,
		Context: map[string]any{
			"agentType": agentType,
			"step":      step,
			"detail":    detail,
		},
	})
}

func (h *SessionHost) reportEvent(level, eventType, message string) {
	if h.cfg.OnEvent != nil {
		h.cfg.OnEvent(level, eventType, message)
	}
}

func (h *SessionHost) persistSession() {
	h.persistSessionWithStatus("")
}

func (h *SessionHost) persistSessionWithStatus(statusOverride string) {
	if h.cfg.Records == nil || h.cfg.SessionID == "" {
		return
	}
	h.mu.RLock()
	rec := store.ACPSessionRecord{
		SessionID:    h.cfg.SessionID,
		WorkspaceID:  h.cfg.WorkspaceID,
		AgentType:    h.agentType,
		ACPSessionID: string(h.sessionID),
		Label:        h.cfg.Label,
		Status:       string(h.status),
		LastPrompt:   h.lastPrompt,
		CreatedAt:    h.createdAt.UTC().Format(time.RFC3339),
	}
	h.mu.RUnlock()
	if statusOverride != "" {
		rec.Status = statusOverride
	}
	if err := h.cfg.Records.UpsertACPSession(rec); err != nil {
		h.logger.Warn("session persist failed", zap.Error(err))
	}
}

// persistLastPrompt saves a truncated copy of the last user prompt for
// session discoverability in history listings.
func (h *SessionHost) persistLastPrompt(text string) {
	const maxLen = 200
	if len(text) > maxLen {
		text = text[:maxLen]
	}
	h.mu.Lock()
	h.lastPrompt = text
	h.mu.Unlock()
	h.persistSession()
}
