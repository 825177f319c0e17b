// Command node-agent runs on a provisioning node: it bootstraps the initial
// workspace, hosts terminals and coding-agent sessions inside devcontainers,
// and exposes the management HTTP/WebSocket surface to the control plane.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/bootstrap"
	"github.com/samcloud/node-agent/internal/common/config"
	"github.com/samcloud/node-agent/internal/common/logger"
	"github.com/samcloud/node-agent/internal/container"
	"github.com/samcloud/node-agent/internal/gateway"
	"github.com/samcloud/node-agent/internal/logreader"
	"github.com/samcloud/node-agent/internal/report"
	"github.com/samcloud/node-agent/internal/server"
	"github.com/samcloud/node-agent/internal/store"
	"github.com/samcloud/node-agent/internal/sysinfo"
	"github.com/samcloud/node-agent/internal/workspace"
)

const (
	exitOK             = 0
	exitConfig         = 1
	exitStoreMigration = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "node-agent: %v\n", err)
		return exitConfig
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "node-agent: logger init: %v\n", err)
		return exitConfig
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	log.Info("node agent starting",
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("control_plane", cfg.Node.ControlPlaneURL),
		zap.String("listen", cfg.ListenAddr()))

	st, err := store.Open(filepath.Join(cfg.Node.StateDir, "state.db"), log)
	if err != nil {
		log.Error("store open failed", zap.Error(err))
		return exitStoreMigration
	}
	defer st.Close()

	docker, err := container.NewClient(log)
	if err != nil {
		log.Error("docker client init failed", zap.Error(err))
		return exitConfig
	}

	manager := workspace.NewManager(workspace.ManagerConfig{
		NodeID:            cfg.Node.NodeID,
		BaseDir:           cfg.Node.WorkspaceBaseDir,
		ContainerLabelKey: cfg.Container.LabelKey,
		ContainerCacheTTL: cfg.Container.CacheTTL,
		ContainerUser:     cfg.Container.User,
		MaxWorkspaces:     cfg.Limits.MaxWorkspaces,
		DefaultShell:      cfg.PTY.DefaultShell,
		DefaultRows:       cfg.PTY.DefaultRows,
		DefaultCols:       cfg.PTY.DefaultCols,
		OutputBufferSize:  cfg.PTY.OutputBufferSize,
		OrphanGracePeriod: cfg.PTY.OrphanGracePeriod,
	}, docker, st, log)

	reporterCfg := report.Config{
		BatchMaxWait:    cfg.Outbox.BatchMaxWait,
		BatchMaxSize:    cfg.Outbox.BatchMaxSize,
		BatchMaxBytes:   cfg.Outbox.BatchMaxBytes,
		OutboxMaxSize:   cfg.Outbox.OutboxMaxSize,
		RetryInitial:    cfg.Outbox.RetryInitial,
		RetryMax:        cfg.Outbox.RetryMax,
		RetryMaxElapsed: cfg.Outbox.RetryMaxElapsed,
		HTTPTimeout:     cfg.Outbox.HTTPTimeout,
	}

	var messages, bootLog, errs *report.Reporter
	if cfg.Node.WorkspaceID != "" {
		messages = report.NewMessageReporter(st, cfg.Node.ControlPlaneURL, cfg.Node.WorkspaceID, reporterCfg, log)
		bootLog = report.NewBootLogReporter(st, cfg.Node.ControlPlaneURL, cfg.Node.WorkspaceID, reporterCfg, log)
		errs = report.NewErrorReporter(st, cfg.Node.ControlPlaneURL, cfg.Node.NodeID, reporterCfg, log)
	}

	collector := sysinfo.NewCollector(sysinfo.CollectorConfig{}, docker, log)
	heartbeat := report.NewHeartbeat(cfg.Node.ControlPlaneURL, cfg.Node.NodeID, cfg.Heartbeat.Interval,
		func(ctx context.Context) any {
			info, cerr := collector.Collect(ctx)
			if cerr != nil {
				return map[string]any{"error": cerr.Error()}
			}
			return info
		}, log)

	// The boot workspace (when configured) exists before bootstrap so its
	// discovery and directory are in place for the pipeline.
	var pipeline *bootstrap.Pipeline
	if cfg.Node.WorkspaceID != "" && cfg.Node.Repository != "" {
		snap, cerr := manager.Create(context.Background(), workspace.CreateRequest{
			WorkspaceID: cfg.Node.WorkspaceID,
			Repository:  cfg.Node.Repository,
			Branch:      cfg.Node.Branch,
		})
		if cerr != nil {
			log.Error("boot workspace create failed", zap.Error(cerr))
			return exitConfig
		}
		bootWS, _ := manager.Get(cfg.Node.WorkspaceID)

		pipeline = bootstrap.NewPipeline(bootstrap.Config{
			ControlPlaneURL:    cfg.Node.ControlPlaneURL,
			BootstrapToken:     cfg.Node.BootstrapToken,
			WorkspaceID:        cfg.Node.WorkspaceID,
			WorkspaceDir:       snap.WorkspaceDir,
			Repository:         cfg.Node.Repository,
			Branch:             cfg.Node.Branch,
			StatePath:          filepath.Join(cfg.Node.StateDir, "bootstrap-state.json"),
			MaxWait:            cfg.Bootstrap.MaxWait,
			BuildTimeout:       cfg.Bootstrap.BuildTimeout,
			DefaultImage:       cfg.Container.DefaultImage,
			AdditionalFeatures: cfg.Container.AdditionalFeatures,
			ContainerUser:      cfg.Container.User,
			LabelKey:           cfg.Container.LabelKey,
			LabelValue:         snap.WorkspaceDir,
			AgentPort:          cfg.Server.Port,
		}, bootWS.Discovery.Resolver(), bootLog, log)
	}

	callbackToken := func() string {
		if pipeline == nil {
			return ""
		}
		return pipeline.Token()
	}

	validator, err := gateway.NewValidator(cfg.JWT.JWKSURL, cfg.JWT.Audience, cfg.JWT.Issuer)
	if err != nil {
		log.Error("jwks fetch failed", zap.String("url", cfg.JWT.JWKSURL), zap.Error(err))
		return exitConfig
	}

	gw := gateway.New(gateway.Config{
		AllowedOrigins:  cfg.AllowedOriginList(),
		ReadBufferSize:  cfg.Server.WSReadBuffer,
		WriteBufferSize: cfg.Server.WSWriteBuffer,
		PingInterval:    cfg.ACP.PingInterval,
		PongTimeout:     cfg.ACP.PongTimeout,
	}, log)

	logs := logreader.NewReader(logreader.Config{
		ReaderTimeout:    cfg.Logs.ReaderTimeout,
		StreamBufferSize: cfg.Logs.StreamBufferSize,
		PageDefaultLimit: cfg.Logs.PageDefaultLimit,
		PageMaxLimit:     cfg.Logs.PageMaxLimit,
	}, log)

	srv := server.New(server.Deps{
		Config:        cfg,
		Logger:        log,
		Manager:       manager,
		Validator:     validator,
		Gateway:       gw,
		Logs:          logs,
		System:        collector,
		Store:         st,
		Messages:      messages,
		Errors:        errs,
		CallbackToken: callbackToken,
		GitToken:      gitTokenFetcher(cfg, callbackToken),
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Bootstrap runs alongside the server so the health endpoint answers
	// during devcontainer builds.
	go func() {
		if pipeline == nil {
			heartbeat.Start()
			return
		}
		if berr := pipeline.Run(context.Background()); berr != nil {
			log.Error("bootstrap failed", zap.Error(berr))
			manager.Events().Append(cfg.Node.WorkspaceID, "error", "bootstrap.failed", berr.Error(), nil)
			return
		}
		token := pipeline.Token()
		messages.SetToken(token)
		bootLog.SetToken(token)
		errs.SetToken(token)
		heartbeat.SetToken(token)
		heartbeat.Start()
		manager.Events().Append(cfg.Node.WorkspaceID, "info", "bootstrap.completed", "workspace ready", nil)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		log.Error("http server failed", zap.Error(err))
		return exitConfig
	case <-ctx.Done():
	}
	log.Info("shutdown signal received")

	// Stop intake first, then drain reporters once, then tear down
	// workspaces (agents, PTYs, containers). The store closes last.
	manager.BeginShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}

	heartbeat.Shutdown()
	messages.Shutdown()
	bootLog.Shutdown()
	errs.Shutdown()

	manager.StopAll(shutdownCtx)

	log.Info("node agent stopped")
	return exitOK
}

// gitTokenFetcher returns a fetcher for short-lived git tokens, authorized
// by the node's callback token. The credential helper endpoint and agent
// subprocess launches both use it.
func gitTokenFetcher(cfg *config.Config, callbackToken func() string) func(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	return func(ctx context.Context) (string, error) {
		token := callbackToken()
		if token == "" {
			return "", fmt.Errorf("callback token not yet available")
		}
		url := fmt.Sprintf("%s/api/workspaces/%s/git-token", cfg.Node.ControlPlaneURL, cfg.Node.WorkspaceID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch git token: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return "", fmt.Errorf("git token endpoint returned HTTP %d: %s", resp.StatusCode, body)
		}
		var payload struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return "", fmt.Errorf("decode git token: %w", err)
		}
		if payload.Token == "" {
			return "", fmt.Errorf("empty git token returned")
		}
		return payload.Token, nil
	}
}
