// Package server exposes the node agent's management HTTP surface: workspace
// lifecycle, agent sessions, terminals, files, git, logs, events, and system
// info. Handlers are thin; they validate input and call into the subsystems.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/config"
	"github.com/samcloud/node-agent/internal/common/logger"
	"github.com/samcloud/node-agent/internal/gateway"
	"github.com/samcloud/node-agent/internal/logreader"
	"github.com/samcloud/node-agent/internal/report"
	"github.com/samcloud/node-agent/internal/store"
	"github.com/samcloud/node-agent/internal/sysinfo"
	"github.com/samcloud/node-agent/internal/workspace"
)

// TokenValidator checks a management JWT and returns its claims. Satisfied
// by *gateway.Validator.
type TokenValidator interface {
	Validate(tokenString string) (*gateway.Claims, error)
}

// Deps carries everything the HTTP surface needs. Validator may be nil only
// in tests; Exec defaults to running docker on the host.
type Deps struct {
	Config    *config.Config
	Logger    *logger.Logger
	Manager   *workspace.Manager
	Validator TokenValidator
	Gateway   *gateway.Gateway
	Logs      *logreader.Reader
	System    *sysinfo.Collector
	Store     *store.Store
	Messages  *report.Reporter
	Errors    *report.Reporter

	// CallbackToken returns the node's own bearer for the control plane;
	// it also authenticates the installed git credential helper.
	CallbackToken func() string
	// GitToken fetches a short-lived git token from the control plane.
	GitToken func(ctx context.Context) (string, error)
	// Exec runs a command inside a container. Defaults to docker exec.
	Exec ContainerExec
}

// Server is the management HTTP API.
type Server struct {
	cfg       *config.Config
	logger    *logger.Logger
	manager   *workspace.Manager
	validator TokenValidator
	gw        *gateway.Gateway
	logs      *logreader.Reader
	system    *sysinfo.Collector
	store     *store.Store
	messages  *report.Reporter
	errors    *report.Reporter

	callbackToken func() string
	gitToken      func(ctx context.Context) (string, error)
	exec          ContainerExec
}

// New creates the server. The gin engine is built by Router.
func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		cfg:           deps.Config,
		logger:        log.WithFields(zap.String("component", "server")),
		manager:       deps.Manager,
		validator:     deps.Validator,
		gw:            deps.Gateway,
		logs:          deps.Logs,
		system:        deps.System,
		store:         deps.Store,
		messages:      deps.Messages,
		errors:        deps.Errors,
		callbackToken: deps.CallbackToken,
		gitToken:      deps.GitToken,
		exec:          deps.Exec,
	}
	if s.callbackToken == nil {
		s.callbackToken = func() string { return "" }
	}
	if s.exec == nil {
		s.exec = dockerExec
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/health", s.handleHealth)
	r.POST("/git/credentials", s.handleGitCredentials)

	auth := r.Group("/", s.requireAuth())
	{
		auth.POST("/workspaces", s.handleCreateWorkspace)
		auth.GET("/workspaces", s.handleListWorkspaces)
		auth.GET("/workspaces/:id", s.handleGetWorkspace)
		auth.POST("/workspaces/:id/stop", s.handleStopWorkspace)
		auth.POST("/workspaces/:id/restart", s.handleRestartWorkspace)
		auth.DELETE("/workspaces/:id", s.handleDeleteWorkspace)
		auth.GET("/workspaces/:id/events", s.handleWorkspaceEvents)

		auth.GET("/workspaces/:id/agent-sessions", s.handleListSessions)
		auth.POST("/workspaces/:id/agent-sessions", s.handleRegisterSession)
		auth.POST("/workspaces/:id/agent-sessions/:sid/start", s.handleStartSession)
		auth.POST("/workspaces/:id/agent-sessions/:sid/cancel", s.handleCancelSession)
		auth.DELETE("/workspaces/:id/agent-sessions/:sid", s.handleDeleteSession)
		auth.GET("/workspaces/:id/agent-sessions/:sid/ws", s.handleACPWS)

		auth.GET("/workspaces/:id/terminals", s.handleListTerminals)
		auth.GET("/workspaces/:id/terminals/:sid/ws", s.handleTerminalWS)

		auth.GET("/workspaces/:id/files", s.handleFiles)
		auth.GET("/workspaces/:id/git/status", s.handleGitStatus)
		auth.GET("/workspaces/:id/git/branches", s.handleGitBranches)
		auth.GET("/workspaces/:id/git/diff", s.handleGitDiff)
		auth.GET("/workspaces/:id/git/file", s.handleGitFile)
		auth.GET("/workspaces/:id/git/worktrees", s.handleGitWorktrees)

		auth.GET("/logs", s.handleLogs)
		auth.GET("/logs/ws", s.handleLogsWS)
		auth.GET("/system", s.handleSystem)
		auth.GET("/events", s.handleNodeEvents)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown route"})
	})
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "nodeId": s.cfg.Node.NodeID})
}

// requestLogger logs one line per request at debug, errors at warn.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Warn("request failed", fields...)
			return
		}
		s.logger.Debug("request", fields...)
	}
}

// errorJSON is the common error envelope.
func errorJSON(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}
