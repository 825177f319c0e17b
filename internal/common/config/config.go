// Package config provides configuration management for the node agent.
// It supports loading configuration from environment variables, an optional
// config file, and defaults.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// Config holds all configuration sections for the node agent.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Server    ServerConfig    `mapstructure:"server"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Container ContainerConfig `mapstructure:"container"`
	PTY       PTYConfig       `mapstructure:"pty"`
	ACP       ACPConfig       `mapstructure:"acp"`
	Logs      LogsConfig      `mapstructure:"logs"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// NodeConfig holds the node's identity and filesystem layout.
type NodeConfig struct {
	ControlPlaneURL  string `mapstructure:"controlPlaneUrl"`
	NodeID           string `mapstructure:"nodeId"`
	WorkspaceID      string `mapstructure:"workspaceId"`
	BootstrapToken   string `mapstructure:"bootstrapToken"`
	Repository       string `mapstructure:"repository"`
	Branch           string `mapstructure:"branch"`
	WorkspaceBaseDir string `mapstructure:"workspaceBaseDir"`
	StateDir         string `mapstructure:"stateDir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout    time.Duration `mapstructure:"idleTimeout"`
	AllowedOrigins string        `mapstructure:"allowedOrigins"` // comma-separated
	WSReadBuffer   int           `mapstructure:"wsReadBuffer"`
	WSWriteBuffer  int           `mapstructure:"wsWriteBuffer"`
}

// JWTConfig holds JWT validation configuration. Issuer and JWKSURL are
// derived from the control-plane URL when left empty.
type JWTConfig struct {
	Audience string `mapstructure:"audience"`
	Issuer   string `mapstructure:"issuer"`
	JWKSURL  string `mapstructure:"jwksUrl"`
}

// BootstrapConfig holds bootstrap pipeline configuration.
type BootstrapConfig struct {
	MaxWait      time.Duration `mapstructure:"maxWait"`
	BuildTimeout time.Duration `mapstructure:"buildTimeout"`
}

// ContainerConfig holds devcontainer discovery and build configuration.
type ContainerConfig struct {
	LabelKey           string        `mapstructure:"labelKey"`
	LabelValue         string        `mapstructure:"labelValue"`
	CacheTTL           time.Duration `mapstructure:"cacheTtl"`
	DefaultImage       string        `mapstructure:"defaultImage"`
	AdditionalFeatures string        `mapstructure:"additionalFeatures"` // JSON object
	User               string        `mapstructure:"user"`
}

// PTYConfig holds terminal session configuration.
type PTYConfig struct {
	DefaultShell      string        `mapstructure:"defaultShell"`
	DefaultRows       int           `mapstructure:"defaultRows"`
	DefaultCols       int           `mapstructure:"defaultCols"`
	OutputBufferSize  int           `mapstructure:"outputBufferSize"`
	OrphanGracePeriod time.Duration `mapstructure:"orphanGracePeriod"`
}

// ACPConfig holds agent session host configuration.
type ACPConfig struct {
	InitTimeoutMs      int           `mapstructure:"initTimeoutMs"`
	PromptTimeout      time.Duration `mapstructure:"promptTimeout"`
	CancelGracePeriod  time.Duration `mapstructure:"cancelGracePeriod"`
	MaxRestartAttempts int           `mapstructure:"maxRestartAttempts"`
	ReconnectDelay     time.Duration `mapstructure:"reconnectDelay"`
	ReconnectTotal     time.Duration `mapstructure:"reconnectTotal"`
	PingInterval       time.Duration `mapstructure:"pingInterval"`
	PongTimeout        time.Duration `mapstructure:"pongTimeout"`
	MessageBufferSize  int           `mapstructure:"messageBufferSize"`
	ViewerSendBuffer   int           `mapstructure:"viewerSendBuffer"`
}

// LogsConfig holds log reader and streamer configuration.
type LogsConfig struct {
	ReaderTimeout    time.Duration `mapstructure:"readerTimeout"`
	StreamBufferSize int           `mapstructure:"streamBufferSize"`
	PageDefaultLimit int           `mapstructure:"pageDefaultLimit"`
	PageMaxLimit     int           `mapstructure:"pageMaxLimit"`
}

// OutboxConfig holds durable reporter batching and retry configuration.
type OutboxConfig struct {
	BatchMaxWait    time.Duration `mapstructure:"batchMaxWait"`
	BatchMaxSize    int           `mapstructure:"batchMaxSize"`
	BatchMaxBytes   int           `mapstructure:"batchMaxBytes"`
	OutboxMaxSize   int           `mapstructure:"outboxMaxSize"`
	RetryInitial    time.Duration `mapstructure:"retryInitial"`
	RetryMax        time.Duration `mapstructure:"retryMax"`
	RetryMaxElapsed time.Duration `mapstructure:"retryMaxElapsed"`
	HTTPTimeout     time.Duration `mapstructure:"httpTimeout"`
}

// HeartbeatConfig holds heartbeat reporter configuration.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LimitsConfig holds per-node resource limits.
type LimitsConfig struct {
	MaxWorkspaces        int `mapstructure:"maxWorkspaces"`
	MaxSessionsPerWspace int `mapstructure:"maxSessionsPerWorkspace"`
	FileListLimit        int `mapstructure:"fileListLimit"`
	FileFindLimit        int `mapstructure:"fileFindLimit"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("node.workspaceBaseDir", "/workspace")
	v.SetDefault("node.stateDir", "/var/lib/node-agent")
	v.SetDefault("node.branch", "")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.idleTimeout", "120s")
	v.SetDefault("server.allowedOrigins", "")
	v.SetDefault("server.wsReadBuffer", 4096)
	v.SetDefault("server.wsWriteBuffer", 4096)

	// JWT defaults (issuer and JWKS URL derived from control plane URL)
	v.SetDefault("jwt.audience", "workspace-terminal")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.jwksUrl", "")

	// Bootstrap defaults
	v.SetDefault("bootstrap.maxWait", "5m")
	v.SetDefault("bootstrap.buildTimeout", "15m")

	// Container defaults
	v.SetDefault("container.labelKey", "devcontainer.local_folder")
	v.SetDefault("container.labelValue", "")
	v.SetDefault("container.cacheTtl", "30s")
	v.SetDefault("container.defaultImage", "mcr.microsoft.com/devcontainers/universal:2")
	v.SetDefault("container.additionalFeatures", "")
	v.SetDefault("container.user", "")

	// PTY defaults
	v.SetDefault("pty.defaultShell", "/bin/bash")
	v.SetDefault("pty.defaultRows", 24)
	v.SetDefault("pty.defaultCols", 80)
	v.SetDefault("pty.outputBufferSize", 262144)
	v.SetDefault("pty.orphanGracePeriod", "0s")

	// ACP defaults
	v.SetDefault("acp.initTimeoutMs", 30000)
	v.SetDefault("acp.promptTimeout", "60m")
	v.SetDefault("acp.cancelGracePeriod", "5s")
	v.SetDefault("acp.maxRestartAttempts", 3)
	v.SetDefault("acp.reconnectDelay", "2s")
	v.SetDefault("acp.reconnectTotal", "1m")
	v.SetDefault("acp.pingInterval", "30s")
	v.SetDefault("acp.pongTimeout", "10s")
	v.SetDefault("acp.messageBufferSize", 5000)
	v.SetDefault("acp.viewerSendBuffer", 256)

	// Logs defaults
	v.SetDefault("logs.readerTimeout", "30s")
	v.SetDefault("logs.streamBufferSize", 100)
	v.SetDefault("logs.pageDefaultLimit", 100)
	v.SetDefault("logs.pageMaxLimit", 1000)

	// Outbox defaults
	v.SetDefault("outbox.batchMaxWait", "2s")
	v.SetDefault("outbox.batchMaxSize", 50)
	v.SetDefault("outbox.batchMaxBytes", 65536)
	v.SetDefault("outbox.outboxMaxSize", 10000)
	v.SetDefault("outbox.retryInitial", "1s")
	v.SetDefault("outbox.retryMax", "30s")
	v.SetDefault("outbox.retryMaxElapsed", "5m")
	v.SetDefault("outbox.httpTimeout", "30s")

	// Heartbeat defaults
	v.SetDefault("heartbeat.interval", "60s")

	// Limits defaults
	v.SetDefault("limits.maxWorkspaces", 8)
	v.SetDefault("limits.maxSessionsPerWorkspace", 16)
	v.SetDefault("limits.fileListLimit", 2000)
	v.SetDefault("limits.fileFindLimit", 200)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// bindEnv wires the recognized environment variables to config keys.
// AutomaticEnv cannot map flat legacy names onto nested camelCase keys,
// so every recognized variable is bound explicitly.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("node.controlPlaneUrl", "CONTROL_PLANE_URL")
	_ = v.BindEnv("node.nodeId", "NODE_ID")
	_ = v.BindEnv("node.workspaceId", "WORKSPACE_ID")
	_ = v.BindEnv("node.bootstrapToken", "BOOTSTRAP_TOKEN")
	_ = v.BindEnv("node.repository", "REPOSITORY")
	_ = v.BindEnv("node.branch", "BRANCH")
	_ = v.BindEnv("node.workspaceBaseDir", "WORKSPACE_BASE_DIR")
	_ = v.BindEnv("node.stateDir", "STATE_DIR")

	_ = v.BindEnv("server.port", "VM_AGENT_PORT")
	_ = v.BindEnv("server.host", "VM_AGENT_HOST")
	_ = v.BindEnv("server.allowedOrigins", "ALLOWED_ORIGINS")

	_ = v.BindEnv("jwt.audience", "JWT_AUDIENCE")
	_ = v.BindEnv("jwt.issuer", "JWT_ISSUER")
	_ = v.BindEnv("jwt.jwksUrl", "JWKS_URL")

	_ = v.BindEnv("bootstrap.maxWait", "BOOTSTRAP_MAX_WAIT")
	_ = v.BindEnv("bootstrap.buildTimeout", "DEVCONTAINER_BUILD_TIMEOUT")

	_ = v.BindEnv("container.labelKey", "CONTAINER_LABEL_KEY")
	_ = v.BindEnv("container.labelValue", "CONTAINER_LABEL_VALUE")
	_ = v.BindEnv("container.cacheTtl", "CONTAINER_CACHE_TTL")
	_ = v.BindEnv("container.defaultImage", "DEVCONTAINER_DEFAULT_IMAGE")
	_ = v.BindEnv("container.additionalFeatures", "DEVCONTAINER_FEATURES")
	_ = v.BindEnv("container.user", "CONTAINER_USER")

	_ = v.BindEnv("pty.defaultShell", "DEFAULT_SHELL")
	_ = v.BindEnv("pty.outputBufferSize", "PTY_OUTPUT_BUFFER_SIZE")
	_ = v.BindEnv("pty.orphanGracePeriod", "PTY_ORPHAN_GRACE_PERIOD")

	_ = v.BindEnv("acp.initTimeoutMs", "ACP_INIT_TIMEOUT_MS")
	_ = v.BindEnv("acp.promptTimeout", "ACP_PROMPT_TIMEOUT")
	_ = v.BindEnv("acp.cancelGracePeriod", "ACP_PROMPT_CANCEL_GRACE_PERIOD")
	_ = v.BindEnv("acp.maxRestartAttempts", "ACP_MAX_RESTART_ATTEMPTS")
	_ = v.BindEnv("acp.pingInterval", "ACP_PING_INTERVAL")
	_ = v.BindEnv("acp.pongTimeout", "ACP_PONG_TIMEOUT")
	_ = v.BindEnv("acp.messageBufferSize", "ACP_MESSAGE_BUFFER_SIZE")
	_ = v.BindEnv("acp.viewerSendBuffer", "ACP_VIEWER_SEND_BUFFER")

	_ = v.BindEnv("logs.readerTimeout", "LOG_READER_TIMEOUT")
	_ = v.BindEnv("logs.streamBufferSize", "LOG_STREAM_BUFFER_SIZE")

	_ = v.BindEnv("outbox.batchMaxWait", "MSG_BATCH_MAX_WAIT")
	_ = v.BindEnv("outbox.batchMaxSize", "MSG_BATCH_MAX_SIZE")
	_ = v.BindEnv("outbox.batchMaxBytes", "MSG_BATCH_MAX_BYTES")
	_ = v.BindEnv("outbox.outboxMaxSize", "MSG_OUTBOX_MAX_SIZE")
	_ = v.BindEnv("outbox.retryInitial", "MSG_RETRY_INITIAL")
	_ = v.BindEnv("outbox.retryMax", "MSG_RETRY_MAX")
	_ = v.BindEnv("outbox.retryMaxElapsed", "MSG_RETRY_MAX_ELAPSED")

	_ = v.BindEnv("heartbeat.interval", "HEARTBEAT_INTERVAL")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/node-agent/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	derive(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// derive fills in fields computed from the control-plane URL when unset.
func derive(cfg *Config) {
	base := strings.TrimRight(cfg.Node.ControlPlaneURL, "/")
	cfg.Node.ControlPlaneURL = base
	if base == "" {
		return
	}
	if cfg.JWT.JWKSURL == "" {
		cfg.JWT.JWKSURL = base + "/.well-known/jwks.json"
	}
	if cfg.JWT.Issuer == "" {
		if u, err := url.Parse(base); err == nil {
			cfg.JWT.Issuer = u.Scheme + "://" + u.Host
		}
	}
	if cfg.Container.LabelValue == "" {
		cfg.Container.LabelValue = cfg.Node.WorkspaceBaseDir
	}
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Node.ControlPlaneURL == "" {
		errs = append(errs, "node.controlPlaneUrl (CONTROL_PLANE_URL) is required")
	}
	if cfg.Node.NodeID == "" {
		errs = append(errs, "node.nodeId (NODE_ID) is required")
	}

	if cfg.Node.BootstrapToken != "" {
		if cfg.Node.WorkspaceID == "" {
			errs = append(errs, "node.workspaceId (WORKSPACE_ID) is required when a bootstrap token is set")
		}
		if cfg.Node.Repository == "" {
			errs = append(errs, "node.repository (REPOSITORY) is required when a bootstrap token is set")
		}
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.ACP.MessageBufferSize <= 0 {
		errs = append(errs, "acp.messageBufferSize must be positive")
	}
	if cfg.ACP.ViewerSendBuffer <= 0 {
		errs = append(errs, "acp.viewerSendBuffer must be positive")
	}
	if cfg.PTY.OutputBufferSize <= 0 {
		errs = append(errs, "pty.outputBufferSize must be positive")
	}
	if cfg.Outbox.BatchMaxSize <= 0 {
		errs = append(errs, "outbox.batchMaxSize must be positive")
	}
	if cfg.Logs.PageMaxLimit < cfg.Logs.PageDefaultLimit {
		errs = append(errs, "logs.pageMaxLimit must be >= logs.pageDefaultLimit")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// AllowedOriginList returns the configured allowed origins, deriving them
// from the control-plane URL when unset: the control-plane origin itself
// plus a wildcard over its base domain (with any "api." prefix stripped).
func (c *Config) AllowedOriginList() []string {
	if c.Server.AllowedOrigins != "" {
		parts := strings.Split(c.Server.AllowedOrigins, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		return origins
	}

	u, err := url.Parse(c.Node.ControlPlaneURL)
	if err != nil || u.Host == "" {
		return nil
	}
	origin := u.Scheme + "://" + u.Host
	base := u.Hostname()
	base = strings.TrimPrefix(base, "api.")
	return []string{origin, "https://*." + base}
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
