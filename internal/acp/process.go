package acp

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// containerEnvFiles are the paths inside the devcontainer where platform and
// project environment variables are persisted during bootstrap. Both use the
// shell `export KEY="value"` format.
var containerEnvFiles = []string{
	"/etc/sam/env",
	"/etc/sam/project-env",
}

// ReadContainerEnvFiles reads the bootstrap-written env files from inside the
// container and returns KEY=value pairs. Missing files are skipped; the vars
// are not in the container's ambient environment for docker exec, so they
// have to be re-injected with explicit -e flags.
func ReadContainerEnvFiles(ctx context.Context, containerID string) []string {
	var result []string
	for _, path := range containerEnvFiles {
		cmd := exec.CommandContext(ctx, "docker", "exec", containerID, "cat", path)
		output, err := cmd.Output()
		if err != nil {
			continue
		}
		result = append(result, parseEnvExportLines(string(output))...)
	}
	return result
}

// parseEnvExportLines parses shell `export KEY="value"` lines into KEY=value
// pairs. Comments and malformed lines are skipped.
func parseEnvExportLines(content string) []string {
	var result []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := line[:eq]
		if strings.ContainsAny(key, " \t") {
			continue
		}
		value := line[eq+1:]
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		result = append(result, key+"="+value)
	}
	return result
}

// hasEnvVar reports whether envVars contains a non-empty value for key.
func hasEnvVar(envVars []string, key string) bool {
	prefix := key + "="
	for _, v := range envVars {
		if strings.HasPrefix(v, prefix) && len(v) > len(prefix) {
			return true
		}
	}
	return false
}

// AgentProcess is one ACP agent subprocess running inside the devcontainer
// via docker exec, with stdio pipes for NDJSON traffic.
type AgentProcess struct {
	agentType   string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stderr      io.ReadCloser
	containerID string
	startTime   time.Time

	mu      sync.Mutex
	stopped bool
}

// ProcessConfig holds configuration for spawning an agent process.
type ProcessConfig struct {
	ContainerID   string
	ContainerUser string
	Command       string
	Args          []string
	EnvVars       []string
	WorkDir       string
}

// StartProcess spawns the agent inside the devcontainer with piped stdio.
func StartProcess(cfg ProcessConfig) (*AgentProcess, error) {
	args := []string{"exec", "-i"}
	if cfg.ContainerUser != "" {
		args = append(args, "-u", cfg.ContainerUser)
	}
	if cfg.WorkDir != "" {
		args = append(args, "-w", cfg.WorkDir)
	}
	for _, env := range cfg.EnvVars {
		args = append(args, "-e", env)
	}
	args = append(args, cfg.ContainerID, cfg.Command)
	args = append(args, cfg.Args...)

	cmd := exec.Command("docker", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	return &AgentProcess{
		agentType:   cfg.Command,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		stderr:      stderr,
		containerID: cfg.ContainerID,
		startTime:   time.Now(),
	}, nil
}

// Stdin returns the writer to the agent's stdin.
func (p *AgentProcess) Stdin() io.Writer { return p.stdin }

// Stdout returns the reader from the agent's stdout.
func (p *AgentProcess) Stdout() io.Reader { return p.stdout }

// Stderr returns the reader from the agent's stderr.
func (p *AgentProcess) Stderr() io.Reader { return p.stderr }

// Uptime returns how long the process has been running.
func (p *AgentProcess) Uptime() time.Duration { return time.Since(p.startTime) }

// Stop closes stdin to let the agent exit, then kills and reaps it.
// Safe to call more than once.
func (p *AgentProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true

	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	return nil
}

// Wait blocks until the process exits.
func (p *AgentProcess) Wait() error {
	return p.cmd.Wait()
}
