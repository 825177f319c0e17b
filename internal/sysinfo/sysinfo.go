// Package sysinfo collects node metrics from Linux procfs and the Docker
// daemon. CollectQuick reads procfs only and is cheap enough for the
// heartbeat path; Collect adds Docker and software version queries for the
// on-demand system endpoint.
package sysinfo

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
	"github.com/samcloud/node-agent/internal/container"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// SystemInfo is the full system information response.
type SystemInfo struct {
	CPU      CPUInfo      `json:"cpu"`
	Memory   MemoryInfo   `json:"memory"`
	Disk     DiskInfo     `json:"disk"`
	Network  NetworkInfo  `json:"network"`
	Uptime   UptimeInfo   `json:"uptime"`
	Docker   DockerInfo   `json:"docker"`
	Software SoftwareInfo `json:"software"`
	Agent    AgentInfo    `json:"agent"`
}

// QuickMetrics is the lightweight subset used to enrich heartbeats.
type QuickMetrics struct {
	CPULoadAvg1   float64 `json:"cpuLoadAvg1"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
}

// CPUInfo holds load averages and core count.
type CPUInfo struct {
	LoadAvg1  float64 `json:"loadAvg1"`
	LoadAvg5  float64 `json:"loadAvg5"`
	LoadAvg15 float64 `json:"loadAvg15"`
	NumCPU    int     `json:"numCpu"`
}

// MemoryInfo holds system memory usage.
type MemoryInfo struct {
	TotalBytes     uint64  `json:"totalBytes"`
	UsedBytes      uint64  `json:"usedBytes"`
	AvailableBytes uint64  `json:"availableBytes"`
	UsedPercent    float64 `json:"usedPercent"`
}

// DiskInfo holds filesystem usage for one mount path.
type DiskInfo struct {
	TotalBytes     uint64  `json:"totalBytes"`
	UsedBytes      uint64  `json:"usedBytes"`
	AvailableBytes uint64  `json:"availableBytes"`
	UsedPercent    float64 `json:"usedPercent"`
	MountPath      string  `json:"mountPath"`
}

// NetworkInfo holds cumulative byte counters for the primary interface.
type NetworkInfo struct {
	Interface string `json:"interface"`
	RxBytes   uint64 `json:"rxBytes"`
	TxBytes   uint64 `json:"txBytes"`
}

// UptimeInfo holds system uptime.
type UptimeInfo struct {
	Seconds     float64 `json:"seconds"`
	HumanFormat string  `json:"humanFormat"`
}

// DockerInfo holds daemon version and container summaries.
type DockerInfo struct {
	Version    string           `json:"version"`
	Containers int              `json:"containers"`
	List       []container.Info `json:"containerList"`
	Error      *string          `json:"error,omitempty"`
}

// SoftwareInfo holds version strings for relevant installed software.
type SoftwareInfo struct {
	GoVersion       string `json:"goVersion"`
	NodeVersion     string `json:"nodeVersion"`
	DockerVersion   string `json:"dockerVersion"`
	DevcontainerCLI string `json:"devcontainerCliVersion"`
}

// AgentInfo holds agent process information.
type AgentInfo struct {
	Version    string `json:"version"`
	BuildDate  string `json:"buildDate"`
	GoRuntime  string `json:"goRuntime"`
	Goroutines int    `json:"goroutines"`
	HeapBytes  uint64 `json:"heapBytes"`
}

// DockerSource is the subset of the Docker client the collector needs.
type DockerSource interface {
	ServerVersion(ctx context.Context) string
	ListAll(ctx context.Context) ([]container.Info, error)
}

// CollectorConfig holds collector tunables.
type CollectorConfig struct {
	DockerTimeout  time.Duration
	VersionTimeout time.Duration
	CacheTTL       time.Duration
	DiskMountPath  string
}

// Collector gathers system information. Results are cached for CacheTTL so
// rapid polling does not hammer procfs or the Docker daemon.
type Collector struct {
	cfg    CollectorConfig
	docker DockerSource
	logger *logger.Logger

	cacheMu     sync.RWMutex
	cachedFull  *SystemInfo
	cachedAt    time.Time
	quickMu     sync.RWMutex
	cachedQuick *QuickMetrics
	quickAt     time.Time

	// injectable for testing
	readFile func(path string) (string, error)
	statFS   func(path string) (*syscall.Statfs_t, error)
}

// NewCollector creates a collector. docker may be nil, in which case Docker
// fields report an error instead of data.
func NewCollector(cfg CollectorConfig, docker DockerSource, log *logger.Logger) *Collector {
	if cfg.DockerTimeout <= 0 {
		cfg.DockerTimeout = 10 * time.Second
	}
	if cfg.VersionTimeout <= 0 {
		cfg.VersionTimeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.DiskMountPath == "" {
		cfg.DiskMountPath = "/"
	}
	return &Collector{
		cfg:      cfg,
		docker:   docker,
		logger:   log.WithFields(zap.String("component", "sysinfo")),
		readFile: defaultReadFile,
		statFS:   defaultStatFS,
	}
}

// CollectQuick returns lightweight metrics from procfs only.
func (c *Collector) CollectQuick() (*QuickMetrics, error) {
	c.quickMu.RLock()
	if c.cachedQuick != nil && time.Since(c.quickAt) < c.cfg.CacheTTL {
		result := *c.cachedQuick
		c.quickMu.RUnlock()
		return &result, nil
	}
	c.quickMu.RUnlock()

	cpu, err := c.collectCPU()
	if err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	}
	mem, err := c.collectMemory()
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	disk, err := c.collectDisk()
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}

	result := &QuickMetrics{
		CPULoadAvg1:   cpu.LoadAvg1,
		MemoryPercent: mem.UsedPercent,
		DiskPercent:   disk.UsedPercent,
	}

	c.quickMu.Lock()
	c.cachedQuick = result
	c.quickAt = time.Now()
	c.quickMu.Unlock()
	return result, nil
}

// Collect returns full system info including Docker queries.
func (c *Collector) Collect(ctx context.Context) (*SystemInfo, error) {
	c.cacheMu.RLock()
	if c.cachedFull != nil && time.Since(c.cachedAt) < c.cfg.CacheTTL {
		result := *c.cachedFull
		c.cacheMu.RUnlock()
		return &result, nil
	}
	c.cacheMu.RUnlock()

	cpu, err := c.collectCPU()
	if err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	}
	mem, err := c.collectMemory()
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	disk, err := c.collectDisk()
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}

	docker := c.collectDocker(ctx)
	software := c.collectSoftware()
	if software.DockerVersion == "" {
		software.DockerVersion = docker.Version
	}

	result := &SystemInfo{
		CPU:      cpu,
		Memory:   mem,
		Disk:     disk,
		Network:  c.collectNetwork(),
		Uptime:   c.collectUptime(),
		Docker:   docker,
		Software: software,
		Agent:    c.collectAgent(),
	}

	c.cacheMu.Lock()
	c.cachedFull = result
	c.cachedAt = time.Now()
	c.cacheMu.Unlock()
	return result, nil
}

func (c *Collector) collectCPU() (CPUInfo, error) {
	content, err := c.readFile("/proc/loadavg")
	if err != nil {
		return CPUInfo{NumCPU: runtime.NumCPU()}, err
	}
	return ParseLoadAvg(content), nil
}

// ParseLoadAvg parses /proc/loadavg content.
func ParseLoadAvg(content string) CPUInfo {
	fields := strings.Fields(strings.TrimSpace(content))
	info := CPUInfo{NumCPU: runtime.NumCPU()}
	if len(fields) >= 1 {
		info.LoadAvg1, _ = strconv.ParseFloat(fields[0], 64)
	}
	if len(fields) >= 2 {
		info.LoadAvg5, _ = strconv.ParseFloat(fields[1], 64)
	}
	if len(fields) >= 3 {
		info.LoadAvg15, _ = strconv.ParseFloat(fields[2], 64)
	}
	return info
}

func (c *Collector) collectMemory() (MemoryInfo, error) {
	content, err := c.readFile("/proc/meminfo")
	if err != nil {
		return MemoryInfo{}, err
	}
	return ParseMemInfo(content), nil
}

// ParseMemInfo parses /proc/meminfo content.
func ParseMemInfo(content string) MemoryInfo {
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		valStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "kB"))
		val, err := strconv.ParseUint(valStr, 10, 64)
		if err != nil {
			continue
		}
		fields[strings.TrimSpace(parts[0])] = val * 1024
	}

	total := fields["MemTotal"]
	available := fields["MemAvailable"]
	// MemAvailable is missing on very old kernels
	if available == 0 {
		available = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}

	used := uint64(0)
	if total > available {
		used = total - available
	}
	var usedPercent float64
	if total > 0 {
		usedPercent = roundTo(float64(used)/float64(total)*100, 1)
	}
	return MemoryInfo{
		TotalBytes:     total,
		UsedBytes:      used,
		AvailableBytes: available,
		UsedPercent:    usedPercent,
	}
}

func (c *Collector) collectDisk() (DiskInfo, error) {
	stat, err := c.statFS(c.cfg.DiskMountPath)
	if err != nil {
		return DiskInfo{MountPath: c.cfg.DiskMountPath}, err
	}
	return StatFSToDiskInfo(stat, c.cfg.DiskMountPath), nil
}

// StatFSToDiskInfo converts a Statfs_t to DiskInfo.
func StatFSToDiskInfo(stat *syscall.Statfs_t, mountPath string) DiskInfo {
	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	used := total - (stat.Bfree * uint64(stat.Bsize))

	var usedPercent float64
	if total > 0 {
		usedPercent = roundTo(float64(used)/float64(total)*100, 1)
	}
	return DiskInfo{
		TotalBytes:     total,
		UsedBytes:      used,
		AvailableBytes: available,
		UsedPercent:    usedPercent,
		MountPath:      mountPath,
	}
}

func (c *Collector) collectNetwork() NetworkInfo {
	content, err := c.readFile("/proc/net/dev")
	if err != nil {
		return NetworkInfo{}
	}
	return ParseNetDev(content)
}

// ParseNetDev parses /proc/net/dev content, returning counters for the first
// non-loopback interface.
func ParseNetDev(content string) NetworkInfo {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "|") || strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
		if len(parts) != 2 {
			continue
		}
		iface := strings.TrimSpace(parts[0])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(strings.TrimSpace(parts[1]))
		if len(fields) < 9 {
			continue
		}
		rxBytes, _ := strconv.ParseUint(fields[0], 10, 64)
		txBytes, _ := strconv.ParseUint(fields[8], 10, 64)
		return NetworkInfo{Interface: iface, RxBytes: rxBytes, TxBytes: txBytes}
	}
	return NetworkInfo{}
}

func (c *Collector) collectUptime() UptimeInfo {
	content, err := c.readFile("/proc/uptime")
	if err != nil {
		return UptimeInfo{}
	}
	return ParseUptime(content)
}

// ParseUptime parses /proc/uptime content.
func ParseUptime(content string) UptimeInfo {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) < 1 {
		return UptimeInfo{}
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return UptimeInfo{}
	}
	return UptimeInfo{Seconds: seconds, HumanFormat: formatUptime(seconds)}
}

func (c *Collector) collectDocker(ctx context.Context) DockerInfo {
	info := DockerInfo{}
	if c.docker == nil {
		msg := "docker client unavailable"
		info.Error = &msg
		return info
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DockerTimeout)
	defer cancel()

	info.Version = c.docker.ServerVersion(ctx)

	list, err := c.docker.ListAll(ctx)
	if err != nil {
		msg := fmt.Sprintf("failed to list containers: %v", err)
		c.logger.Warn("docker container list failed", zap.Error(err))
		info.Error = &msg
		return info
	}
	info.List = list
	info.Containers = len(list)
	return info
}

func (c *Collector) collectSoftware() SoftwareInfo {
	info := SoftwareInfo{GoVersion: runtime.Version()}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.VersionTimeout)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "node", "--version").Output(); err == nil {
		info.NodeVersion = strings.TrimSpace(string(out))
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), c.cfg.VersionTimeout)
	defer cancel2()
	if out, err := exec.CommandContext(ctx2, "devcontainer", "--version").Output(); err == nil {
		info.DevcontainerCLI = strings.TrimSpace(string(out))
	}
	return info
}

func (c *Collector) collectAgent() AgentInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return AgentInfo{
		Version:    Version,
		BuildDate:  BuildDate,
		GoRuntime:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  memStats.HeapAlloc,
	}
}

func defaultReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func defaultStatFS(path string) (*syscall.Statfs_t, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}

// formatUptime formats seconds like "2d 5h 32m".
func formatUptime(totalSeconds float64) string {
	secs := int(totalSeconds)
	days := secs / 86400
	secs %= 86400
	hours := secs / 3600
	minutes := (secs % 3600) / 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func roundTo(val float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(val*pow) / pow
}
