package container

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// ErrNoContainerFound is returned when no running container matches the
// configured label. Callers treat this as retriable.
var ErrNoContainerFound = errors.New("no running devcontainer found")

// Lister is the subset of Client used by Discovery.
type Lister interface {
	ListByLabel(ctx context.Context, labelKey, labelValue string) ([]Info, error)
	IsRunning(ctx context.Context, containerID string) bool
}

// Discovery finds and caches a devcontainer's container ID by label.
// One Discovery exists per workspace; the label value is the workspace's
// host directory.
type Discovery struct {
	client     Lister
	labelKey   string
	labelValue string
	cacheTTL   time.Duration
	logger     *logger.Logger

	mu          sync.RWMutex
	containerID string
	lastCheck   time.Time
}

// DiscoveryConfig holds configuration for container discovery.
type DiscoveryConfig struct {
	LabelKey   string
	LabelValue string
	CacheTTL   time.Duration
}

// NewDiscovery creates a discovery instance for one label pair.
func NewDiscovery(client Lister, cfg DiscoveryConfig, log *logger.Logger) *Discovery {
	if cfg.LabelKey == "" {
		cfg.LabelKey = "devcontainer.local_folder"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &Discovery{
		client:     client,
		labelKey:   cfg.LabelKey,
		labelValue: cfg.LabelValue,
		cacheTTL:   cfg.CacheTTL,
		logger: log.WithFields(
			zap.String("component", "container_discovery"),
			zap.String("label_value", cfg.LabelValue)),
	}
}

// GetContainerID returns the devcontainer's container ID. The cached ID is
// reused while younger than the TTL and still running; otherwise the
// container runtime is re-queried.
func (d *Discovery) GetContainerID(ctx context.Context) (string, error) {
	d.mu.RLock()
	id := d.containerID
	fresh := id != "" && time.Since(d.lastCheck) < d.cacheTTL
	d.mu.RUnlock()

	if fresh {
		if d.client.IsRunning(ctx, id) {
			return id, nil
		}
		// Container vanished under a fresh cache entry; drop it so the
		// double-checked discover below re-queries.
		d.Invalidate()
	}
	return d.discover(ctx)
}

// Resolver returns a closure suitable for subsystems that only need the
// current container ID.
func (d *Discovery) Resolver() func(ctx context.Context) (string, error) {
	return d.GetContainerID
}

func (d *Discovery) discover(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring the write lock
	if d.containerID != "" && time.Since(d.lastCheck) < d.cacheTTL {
		return d.containerID, nil
	}

	infos, err := d.client.ListByLabel(ctx, d.labelKey, d.labelValue)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		d.containerID = ""
		return "", ErrNoContainerFound
	}
	if len(infos) > 1 {
		d.logger.Warn("multiple containers match label, using first",
			zap.Int("count", len(infos)),
			zap.String("container_id", infos[0].ID))
	}

	d.containerID = infos[0].ID
	d.lastCheck = time.Now()
	d.logger.Info("discovered devcontainer", zap.String("container_id", d.containerID))
	return d.containerID, nil
}

// Invalidate clears the cached container ID, forcing re-discovery on the
// next call. Used after a devcontainer rebuild.
func (d *Discovery) Invalidate() {
	d.mu.Lock()
	d.containerID = ""
	d.mu.Unlock()
}
