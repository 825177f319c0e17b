package report

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// SnapshotFunc produces the heartbeat body. It is called once per interval.
type SnapshotFunc func(ctx context.Context) any

// Heartbeat periodically POSTs a liveness snapshot to the control plane.
// Heartbeats are not durable: a missed beat carries no information worth
// replaying, so failures are logged and dropped.
type Heartbeat struct {
	url      string
	interval time.Duration
	snapshot SnapshotFunc
	client   *http.Client
	logger   *logger.Logger

	mu        sync.Mutex
	authToken string
	started   bool
	stopped   bool

	stopC chan struct{}
	doneC chan struct{}
}

// NewHeartbeat creates a heartbeat sender. Call Start to begin beating.
func NewHeartbeat(baseURL, nodeID string, interval time.Duration, snapshot SnapshotFunc, log *logger.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Heartbeat{
		url:      strings.TrimRight(baseURL, "/") + "/api/nodes/" + nodeID + "/heartbeat",
		interval: interval,
		snapshot: snapshot,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   log.WithFields(zap.String("component", "heartbeat")),
		stopC:    make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// SetToken provides the bearer token. Beats are skipped until one arrives.
func (h *Heartbeat) SetToken(token string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.authToken = token
	h.mu.Unlock()
}

// Start launches the beat loop, sending one beat immediately. Repeated
// calls and calls after Shutdown are no-ops.
func (h *Heartbeat) Start() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.started || h.stopped {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()
	go func() {
		defer close(h.doneC)
		h.beat()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.beat()
			case <-h.stopC:
				return
			}
		}
	}()
}

// Shutdown stops the beat loop. Safe to call more than once, and without a
// prior Start (a failed bootstrap never starts the loop).
func (h *Heartbeat) Shutdown() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	started := h.started
	h.mu.Unlock()

	close(h.stopC)
	if started {
		<-h.doneC
	}
}

func (h *Heartbeat) beat() {
	h.mu.Lock()
	token := h.authToken
	h.mu.Unlock()
	if token == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var payload any
	if h.snapshot != nil {
		payload = h.snapshot(ctx)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("failed to marshal heartbeat", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("heartbeat send failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.logger.Debug("heartbeat rejected", zap.Int("status_code", resp.StatusCode))
	}
}
