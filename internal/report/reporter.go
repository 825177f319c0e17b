// Package report delivers batched telemetry to the control plane: agent
// session messages, boot log entries, and error entries, each backed by a
// durable SQLite outbox, plus a periodic non-durable heartbeat.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
	"github.com/samcloud/node-agent/internal/store"
)

// Config holds the outbox reporter tunables. Zero fields fall back to
// defaults.
type Config struct {
	BatchMaxWait    time.Duration
	BatchMaxSize    int
	BatchMaxBytes   int
	OutboxMaxSize   int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMaxElapsed time.Duration
	HTTPTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchMaxWait <= 0 {
		c.BatchMaxWait = 2 * time.Second
	}
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = 50
	}
	if c.BatchMaxBytes <= 0 {
		c.BatchMaxBytes = 64 * 1024
	}
	if c.OutboxMaxSize <= 0 {
		c.OutboxMaxSize = 10000
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = 5 * time.Minute
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	return c
}

// Reporter drains one durable outbox to one control plane endpoint.
// All methods are nil-safe: a nil *Reporter is a no-op, so call sites never
// need to guard against a disabled reporter.
type Reporter struct {
	st      *store.Store
	table   string
	url     string
	wrapKey string
	cfg     Config
	client  *http.Client
	logger  *logger.Logger

	mu        sync.Mutex
	authToken string

	kickC chan struct{}
	stopC chan struct{}
	doneC chan struct{}
}

// newReporter builds a reporter for one outbox table and starts its flush
// goroutine.
func newReporter(st *store.Store, table, url, wrapKey string, cfg Config, log *logger.Logger) *Reporter {
	r := &Reporter{
		st:      st,
		table:   table,
		url:     url,
		wrapKey: wrapKey,
		cfg:     cfg.withDefaults(),
		logger:  log.WithFields(zap.String("component", "report"), zap.String("outbox", table)),
		kickC:   make(chan struct{}, 1),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}
	r.client = &http.Client{Timeout: r.cfg.HTTPTimeout}
	go r.flushLoop()
	return r
}

// NewMessageReporter delivers agent session messages for one workspace.
func NewMessageReporter(st *store.Store, baseURL, workspaceID string, cfg Config, log *logger.Logger) *Reporter {
	url := strings.TrimRight(baseURL, "/") + "/api/workspaces/" + workspaceID + "/messages"
	return newReporter(st, store.MessageOutbox, url, "messages", cfg, log)
}

// NewBootLogReporter delivers bootstrap progress entries for one workspace.
func NewBootLogReporter(st *store.Store, baseURL, workspaceID string, cfg Config, log *logger.Logger) *Reporter {
	url := strings.TrimRight(baseURL, "/") + "/api/workspaces/" + workspaceID + "/boot-log"
	return newReporter(st, store.BootLogOutbox, url, "entries", cfg, log)
}

// NewErrorReporter delivers node-level error entries.
func NewErrorReporter(st *store.Store, baseURL, nodeID string, cfg Config, log *logger.Logger) *Reporter {
	url := strings.TrimRight(baseURL, "/") + "/api/nodes/" + nodeID + "/errors"
	return newReporter(st, store.ErrorLogOutbox, url, "errors", cfg, log)
}

// SetToken updates the bearer token used for delivery. The reporter holds
// queued rows until a token arrives, so it can be created before bootstrap
// completes.
func (r *Reporter) SetToken(token string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.authToken = token
	r.mu.Unlock()
	r.kick()
}

// Enqueue persists one payload into the outbox under a caller-chosen
// idempotence key. Re-enqueueing the same messageID is a no-op. Returns
// store.ErrOutboxFull when the outbox is at capacity.
func (r *Reporter) Enqueue(messageID string, payload any) error {
	if r == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := r.st.EnqueueOutbox(r.table, messageID, string(body),
		time.Now().UTC().Format(time.RFC3339Nano), r.cfg.OutboxMaxSize); err != nil {
		return err
	}

	count, err := r.st.OutboxCount(r.table)
	if err == nil && count >= r.cfg.BatchMaxSize {
		r.kick()
	}
	return nil
}

// Pending reports how many rows are waiting in the outbox.
func (r *Reporter) Pending() int {
	if r == nil {
		return 0
	}
	count, err := r.st.OutboxCount(r.table)
	if err != nil {
		return 0
	}
	return count
}

// Shutdown performs a final flush and stops the background goroutine.
func (r *Reporter) Shutdown() {
	if r == nil {
		return
	}
	close(r.stopC)
	<-r.doneC
}

func (r *Reporter) kick() {
	select {
	case r.kickC <- struct{}{}:
	default:
	}
}

func (r *Reporter) flushLoop() {
	defer close(r.doneC)

	ticker := time.NewTicker(r.cfg.BatchMaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopC:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		case <-r.kickC:
			r.flush()
		}
	}
}

// flush drains the outbox batch by batch until it is empty or a batch fails.
// A failed batch stays in the outbox with its attempts counter bumped.
func (r *Reporter) flush() {
	r.mu.Lock()
	token := r.authToken
	r.mu.Unlock()
	if token == "" {
		return
	}

	for {
		batch, err := r.st.ReadOutboxBatch(r.table, r.cfg.BatchMaxSize, r.cfg.BatchMaxBytes)
		if err != nil {
			r.logger.Error("failed to read outbox batch", zap.Error(err))
			return
		}
		if len(batch) == 0 {
			return
		}

		if err := r.sendBatch(token, batch); err != nil {
			r.logger.Warn("batch delivery failed, will retry",
				zap.Int("count", len(batch)), zap.Error(err))
			if err := r.st.BumpOutboxAttempts(r.table, rowIDs(batch)); err != nil {
				r.logger.Error("failed to bump outbox attempts", zap.Error(err))
			}
			return
		}

		if err := r.st.DeleteOutboxRows(r.table, rowIDs(batch)); err != nil {
			r.logger.Error("failed to delete sent outbox rows", zap.Error(err))
			return
		}
	}
}

// permanentStatus reports whether the control plane rejected the batch in a
// way no retry can fix.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// sendBatch POSTs the batch with exponential backoff and jitter. Permanent
// client errors discard the batch; nil is returned so flush deletes it.
func (r *Reporter) sendBatch(token string, batch []store.OutboxRow) error {
	payloads := make([]json.RawMessage, 0, len(batch))
	for _, row := range batch {
		payloads = append(payloads, json.RawMessage(row.Payload))
	}
	body, err := json.Marshal(map[string]any{r.wrapKey: payloads})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	delay := r.cfg.RetryInitial
	start := time.Now()

	for {
		statusCode, err := r.doPost(token, body)
		if err == nil && statusCode >= 200 && statusCode < 300 {
			return nil
		}
		if permanentStatus(statusCode) {
			r.logger.Warn("permanent delivery error, discarding batch",
				zap.Int("status_code", statusCode), zap.Int("count", len(batch)))
			return nil
		}
		if time.Since(start) > r.cfg.RetryMaxElapsed {
			return fmt.Errorf("retries exhausted after %v (last status=%d, err=%v)",
				time.Since(start), statusCode, err)
		}

		sleep := delay
		if half := int64(delay) / 2; half > 0 {
			sleep += time.Duration(rand.Int63n(half))
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-r.stopC:
			timer.Stop()
			return fmt.Errorf("shutdown during backoff")
		}
		delay = time.Duration(math.Min(float64(delay*2), float64(r.cfg.RetryMax)))
	}
}

func (r *Reporter) doPost(token string, body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func rowIDs(batch []store.OutboxRow) []int64 {
	ids := make([]int64, len(batch))
	for i, row := range batch {
		ids[i] = row.ID
	}
	return ids
}
