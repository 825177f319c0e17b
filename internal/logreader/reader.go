// Package logreader provides a unified view over journald, Docker container
// logs routed through journald, and cloud-init files on the node.
package logreader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// Entry is one unified log entry from any source.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Filter holds query parameters for log retrieval.
type Filter struct {
	Source    string // "all", "agent", "cloud-init", "docker", "systemd"
	Level     string // "debug", "info", "warn", "error"
	Container string // Docker container name
	Since     string // RFC 3339 or relative ("-1h")
	Until     string // RFC 3339
	Search    string // case-insensitive substring match
	Cursor    string // journald pagination cursor
	Limit     int
}

// Page is the result of one paginated read.
type Page struct {
	Entries    []Entry `json:"entries"`
	NextCursor *string `json:"nextCursor"`
	HasMore    bool    `json:"hasMore"`
}

// agentUnit is the systemd unit the node agent runs under.
const agentUnit = "node-agent.service"

// CommandExecutor abstracts exec.CommandContext for testing.
type CommandExecutor func(ctx context.Context, name string, args ...string) *exec.Cmd

// Config holds reader tunables.
type Config struct {
	ReaderTimeout       time.Duration
	StreamBufferSize    int
	PageDefaultLimit    int
	PageMaxLimit        int
	CloudInitLogPath    string
	CloudInitOutputPath string
}

// Reader reads logs from the node's backends.
type Reader struct {
	cfg    Config
	exec   CommandExecutor
	logger *logger.Logger
}

// NewReader creates a log reader.
func NewReader(cfg Config, log *logger.Logger) *Reader {
	if cfg.ReaderTimeout <= 0 {
		cfg.ReaderTimeout = 30 * time.Second
	}
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = 100
	}
	if cfg.PageDefaultLimit <= 0 {
		cfg.PageDefaultLimit = 100
	}
	if cfg.PageMaxLimit <= 0 {
		cfg.PageMaxLimit = 1000
	}
	if cfg.CloudInitLogPath == "" {
		cfg.CloudInitLogPath = "/var/log/cloud-init.log"
	}
	if cfg.CloudInitOutputPath == "" {
		cfg.CloudInitOutputPath = "/var/log/cloud-init-output.log"
	}
	return &Reader{
		cfg: cfg,
		exec: func(ctx context.Context, name string, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, name, args...)
		},
		logger: log.WithFields(zap.String("component", "logreader")),
	}
}

// SetExecutor replaces the command executor. Used by tests.
func (r *Reader) SetExecutor(executor CommandExecutor) {
	r.exec = executor
}

// ReadLogs retrieves entries matching the filter. The filter must have been
// checked with ValidateFilter first; ReadLogs validates again defensively.
func (r *Reader) ReadLogs(ctx context.Context, filter Filter) (*Page, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	limit := r.clampLimit(filter.Limit)

	var entries []Entry
	var nextCursor *string

	switch filter.Source {
	case "cloud-init":
		entries = r.readCloudInitLogs(filter)

	case "agent", "systemd":
		journalEntries, cursor, err := r.readJournalLogs(ctx, filter, limit+1)
		if err != nil {
			return nil, fmt.Errorf("read journal logs: %w", err)
		}
		entries = journalEntries
		nextCursor = cursor

	case "docker":
		journalEntries, cursor, err := r.readDockerLogs(ctx, filter, limit+1)
		if err != nil {
			return nil, fmt.Errorf("read docker logs: %w", err)
		}
		entries = journalEntries
		nextCursor = cursor

	default: // "all": merge every backend, newest first
		var all []Entry

		journalEntries, cursor, err := r.readJournalLogs(ctx, filter, limit+1)
		if err != nil {
			r.logger.Warn("failed to read journal logs", zap.Error(err))
		} else {
			all = append(all, journalEntries...)
			nextCursor = cursor
		}

		dockerEntries, _, err := r.readDockerLogs(ctx, filter, limit+1)
		if err != nil {
			r.logger.Warn("failed to read docker logs", zap.Error(err))
		} else {
			all = append(all, dockerEntries...)
		}

		all = append(all, r.readCloudInitLogs(filter)...)

		sort.Slice(all, func(i, j int) bool {
			return all[i].Timestamp > all[j].Timestamp
		})
		entries = all
	}

	if filter.Search != "" {
		entries = filterBySearch(entries, filter.Search)
	}
	if filter.Level != "" && filter.Level != "debug" {
		entries = filterByLevel(entries, filter.Level)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	return &Page{
		Entries:    entries,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

func (r *Reader) readJournalLogs(ctx context.Context, filter Filter, limit int) ([]Entry, *string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReaderTimeout)
	defer cancel()

	args := []string{
		"--output=json",
		"--no-pager",
		"-u", agentUnit,
		"-n", strconv.Itoa(limit),
		"--reverse",
	}
	if filter.Since != "" {
		args = append(args, "--since", filter.Since)
	}
	if filter.Until != "" {
		args = append(args, "--until", filter.Until)
	}
	if filter.Cursor != "" {
		args = append(args, "--after-cursor", filter.Cursor)
	}
	if filter.Level != "" {
		args = append(args, "-p", journalPriority(filter.Level))
	}

	out, err := r.exec(ctx, "journalctl", args...).Output()
	if err != nil {
		return nil, nil, fmt.Errorf("journalctl: %w", err)
	}
	entries, lastCursor := parseJournalJSON(string(out), "agent")
	return entries, lastCursor, nil
}

func (r *Reader) readDockerLogs(ctx context.Context, filter Filter, limit int) ([]Entry, *string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReaderTimeout)
	defer cancel()

	args := []string{
		"--output=json",
		"--no-pager",
		"-n", strconv.Itoa(limit),
		"--reverse",
		"_TRANSPORT=journal",
	}
	if filter.Container != "" {
		args = append(args, fmt.Sprintf("CONTAINER_NAME=%s", filter.Container))
	} else {
		// Any entry carrying CONTAINER_NAME (Docker journald driver)
		args = append(args, "CONTAINER_NAME")
	}
	if filter.Since != "" {
		args = append(args, "--since", filter.Since)
	}
	if filter.Until != "" {
		args = append(args, "--until", filter.Until)
	}
	if filter.Cursor != "" {
		args = append(args, "--after-cursor", filter.Cursor)
	}

	out, err := r.exec(ctx, "journalctl", args...).Output()
	if err != nil {
		// Docker may not be using the journald log driver; treat as empty.
		return nil, nil, nil
	}
	entries, lastCursor := parseJournalJSON(string(out), "docker")
	return entries, lastCursor, nil
}

// cloudInitTimestamp matches timestamps like "2026-02-23 15:30:00,123".
var cloudInitTimestamp = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2},?\d*)`)

// cloudInitLevel matches level markers like " - DEBUG - ".
var cloudInitLevel = regexp.MustCompile(`\s-\s(DEBUG|INFO|WARNING|ERROR|CRITICAL)\s-\s`)

func (r *Reader) readCloudInitLogs(filter Filter) []Entry {
	var entries []Entry

	logEntries, err := parseCloudInitLog(r.cfg.CloudInitLogPath)
	if err != nil {
		r.logger.Debug("cloud-init.log not available", zap.Error(err))
	} else {
		entries = append(entries, logEntries...)
	}

	outputEntries, err := parseCloudInitOutput(r.cfg.CloudInitOutputPath)
	if err != nil {
		r.logger.Debug("cloud-init-output.log not available", zap.Error(err))
	} else {
		entries = append(entries, outputEntries...)
	}

	if filter.Since != "" || filter.Until != "" {
		entries = filterByTimeRange(entries, filter.Since, filter.Until)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})
	return entries
}

func parseCloudInitLog(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		entry := Entry{Source: "cloud-init", Level: "info"}

		if m := cloudInitTimestamp.FindStringSubmatch(line); len(m) > 1 {
			ts := strings.Replace(m[1], ",", ".", 1)
			if t, err := time.Parse("2006-01-02 15:04:05.999", ts); err == nil {
				entry.Timestamp = t.UTC().Format(time.RFC3339Nano)
			} else if t, err := time.Parse("2006-01-02 15:04:05", ts); err == nil {
				entry.Timestamp = t.UTC().Format(time.RFC3339Nano)
			}
		}
		if m := cloudInitLevel.FindStringSubmatch(line); len(m) > 1 {
			entry.Level = normalizeLevel(m[1])
		}

		entry.Message = line
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseCloudInitOutput(path string) ([]Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// The output log carries no per-line timestamps; stamp with mtime.
	modTime := info.ModTime().UTC().Format(time.RFC3339)
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries = append(entries, Entry{
			Timestamp: modTime,
			Level:     "info",
			Source:    "cloud-init-output",
			Message:   line,
		})
	}
	return entries, nil
}

// parseJournalJSON parses journalctl --output=json lines.
func parseJournalJSON(output, defaultSource string) ([]Entry, *string) {
	var entries []Entry
	var lastCursor *string

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}

		entry := journalEntryToEntry(raw, defaultSource)
		if cursor, ok := raw["__CURSOR"].(string); ok {
			c := cursor
			lastCursor = &c
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, lastCursor
}

// journalEntryToEntry converts one raw journald JSON object.
// Returns nil when the entry has no message.
func journalEntryToEntry(raw map[string]interface{}, defaultSource string) *Entry {
	entry := &Entry{Level: "info", Source: defaultSource}

	// __REALTIME_TIMESTAMP is microseconds since epoch
	if ts, ok := raw["__REALTIME_TIMESTAMP"].(string); ok {
		if usec, err := strconv.ParseInt(ts, 10, 64); err == nil {
			entry.Timestamp = time.UnixMicro(usec).UTC().Format(time.RFC3339Nano)
		}
	}
	if msg, ok := raw["MESSAGE"].(string); ok {
		entry.Message = msg
	}
	if entry.Message == "" {
		return nil
	}
	if pri, ok := raw["PRIORITY"].(string); ok {
		entry.Level = priorityToLevel(pri)
	}
	if containerName, ok := raw["CONTAINER_NAME"].(string); ok && containerName != "" {
		entry.Source = "docker:" + containerName
	} else if unit, ok := raw["_SYSTEMD_UNIT"].(string); ok {
		if unit == agentUnit {
			entry.Source = "agent"
		} else {
			entry.Source = "systemd"
		}
	}
	return entry
}

func (r *Reader) clampLimit(limit int) int {
	if limit <= 0 {
		return r.cfg.PageDefaultLimit
	}
	if limit > r.cfg.PageMaxLimit {
		return r.cfg.PageMaxLimit
	}
	return limit
}

func journalPriority(level string) string {
	switch strings.ToLower(level) {
	case "error":
		return "err"
	case "warn":
		return "warning"
	case "debug":
		return "debug"
	default:
		return "info"
	}
}

func priorityToLevel(pri string) string {
	switch pri {
	case "0", "1", "2", "3": // emerg, alert, crit, err
		return "error"
	case "4": // warning
		return "warn"
	case "5", "6": // notice, info
		return "info"
	case "7": // debug
		return "debug"
	default:
		return "info"
	}
}

func normalizeLevel(s string) string {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return "debug"
	case "WARNING", "WARN":
		return "warn"
	case "ERROR", "CRITICAL":
		return "error"
	default:
		return "info"
	}
}

var levelOrder = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

func filterByLevel(entries []Entry, minLevel string) []Entry {
	minOrd := levelOrder[strings.ToLower(minLevel)]
	var result []Entry
	for _, e := range entries {
		if levelOrder[e.Level] >= minOrd {
			result = append(result, e)
		}
	}
	return result
}

func filterBySearch(entries []Entry, search string) []Entry {
	lower := strings.ToLower(search)
	var result []Entry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Message), lower) {
			result = append(result, e)
		}
	}
	return result
}

func filterByTimeRange(entries []Entry, since, until string) []Entry {
	var sinceTime, untilTime time.Time
	if since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			sinceTime = t
		}
	}
	if until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			untilTime = t
		}
	}

	var result []Entry
	for _, e := range entries {
		t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			t, err = time.Parse(time.RFC3339, e.Timestamp)
			if err != nil {
				result = append(result, e) // keep entries we cannot parse
				continue
			}
		}
		if !sinceTime.IsZero() && t.Before(sinceTime) {
			continue
		}
		if !untilTime.IsZero() && t.After(untilTime) {
			continue
		}
		result = append(result, e)
	}
	return result
}
