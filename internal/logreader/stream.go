package logreader

import (
	"bufio"
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// followRestartPause is how long the follow loop waits before restarting a
// journalctl process that exited.
const followRestartPause = 2 * time.Second

// StreamLogs streams entries matching the filter onto a channel. It runs in
// two phases: a bounded catch-up read, then a live follow that survives
// journalctl exits by restarting after a short pause. The returned channel is
// closed when ctx is cancelled.
func (r *Reader) StreamLogs(ctx context.Context, filter Filter) (<-chan Entry, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}

	ch := make(chan Entry, r.cfg.StreamBufferSize)
	go func() {
		defer close(ch)
		r.sendCatchUp(ctx, filter, ch)
		r.followLogs(ctx, filter, ch)
	}()
	return ch, nil
}

// sendCatchUp emits recent history oldest-first so a connecting client sees
// entries in chronological order before live ones arrive.
func (r *Reader) sendCatchUp(ctx context.Context, filter Filter, ch chan<- Entry) {
	page, err := r.ReadLogs(ctx, filter)
	if err != nil {
		r.logger.Warn("catch-up read failed", zap.Error(err))
		return
	}
	for i := len(page.Entries) - 1; i >= 0; i-- {
		select {
		case ch <- page.Entries[i]:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reader) followLogs(ctx context.Context, filter Filter, ch chan<- Entry) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.runFollowProcess(ctx, filter, ch); err != nil && ctx.Err() == nil {
			r.logger.Warn("follow process exited, restarting", zap.Error(err))
		}
		select {
		case <-time.After(followRestartPause):
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reader) runFollowProcess(ctx context.Context, filter Filter, ch chan<- Entry) error {
	cmd := r.exec(ctx, "journalctl", buildFollowArgs(filter)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		entries, _ := parseJournalJSON(scanner.Text(), followSource(filter))
		for _, e := range entries {
			if filter.Level != "" && filter.Level != "debug" &&
				levelOrder[e.Level] < levelOrder[filter.Level] {
				continue
			}
			if filter.Search != "" && len(filterBySearch([]Entry{e}, filter.Search)) == 0 {
				continue
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				return ctx.Err()
			}
		}
	}
	return cmd.Wait()
}

// buildFollowArgs assembles the journalctl invocation for the live phase.
// "-n 0" skips history; catch-up already delivered it.
func buildFollowArgs(filter Filter) []string {
	args := []string{
		"--output=json",
		"--no-pager",
		"--follow",
		"-n", strconv.Itoa(0),
	}
	switch filter.Source {
	case "agent", "systemd":
		args = append(args, "-u", agentUnit)
	case "docker":
		args = append(args, "_TRANSPORT=journal")
		if filter.Container != "" {
			args = append(args, "CONTAINER_NAME="+filter.Container)
		} else {
			args = append(args, "CONTAINER_NAME")
		}
	}
	return args
}

func followSource(filter Filter) string {
	if filter.Source == "docker" {
		return "docker"
	}
	return "agent"
}
