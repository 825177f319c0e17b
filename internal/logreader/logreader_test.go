package logreader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcloud/node-agent/internal/common/logger"
)

func newTestReader(t *testing.T) *Reader {
	t.Helper()
	return NewReader(Config{ReaderTimeout: 5 * time.Second}, logger.Default())
}

// echoExecutor returns an executor that prints the given output regardless of
// the requested command.
func echoExecutor(output string) CommandExecutor {
	return func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "printf", "%s", output)
	}
}

func journalLine(usec int64, msg, priority string, extra string) string {
	ts := fmt.Sprintf("%d", usec)
	line := fmt.Sprintf(`{"__REALTIME_TIMESTAMP":%q,"MESSAGE":%q,"PRIORITY":%q,"__CURSOR":"c-%s"`, ts, msg, priority, ts)
	if extra != "" {
		line += "," + extra
	}
	return line + "}\n"
}

func TestValidateFilterAcceptsDocumentedSurface(t *testing.T) {
	valid := []Filter{
		{},
		{Source: "all"},
		{Source: "agent", Level: "warn"},
		{Source: "docker", Container: "devc-workspace1"},
		{Since: "-1h", Until: "2026-02-23T15:04:05Z"},
		{Since: "2026-02-23"},
		{Since: "2026-02-23 15:04:05"},
		{Cursor: "s=abc123;i=4f2-_=x"},
		{Search: "connection refused"},
	}
	for _, f := range valid {
		assert.NoError(t, ValidateFilter(f), "%+v", f)
	}
}

func TestValidateFilterRejectsInjection(t *testing.T) {
	invalid := []Filter{
		{Source: "journal; rm -rf /"},
		{Level: "verbose"},
		{Container: "-rf"},
		{Container: "name with spaces"},
		{Container: "a$(whoami)"},
		{Since: "--flush"},
		{Since: "-1y"},
		{Until: "yesterday; reboot"},
		{Cursor: "abc def"},
		{Cursor: "a`id`"},
		{Limit: -1},
	}
	for _, f := range invalid {
		err := ValidateFilter(f)
		require.Error(t, err, "%+v", f)
		assert.ErrorIs(t, err, ErrInvalidFilter)
	}
}

func TestValidateFilterLengthLimits(t *testing.T) {
	long := make([]byte, maxCursorLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, ValidateFilter(Filter{Cursor: string(long)}), ErrInvalidFilter)
	assert.ErrorIs(t, ValidateFilter(Filter{Container: string(long)}), ErrInvalidFilter)
	assert.ErrorIs(t, ValidateFilter(Filter{Search: string(make([]byte, maxSearchLen+1))}), ErrInvalidFilter)
}

func TestParseJournalJSON(t *testing.T) {
	output := journalLine(1750000000000000, "agent started", "6", `"_SYSTEMD_UNIT":"node-agent.service"`) +
		journalLine(1750000001000000, "disk almost full", "4", "") +
		"not json\n" +
		journalLine(1750000002000000, "container says hi", "6", `"CONTAINER_NAME":"devc-ws1"`)

	entries, cursor := parseJournalJSON(output, "agent")
	require.Len(t, entries, 3)

	assert.Equal(t, "agent started", entries[0].Message)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "agent", entries[0].Source)

	assert.Equal(t, "warn", entries[1].Level)

	assert.Equal(t, "docker:devc-ws1", entries[2].Source)

	require.NotNil(t, cursor)
	assert.Equal(t, "c-1750000002000000", *cursor)
}

func TestPriorityToLevel(t *testing.T) {
	assert.Equal(t, "error", priorityToLevel("0"))
	assert.Equal(t, "error", priorityToLevel("3"))
	assert.Equal(t, "warn", priorityToLevel("4"))
	assert.Equal(t, "info", priorityToLevel("6"))
	assert.Equal(t, "debug", priorityToLevel("7"))
	assert.Equal(t, "info", priorityToLevel("bogus"))
}

func TestJournalPriority(t *testing.T) {
	assert.Equal(t, "err", journalPriority("error"))
	assert.Equal(t, "warning", journalPriority("warn"))
	assert.Equal(t, "info", journalPriority("info"))
	assert.Equal(t, "debug", journalPriority("debug"))
}

func TestFilterByLevelThreshold(t *testing.T) {
	entries := []Entry{
		{Level: "debug", Message: "d"},
		{Level: "info", Message: "i"},
		{Level: "warn", Message: "w"},
		{Level: "error", Message: "e"},
	}
	warnUp := filterByLevel(entries, "warn")
	require.Len(t, warnUp, 2)
	assert.Equal(t, "w", warnUp[0].Message)
	assert.Equal(t, "e", warnUp[1].Message)
}

func TestReadLogsAgentSource(t *testing.T) {
	r := newTestReader(t)
	r.SetExecutor(echoExecutor(
		journalLine(1750000002000000, "newest", "6", "") +
			journalLine(1750000001000000, "older", "6", ""),
	))

	page, err := r.ReadLogs(context.Background(), Filter{Source: "agent", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "newest", page.Entries[0].Message)
	assert.False(t, page.HasMore)
	require.NotNil(t, page.NextCursor)
}

func TestReadLogsPagination(t *testing.T) {
	r := newTestReader(t)
	// limit 2 fetches 3: the extra row signals another page exists.
	r.SetExecutor(echoExecutor(
		journalLine(3000000, "m3", "6", "") +
			journalLine(2000000, "m2", "6", "") +
			journalLine(1000000, "m1", "6", ""),
	))

	page, err := r.ReadLogs(context.Background(), Filter{Source: "agent", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)
}

func TestReadLogsSearch(t *testing.T) {
	r := newTestReader(t)
	r.SetExecutor(echoExecutor(
		journalLine(2000000, "Connection Refused by peer", "6", "") +
			journalLine(1000000, "all quiet", "6", ""),
	))

	page, err := r.ReadLogs(context.Background(), Filter{Source: "agent", Search: "connection refused"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Contains(t, page.Entries[0].Message, "Refused")
}

func TestReadLogsRejectsBadFilter(t *testing.T) {
	r := newTestReader(t)
	_, err := r.ReadLogs(context.Background(), Filter{Source: "nope"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestStreamCatchUpOrder(t *testing.T) {
	r := newTestReader(t)
	// ReadLogs returns newest-first; catch-up must flip to oldest-first.
	r.SetExecutor(echoExecutor(
		journalLine(3000000, "third", "6", "") +
			journalLine(2000000, "second", "6", "") +
			journalLine(1000000, "first", "6", ""),
	))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.StreamLogs(ctx, Filter{Source: "agent"})
	require.NoError(t, err)

	var got []string
	for len(got) < 3 {
		select {
		case e := <-ch:
			got = append(got, e.Message)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for catch-up entries")
		}
	}
	cancel()
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestBuildFollowArgs(t *testing.T) {
	args := buildFollowArgs(Filter{Source: "agent"})
	assert.Contains(t, args, "--follow")
	assert.Contains(t, args, "-u")
	assert.Contains(t, args, agentUnit)

	args = buildFollowArgs(Filter{Source: "docker", Container: "devc-ws1"})
	assert.Contains(t, args, "_TRANSPORT=journal")
	assert.Contains(t, args, "CONTAINER_NAME=devc-ws1")
}

func TestCloudInitParsing(t *testing.T) {
	dir := t.TempDir()
	logPath := dir + "/cloud-init.log"
	content := "2026-02-23 15:30:00,123 - modules.py[DEBUG]: x - DEBUG - running module\n" +
		"2026-02-23 15:30:01,456 - util.py[ERROR]: y - ERROR - failed to mount\n"
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0o644))

	entries, err := parseCloudInitLog(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "debug", entries[0].Level)
	assert.Equal(t, "error", entries[1].Level)
	assert.NotEmpty(t, entries[0].Timestamp)
	assert.Equal(t, "cloud-init", entries[0].Source)
}
