package acp

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// execInContainer runs argv inside the container via docker exec and returns
// stdout and trimmed stderr. stdin, when non-empty, is piped to the command.
func execInContainer(ctx context.Context, containerID, user, stdin string, argv ...string) (string, string, error) {
	args := []string{"exec"}
	if stdin != "" {
		args = append(args, "-i")
	}
	if user != "" {
		args = append(args, "-u", user)
	}
	args = append(args, containerID)
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), strings.TrimSpace(stderr.String()), err
}

// applyLineLimit slices file content to the requested 1-based start line and
// line count. A nil line starts at the top; a nil limit runs to the end.
// Out-of-range starts yield empty content.
func applyLineLimit(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}

	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}

	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}
