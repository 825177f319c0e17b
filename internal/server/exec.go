package server

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ContainerExec runs an argv inside a container and returns its stdout.
// No shell is involved; arguments pass through verbatim.
type ContainerExec func(ctx context.Context, containerID, user, workDir string, argv ...string) (string, error)

// dockerExec is the production ContainerExec, shelling out to the docker CLI.
func dockerExec(ctx context.Context, containerID, user, workDir string, argv ...string) (string, error) {
	if containerID == "" {
		return "", fmt.Errorf("no container")
	}
	args := []string{"exec"}
	if user != "" {
		args = append(args, "-u", user)
	}
	if workDir != "" {
		args = append(args, "-w", workDir)
	}
	args = append(args, containerID)
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return stdout.String(), fmt.Errorf("exec %s: %s", argv[0], detail)
	}
	return stdout.String(), nil
}
