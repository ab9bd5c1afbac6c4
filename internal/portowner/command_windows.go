//go:build windows

package portowner

import (
	"context"
	"os/exec"
)

func ownerCommand(ctx context.Context, _ int) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "netstat", "-ano", "-p", "TCP")
}

func parseOutput(out []byte, port int) []int { return parseNetstat(out, port) }
