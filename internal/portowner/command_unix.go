//go:build !windows

package portowner

import (
	"context"
	"os/exec"
	"strconv"
)

func ownerCommand(ctx context.Context, port int) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "lsof", "-t", "-n", "-P", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN")
}

func parseOutput(out []byte, _ int) []int { return parseLsof(out) }
