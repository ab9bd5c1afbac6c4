package portowner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// Command shells out to the platform tool (lsof on Unix, netstat on
// Windows). It is the fallback for hosts where the socket table does not
// expose PIDs.
type Command struct{}

func (Command) Describe() string { return KindCommand }

func (Command) Owners(ctx context.Context, port int) ([]int, error) {
	cmd := ownerCommand(ctx, port)
	if cmd == nil {
		return nil, &ReclaimError{Port: port, Method: KindCommand, Err: ErrUnsupported}
	}
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		// lsof exits 1 with empty output when nothing matches
		if errors.As(err, &ee) && len(bytes.TrimSpace(out)) == 0 && ctx.Err() == nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ReclaimError{Port: port, Method: KindCommand + ":" + cmd.Args[0], Err: err}
	}
	return parseOutput(out, port), nil
}

// parseLsof reads `lsof -t` output: one PID per line.
func parseLsof(out []byte) []int {
	var pids []int
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		if pid, err := strconv.Atoi(strings.TrimSpace(s.Text())); err == nil {
			pids = append(pids, pid)
		}
	}
	return normalize(pids)
}

// parseNetstat reads `netstat -ano -p TCP` output and returns the PIDs of
// LISTENING sockets bound to port.
func parseNetstat(out []byte, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	var pids []int
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		f := strings.Fields(s.Text())
		if len(f) < 5 || !strings.EqualFold(f[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(f[1], suffix) || !strings.EqualFold(f[3], "LISTENING") {
			continue
		}
		if pid, err := strconv.Atoi(f[4]); err == nil {
			pids = append(pids, pid)
		}
	}
	return normalize(pids)
}
