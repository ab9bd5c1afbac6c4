package portowner

import (
	"context"

	gopsnet "github.com/shirou/gopsutil/v4/net"
)

// SocketTable reads the OS socket table through gopsutil. Sockets owned by
// other users may come back without a PID when the caller lacks privileges;
// those are skipped.
type SocketTable struct{}

func (SocketTable) Owners(ctx context.Context, port int) ([]int, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, &ReclaimError{Port: port, Method: KindSocket, Err: err}
	}
	var pids []int
	for _, c := range conns {
		if int(c.Laddr.Port) != port || c.Status != "LISTEN" {
			continue
		}
		pids = append(pids, int(c.Pid))
	}
	return normalize(pids), nil
}

func (SocketTable) Describe() string { return KindSocket }
