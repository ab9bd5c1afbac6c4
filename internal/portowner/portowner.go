package portowner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Lookup finds the processes currently listening on a TCP port.
// Implementations must honour ctx deadlines.
type Lookup interface {
	Owners(ctx context.Context, port int) ([]int, error)
	Describe() string
}

// ReclaimError reports that the owner of a port could not be determined.
type ReclaimError struct {
	Port   int
	Method string
	Err    error
}

func (e *ReclaimError) Error() string {
	return fmt.Sprintf("port %d owner lookup via %s: %v", e.Port, e.Method, e.Err)
}

func (e *ReclaimError) Unwrap() error { return e.Err }

// ErrUnsupported is returned by lookups that have no implementation for the
// current platform.
var ErrUnsupported = errors.New("port owner lookup unsupported on this platform")

// Kinds accepted by New.
const (
	KindAuto     = "auto"
	KindSocket   = "socket"
	KindCommand  = "command"
	KindDisabled = "none"
)

// New returns the lookup named by kind. An empty kind means KindAuto.
func New(kind string) (Lookup, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindAuto:
		return Chain{SocketTable{}, Command{}}, nil
	case KindSocket:
		return SocketTable{}, nil
	case KindCommand:
		return Command{}, nil
	case KindDisabled:
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown port lookup %q", kind)
	}
}

// Chain tries each lookup in order and returns the first non-empty result.
// An error is returned only when every lookup failed.
type Chain []Lookup

func (c Chain) Owners(ctx context.Context, port int) ([]int, error) {
	var errs []error
	for _, l := range c {
		pids, err := l.Owners(ctx, port)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(pids) > 0 {
			return pids, nil
		}
	}
	if len(errs) == len(c) && len(errs) > 0 {
		return nil, &ReclaimError{Port: port, Method: c.Describe(), Err: errors.Join(errs...)}
	}
	return nil, nil
}

func (c Chain) Describe() string {
	parts := make([]string, 0, len(c))
	for _, l := range c {
		parts = append(parts, l.Describe())
	}
	return strings.Join(parts, ",")
}

// Disabled never reports owners.
type Disabled struct{}

func (Disabled) Owners(context.Context, int) ([]int, error) { return nil, nil }
func (Disabled) Describe() string                           { return KindDisabled }

// normalize drops duplicates, non-positive PIDs and the calling process.
func normalize(pids []int) []int {
	self := os.Getpid()
	seen := make(map[int]struct{}, len(pids))
	out := make([]int, 0, len(pids))
	for _, p := range pids {
		if p <= 0 || p == self {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
