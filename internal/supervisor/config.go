package supervisor

import (
	"fmt"
	"time"

	"github.com/loykin/sessionr/internal/logger"
)

// DefaultStopTimeout bounds the graceful stop of each secondary child.
const DefaultStopTimeout = 5 * time.Second

// Config is everything a Supervisor needs; there is no package-level state.
type Config struct {
	LedgerPath  string
	Log         logger.Config
	ManagedPort int
	Children    []ChildSpec

	// StopTimeout is how long a secondary gets after the graceful request
	// before it is killed.
	StopTimeout time.Duration
	// LookupTimeout and SettleDelay are handed to the reaper. A zero
	// SettleDelay skips the pause.
	LookupTimeout time.Duration
	SettleDelay   time.Duration
}

// Validate checks the invariants Start relies on.
func (c Config) Validate() error {
	if c.LedgerPath == "" {
		return fmt.Errorf("%w: ledger path is required", ErrInvalidConfig)
	}
	if c.Log.Path == "" {
		return fmt.Errorf("%w: log path is required", ErrInvalidConfig)
	}
	if c.ManagedPort < 1 || c.ManagedPort > 65535 {
		return fmt.Errorf("%w: managed port %d out of range", ErrInvalidConfig, c.ManagedPort)
	}
	if len(c.Children) == 0 {
		return fmt.Errorf("%w: at least one child is required", ErrInvalidConfig)
	}
	primaries, delays := 0, 0
	seen := make(map[string]struct{}, len(c.Children))
	for i, ch := range c.Children {
		if ch.Name == "" {
			return fmt.Errorf("%w: child %d has no name", ErrInvalidConfig, i)
		}
		if _, dup := seen[ch.Name]; dup {
			return fmt.Errorf("%w: duplicate child name %q", ErrInvalidConfig, ch.Name)
		}
		seen[ch.Name] = struct{}{}
		if ch.Command == "" {
			return fmt.Errorf("%w: child %q has no command", ErrInvalidConfig, ch.Name)
		}
		switch ch.Role {
		case RolePrimary:
			primaries++
		case RoleSecondary:
		default:
			return fmt.Errorf("%w: child %q has unknown role %q", ErrInvalidConfig, ch.Name, ch.Role)
		}
		if ch.ReadyDelay < 0 {
			return fmt.Errorf("%w: child %q has negative ready delay", ErrInvalidConfig, ch.Name)
		}
		if ch.ReadyDelay > 0 {
			delays++
		}
	}
	if primaries != 1 {
		return fmt.Errorf("%w: exactly one primary child is required, got %d", ErrInvalidConfig, primaries)
	}
	if delays > 1 {
		return fmt.Errorf("%w: at most one child may set a ready delay, got %d", ErrInvalidConfig, delays)
	}
	return nil
}

func (c Config) stopTimeout() time.Duration {
	if c.StopTimeout <= 0 {
		return DefaultStopTimeout
	}
	return c.StopTimeout
}

// readyDelay returns the single configured ready delay, or zero.
func (c Config) readyDelay() (string, time.Duration) {
	for _, ch := range c.Children {
		if ch.ReadyDelay > 0 {
			return ch.Name, ch.ReadyDelay
		}
	}
	return "", 0
}
