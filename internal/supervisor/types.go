package supervisor

import (
	"errors"
	"os/exec"
	"time"
)

// Role decides what a child's exit means for the session.
type Role string

const (
	// RolePrimary ends the session when it exits.
	RolePrimary Role = "primary"
	// RoleSecondary is stopped when the primary exits.
	RoleSecondary Role = "secondary"
)

// ChildSpec declares one child of a session.
// When Args is empty, Command may be a full command line.
type ChildSpec struct {
	Name    string   `mapstructure:"name" json:"name"`
	Command string   `mapstructure:"command" json:"command"`
	Args    []string `mapstructure:"args" json:"args,omitempty"`
	WorkDir string   `mapstructure:"workdir" json:"workdir,omitempty"`
	Env     []string `mapstructure:"env" json:"env,omitempty"`
	Role    Role     `mapstructure:"role" json:"role"`
	// ReadyDelay is a fixed settle time after all spawns before the session
	// is reported ready. At most one child may set it.
	ReadyDelay time.Duration `mapstructure:"ready_delay" json:"ready_delay,omitempty"`
}

// ProcessHandle identifies one spawned child. PID is only meaningful until
// the OS reuses it.
type ProcessHandle struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Role      Role      `json:"role"`
	StartedAt time.Time `json:"started_at"`
}

// ExitOutcome is how the primary child ended. Code is -1 when no exit
// status could be obtained, for example when it was killed by a signal.
type ExitOutcome struct {
	Code     int    `json:"code"`
	Signaled bool   `json:"signaled"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`
}

func outcomeOf(err error) ExitOutcome {
	if err == nil {
		return ExitOutcome{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ExitOutcome{
			Code:     ee.ExitCode(),
			Signaled: !ee.Exited(),
			Error:    err.Error(),
			Err:      err,
		}
	}
	return ExitOutcome{Code: -1, Error: err.Error(), Err: err}
}

// State is a step of the session state machine:
// Idle → Reaping → Spawning → Recorded → Waiting → Terminating → Idle.
type State string

const (
	StateIdle        State = "idle"
	StateReaping     State = "reaping"
	StateSpawning    State = "spawning"
	StateRecorded    State = "recorded"
	StateWaiting     State = "waiting"
	StateTerminating State = "terminating"
)

// Status is a point-in-time view of the supervisor.
type Status struct {
	State       State           `json:"state"`
	SessionID   string          `json:"session_id,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	Children    []ProcessHandle `json:"children"`
	LastOutcome *ExitOutcome    `json:"last_outcome,omitempty"`
	LedgerPath  string          `json:"ledger_path"`
	ManagedPort int             `json:"managed_port"`
}
