package client

import "time"

// ChildHandle is one spawned child of the running session.
type ChildHandle struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Role      string    `json:"role"`
	StartedAt time.Time `json:"started_at"`
}

// ExitOutcome is how the primary child of the last session ended.
type ExitOutcome struct {
	Code     int    `json:"code"`
	Signaled bool   `json:"signaled"`
	Error    string `json:"error,omitempty"`
}

// SessionStatus mirrors GET /status.
type SessionStatus struct {
	State       string        `json:"state"`
	SessionID   string        `json:"session_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Children    []ChildHandle `json:"children"`
	LastOutcome *ExitOutcome  `json:"last_outcome,omitempty"`
	LedgerPath  string        `json:"ledger_path"`
	ManagedPort int           `json:"managed_port"`
}

// LedgerEntry is one PID recorded in the ledger.
type LedgerEntry struct {
	PID   int  `json:"pid"`
	Alive bool `json:"alive"`
}

// LedgerStatus mirrors GET /ledger.
type LedgerStatus struct {
	Path    string        `json:"path"`
	Entries []LedgerEntry `json:"entries"`
}

// ChildSample mirrors one entry of GET /children.
type ChildSample struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse is the body of a non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
