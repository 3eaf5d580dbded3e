package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": <path> becomes <path-without-ext>.audit.jsonl
//   - "sqlite": SQLite database at path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one mutation requested through the API or CLI.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"` // job.create, job.delete, profile.put, profile.delete
	Target string    `json:"target"`
	Remote string    `json:"remote,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"err,omitempty"`
	TookMS int64     `json:"took_ms"`
}
