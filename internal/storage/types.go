package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects a driver. Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OutcomeRecord is one terminal task outcome.
type OutcomeRecord struct {
	At       time.Time `json:"at"`
	TaskID   string    `json:"task_id"`
	Owner    string    `json:"owner"`
	Resource string    `json:"resource,omitempty"`
	Action   string    `json:"action"`
	Priority int       `json:"priority"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

// ResourceState is the persisted adaptive state of one resource.
type ResourceState struct {
	ResourceID   string        `json:"resource_id"`
	BaseDelay    time.Duration `json:"base_delay"`
	CurrentDelay time.Duration `json:"current_delay"`
	SuccessCount uint64        `json:"success_count"`
	ErrorCount   uint64        `json:"error_count"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
