package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetByName when no record exists for the name.
var ErrNotFound = errors.New("record not found")

// Record is the minimal unit of state we persist for the supervised agent.
// Name is unique. LastStatus is an arbitrary string like "starting",
// "running", "stopped", "errored". UpdatedAt should be in UTC.
// PID is the latest observed PID for the named agent.
// This is intentionally minimal to support state recovery on restart.

type Record struct {
	Name       string
	PID        int
	LastStatus string
	UpdatedAt  time.Time
}

// Store is a minimal persistence interface to keep last known PID and status
// for a uniquely named agent.

type Store interface {
	EnsureSchema(ctx context.Context) error
	Record(ctx context.Context, rec Record) error
	GetByName(ctx context.Context, name string) (Record, error)
	Delete(ctx context.Context, name string) error
	Close() error
}
