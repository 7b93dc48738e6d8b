// Package repository wraps all SQL used throughout the api and worker. Each
// entity gets its own repository; none of them reach across entity boundaries
// so two albums never contend on the same rows.
package repository

import (
	"errors"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSyncAlreadyRunning is returned when a sync job of the same type is
	// already pending or running.
	ErrSyncAlreadyRunning = errors.New("sync job already running for this type")
)
