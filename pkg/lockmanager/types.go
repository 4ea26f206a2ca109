// Package lockmanager implements file-path locking (read/write compatibility,
// sorted multi-lock acquisition) and the global executor semaphore. Locks
// are tracked in an explicit map+mutex registry with no background timer
// ever releasing an entry on its own: expires_at is informational only, and
// autoReleaseExpiredLocks is wired to always fail rather than silently drop
// a holder's lock.
package lockmanager

import (
	"time"
)

// LockType is a lock's access mode.
type LockType string

// Lock types.
const (
	LockRead  LockType = "READ"
	LockWrite LockType = "WRITE"
)

// compatible reports whether two locks on the same path can coexist.
// READ/READ is the only compatible pairing.
func compatible(a, b LockType) bool {
	return a == LockRead && b == LockRead
}

// Lock is a held file lock.
type Lock struct {
	LockID     string    `json:"lock_id"`
	FilePath   string    `json:"file_path"`
	HolderID   string    `json:"holder_id"`
	Type       LockType  `json:"type"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
