//go:build deadlock

package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

func init() {
	// A CCID exchange with time extensions can legitimately hold the
	// connection lock for several seconds.
	deadlock.Opts.DeadlockTimeout = 2 * time.Minute
}

// Mutex is a deadlock-detecting mutex.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex is a deadlock-detecting read/write mutex.
type RWMutex struct {
	deadlock.RWMutex
}
