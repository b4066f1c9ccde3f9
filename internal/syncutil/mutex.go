//go:build !deadlock

// Package syncutil holds the lock types shared by the reader connections.
// Builds tagged deadlock swap them for github.com/sasha-s/go-deadlock so
// lock-order bugs between a CCID connection and its callers surface in tests.
package syncutil

import "sync"

// Mutex is a plain sync.Mutex unless built with -tags=deadlock.
type Mutex struct {
	sync.Mutex
}

// RWMutex is a plain sync.RWMutex unless built with -tags=deadlock.
type RWMutex struct {
	sync.RWMutex
}
