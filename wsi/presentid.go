// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"sync"
	"time"

	"github.com/gviegas/present/driver"
)

// ExtPresentID tracks the identifier of the latest present that
// reached the presentation engine, and lets the application wait
// for a given identifier.
type ExtPresentID struct {
	mu      sync.Mutex
	last    uint64
	updated chan struct{}
}

// NewExtPresentID creates the present-identifier capability.
func NewExtPresentID() *ExtPresentID {
	return &ExtPresentID{updated: make(chan struct{})}
}

// ExtName implements Ext.
func (*ExtPresentID) ExtName() string { return "present_id" }

// Set records id as presented. Identifiers are expected to be
// monotonically increasing; a smaller or zero id is ignored.
// Backends call Set when the present operation for the request
// carrying id completes.
func (e *ExtPresentID) Set(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id <= e.last {
		return
	}
	e.last = id
	close(e.updated)
	e.updated = make(chan struct{})
}

// Last returns the latest recorded identifier.
func (e *ExtPresentID) Last() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Wait blocks until an identifier greater than or equal to id has
// been recorded, or until timeout expires. A negative timeout
// waits with no deadline.
func (e *ExtPresentID) Wait(id uint64, timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		e.mu.Lock()
		if e.last >= id {
			e.mu.Unlock()
			return nil
		}
		updated := e.updated
		e.mu.Unlock()
		if timeout < 0 {
			<-updated
			continue
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return driver.ErrTimeout
		}
		t := time.NewTimer(wait)
		select {
		case <-updated:
			t.Stop()
		case <-t.C:
			return driver.ErrTimeout
		}
	}
}
