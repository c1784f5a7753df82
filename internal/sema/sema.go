// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package sema defines a counting semaphore with a timed wait.
// Swapchains use it both for the free-image count and for waking
// the page flip goroutine.
package sema

import (
	"time"
)

// Forever can be passed to Sema.Wait to wait with no deadline.
const Forever time.Duration = -1

// Sema is a counting semaphore.
// The count can never exceed the capacity given to New; Post on a
// full semaphore panics, as that indicates unbalanced bookkeeping.
type Sema struct {
	tokens chan struct{}
}

// New creates a semaphore with the given initial count and capacity.
func New(initial, capacity int) *Sema {
	if capacity < 1 || initial < 0 || initial > capacity {
		panic("sema: bad count")
	}
	s := &Sema{tokens: make(chan struct{}, capacity)}
	for i := 0; i < initial; i++ {
		s.tokens <- struct{}{}
	}
	return s
}

// Post increments the semaphore.
func (s *Sema) Post() {
	select {
	case s.tokens <- struct{}{}:
	default:
		panic("sema: count exceeds capacity")
	}
}

// TryWait attempts to decrement the semaphore without blocking.
// It returns false if the count is zero.
func (s *Sema) TryWait() bool {
	select {
	case <-s.tokens:
		return true
	default:
		return false
	}
}

// Wait decrements the semaphore, blocking for at most timeout.
// A timeout of zero is equivalent to TryWait and Forever blocks
// until the semaphore can be taken.
// It returns false if the semaphore was not taken.
func (s *Sema) Wait(timeout time.Duration) bool {
	switch {
	case timeout == 0:
		return s.TryWait()
	case timeout < 0:
		<-s.tokens
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.tokens:
		return true
	case <-t.C:
		return false
	}
}
