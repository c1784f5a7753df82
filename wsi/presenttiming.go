// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"sync"
	"time"

	"github.com/gviegas/present/driver"
	"github.com/gviegas/present/internal/ring"
)

// PresentTiming is one completed presentation timing entry.
type PresentTiming struct {
	// PresentID is the identifier the present was submitted
	// with, or 0 if none was requested.
	PresentID uint64

	// SubmitTime is when the present was queued.
	SubmitTime time.Time

	// CompleteTime is when the presentation engine handed the
	// image back.
	CompleteTime time.Time
}

// maxTimings bounds the number of in-flight and completed timing
// entries a swapchain keeps.
const maxTimings = 32

// ExtPresentTiming records per-present timing entries.
// An entry is created when the present is queued and completed
// when the image comes back from the presentation engine; the
// application drains completed entries with Timings.
type ExtPresentTiming struct {
	mu        sync.Mutex
	pending   *ring.Buffer[PresentTiming]
	completed *ring.Buffer[PresentTiming]
}

// NewExtPresentTiming creates the present-timing capability.
func NewExtPresentTiming() *ExtPresentTiming {
	return &ExtPresentTiming{
		pending:   ring.New[PresentTiming](maxTimings),
		completed: ring.New[PresentTiming](maxTimings),
	}
}

// ExtName implements Ext.
func (*ExtPresentTiming) ExtName() string { return "present_timing" }

// add creates a pending entry for a queued present.
func (e *ExtPresentTiming) add(presentID uint64, submit time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pending.Push(PresentTiming{PresentID: presentID, SubmitTime: submit}) {
		return driver.ErrNoHostMemory
	}
	return nil
}

// complete stamps the oldest pending entry.
// Completed entries beyond the bound displace the oldest ones.
func (e *ExtPresentTiming) complete(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.pending.Pop()
	if !ok {
		return
	}
	t.CompleteTime = at
	if !e.completed.Push(t) {
		e.completed.Pop()
		e.completed.Push(t)
	}
}

// Timings drains and returns the completed entries, oldest first.
func (e *ExtPresentTiming) Timings() []PresentTiming {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ts []PresentTiming
	for {
		t, ok := e.completed.Pop()
		if !ok {
			return ts
		}
		ts = append(ts, t)
	}
}
