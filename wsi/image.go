// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"github.com/gviegas/present/driver"
)

// Status is the lifecycle state of a swapchain image.
// Transitions are serialized by the swapchain's image status lock.
type Status int

// Image statuses.
const (
	// StatusInvalid marks a slot that is not usable: not yet
	// created, or already destroyed.
	StatusInvalid Status = iota

	// StatusUnallocated marks an image whose object exists but
	// whose backing store allocation was deferred.
	StatusUnallocated

	// StatusFree marks an image available for acquisition.
	StatusFree

	// StatusAcquired marks an image held by the application.
	// Its backing store is guaranteed resident.
	StatusAcquired

	// StatusPending marks an image submitted for presentation
	// and not yet handed back by the presentation engine.
	StatusPending

	// StatusPresented marks the image a shared
	// continuous-refresh swapchain keeps on screen.
	StatusPresented
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "invalid"
	case StatusUnallocated:
		return "unallocated"
	case StatusFree:
		return "free"
	case StatusAcquired:
		return "acquired"
	case StatusPending:
		return "pending"
	case StatusPresented:
		return "presented"
	}
	return "unknown"
}

// Image is one slot of the image set owned by a swapchain.
// Backends access Handle and Data from their hook implementations;
// every such access happens with the swapchain's image status lock
// held by the core, unless the hook's contract says otherwise.
type Image struct {
	// Handle is the driver image object.
	Handle driver.Image

	// Data is backend-private per-image state. It is created by
	// the backend's image hooks and released by DestroyImage.
	Data any

	// Status is the image's lifecycle state.
	Status Status

	// PresentSem is the image's present-submission semaphore.
	// Presents wait on it by default, so that rendering work
	// signaled through it orders ahead of the present.
	PresentSem driver.Semaphore

	// FenceWaitSem sequences a requested present fence after
	// the image's present payload.
	FenceWaitSem driver.Semaphore
}

// PendingPresent identifies one queued present request.
// Records are created at submission, pushed into the pending ring
// and consumed exactly once, in FIFO order.
type PendingPresent struct {
	// ImageIndex is the index of the image to present.
	ImageIndex int

	// PresentID is the application-assigned identifier of this
	// present, or 0 if none was requested.
	PresentID uint64
}
