// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package wsi implements the presentation-synchronization layer
// that sits between a GPU driver and a native windowing backend.
// It owns the lifecycle of a swapchain's presentable images,
// decouples image acquisition from the backend's asynchronous
// flip notifications, and guarantees FIFO ordering of presents
// across the submission thread and the page flip goroutine.
//
// How a buffer reaches the screen is up to the Backend
// implementations (see the headless, x11, wayland and drm
// subpackages); this package only decides when images are
// presented, in what order, and how they are reclaimed.
package wsi

import (
	"time"

	"github.com/gviegas/present/driver"
)

// Forever can be passed as the timeout of blocking operations to
// wait with no deadline.
const Forever time.Duration = -1

// PresentMode is the ordering/refresh policy of a swapchain.
type PresentMode int

// Present modes.
const (
	// Immediate presents without waiting for a vertical
	// blanking period.
	Immediate PresentMode = iota

	// Mailbox replaces the waiting image with the newest one.
	Mailbox

	// Fifo presents queued images in submission order, one per
	// vertical blanking period.
	Fifo

	// FifoRelaxed is Fifo, except that a late image is
	// presented immediately.
	FifoRelaxed

	// SharedDemand shares a single image with the presentation
	// engine; the engine updates the screen on request.
	SharedDemand

	// SharedContinuous shares a single image with the
	// presentation engine; the engine refreshes the screen
	// continuously after the first present request.
	SharedContinuous
)

// shared returns whether the application and the presentation
// engine share image ownership in this mode.
func (m PresentMode) shared() bool {
	return m == SharedDemand || m == SharedContinuous
}

// String implements fmt.Stringer.
func (m PresentMode) String() string {
	switch m {
	case Immediate:
		return "immediate"
	case Mailbox:
		return "mailbox"
	case Fifo:
		return "fifo"
	case FifoRelaxed:
		return "fifo-relaxed"
	case SharedDemand:
		return "shared-demand"
	case SharedContinuous:
		return "shared-continuous"
	}
	return "invalid"
}

// Surface is the target that a backend presents into.
// Concrete surface types are defined by the backend packages;
// the core only ever needs the presentable area.
type Surface interface {
	// Extent returns the surface's dimensions, in pixels.
	Extent() (width, height int)
}

// Config describes a swapchain to be created.
type Config struct {
	// Surface is the presentation target.
	Surface Surface

	// ImageCount is the size of the image set. It never
	// changes after creation.
	ImageCount int

	// Info describes every image of the set.
	Info driver.ImageInfo

	// PresentMode selects the presentation policy.
	PresentMode PresentMode

	// PresentModes, when non-empty, is the set of modes the
	// swapchain may switch to at runtime. It requires backend
	// support for the swapchain maintenance capability and
	// must contain PresentMode.
	PresentModes []PresentMode

	// DeferredAlloc postpones the allocation of an image's
	// backing store until the first time the image is selected
	// during acquisition.
	DeferredAlloc bool

	// PresentID enables present-identifier tracking.
	PresentID bool

	// PresentTiming enables presentation timing queries.
	PresentTiming bool

	// FrameBoundary enables per-present frame boundary
	// payloads.
	FrameBoundary bool

	// CompressionRate, when non-zero, requests fixed-rate
	// compression of image backing stores, in bits per texel.
	CompressionRate int

	// Old, when non-nil, is the swapchain this one replaces.
	// Old becomes this swapchain's ancestor and is deprecated:
	// its FREE images are destroyed immediately and any present
	// attempted on it after this swapchain's first present
	// fails with ErrOutOfDate.
	Old *Swapchain
}
