// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"errors"
)

// ErrNotReady means that no image was free at the time of a
// non-blocking acquisition.
var ErrNotReady = errors.New("wsi: not ready")

// ErrOutOfDate means that the swapchain has been replaced by a
// descendant that already started presenting. The swapchain must
// be destroyed; its images will never reach the screen again.
var ErrOutOfDate = errors.New("wsi: swapchain out of date")

// ErrSurfaceLost means that the windowing system reported the
// presentation target gone. The error is sticky: every subsequent
// acquisition returns it and the swapchain is permanently
// unusable.
var ErrSurfaceLost = errors.New("wsi: surface lost")

// ErrIncomplete means that a query filled the provided buffer but
// had more results than it could fit.
var ErrIncomplete = errors.New("wsi: incomplete")

// ErrNotAcquired means that an operation referred to an image the
// application does not currently hold.
var ErrNotAcquired = errors.New("wsi: image not acquired")

// ErrPresentMode means that a present mode is not in the
// swapchain's allowed set, or that runtime switching is not
// enabled for the swapchain.
var ErrPresentMode = errors.New("wsi: incompatible present mode")
