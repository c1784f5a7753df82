// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"sync/atomic"

	"github.com/gviegas/present/driver"
)

// FrameBoundary is the per-present payload that delimits a frame
// for drivers and tools that track frame boundaries. It is handed
// to Backend.SetPresentPayload as the extra argument.
type FrameBoundary struct {
	// FrameID is a monotonically increasing frame counter.
	FrameID uint64

	// Images are the images that make up the frame.
	Images []driver.Image
}

// ExtFrameBoundary produces frame boundary payloads.
// The zero value is ready to use.
type ExtFrameBoundary struct {
	frameID atomic.Uint64
}

// ExtName implements Ext.
func (*ExtFrameBoundary) ExtName() string { return "frame_boundary" }

// payload builds the boundary for a present of img.
func (e *ExtFrameBoundary) payload(img driver.Image) *FrameBoundary {
	return &FrameBoundary{
		FrameID: e.frameID.Add(1),
		Images:  []driver.Image{img},
	}
}

// FrameID returns the identifier of the latest frame boundary.
func (e *ExtFrameBoundary) FrameID() uint64 { return e.frameID.Load() }
