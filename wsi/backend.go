// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"time"

	"github.com/gviegas/present/driver"
)

// Backend is the contract between the swapchain core and a native
// presentation implementation. The core decides when and in what
// order images are presented; the backend decides how a buffer
// reaches the windowing system.
//
// Unless a method's comment says otherwise, image hooks are called
// with the swapchain's image status lock held and must not call
// back into swapchain methods that take it (Unpresent, SetError,
// AcquireNextImage, QueuePresent).
type Backend interface {
	// InitPlatform performs backend-specific initialization.
	// It is called after the image set has been sized and
	// before any image hook. The returned flag reports whether
	// presents must be serialized on a page flip goroutine;
	// backends whose present operation completes inline may
	// return false.
	InitPlatform(s *Swapchain, cfg *Config) (flipThread bool, err error)

	// RequiredExts returns the capabilities to attach to the
	// swapchain, typically built from the Config flags and the
	// backend's own feature set. It may return nil.
	// Called without any lock held; the swapchain is not yet
	// published.
	RequiredExts(s *Swapchain, cfg *Config) ([]Ext, error)

	// CreateImage creates img.Handle. The backing store may be
	// left unbound for AllocImage to provide.
	CreateImage(s *Swapchain, img *Image) error

	// AllocImage allocates and binds img's backing store and
	// any backend-private Data, and sets img.Status to
	// StatusFree on success. With deferred allocation it runs
	// lazily, the first time the slot is selected during
	// acquisition; a failure leaves the slot unallocated.
	AllocImage(s *Swapchain, img *Image) error

	// SetPresentPayload binds the GPU-side payload that must
	// complete before img's pixels are valid for display: a
	// queue submission waiting on waits and signaling signals,
	// tracked by whatever the backend waits on in WaitPresent.
	// extra carries capability payloads (frame boundary) when
	// enabled. Called without the image status lock held; the
	// image is still owned by the application at this point.
	SetPresentPayload(s *Swapchain, img *Image, q driver.Queue, waits, signals []driver.Semaphore, extra any) error

	// WaitPresent waits until img's present payload completed,
	// for at most timeout. It returns driver.ErrTimeout if the
	// deadline expired first and nil if no wait was necessary.
	// Called without the image status lock held.
	WaitPresent(s *Swapchain, img *Image, timeout time.Duration) error

	// Present hands the pending image to the windowing system.
	// The backend reports completion by calling s.Unpresent
	// with the request's image index, either inline or from its
	// own event machinery once the flip is observed; on a hard
	// failure it calls s.SetError and then s.Unpresent so the
	// image is reclaimed. Called without the image status lock
	// held, from the page flip goroutine when one exists.
	Present(s *Swapchain, req PendingPresent)

	// DestroyImage releases img.Handle and img.Data.
	// It must tolerate partially initialized images and is
	// called exactly once per created image.
	DestroyImage(s *Swapchain, img *Image)
}

// FreeBufferer is implemented by backends that can learn about
// free buffers from the windowing system (e.g. buffer release
// events) before the acquisition wait would time out.
type FreeBufferer interface {
	// FreeBuffer gives the backend an opportunity to turn
	// backend-side completion notifications into free images
	// ahead of the acquisition wait. It may consume part of the
	// remaining wait time and update timeout accordingly; setting it to
	// zero means the subsequent wait should not block.
	FreeBuffer(s *Swapchain, timeout *time.Duration) error
}
