// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package driver defines the GPU-side contracts consumed by the
// presentation layer.
// A swapchain does not drive a GPU itself; it only sequences work
// relative to presentation. These interfaces describe the minimum
// it needs: images to hand out, semaphores and fences to order
// rendering against presents, and a queue to submit sync-only
// batches to.
package driver

import (
	"errors"
	"sync"
	"time"
)

// Driver is the interface that provides methods for loading and
// unloading an underlying device implementation.
type Driver interface {
	// Open initializes the driver.
	// If it succeeds, further calls with the same receiver have
	// no effect and must return the same Device instance.
	// Callers should assume that Open is not safe for parallel
	// execution.
	Open() (Device, error)

	// Name returns the name of the driver.
	// It must not cause the driver to be opened.
	Name() string

	// Close deinitializes the driver.
	// Closing a driver that is not open has no effect.
	Close()
}

// ErrNoHostMemory means that host memory could not be allocated.
var ErrNoHostMemory = errors.New("driver: out of host memory")

// ErrNoDeviceMemory means that device memory could not be allocated.
var ErrNoDeviceMemory = errors.New("driver: out of device memory")

// ErrDeviceLost means that the device is in an unrecoverable state.
var ErrDeviceLost = errors.New("driver: device lost")

// ErrTimeout means that a bounded wait expired before the awaited
// payload completed.
var ErrTimeout = errors.New("driver: timeout")

// Device creates the objects that a swapchain sequences.
type Device interface {
	// NewImage creates a new image object.
	// The image has no backing store until the implementation
	// binds one; presentation backends may defer this.
	NewImage(info ImageInfo) (Image, error)

	// NewSemaphore creates a new semaphore in the unsignaled
	// state.
	NewSemaphore() (Semaphore, error)

	// NewFence creates a new fence.
	NewFence(signaled bool) (Fence, error)

	// Queue returns the device queue used for presentation
	// and sync-only submissions.
	Queue() Queue
}

// Image is an opaque image handle.
type Image interface {
	// Info returns the description the image was created with.
	Info() ImageInfo

	// Destroy releases the image handle.
	// The backing store, if any, is released as well.
	Destroy()
}

// Semaphore is a binary synchronization object signaled by queue
// submissions and waited on by later submissions.
type Semaphore interface {
	Destroy()
}

// Fence is a synchronization object that the host can wait on.
type Fence interface {
	// Wait blocks until the fence is signaled.
	// A negative timeout waits with no deadline. Wait returns
	// ErrTimeout if the deadline expires first.
	Wait(timeout time.Duration) error

	// Reset returns the fence to the unsignaled state.
	Reset()

	Destroy()
}

// Queue executes submissions in submission order.
type Queue interface {
	// Submit enqueues a sync-only batch: it waits all semaphores
	// in waits, then signals every semaphore in signals and the
	// fence, if non-nil.
	Submit(waits, signals []Semaphore, fence Fence) error

	// WaitIdle blocks until all prior submissions have executed.
	WaitIdle() error
}

// PixelFmt describes the format of an image's texels.
type PixelFmt int

// Supported presentable formats.
const (
	FInvalid PixelFmt = iota
	FRGBA8
	FBGRA8
)

// Size returns the number of bytes per texel.
func (f PixelFmt) Size() int {
	switch f {
	case FRGBA8, FBGRA8:
		return 4
	}
	return 0
}

// ImageInfo describes a presentable image.
type ImageInfo struct {
	Width  int
	Height int
	Layers int
	Format PixelFmt

	// CompressionRate, when non-zero, requests fixed-rate
	// compression of the backing store, in bits per texel.
	// Implementations that cannot honor it create the image
	// uncompressed.
	CompressionRate int
}

// Drivers returns the registered Drivers.
// Client code imports specific driver packages, and then calls this
// function to select one. Drivers that do not register themselves
// on init will not be considered for selection.
func Drivers() []Driver {
	mu.Lock()
	defer mu.Unlock()
	drv := make([]Driver, len(drivers))
	copy(drv, drivers)
	return drv
}

// Register registers a Driver.
// Driver implementations are expected to call Register exactly
// once, from an init function. If a driver with the same name has
// already been registered, it will be replaced by drv.
func Register(drv Driver) {
	mu.Lock()
	defer mu.Unlock()
	for i := range drivers {
		if drivers[i].Name() == drv.Name() {
			drivers[i] = drv
			return
		}
	}
	drivers = append(drivers, drv)
}

// Variables used for driver registration.
var (
	mu      sync.Mutex
	drivers = make([]Driver, 0, 1)
)
