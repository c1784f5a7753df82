// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package soft implements the driver contracts in software.
// Images live in host memory and queue submissions execute, in
// submission order, on a single goroutine. It backs the headless
// presentation backend and the package tests.
package soft

import (
	"sync"
	"time"

	"github.com/gviegas/present/driver"
)

// softDriver implements driver.Driver.
type softDriver struct {
	mu  sync.Mutex
	dev *Device
}

func init() { driver.Register(&drv) }

var drv softDriver

// Open initializes the driver.
func (d *softDriver) Open() (driver.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		d.dev = NewDevice()
	}
	return d.dev, nil
}

// Name returns the name of the driver.
func (d *softDriver) Name() string { return "soft" }

// Close deinitializes the driver.
func (d *softDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
}

// Device implements driver.Device.
type Device struct {
	que *queue
}

// NewDevice creates a new software device.
// Most callers should go through driver.Register/Drivers instead
// and share a single device.
func NewDevice() *Device {
	q := &queue{works: make(chan work, 16)}
	go q.run()
	return &Device{que: q}
}

// Close stops the device's queue goroutine.
// The device must not be used afterwards.
func (d *Device) Close() {
	d.que.close()
}

// NewImage creates an image without a backing store.
// Call Image.Alloc to bind one.
func (d *Device) NewImage(info driver.ImageInfo) (driver.Image, error) {
	if info.Width < 1 || info.Height < 1 || info.Format.Size() == 0 {
		return nil, driver.ErrNoDeviceMemory
	}
	if info.Layers < 1 {
		info.Layers = 1
	}
	return &Image{info: info}, nil
}

// NewSemaphore creates a new semaphore.
func (d *Device) NewSemaphore() (driver.Semaphore, error) {
	return &Semaphore{ch: make(chan struct{}, 1)}, nil
}

// NewFence creates a new fence.
func (d *Device) NewFence(signaled bool) (driver.Fence, error) {
	f := &Fence{done: make(chan struct{})}
	if signaled {
		f.signal()
	}
	return f, nil
}

// Queue returns the device queue.
func (d *Device) Queue() driver.Queue { return d.que }

// Image implements driver.Image.
type Image struct {
	info driver.ImageInfo
	mem  []byte
}

// Info returns the image description.
func (m *Image) Info() driver.ImageInfo { return m.info }

// Alloc binds a host memory backing store to the image.
func (m *Image) Alloc() error {
	if m.mem == nil {
		m.mem = make([]byte, m.info.Width*m.info.Height*m.info.Layers*m.info.Format.Size())
	}
	return nil
}

// Bytes returns the backing store, or nil if none is bound.
func (m *Image) Bytes() []byte { return m.mem }

// Destroy releases the image.
func (m *Image) Destroy() { m.mem = nil }

// Semaphore implements driver.Semaphore as a binary semaphore.
type Semaphore struct {
	ch chan struct{}
}

func (s *Semaphore) signal() {
	select {
	case s.ch <- struct{}{}:
	default:
		// Already signaled.
	}
}

func (s *Semaphore) wait() { <-s.ch }

// Destroy releases the semaphore.
func (s *Semaphore) Destroy() {}

// Fence implements driver.Fence.
type Fence struct {
	mu       sync.Mutex
	done     chan struct{}
	signaled bool
}

func (f *Fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.signaled {
		f.signaled = true
		close(f.done)
	}
}

// Wait blocks until the fence is signaled.
func (f *Fence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if timeout < 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if timeout == 0 {
		return driver.ErrTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return driver.ErrTimeout
	}
}

// Reset returns the fence to the unsignaled state.
func (f *Fence) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		f.signaled = false
		f.done = make(chan struct{})
	}
}

// Destroy releases the fence.
func (f *Fence) Destroy() {}

// queue implements driver.Queue on a single goroutine.
type queue struct {
	mu    sync.Mutex
	works chan work
}

type work struct {
	waits   []driver.Semaphore
	signals []driver.Semaphore
	fence   driver.Fence
	idle    chan struct{}
}

func (q *queue) run() {
	for w := range q.works {
		for _, s := range w.waits {
			s.(*Semaphore).wait()
		}
		for _, s := range w.signals {
			s.(*Semaphore).signal()
		}
		if w.fence != nil {
			w.fence.(*Fence).signal()
		}
		if w.idle != nil {
			close(w.idle)
		}
	}
}

// Submit enqueues a sync-only batch.
func (q *queue) Submit(waits, signals []driver.Semaphore, fence driver.Fence) error {
	w := work{
		waits:   append([]driver.Semaphore(nil), waits...),
		signals: append([]driver.Semaphore(nil), signals...),
		fence:   fence,
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.works == nil {
		return driver.ErrDeviceLost
	}
	q.works <- w
	return nil
}

// WaitIdle blocks until all prior submissions have executed.
func (q *queue) WaitIdle() error {
	idle := make(chan struct{})
	q.mu.Lock()
	if q.works == nil {
		q.mu.Unlock()
		return driver.ErrDeviceLost
	}
	q.works <- work{idle: idle}
	q.mu.Unlock()
	<-idle
	return nil
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.works != nil {
		close(q.works)
		q.works = nil
	}
}
