// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"sync"
	"testing"
	"time"

	"github.com/gviegas/present/driver"
	"github.com/gviegas/present/driver/soft"
)

// testBackend implements Backend with instrumentation used across
// the package tests. Payload tracking matches the headless
// backend: one fence per image, rebound on every present.
type testBackend struct {
	t   *testing.T
	dev *soft.Device

	// presentErr, when non-nil, makes Present behave as a hard
	// backend failure. failAlloc makes AllocImage fail.
	presentErr error
	failAlloc  bool

	// completeDelay defers present completion to a timer
	// goroutine, emulating asynchronous flip notifications.
	completeDelay time.Duration

	mu        sync.Mutex
	presents  []PendingPresent
	inflight  map[int]bool
	created   int
	allocated int
	destroyed int
	freeBuf   int
}

type testImageData struct {
	fence driver.Fence
}

func newTestBackend(t *testing.T) *testBackend {
	dev := soft.NewDevice()
	t.Cleanup(dev.Close)
	return &testBackend{t: t, dev: dev, inflight: make(map[int]bool)}
}

func (b *testBackend) InitPlatform(s *Swapchain, cfg *Config) (bool, error) {
	return cfg.PresentMode != SharedDemand, nil
}

func (b *testBackend) RequiredExts(s *Swapchain, cfg *Config) ([]Ext, error) {
	return DefaultExts(cfg), nil
}

func (b *testBackend) CreateImage(s *Swapchain, img *Image) error {
	info := s.ImageInfo()
	if ext, ok := ExtOf[*ExtImageCompression](s); ok {
		ext.Apply(&info)
	}
	h, err := b.dev.NewImage(info)
	if err != nil {
		return err
	}
	img.Handle = h
	b.mu.Lock()
	b.created++
	b.mu.Unlock()
	return nil
}

func (b *testBackend) AllocImage(s *Swapchain, img *Image) error {
	if b.failAlloc {
		return driver.ErrNoDeviceMemory
	}
	if err := img.Handle.(*soft.Image).Alloc(); err != nil {
		return driver.ErrNoDeviceMemory
	}
	fence, err := b.dev.NewFence(true)
	if err != nil {
		return err
	}
	img.Data = &testImageData{fence: fence}
	img.Status = StatusFree
	b.mu.Lock()
	b.allocated++
	b.mu.Unlock()
	return nil
}

func (b *testBackend) SetPresentPayload(s *Swapchain, img *Image, q driver.Queue, waits, signals []driver.Semaphore, extra any) error {
	d := img.Data.(*testImageData)
	d.fence.Reset()
	return q.Submit(waits, signals, d.fence)
}

func (b *testBackend) WaitPresent(s *Swapchain, img *Image, timeout time.Duration) error {
	d, ok := img.Data.(*testImageData)
	if !ok {
		return nil
	}
	return d.fence.Wait(timeout)
}

func (b *testBackend) Present(s *Swapchain, req PendingPresent) {
	b.mu.Lock()
	if b.inflight[req.ImageIndex] {
		b.t.Errorf("image %d presented while still in flight", req.ImageIndex)
	}
	b.inflight[req.ImageIndex] = true
	b.presents = append(b.presents, req)
	b.mu.Unlock()

	if s.PresentMode() == SharedContinuous {
		time.Sleep(time.Millisecond)
	}
	if b.presentErr != nil {
		s.SetError(b.presentErr)
		b.complete(s, req)
		return
	}
	if ext, ok := ExtOf[*ExtPresentID](s); ok {
		ext.Set(req.PresentID)
	}
	if b.completeDelay > 0 {
		time.AfterFunc(b.completeDelay, func() { b.complete(s, req) })
		return
	}
	b.complete(s, req)
}

func (b *testBackend) complete(s *Swapchain, req PendingPresent) {
	b.mu.Lock()
	delete(b.inflight, req.ImageIndex)
	b.mu.Unlock()
	s.Unpresent(req.ImageIndex)
}

func (b *testBackend) DestroyImage(s *Swapchain, img *Image) {
	if img.Handle != nil {
		img.Handle.Destroy()
		img.Handle = nil
	}
	if d, ok := img.Data.(*testImageData); ok {
		d.fence.Destroy()
		img.Data = nil
	}
	b.mu.Lock()
	b.destroyed++
	b.mu.Unlock()
}

// FreeBuffer counts calls; the testBackend has no backend-side
// completion channel to consult.
func (b *testBackend) FreeBuffer(s *Swapchain, timeout *time.Duration) error {
	b.mu.Lock()
	b.freeBuf++
	b.mu.Unlock()
	return nil
}

func (b *testBackend) presentOrder() []PendingPresent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PendingPresent(nil), b.presents...)
}

// waitPresents polls until the backend recorded n presents.
func waitPresents(t *testing.T, b *testBackend, n int) {
	t.Helper()
	for deadline := time.Now().Add(5 * time.Second); len(b.presentOrder()) < n; {
		if time.Now().After(deadline) {
			t.Fatalf("presents:\nhave %d\nwant %d", len(b.presentOrder()), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *testBackend) counts() (created, allocated, destroyed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created, b.allocated, b.destroyed
}

// testConfig returns a 3-image Fifo configuration.
func testConfig() *Config {
	return &Config{
		Surface:    testSurface{640, 480},
		ImageCount: 3,
		Info:       driver.ImageInfo{Width: 640, Height: 480, Format: driver.FRGBA8},
		PresentMode: Fifo,
	}
}

type testSurface struct{ w, h int }

func (s testSurface) Extent() (int, int) { return s.w, s.h }

// statusOf reads an image status under the image status lock.
func statusOf(s *Swapchain, index int) Status {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	return s.images[index].Status
}
