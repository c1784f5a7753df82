// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package headless implements a presentation backend with no
// windowing system attached. Images are backed by software device
// memory and the present operation completes as soon as the
// image's payload does, which makes the backend suitable for
// tests, CI and render-to-file pipelines.
package headless

import (
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/gviegas/present/driver"
	"github.com/gviegas/present/driver/soft"
	"github.com/gviegas/present/wsi"
)

// Surface is a presentation target with an extent and nothing
// else behind it.
type Surface struct {
	W, H int
}

// Extent implements wsi.Surface.
func (s *Surface) Extent() (int, int) { return s.W, s.H }

// refreshInterval is the simulated refresh period used to pace
// continuous-refresh presents.
const refreshInterval = 16 * time.Millisecond

// imageData is the backend-private state of one swapchain image.
type imageData struct {
	// fence tracks the image's present payload. It starts
	// signaled: an image that was never presented has nothing
	// to wait for.
	fence driver.Fence
}

// Backend implements wsi.Backend.
type Backend struct {
	dev *soft.Device

	mu     sync.Mutex
	target *image.RGBA
}

// New creates a headless backend on dev.
func New(dev *soft.Device) *Backend { return &Backend{dev: dev} }

// NewSwapchain creates a swapchain presenting into thin air.
func NewSwapchain(dev *soft.Device, cfg *wsi.Config) (*wsi.Swapchain, error) {
	return wsi.New(dev, New(dev), cfg)
}

// SetTarget installs a framebuffer that presents are copied into,
// scaled to the target bounds. Only FRGBA8 swapchains are
// snapshotted. Pass nil to stop copying.
func (b *Backend) SetTarget(dst *image.RGBA) {
	b.mu.Lock()
	b.target = dst
	b.mu.Unlock()
}

// InitPlatform implements wsi.Backend.
// Demand-refresh presents run inline on the caller's thread; every
// other mode is paced by the page flip goroutine.
func (b *Backend) InitPlatform(s *wsi.Swapchain, cfg *wsi.Config) (bool, error) {
	return cfg.PresentMode != wsi.SharedDemand, nil
}

// RequiredExts implements wsi.Backend.
func (b *Backend) RequiredExts(s *wsi.Swapchain, cfg *wsi.Config) ([]wsi.Ext, error) {
	return wsi.DefaultExts(cfg), nil
}

// CreateImage implements wsi.Backend.
func (b *Backend) CreateImage(s *wsi.Swapchain, img *wsi.Image) error {
	info := s.ImageInfo()
	if ext, ok := wsi.ExtOf[*wsi.ExtImageCompression](s); ok {
		ext.Apply(&info)
	}
	h, err := b.dev.NewImage(info)
	if err != nil {
		return err
	}
	img.Handle = h
	return nil
}

// AllocImage implements wsi.Backend.
func (b *Backend) AllocImage(s *wsi.Swapchain, img *wsi.Image) error {
	if err := img.Handle.(*soft.Image).Alloc(); err != nil {
		return driver.ErrNoDeviceMemory
	}
	fence, err := b.dev.NewFence(true)
	if err != nil {
		return err
	}
	img.Data = &imageData{fence: fence}
	img.Status = wsi.StatusFree
	return nil
}

// SetPresentPayload implements wsi.Backend.
func (b *Backend) SetPresentPayload(s *wsi.Swapchain, img *wsi.Image, q driver.Queue, waits, signals []driver.Semaphore, extra any) error {
	if fb, ok := extra.(*wsi.FrameBoundary); ok {
		wsi.Logger().Debug("frame boundary", zap.Uint64("frame", fb.FrameID))
	}
	d := img.Data.(*imageData)
	d.fence.Reset()
	return q.Submit(waits, signals, d.fence)
}

// WaitPresent implements wsi.Backend.
func (b *Backend) WaitPresent(s *wsi.Swapchain, img *wsi.Image, timeout time.Duration) error {
	d, ok := img.Data.(*imageData)
	if !ok {
		return nil
	}
	return d.fence.Wait(timeout)
}

// Present implements wsi.Backend.
// There is no display to hand the buffer to: the image is copied
// into the snapshot target, if any, and returned right away.
func (b *Backend) Present(s *wsi.Swapchain, req wsi.PendingPresent) {
	if s.PresentMode() == wsi.SharedContinuous {
		// Pace the continuous-refresh loop at a nominal rate;
		// there is no vertical blank to wait for.
		time.Sleep(refreshInterval)
	}
	b.snapshot(s, req.ImageIndex)
	if ext, ok := wsi.ExtOf[*wsi.ExtPresentID](s); ok {
		ext.Set(req.PresentID)
	}
	s.Unpresent(req.ImageIndex)
}

func (b *Backend) snapshot(s *wsi.Swapchain, index int) {
	b.mu.Lock()
	dst := b.target
	b.mu.Unlock()
	if dst == nil {
		return
	}
	info := s.ImageInfo()
	if info.Format != driver.FRGBA8 {
		return
	}
	images := make([]driver.Image, s.ImageCount())
	if _, err := s.Images(images); err != nil {
		return
	}
	m := images[index].(*soft.Image)
	if m.Bytes() == nil {
		return
	}
	src := &image.RGBA{
		Pix:    m.Bytes(),
		Stride: info.Width * 4,
		Rect:   image.Rect(0, 0, info.Width, info.Height),
	}
	// Presenting to a target with a different extent scales,
	// which is what a compositor would do for a stretched
	// surface.
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// DestroyImage implements wsi.Backend.
func (b *Backend) DestroyImage(s *wsi.Swapchain, img *wsi.Image) {
	if img.Handle != nil {
		img.Handle.Destroy()
		img.Handle = nil
	}
	if d, ok := img.Data.(*imageData); ok {
		d.fence.Destroy()
		img.Data = nil
	}
}
