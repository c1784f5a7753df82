// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

package wayland

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gviegas/present/driver"
	"github.com/gviegas/present/wsi"
)

// refreshInterval paces continuous-refresh commits; the compositor
// coalesces them with its own repaint cycle.
const refreshInterval = 16 * time.Millisecond

// imageData is the backend-private state of one swapchain image.
type imageData struct {
	pool   uint32
	buffer uint32
	buf    []byte
	fence  driver.Fence

	// inflight marks a commit whose buffer the compositor still
	// owns; req is the present it serves. Guarded by the backend
	// lock.
	inflight bool
	attached bool
	req      wsi.PendingPresent
}

// Backend implements wsi.Backend.
type Backend struct {
	dev driver.Device
	d   *Display

	mu sync.Mutex
	// chains counts the live images of each swapchain so a
	// connection failure can poison all of them.
	chains map[*wsi.Swapchain]int
}

// New creates a backend on an established display connection.
func New(dev driver.Device, d *Display) *Backend {
	b := &Backend{
		dev:    dev,
		d:      d,
		chains: make(map[*wsi.Swapchain]int),
	}
	d.mu.Lock()
	d.onError = b.connectionLost
	d.mu.Unlock()
	return b
}

// connectionLost poisons every swapchain and reclaims in-flight
// buffers, since their release events will never arrive.
func (b *Backend) connectionLost(err error) {
	b.mu.Lock()
	chains := make([]*wsi.Swapchain, 0, len(b.chains))
	for sc := range b.chains {
		chains = append(chains, sc)
	}
	b.mu.Unlock()
	for _, sc := range chains {
		sc.SetError(wsi.ErrSurfaceLost)
		for i := 0; i < sc.ImageCount(); i++ {
			d, _ := sc.ImageData(i).(*imageData)
			if d == nil {
				continue
			}
			b.mu.Lock()
			pending := d.inflight
			d.inflight = false
			b.mu.Unlock()
			if pending {
				sc.Unpresent(i)
			}
		}
	}
}

// InitPlatform implements wsi.Backend.
func (b *Backend) InitPlatform(s *wsi.Swapchain, cfg *wsi.Config) (bool, error) {
	sfc, ok := cfg.Surface.(*Surface)
	if !ok {
		return false, errors.New("wayland: surface is not a wayland.Surface")
	}
	if sfc.d != b.d {
		return false, errors.New("wayland: surface belongs to another display")
	}
	return cfg.PresentMode != wsi.SharedDemand, nil
}

// RequiredExts implements wsi.Backend.
func (b *Backend) RequiredExts(s *wsi.Swapchain, cfg *wsi.Config) ([]wsi.Ext, error) {
	// Shared memory buffers are never block-compressed.
	if cfg.CompressionRate != 0 {
		wsi.Logger().Debug("wayland backend ignores fixed-rate compression")
		c := *cfg
		c.CompressionRate = 0
		cfg = &c
	}
	return wsi.DefaultExts(cfg), nil
}

// CreateImage implements wsi.Backend.
func (b *Backend) CreateImage(s *wsi.Swapchain, img *wsi.Image) error {
	info := s.ImageInfo()
	switch info.Format {
	case driver.FRGBA8, driver.FBGRA8:
	default:
		return fmt.Errorf("wayland: unsupported format %v", info.Format)
	}
	h, err := b.dev.NewImage(info)
	if err != nil {
		return err
	}
	img.Handle = h
	b.mu.Lock()
	b.chains[s]++
	b.mu.Unlock()
	return nil
}

// AllocImage implements wsi.Backend.
// Each image gets its own single-buffer shm pool backed by a sealed
// memfd; the descriptor is handed to the compositor and closed.
func (b *Backend) AllocImage(s *wsi.Swapchain, img *wsi.Image) error {
	info := s.ImageInfo()
	size := 4 * info.Width * info.Height
	memfd, err := unix.MemfdCreate("swapchain-image", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return fmt.Errorf("wayland: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(memfd, int64(size)); err != nil {
		unix.Close(memfd)
		return fmt.Errorf("wayland: ftruncate: %w", err)
	}
	// Seal the size so the compositor can map it safely.
	unix.FcntlInt(uintptr(memfd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK)
	buf, err := unix.Mmap(memfd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(memfd)
		return fmt.Errorf("wayland: mmap: %w", err)
	}

	d := &imageData{pool: b.d.newID(), buffer: b.d.newID()}
	err = b.d.write(newRequest(b.d.shm, opShmCreatePool).
		uint(d.pool).fd(memfd).int(int32(size)))
	unix.Close(memfd)
	if err != nil {
		unix.Munmap(buf)
		return err
	}
	err = b.d.write(newRequest(d.pool, opShmPoolCreateBuffer).
		uint(d.buffer).int(0).
		int(int32(info.Width)).int(int32(info.Height)).
		int(int32(4 * info.Width)).uint(shmARGB8888))
	if err != nil {
		unix.Munmap(buf)
		return err
	}
	index := imageIndex(s, img)
	b.d.setHandler(d.buffer, func(ev event) {
		if ev.opcode == evBufferRelease {
			b.released(s, index)
		}
	})
	fence, err := b.dev.NewFence(true)
	if err != nil {
		unix.Munmap(buf)
		return err
	}
	d.buf = buf
	d.fence = fence
	img.Data = d
	img.Status = wsi.StatusFree
	return nil
}

// imageIndex recovers the slot index of an image under allocation.
func imageIndex(s *wsi.Swapchain, img *wsi.Image) int {
	handles := make([]driver.Image, s.ImageCount())
	s.Images(handles)
	for i, h := range handles {
		if h == img.Handle {
			return i
		}
	}
	return -1
}

// released reclaims an image whose buffer the compositor returned.
func (b *Backend) released(s *wsi.Swapchain, index int) {
	if index < 0 {
		return
	}
	d, _ := s.ImageData(index).(*imageData)
	if d == nil {
		return
	}
	b.mu.Lock()
	if !d.inflight {
		b.mu.Unlock()
		return
	}
	d.inflight = false
	req := d.req
	b.mu.Unlock()
	if ext, ok := wsi.ExtOf[*wsi.ExtPresentID](s); ok {
		ext.Set(req.PresentID)
	}
	s.Unpresent(index)
}

// SetPresentPayload implements wsi.Backend.
func (b *Backend) SetPresentPayload(s *wsi.Swapchain, img *wsi.Image, q driver.Queue, waits, signals []driver.Semaphore, extra any) error {
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
// The frame is copied into the image's pool, attached and
// committed; reclamation happens on the buffer release event.
func (b *Backend) Present(s *wsi.Swapchain, req wsi.PendingPresent) {
	sfc := s.Surface().(*Surface)
	if sfc.Closed() || b.d.Err() != nil {
		s.SetError(wsi.ErrSurfaceLost)
		s.Unpresent(req.ImageIndex)
		return
	}
	continuous := s.PresentMode() == wsi.SharedContinuous
	if continuous {
		time.Sleep(refreshInterval)
	}
	d, _ := s.ImageData(req.ImageIndex).(*imageData)
	if d == nil {
		s.SetError(errors.New("wayland: present of unallocated image"))
		s.Unpresent(req.ImageIndex)
		return
	}
	info := s.ImageInfo()
	images := make([]driver.Image, s.ImageCount())
	s.Images(images)
	fillBuffer(d.buf, presentable(images[req.ImageIndex]), info.Format)

	b.mu.Lock()
	rebind := !continuous || !d.attached
	if rebind {
		d.inflight = true
		d.req = req
		d.attached = true
	}
	b.mu.Unlock()

	var err error
	if rebind {
		err = b.d.write(newRequest(sfc.surface, opSurfaceAttach).uint(d.buffer).int(0).int(0))
	}
	if err == nil {
		err = b.d.write(newRequest(sfc.surface, opSurfaceDamage).
			int(0).int(0).int(int32(info.Width)).int(int32(info.Height)))
	}
	if err == nil {
		err = b.d.write(newRequest(sfc.surface, opSurfaceCommit))
	}
	if err != nil {
		wsi.Logger().Error("wayland commit failed", zap.Error(err))
		b.mu.Lock()
		d.inflight = false
		b.mu.Unlock()
		s.SetError(wsi.ErrSurfaceLost)
		s.Unpresent(req.ImageIndex)
		return
	}
	if continuous && !rebind {
		// Continuous refresh recommits the shared buffer; there
		// is no release event per commit.
		if ext, ok := wsi.ExtOf[*wsi.ExtPresentID](s); ok {
			ext.Set(req.PresentID)
		}
	}
}

// presentable returns the pixel bytes of a driver image, or nil if
// the driver does not expose them.
func presentable(img driver.Image) []byte {
	if m, ok := img.(interface{ Bytes() []byte }); ok {
		return m.Bytes()
	}
	return nil
}

// fillBuffer copies src pixels into the pool, converting to the
// compositor's ARGB8888 layout when needed.
func fillBuffer(dst, src []byte, format driver.PixelFmt) {
	if src == nil {
		return
	}
	n := min(len(dst), len(src))
	if format == driver.FBGRA8 {
		copy(dst, src[:n])
		return
	}
	// FRGBA8: swap the red and blue channels.
	for i := 0; i+3 < n; i += 4 {
		dst[i+0] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i+0]
		dst[i+3] = src[i+3]
	}
}

// DestroyImage implements wsi.Backend.
func (b *Backend) DestroyImage(s *wsi.Swapchain, img *wsi.Image) {
	if d, ok := img.Data.(*imageData); ok {
		b.d.setHandler(d.buffer, nil)
		b.d.write(newRequest(d.buffer, opBufferDestroy))
		b.d.write(newRequest(d.pool, opShmPoolDestroy))
		unix.Munmap(d.buf)
		d.fence.Destroy()
		img.Data = nil
	}
	if img.Handle != nil {
		img.Handle.Destroy()
		img.Handle = nil
		b.mu.Lock()
		if b.chains[s]--; b.chains[s] <= 0 {
			delete(b.chains, s)
		}
		b.mu.Unlock()
	}
}
