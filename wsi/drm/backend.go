// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

package drm

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

// flipTimeout bounds the wait for the previous page flip to clear
// the pipe before a new one can be scheduled.
const flipTimeout = time.Second

// imageData is the backend-private state of one swapchain image.
type imageData struct {
	dumb  *dumbBuffer
	fence driver.Fence
}

// pendingFlip associates an in-flight page flip with the present it
// serves.
type pendingFlip struct {
	sc  *wsi.Swapchain
	req wsi.PendingPresent
}

// Backend implements wsi.Backend.
// The crtc pipes one flip at a time; slot is a single token that a
// present takes before flipping and the completion event returns.
type Backend struct {
	dev  driver.Device
	card *Device
	slot chan struct{}

	mu     sync.Mutex
	token  uint64
	flips  map[uint64]pendingFlip
	chains map[*wsi.Swapchain]int
	scanon bool
}

// New creates a backend presenting to card's display.
// It starts the event goroutine that consumes flip completions.
func New(dev driver.Device, card *Device) *Backend {
	b := &Backend{
		dev:    dev,
		card:   card,
		slot:   make(chan struct{}, 1),
		flips:  make(map[uint64]pendingFlip),
		chains: make(map[*wsi.Swapchain]int),
	}
	b.slot <- struct{}{}
	go b.run()
	return b
}

// run reads flip-completion events from the card node.
func (b *Backend) run() {
	buf := make([]byte, 1<<10)
	var pending []byte
	for {
		n, err := unix.Read(b.card.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			if err == nil {
				err = errors.New("drm: card node closed")
			}
			b.displayLost(err)
			return
		}
		pending = append(pending, buf[:n]...)
		flips, rest, err := parseEvents(pending)
		if err != nil {
			b.displayLost(err)
			return
		}
		pending = rest
		for _, userData := range flips {
			b.completeFlip(userData)
		}
	}
}

// completeFlip reclaims the image whose flip reached the screen.
func (b *Backend) completeFlip(userData uint64) {
	b.mu.Lock()
	f, ok := b.flips[userData]
	if ok {
		delete(b.flips, userData)
	}
	b.mu.Unlock()
	if !ok {
		wsi.Logger().Warn("flip completion for unknown request", zap.Uint64("token", userData))
		return
	}
	// Free the pipe before reclaiming, so a waiting present is not
	// serialized behind the reclamation.
	select {
	case b.slot <- struct{}{}:
	default:
	}
	if ext, ok := wsi.ExtOf[*wsi.ExtPresentID](f.sc); ok {
		ext.Set(f.req.PresentID)
	}
	f.sc.Unpresent(f.req.ImageIndex)
}

// displayLost poisons every swapchain and reclaims in-flight
// presents, since their completion events will never arrive.
func (b *Backend) displayLost(err error) {
	wsi.Logger().Error("display connection failure", zap.Error(err))
	b.mu.Lock()
	flips := b.flips
	b.flips = make(map[uint64]pendingFlip)
	chains := make([]*wsi.Swapchain, 0, len(b.chains))
	for sc := range b.chains {
		chains = append(chains, sc)
	}
	b.mu.Unlock()
	for _, sc := range chains {
		sc.SetError(wsi.ErrSurfaceLost)
	}
	for _, f := range flips {
		f.sc.Unpresent(f.req.ImageIndex)
	}
}

// InitPlatform implements wsi.Backend.
func (b *Backend) InitPlatform(s *wsi.Swapchain, cfg *wsi.Config) (bool, error) {
	card, ok := cfg.Surface.(*Device)
	if !ok {
		return false, errors.New("drm: surface is not a drm.Device")
	}
	if card != b.card {
		return false, errors.New("drm: surface belongs to another device")
	}
	w, h := card.Extent()
	if cfg.Info.Width != w || cfg.Info.Height != h {
		return false, fmt.Errorf("drm: image extent %dx%d does not match mode %dx%d",
			cfg.Info.Width, cfg.Info.Height, w, h)
	}
	return cfg.PresentMode != wsi.SharedDemand, nil
}

// RequiredExts implements wsi.Backend.
func (b *Backend) RequiredExts(s *wsi.Swapchain, cfg *wsi.Config) ([]wsi.Ext, error) {
	// Dumb buffers are linear; fixed-rate compression cannot be
	// honored.
	if cfg.CompressionRate != 0 {
		wsi.Logger().Debug("drm backend ignores fixed-rate compression")
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
		return fmt.Errorf("drm: unsupported format %v", info.Format)
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
func (b *Backend) AllocImage(s *wsi.Swapchain, img *wsi.Image) error {
	info := s.ImageInfo()
	dumb, err := b.card.createDumb(info.Width, info.Height)
	if err != nil {
		return err
	}
	fence, err := b.dev.NewFence(true)
	if err != nil {
		b.card.destroyDumb(dumb)
		return err
	}
	img.Data = &imageData{dumb: dumb, fence: fence}
	img.Status = wsi.StatusFree
	return nil
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
// The first present performs the mode set; later ones schedule page
// flips that complete on the next vertical blank.
func (b *Backend) Present(s *wsi.Swapchain, req wsi.PendingPresent) {
	d, _ := s.ImageData(req.ImageIndex).(*imageData)
	if d == nil {
		s.SetError(errors.New("drm: present of unallocated image"))
		s.Unpresent(req.ImageIndex)
		return
	}
	info := s.ImageInfo()
	images := make([]driver.Image, s.ImageCount())
	s.Images(images)
	fillScanout(d.dumb, presentable(images[req.ImageIndex]), info)

	// One flip in the pipe at a time.
	select {
	case <-b.slot:
	case <-time.After(flipTimeout):
		s.SetError(driver.ErrDeviceLost)
		s.Unpresent(req.ImageIndex)
		return
	}

	b.mu.Lock()
	first := !b.scanon
	b.scanon = true
	b.token++
	token := b.token
	b.mu.Unlock()

	if first {
		// Nothing is on screen yet; a flip has no previous
		// scanout to replace.
		err := b.card.setCrtc(d.dumb.fbID)
		b.slot <- struct{}{}
		if err != nil {
			wsi.Logger().Error("mode set failed", zap.Error(err))
			s.SetError(wsi.ErrSurfaceLost)
			s.Unpresent(req.ImageIndex)
			return
		}
		if ext, ok := wsi.ExtOf[*wsi.ExtPresentID](s); ok {
			ext.Set(req.PresentID)
		}
		s.Unpresent(req.ImageIndex)
		return
	}

	b.mu.Lock()
	b.flips[token] = pendingFlip{sc: s, req: req}
	b.mu.Unlock()
	if err := b.card.pageFlip(d.dumb.fbID, token); err != nil {
		b.mu.Lock()
		delete(b.flips, token)
		b.mu.Unlock()
		b.slot <- struct{}{}
		wsi.Logger().Error("page flip failed", zap.Error(err))
		s.SetError(wsi.ErrSurfaceLost)
		s.Unpresent(req.ImageIndex)
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

// fillScanout copies src pixels into the dumb buffer row by row,
// honoring the buffer pitch and converting to the scanout XRGB
// layout when needed.
func fillScanout(dumb *dumbBuffer, src []byte, info driver.ImageInfo) {
	if src == nil {
		return
	}
	row := 4 * info.Width
	for y := 0; y < info.Height; y++ {
		so := y * row
		do := y * int(dumb.pitch)
		if so+row > len(src) || do+row > len(dumb.buf) {
			return
		}
		d, s := dumb.buf[do:do+row], src[so:so+row]
		if info.Format == driver.FBGRA8 {
			copy(d, s)
			continue
		}
		// FRGBA8: swap the red and blue channels.
		for x := 0; x+3 < row; x += 4 {
			d[x+0] = s[x+2]
			d[x+1] = s[x+1]
			d[x+2] = s[x+0]
			d[x+3] = s[x+3]
		}
	}
}

// DestroyImage implements wsi.Backend.
func (b *Backend) DestroyImage(s *wsi.Swapchain, img *wsi.Image) {
	if d, ok := img.Data.(*imageData); ok {
		b.card.destroyDumb(d.dumb)
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
