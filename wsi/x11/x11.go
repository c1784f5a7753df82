// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

// Package x11 implements a presentation backend over the X11
// protocol. Swapchain images are mirrored into MIT-SHM segments and
// presented with shared-memory PutImage requests; the X server's
// completion events drive image reclamation.
package x11

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/shm"
	"github.com/BurntSushi/xgb/xproto"
	"go.uber.org/zap"

	"github.com/gviegas/present/driver"
	"github.com/gviegas/present/wsi"
)

const (
	maxShmSide = 0x00007fff // 32,767 pixels.
	maxShmSize = 0x10000000 // 268,435,456 bytes.
)

// Surface is an X11 window to present into.
type Surface struct {
	conn   *xgb.Conn
	window xproto.Window
	width  int
	height int
	depth  uint8
}

// NewSurface wraps an existing window.
// The caller keeps ownership of the window and the connection.
func NewSurface(conn *xgb.Conn, window xproto.Window) (*Surface, error) {
	g, err := xproto.GetGeometry(conn, xproto.Drawable(window)).Reply()
	if err != nil {
		return nil, fmt.Errorf("x11: GetGeometry: %w", err)
	}
	return &Surface{
		conn:   conn,
		window: window,
		width:  int(g.Width),
		height: int(g.Height),
		depth:  g.Depth,
	}, nil
}

// Extent implements wsi.Surface.
func (s *Surface) Extent() (int, int) { return s.width, s.height }

// Window returns the underlying window.
func (s *Surface) Window() xproto.Window { return s.window }

// imageData is the backend-private state of one swapchain image.
type imageData struct {
	seg   shm.Seg
	buf   []byte
	fence driver.Fence
}

// pendingUpload associates an in-flight PutImage request with the
// present it serves.
type pendingUpload struct {
	sc  *wsi.Swapchain
	req wsi.PendingPresent
}

// Backend implements wsi.Backend.
// One Backend serves the swapchains of a single connection; its
// event goroutine multiplexes completion events back to them.
type Backend struct {
	dev  driver.Device
	conn *xgb.Conn

	mu      sync.Mutex
	gcs     map[xproto.Window]xproto.Gcontext
	uploads map[uint16]pendingUpload
	// chains counts the live images of each registered swapchain;
	// a swapchain is forgotten when its last image is destroyed.
	chains map[*wsi.Swapchain]int
}

// New creates an X11 backend on conn.
// It initializes the MIT-SHM extension and starts the connection's
// event goroutine.
func New(dev driver.Device, conn *xgb.Conn) (*Backend, error) {
	if err := shm.Init(conn); err != nil {
		return nil, fmt.Errorf("x11: shm.Init: %w", err)
	}
	b := &Backend{
		dev:     dev,
		conn:    conn,
		gcs:     make(map[xproto.Window]xproto.Gcontext),
		uploads: make(map[uint16]pendingUpload),
		chains:  make(map[*wsi.Swapchain]int),
	}
	go b.run()
	return b, nil
}

// run services the connection's events.
// It exits when the connection is closed.
func (b *Backend) run() {
	for {
		ev, err := b.conn.WaitForEvent()
		if ev == nil && err == nil {
			// Connection closed.
			b.surfaceLost(errors.New("x11: connection closed"))
			return
		}
		if err != nil {
			wsi.Logger().Warn("x11 event error", zap.Error(err))
			continue
		}
		switch ev := ev.(type) {
		case shm.CompletionEvent:
			b.completeUpload(ev.Sequence)
		case xproto.DestroyNotifyEvent:
			b.surfaceLost(wsi.ErrSurfaceLost)
		}
	}
}

// completeUpload reclaims the image whose PutImage finished.
func (b *Backend) completeUpload(seq uint16) {
	b.mu.Lock()
	up, ok := b.uploads[seq]
	if ok {
		delete(b.uploads, seq)
	}
	b.mu.Unlock()
	if !ok {
		wsi.Logger().Warn("x11 completion for unknown request", zap.Uint16("sequence", seq))
		return
	}
	if ext, ok := wsi.ExtOf[*wsi.ExtPresentID](up.sc); ok {
		ext.Set(up.req.PresentID)
	}
	up.sc.Unpresent(up.req.ImageIndex)
}

// surfaceLost fails every swapchain of this backend and reclaims
// their in-flight presents so acquisition does not deadlock.
func (b *Backend) surfaceLost(err error) {
	b.mu.Lock()
	uploads := b.uploads
	b.uploads = make(map[uint16]pendingUpload)
	chains := make([]*wsi.Swapchain, 0, len(b.chains))
	for sc := range b.chains {
		chains = append(chains, sc)
	}
	b.mu.Unlock()
	for _, sc := range chains {
		sc.SetError(err)
	}
	for _, up := range uploads {
		up.sc.Unpresent(up.req.ImageIndex)
	}
}

// InitPlatform implements wsi.Backend.
func (b *Backend) InitPlatform(s *wsi.Swapchain, cfg *wsi.Config) (bool, error) {
	sfc, ok := cfg.Surface.(*Surface)
	if !ok {
		return false, errors.New("x11: surface is not an x11.Surface")
	}
	if sfc.conn != b.conn {
		return false, errors.New("x11: surface belongs to another connection")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.gcs[sfc.window]; !ok {
		gc, err := xproto.NewGcontextId(b.conn)
		if err != nil {
			return false, fmt.Errorf("x11: NewGcontextId: %w", err)
		}
		if err := xproto.CreateGCChecked(b.conn, gc, xproto.Drawable(sfc.window), 0, nil).Check(); err != nil {
			return false, fmt.Errorf("x11: CreateGC: %w", err)
		}
		b.gcs[sfc.window] = gc
	}
	return cfg.PresentMode != wsi.SharedDemand, nil
}

// RequiredExts implements wsi.Backend.
func (b *Backend) RequiredExts(s *wsi.Swapchain, cfg *wsi.Config) ([]wsi.Ext, error) {
	// Fixed-rate compression has no place in a shared-memory
	// pixmap; the capability is dropped rather than faked.
	if cfg.CompressionRate != 0 {
		wsi.Logger().Debug("x11 backend ignores fixed-rate compression")
		c := *cfg
		c.CompressionRate = 0
		cfg = &c
	}
	return wsi.DefaultExts(cfg), nil
}

// CreateImage implements wsi.Backend.
func (b *Backend) CreateImage(s *wsi.Swapchain, img *wsi.Image) error {
	info := s.ImageInfo()
	w, h := int64(info.Width), int64(info.Height)
	if w > maxShmSide || h > maxShmSide || 4*w*h > maxShmSize {
		return fmt.Errorf("x11: image extent %dx%d too large for shm", w, h)
	}
	switch info.Format {
	case driver.FRGBA8, driver.FBGRA8:
	default:
		return fmt.Errorf("x11: unsupported format %v", info.Format)
	}
	h2, err := b.dev.NewImage(info)
	if err != nil {
		return err
	}
	img.Handle = h2
	b.mu.Lock()
	b.chains[s]++
	b.mu.Unlock()
	return nil
}

// AllocImage implements wsi.Backend.
// The shm segment doubles as the image's presentable mirror; it is
// attached to the X server read-only from our side of the protocol.
func (b *Backend) AllocImage(s *wsi.Swapchain, img *wsi.Image) error {
	info := s.ImageInfo()
	seg, err := shm.NewSegId(b.conn)
	if err != nil {
		return fmt.Errorf("x11: shm.NewSegId: %w", err)
	}
	shmid, buf, err := shmOpen(4 * info.Width * info.Height)
	if err != nil {
		return fmt.Errorf("x11: shmOpen: %w", err)
	}
	const readOnly = false
	if err := shm.AttachChecked(b.conn, seg, uint32(shmid), readOnly).Check(); err != nil {
		shmClose(buf)
		return fmt.Errorf("x11: shm.Attach: %w", err)
	}
	fence, err := b.dev.NewFence(true)
	if err != nil {
		shm.Detach(b.conn, seg)
		shmClose(buf)
		return err
	}
	img.Data = &imageData{seg: seg, buf: buf, fence: fence}
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
// The frame is copied into the image's shm mirror and uploaded with
// a completion-event request; reclamation happens on the event.
func (b *Backend) Present(s *wsi.Swapchain, req wsi.PendingPresent) {
	sfc := s.Surface().(*Surface)
	info := s.ImageInfo()
	images := make([]driver.Image, s.ImageCount())
	if _, err := s.Images(images); err != nil {
		s.SetError(err)
		s.Unpresent(req.ImageIndex)
		return
	}
	d, _ := s.ImageData(req.ImageIndex).(*imageData)
	if d == nil {
		s.SetError(errors.New("x11: present of unallocated image"))
		s.Unpresent(req.ImageIndex)
		return
	}
	fillShm(d.buf, presentable(images[req.ImageIndex]), info.Format)

	b.mu.Lock()
	gc := b.gcs[sfc.window]
	b.mu.Unlock()
	cookie := shm.PutImageChecked(
		b.conn, xproto.Drawable(sfc.window), gc,
		uint16(info.Width), uint16(info.Height), // TotalWidth, TotalHeight,
		0, 0, // SrcX, SrcY,
		uint16(info.Width), uint16(info.Height), // SrcWidth, SrcHeight,
		0, 0, // DstX, DstY,
		sfc.depth, xproto.ImageFormatZPixmap,
		1, d.seg, 0, // 1 means send a completion event, 0 means a zero offset.
	)
	b.mu.Lock()
	b.uploads[cookie.Sequence] = pendingUpload{sc: s, req: req}
	b.mu.Unlock()
	if err := cookie.Check(); err != nil {
		b.mu.Lock()
		delete(b.uploads, cookie.Sequence)
		b.mu.Unlock()
		wsi.Logger().Error("x11 shm upload failed", zap.Error(err))
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

// fillShm copies src pixels into the shm mirror, converting to the
// X server's BGRX layout when the swapchain format requires it.
func fillShm(dst, src []byte, format driver.PixelFmt) {
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
		shm.Detach(b.conn, d.seg)
		if err := shmClose(d.buf); err != nil {
			wsi.Logger().Warn("x11 shm segment leak", zap.Error(err))
		}
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
