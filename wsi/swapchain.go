// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gviegas/present/driver"
	"github.com/gviegas/present/internal/ring"
	"github.com/gviegas/present/internal/sema"
)

// Swapchain owns a fixed-size set of presentable images and the
// policy governing their reuse.
//
// Two threads cooperate per swapchain: the application's thread
// (AcquireNextImage/QueuePresent) and, for most present modes, a
// page flip goroutine that serializes delivery of pending images
// to the backend. Backends may add their own event goroutines;
// those talk to the core only through Unpresent and SetError.
type Swapchain struct {
	dev   driver.Device
	bk    Backend
	queue driver.Queue

	// imageMu serializes every read and write of image status
	// and the code paths that rely on it, including the pending
	// ring. acquireMu serializes acquisition so that at most
	// one acquire is in flight; it is always taken first.
	imageMu   sync.Mutex
	acquireMu sync.Mutex

	surface Surface
	images  []Image
	info    driver.ImageInfo
	mode    atomic.Int32
	exts    []Ext

	pending  *ring.Buffer[PendingPresent]
	freeSema *sema.Sema
	flipSema *sema.Sema

	// flipDefined reports whether a page flip goroutine was
	// started for this swapchain. flipRun tells it to keep
	// going; flipDone is closed when it exits.
	flipDefined bool
	flipRun     atomic.Bool
	flipDone    chan struct{}

	// startPresent is closed right before the swapchain's first
	// present reaches the backend; an ancestor's teardown waits
	// on it. started is set once a present has been submitted.
	startPresent chan struct{}
	startOnce    sync.Once
	started      atomic.Bool
	firstPresent bool

	ancestor   *Swapchain
	descendant *Swapchain

	// sticky records the first hard failure observed by the
	// page flip goroutine; it is surfaced by the next
	// AcquireNextImage.
	sticky atomic.Pointer[error]
}

// chainMu guards the ancestor/descendant links of all swapchains.
// A package-level lock sidesteps lock ordering between the two
// ends of a link during teardown.
var chainMu sync.Mutex

// New creates a swapchain.
//
// When cfg.Old is non-nil the new swapchain replaces it: in-flight
// presents of the old swapchain drain before this one's first
// present, and the old swapchain only becomes safe to destroy
// through its own Destroy, which synchronizes with that first
// present.
func New(dev driver.Device, bk Backend, cfg *Config) (*Swapchain, error) {
	switch {
	case dev == nil, bk == nil, cfg == nil:
		return nil, errors.New("wsi: nil New argument")
	case cfg.ImageCount < 1:
		return nil, errors.New("wsi: non-positive image count")
	case cfg.Info.Width < 1, cfg.Info.Height < 1, cfg.Info.Format.Size() == 0:
		return nil, errors.New("wsi: bad image description")
	}
	if cfg.PresentMode.shared() && cfg.ImageCount != 1 {
		return nil, errors.New("wsi: shared present modes use a single image")
	}
	if old := cfg.Old; old != nil {
		chainMu.Lock()
		replaced := old.descendant != nil
		chainMu.Unlock()
		if replaced {
			return nil, ErrOutOfDate
		}
	}

	s := &Swapchain{
		dev:          dev,
		bk:           bk,
		queue:        dev.Queue(),
		surface:      cfg.Surface,
		info:         cfg.Info,
		startPresent: make(chan struct{}),
		firstPresent: true,
	}
	s.mode.Store(int32(cfg.PresentMode))

	exts, err := bk.RequiredExts(s, cfg)
	if err != nil {
		return nil, err
	}
	for _, e := range exts {
		s.AddExt(e)
	}
	if ext, ok := ExtOf[*ExtMaintenance](s); ok {
		if err := ext.validate(cfg.PresentMode); err != nil {
			return nil, fmt.Errorf("wsi: initial present mode not in allowed set: %w", err)
		}
	} else if len(cfg.PresentModes) > 0 {
		return nil, fmt.Errorf("wsi: present mode set requires the maintenance capability: %w", ErrPresentMode)
	}

	s.images = make([]Image, cfg.ImageCount)
	s.pending = ring.New[PendingPresent](cfg.ImageCount)
	s.freeSema = sema.New(cfg.ImageCount, cfg.ImageCount)
	s.flipSema = sema.New(0, cfg.ImageCount)

	flip, err := bk.InitPlatform(s, cfg)
	if err != nil {
		return nil, err
	}
	if flip {
		s.flipDefined = true
		s.flipDone = make(chan struct{})
		s.flipRun.Store(true)
		go s.pageFlip()
	}

	if err := s.initImages(cfg); err != nil {
		s.abortInit()
		return nil, err
	}

	// Deprecating the old swapchain releases its FREE images to
	// cut peak memory use. This must come last, when the rest
	// of the swapchain is valid.
	if cfg.Old != nil {
		chainMu.Lock()
		s.ancestor = cfg.Old
		chainMu.Unlock()
		cfg.Old.deprecate(s)
	}
	return s, nil
}

// initImages creates the image set.
func (s *Swapchain) initImages(cfg *Config) error {
	for i := range s.images {
		img := &s.images[i]
		if err := s.bk.CreateImage(s, img); err != nil {
			return err
		}
		img.Status = StatusUnallocated
		if !cfg.DeferredAlloc {
			if err := s.bk.AllocImage(s, img); err != nil {
				return err
			}
		}
		var err error
		if img.PresentSem, err = s.dev.NewSemaphore(); err != nil {
			return err
		}
		if img.FenceWaitSem, err = s.dev.NewSemaphore(); err != nil {
			return err
		}
	}
	return nil
}

// abortInit undoes a partial New.
func (s *Swapchain) abortInit() {
	if s.flipDefined {
		s.flipRun.Store(false)
		<-s.flipDone
	}
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	for i := range s.images {
		s.destroyImageLocked(&s.images[i])
	}
}

// presentMode returns the current present mode.
// It can change at runtime through the maintenance capability, so
// the page flip goroutine must not cache it.
func (s *Swapchain) presentMode() PresentMode { return PresentMode(s.mode.Load()) }

// PresentMode returns the present mode currently in use.
func (s *Swapchain) PresentMode() PresentMode { return s.presentMode() }

// Surface returns the surface the swapchain presents into.
func (s *Swapchain) Surface() Surface { return s.surface }

// ImageInfo returns the description shared by every image of the
// set.
func (s *Swapchain) ImageInfo() driver.ImageInfo { return s.info }

// ImageCount returns the size of the image set.
func (s *Swapchain) ImageCount() int { return len(s.images) }

// Images fills dst with the image handles of the set and returns
// the number written. If dst is too short for the whole set, the
// error is ErrIncomplete.
func (s *Swapchain) Images(dst []driver.Image) (int, error) {
	n := min(len(dst), len(s.images))
	for i := 0; i < n; i++ {
		dst[i] = s.images[i].Handle
	}
	if n < len(s.images) {
		return n, ErrIncomplete
	}
	return n, nil
}

// ImageData returns the backend-private data of an image, or nil
// if the image has no backing store yet. It is meant for backend
// code running outside the image hooks, where the status lock is
// not already held.
func (s *Swapchain) ImageData(index int) any {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	return s.images[index].Data
}

// BindAllowed reports whether an image can be bound to device
// memory. With deferred allocation, a slot has no backing store
// until its first acquisition selects it.
func (s *Swapchain) BindAllowed(index int) bool {
	if index < 0 || index >= len(s.images) {
		return false
	}
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	switch s.images[index].Status {
	case StatusInvalid, StatusUnallocated:
		return false
	}
	return true
}

// Status returns the swapchain's sticky error state, or nil if no
// hard failure has been recorded.
func (s *Swapchain) Status() error { return s.stickyErr() }

// SetError records a hard failure. The first recorded error wins
// and is surfaced by subsequent AcquireNextImage calls; work
// already pending is still drained so that backend resources are
// reclaimed. Exported for backend event machinery.
func (s *Swapchain) SetError(err error) {
	if err == nil {
		return
	}
	if s.sticky.CompareAndSwap(nil, &err) {
		logger().Error("swapchain failure recorded", zap.Error(err))
	}
}

func (s *Swapchain) stickyErr() error {
	if p := s.sticky.Load(); p != nil {
		return *p
	}
	return nil
}

// AcquireNextImage blocks until an image is free, subject to
// timeout, and hands it to the application. A timeout of zero
// returns ErrNotReady instead of blocking when no image is free;
// Forever waits with no deadline; otherwise an expired deadline
// returns driver.ErrTimeout.
//
// sem and fence, when non-nil, are signaled once the image can be
// written to; rendering work that targets the image must wait on
// them.
func (s *Swapchain) AcquireNextImage(timeout time.Duration, sem driver.Semaphore, fence driver.Fence) (int, error) {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	if err := s.waitForFreeBuffer(timeout); err != nil {
		return -1, err
	}
	if err := s.stickyErr(); err != nil {
		return -1, err
	}

	s.imageMu.Lock()
	index := -1
	for i := range s.images {
		img := &s.images[i]
		if img.Status == StatusUnallocated {
			// Backing store allocation was deferred to
			// this first selection.
			if err := s.bk.AllocImage(s, img); err != nil {
				s.imageMu.Unlock()
				logger().Error("deferred image allocation failed",
					zap.Int("image", i), zap.Error(err))
				return -1, err
			}
		}
		if img.Status == StatusFree {
			img.Status = StatusAcquired
			index = i
			break
		}
	}
	s.imageMu.Unlock()
	if index < 0 {
		if s.replaced() {
			// The free tokens of a deprecated swapchain
			// outlive its destroyed FREE images.
			return -1, ErrOutOfDate
		}
		// A free-image token existed, so a slot must have been
		// free or unallocated.
		panic("wsi: free-image count out of sync with statuses")
	}

	if sem != nil || fence != nil {
		var signals []driver.Semaphore
		if sem != nil {
			signals = []driver.Semaphore{sem}
		}
		if err := s.queue.Submit(nil, signals, fence); err != nil {
			return -1, err
		}
	}
	return index, nil
}

// waitForFreeBuffer takes one free-image token.
// It first probes without blocking, then gives the backend an
// opportunity to produce a free buffer from its own completion
// channels, and only then blocks on the free-image count.
func (s *Swapchain) waitForFreeBuffer(timeout time.Duration) error {
	if s.freeSema.TryWait() {
		return nil
	}
	if fb, ok := s.bk.(FreeBufferer); ok {
		if err := fb.FreeBuffer(s, &timeout); err != nil {
			return err
		}
	}
	if s.freeSema.Wait(timeout) {
		return nil
	}
	if timeout == 0 {
		return ErrNotReady
	}
	return driver.ErrTimeout
}

// ReleaseImages returns application-held images to the free state
// without presenting them. It is only legal for images currently
// acquired.
func (s *Swapchain) ReleaseImages(indices []int) error {
	s.imageMu.Lock()
	for _, i := range indices {
		if i < 0 || i >= len(s.images) || s.images[i].Status != StatusAcquired {
			s.imageMu.Unlock()
			return fmt.Errorf("wsi: release of image %d: %w", i, ErrNotAcquired)
		}
	}
	s.imageMu.Unlock()
	for _, i := range indices {
		s.unpresentImage(i)
	}
	return nil
}

// Unpresent transitions an image out of the presentation engine's
// hands: back to free in exclusive modes, or back to the
// application in shared modes (remaining on screen as presented
// in continuous refresh). Backends call it when the present
// operation for that image completes.
func (s *Swapchain) Unpresent(index int) {
	s.unpresentImage(index)
	if ext, ok := ExtOf[*ExtPresentTiming](s); ok {
		ext.complete(time.Now())
	}
}

func (s *Swapchain) unpresentImage(index int) {
	mode := s.presentMode()
	s.imageMu.Lock()
	switch mode {
	case SharedContinuous:
		s.images[index].Status = StatusPresented
	case SharedDemand:
		s.images[index].Status = StatusAcquired
	default:
		s.images[index].Status = StatusFree
	}
	s.imageMu.Unlock()
	if !mode.shared() {
		s.freeSema.Post()
	}
}

// replaced reports whether a descendant swapchain exists.
func (s *Swapchain) replaced() bool {
	chainMu.Lock()
	defer chainMu.Unlock()
	return s.descendant != nil
}

// deprecate marks s as replaced by descendant.
// FREE images will never be displayed again, so they are destroyed
// here to reduce peak resource usage; PENDING and ACQUIRED images
// are reclaimed normally as they drain.
func (s *Swapchain) deprecate(descendant *Swapchain) {
	s.imageMu.Lock()
	for i := range s.images {
		if s.images[i].Status == StatusFree {
			s.destroyImageLocked(&s.images[i])
		}
	}
	s.imageMu.Unlock()

	chainMu.Lock()
	s.descendant = descendant
	chainMu.Unlock()
}

// descendantStartedPresenting reports whether a replacement of
// this swapchain has already submitted its first present.
func (s *Swapchain) descendantStartedPresenting() bool {
	chainMu.Lock()
	d := s.descendant
	chainMu.Unlock()
	return d != nil && d.started.Load()
}

// destroyImageLocked releases the backend resources of an image.
// The image status lock must be held.
func (s *Swapchain) destroyImageLocked(img *Image) {
	if img.Status == StatusInvalid {
		return
	}
	s.bk.DestroyImage(s, img)
	img.Status = StatusInvalid
}

// waitForPendingBuffers blocks until the in-flight images have
// cycled back. One pending image may already be latched by the
// compositor in a way this layer cannot observe, hence the -1.
func (s *Swapchain) waitForPendingBuffers() {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	s.imageMu.Lock()
	acquired := 0
	for i := range s.images {
		if s.images[i].Status == StatusAcquired {
			acquired++
		}
	}
	wait := len(s.images) - acquired - 1
	s.imageMu.Unlock()

	for ; wait > 0; wait-- {
		s.waitForFreeBuffer(Forever)
	}
}

// Destroy drains and destroys the swapchain.
//
// It blocks until either the swapchain's replacement has performed
// its first present, or, if there is none, until the swapchain's
// own in-flight images have drained. The page flip goroutine is
// then stopped and joined and every image is released through the
// backend. Destroying a swapchain twice is a caller error.
func (s *Swapchain) Destroy() {
	if s.descendantStartedPresenting() {
		// Do not release anything before the descendant's
		// first present is on screen.
		chainMu.Lock()
		d := s.descendant
		chainMu.Unlock()
		<-d.startPresent
	} else if s.stickyErr() == nil {
		s.waitForPendingBuffers()
	}

	if s.queue != nil {
		// Let in-flight sync submissions finish signaling.
		if err := s.queue.WaitIdle(); err != nil {
			logger().Warn("queue drain failed during swapchain teardown", zap.Error(err))
		}
	}

	if s.flipDefined {
		s.flipRun.Store(false)
		<-s.flipDone
	}

	chainMu.Lock()
	if s.descendant != nil {
		s.descendant.ancestor = nil
	}
	if s.ancestor != nil {
		s.ancestor.descendant = nil
	}
	s.descendant, s.ancestor = nil, nil
	chainMu.Unlock()

	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	for i := range s.images {
		img := &s.images[i]
		s.destroyImageLocked(img)
		if img.PresentSem != nil {
			img.PresentSem.Destroy()
			img.PresentSem = nil
		}
		if img.FenceWaitSem != nil {
			img.FenceWaitSem.Destroy()
			img.FenceWaitSem = nil
		}
	}
}
