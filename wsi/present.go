// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gviegas/present/driver"
)

// semaTimeout bounds each wait of the page flip goroutine so it
// can observe the stop flag and retry payload waits with logging.
const semaTimeout = 250 * time.Millisecond

// maxPayloadRetries caps the payload wait retries of a single
// present before the failure degrades to the sticky error.
const maxPayloadRetries = 40

// payloadWaitTimeout bounds the synchronous payload wait performed
// when no page flip goroutine exists and an image is rebound to a
// new present payload.
const payloadWaitTimeout = time.Second

// PresentInfo describes one present request.
type PresentInfo struct {
	// ImageIndex is the acquired image to present.
	ImageIndex int

	// PresentID, when non-zero, identifies this present for the
	// present-id and present-timing capabilities.
	PresentID uint64

	// Waits, when non-empty, overrides the image's
	// present-submission semaphore as the set the present
	// payload waits on.
	Waits []driver.Semaphore

	// Fence, when non-nil, is signaled after the image's
	// present payload completes. Requires no capability, but
	// chains an extra sync submission.
	Fence driver.Fence

	// SwitchMode requests switching the swapchain to Mode
	// before presenting. Requires the maintenance capability
	// and Mode must be in the allowed set.
	SwitchMode bool
	Mode       PresentMode

	// SkipFrameBoundary suppresses the frame boundary payload
	// for this present when the capability is attached.
	SkipFrameBoundary bool
}

// QueuePresent submits an acquired image for presentation.
//
// The request is served in FIFO submission order relative to other
// presents of the same swapchain. QueuePresent returns ErrOutOfDate
// once a replacement swapchain has started presenting; the image
// is then reclaimed as free without reaching the screen.
func (s *Swapchain) QueuePresent(q driver.Queue, info PresentInfo) error {
	if info.ImageIndex < 0 || info.ImageIndex >= len(s.images) {
		return fmt.Errorf("wsi: present of image %d: %w", info.ImageIndex, ErrNotAcquired)
	}
	img := &s.images[info.ImageIndex]
	s.imageMu.Lock()
	held := img.Status == StatusAcquired
	s.imageMu.Unlock()
	if !held {
		return fmt.Errorf("wsi: present of image %d: %w", info.ImageIndex, ErrNotAcquired)
	}

	if ext, ok := ExtOf[*ExtPresentTiming](s); ok {
		if err := ext.add(info.PresentID, time.Now()); err != nil {
			return err
		}
	}

	if info.SwitchMode {
		ext, ok := ExtOf[*ExtMaintenance](s)
		if !ok {
			logger().Error("present mode switch without the maintenance capability",
				zap.Stringer("mode", info.Mode))
			return ErrPresentMode
		}
		if err := ext.validate(info.Mode); err != nil {
			return err
		}
		s.mode.Store(int32(info.Mode))
	}

	waits := info.Waits
	if len(waits) == 0 {
		waits = []driver.Semaphore{img.PresentSem}
	}

	if !s.flipDefined {
		// Without a page flip goroutine the present below runs
		// inline, but the image may still carry the payload of
		// its previous present; the same image must not hold
		// two overlapping payloads.
		if err := s.bk.WaitPresent(s, img, payloadWaitTimeout); err != nil {
			logger().Error("wait for prior present payload failed", zap.Error(err))
			return err
		}
	}

	var extra any
	if !info.SkipFrameBoundary {
		if ext, ok := ExtOf[*ExtFrameBoundary](s); ok {
			extra = ext.payload(img.Handle)
		}
	}

	var signals []driver.Semaphore
	if info.Fence != nil {
		signals = []driver.Semaphore{img.FenceWaitSem}
	}
	if err := s.bk.SetPresentPayload(s, img, q, waits, signals, extra); err != nil {
		logger().Error("binding present payload failed", zap.Error(err))
		return err
	}
	if info.Fence != nil {
		// Chain the caller's present fence after the payload
		// through the image's fence-wait semaphore.
		if err := q.Submit([]driver.Semaphore{img.FenceWaitSem}, nil, info.Fence); err != nil {
			return err
		}
	}

	return s.notifyPresentationEngine(PendingPresent{
		ImageIndex: info.ImageIndex,
		PresentID:  info.PresentID,
	})
}

// notifyPresentationEngine appends the request to the pending ring
// and wakes the page flip goroutine, or presents inline when none
// exists.
func (s *Swapchain) notifyPresentationEngine(req PendingPresent) error {
	s.imageMu.Lock()
	// If the descendant has started presenting, release the
	// image instead; the windowing system no longer shows this
	// swapchain's content. The status change is enough, no
	// present happens.
	if s.descendantStartedPresenting() {
		s.images[req.ImageIndex].Status = StatusFree
		s.imageMu.Unlock()
		s.freeSema.Post()
		return ErrOutOfDate
	}

	s.images[req.ImageIndex].Status = StatusPending
	s.started.Store(true)

	if s.flipDefined {
		if !s.pending.Push(req) {
			// The ring holds one record per image; a full
			// ring means an image was presented twice.
			panic("wsi: pending ring overflow")
		}
		s.imageMu.Unlock()
		s.flipSema.Post()
		return nil
	}
	s.imageMu.Unlock()

	s.callPresent(req)
	return nil
}

// callPresent invokes the backend present operation.
// On the swapchain's first present it first drains the ancestor's
// pending buffers and then opens the start-present gate so the
// ancestor's teardown can proceed.
func (s *Swapchain) callPresent(req PendingPresent) {
	if s.firstPresent {
		chainMu.Lock()
		anc := s.ancestor
		chainMu.Unlock()
		if anc != nil {
			anc.waitForPendingBuffers()
		}
		s.startOnce.Do(func() { close(s.startPresent) })
		s.firstPresent = false
	}
	s.bk.Present(s, req)
}

// pageFlip is the swapchain's scheduling loop. It runs for the
// lifetime of the swapchain and serializes delivery of pending
// images to the backend in FIFO submission order.
func (s *Swapchain) pageFlip() {
	defer close(s.flipDone)
	for s.flipRun.Load() {
		var req PendingPresent
		if s.presentMode() == SharedContinuous {
			// A continuous-refresh application makes a
			// single present request; the wake signal fires
			// only for the very first frame. The one shared
			// image is presented repeatedly.
			if s.firstPresent && !s.flipSema.Wait(semaTimeout) {
				continue
			}
		} else {
			if !s.flipSema.Wait(semaTimeout) {
				continue
			}
			s.imageMu.Lock()
			r, ok := s.pending.Pop()
			s.imageMu.Unlock()
			if !ok {
				continue
			}
			req = r
		}

		if err := s.waitPendingPayload(req.ImageIndex); err != nil {
			// Keep running: pending images must still
			// drain, or their buffers leak. The error
			// surfaces on the next acquisition.
			s.SetError(err)
			s.imageMu.Lock()
			s.images[req.ImageIndex].Status = StatusFree
			s.imageMu.Unlock()
			s.freeSema.Post()
			continue
		}
		s.callPresent(req)
	}
}

// waitPendingPayload waits until the image's present payload
// completed, retrying bounded waits with logging. Repeated
// timeouts degrade to a hard failure rather than hanging teardown
// forever.
func (s *Swapchain) waitPendingPayload(index int) error {
	img := &s.images[index]
	for n := 0; ; n++ {
		err := s.bk.WaitPresent(s, img, semaTimeout)
		if !errors.Is(err, driver.ErrTimeout) {
			return err
		}
		if n == maxPayloadRetries {
			logger().Error("giving up waiting for image present payload",
				zap.Int("image", index))
			return driver.ErrDeviceLost
		}
		logger().Warn("timeout waiting for image present payload, retrying",
			zap.Int("image", index))
	}
}
