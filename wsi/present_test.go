// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gviegas/present/driver"
)

func TestPresentCycle(t *testing.T) {
	s, b := newTestSwapchain(t, testConfig())
	sem, err := b.dev.NewSemaphore()
	if err != nil {
		t.Fatalf("NewSemaphore failed: %v", err)
	}
	q := b.dev.Queue()
	const frames = 12
	var want []PendingPresent
	for i := 0; i < frames; i++ {
		idx, err := s.AcquireNextImage(Forever, sem, nil)
		if err != nil {
			t.Fatalf("frame %d: AcquireNextImage failed: %v", i, err)
		}
		info := PresentInfo{ImageIndex: idx, Waits: []driver.Semaphore{sem}}
		if err := s.QueuePresent(q, info); err != nil {
			t.Fatalf("frame %d: QueuePresent failed: %v", i, err)
		}
		want = append(want, PendingPresent{ImageIndex: idx})
	}
	waitPresents(t, b, frames)
	s.Destroy()
	if diff := cmp.Diff(want, b.presentOrder()); diff != "" {
		t.Fatalf("present order mismatch:\n%s", diff)
	}
	if created, allocated, destroyed := b.counts(); created != 3 || allocated != 3 || destroyed != 3 {
		t.Fatalf("image accounting:\nhave %d created, %d allocated, %d destroyed\nwant 3, 3, 3",
			created, allocated, destroyed)
	}
}

func TestPresentOrderAsync(t *testing.T) {
	s, b := newTestSwapchain(t, testConfig())
	b.completeDelay = 3 * time.Millisecond
	sem, _ := b.dev.NewSemaphore()
	q := b.dev.Queue()
	const frames = 12
	var want []PendingPresent
	for i := 0; i < frames; i++ {
		idx, err := s.AcquireNextImage(Forever, sem, nil)
		if err != nil {
			t.Fatalf("frame %d: AcquireNextImage failed: %v", i, err)
		}
		info := PresentInfo{ImageIndex: idx, Waits: []driver.Semaphore{sem}}
		if err := s.QueuePresent(q, info); err != nil {
			t.Fatalf("frame %d: QueuePresent failed: %v", i, err)
		}
		want = append(want, PendingPresent{ImageIndex: idx})
	}
	waitPresents(t, b, frames)
	s.Destroy()
	if diff := cmp.Diff(want, b.presentOrder()); diff != "" {
		t.Fatalf("present order mismatch:\n%s", diff)
	}
}

func TestPresentNotAcquired(t *testing.T) {
	s, b := newTestSwapchain(t, testConfig())
	defer s.Destroy()
	q := b.dev.Queue()
	for _, i := range [...]int{-1, 0, 99} {
		err := s.QueuePresent(q, PresentInfo{ImageIndex: i})
		if !errors.Is(err, ErrNotAcquired) {
			t.Fatalf("QueuePresent(%d):\nhave %v\nwant %v", i, err, ErrNotAcquired)
		}
	}
}

func TestPresentIDAndTiming(t *testing.T) {
	cfg := testConfig()
	cfg.PresentID = true
	cfg.PresentTiming = true
	s, b := newTestSwapchain(t, cfg)
	defer s.Destroy()
	pid, ok := ExtOf[*ExtPresentID](s)
	if !ok {
		t.Fatal("present-id capability not attached")
	}
	timing, ok := ExtOf[*ExtPresentTiming](s)
	if !ok {
		t.Fatal("present-timing capability not attached")
	}

	sem, _ := b.dev.NewSemaphore()
	q := b.dev.Queue()
	for _, id := range [...]uint64{5, 6, 7} {
		idx, err := s.AcquireNextImage(Forever, sem, nil)
		if err != nil {
			t.Fatalf("AcquireNextImage failed: %v", err)
		}
		info := PresentInfo{ImageIndex: idx, PresentID: id, Waits: []driver.Semaphore{sem}}
		if err := s.QueuePresent(q, info); err != nil {
			t.Fatalf("QueuePresent failed: %v", err)
		}
	}
	if err := pid.Wait(7, 5*time.Second); err != nil {
		t.Fatalf("Wait(7) failed: %v", err)
	}
	if x := pid.Last(); x < 7 {
		t.Fatalf("Last:\nhave %d\nwant >= 7", x)
	}
	if err := pid.Wait(9, 10*time.Millisecond); !errors.Is(err, driver.ErrTimeout) {
		t.Fatalf("Wait(9):\nhave %v\nwant %v", err, driver.ErrTimeout)
	}

	// Completion timestamps land moments after the identifier is
	// recorded; poll for the last entry.
	var got []PresentTiming
	for deadline := time.Now().Add(5 * time.Second); len(got) < 3; {
		got = append(got, timing.Timings()...)
		if time.Now().After(deadline) {
			t.Fatalf("timing entries:\nhave %d\nwant 3", len(got))
		}
		time.Sleep(time.Millisecond)
	}
	var ids []uint64
	for _, x := range got {
		if x.CompleteTime.Before(x.SubmitTime) {
			t.Fatalf("timing %d completed before submission", x.PresentID)
		}
		ids = append(ids, x.PresentID)
	}
	if diff := cmp.Diff([]uint64{5, 6, 7}, ids); diff != "" {
		t.Fatalf("timing identifiers mismatch:\n%s", diff)
	}
	if ts := timing.Timings(); len(ts) != 0 {
		t.Fatalf("Timings after drain:\nhave %d entries\nwant 0", len(ts))
	}
}

func TestPresentFence(t *testing.T) {
	s, b := newTestSwapchain(t, testConfig())
	defer s.Destroy()
	sem, _ := b.dev.NewSemaphore()
	fence, err := b.dev.NewFence(false)
	if err != nil {
		t.Fatalf("NewFence failed: %v", err)
	}
	idx, err := s.AcquireNextImage(Forever, sem, nil)
	if err != nil {
		t.Fatalf("AcquireNextImage failed: %v", err)
	}
	info := PresentInfo{ImageIndex: idx, Waits: []driver.Semaphore{sem}, Fence: fence}
	if err := s.QueuePresent(b.dev.Queue(), info); err != nil {
		t.Fatalf("QueuePresent failed: %v", err)
	}
	if err := fence.Wait(5 * time.Second); err != nil {
		t.Fatalf("present fence wait failed: %v", err)
	}
}

func TestSharedDemand(t *testing.T) {
	cfg := testConfig()
	cfg.ImageCount = 1
	cfg.PresentMode = SharedDemand
	s, b := newTestSwapchain(t, cfg)
	sem, _ := b.dev.NewSemaphore()
	q := b.dev.Queue()
	idx, err := s.AcquireNextImage(Forever, sem, nil)
	if err != nil {
		t.Fatalf("AcquireNextImage failed: %v", err)
	}
	// Demand refresh keeps the image with the application: present,
	// then present again without another acquisition.
	for i := 0; i < 2; i++ {
		info := PresentInfo{ImageIndex: idx, Waits: []driver.Semaphore{sem}}
		if err := s.QueuePresent(q, info); err != nil {
			t.Fatalf("present %d failed: %v", i, err)
		}
		if x := statusOf(s, idx); x != StatusAcquired {
			t.Fatalf("status after present %d:\nhave %v\nwant %v", i, x, StatusAcquired)
		}
		signal(t, q, sem)
	}
	if n := len(b.presentOrder()); n != 2 {
		t.Fatalf("presents:\nhave %d\nwant 2", n)
	}
	s.Destroy()
}

func TestSharedContinuous(t *testing.T) {
	cfg := testConfig()
	cfg.ImageCount = 1
	cfg.PresentMode = SharedContinuous
	s, b := newTestSwapchain(t, cfg)
	sem, _ := b.dev.NewSemaphore()
	idx, err := s.AcquireNextImage(Forever, sem, nil)
	if err != nil {
		t.Fatalf("AcquireNextImage failed: %v", err)
	}
	info := PresentInfo{ImageIndex: idx, Waits: []driver.Semaphore{sem}}
	if err := s.QueuePresent(b.dev.Queue(), info); err != nil {
		t.Fatalf("QueuePresent failed: %v", err)
	}
	// One request, many refreshes.
	for deadline := time.Now().Add(5 * time.Second); len(b.presentOrder()) < 3; {
		if time.Now().After(deadline) {
			t.Fatalf("continuous refresh presents:\nhave %d\nwant >= 3", len(b.presentOrder()))
		}
		time.Sleep(time.Millisecond)
	}
	if x := statusOf(s, idx); x != StatusPresented {
		t.Fatalf("status under continuous refresh:\nhave %v\nwant %v", x, StatusPresented)
	}
	s.Destroy()
}

func TestSwitchMode(t *testing.T) {
	cfg := testConfig()
	cfg.PresentModes = []PresentMode{Fifo, Immediate}
	s, b := newTestSwapchain(t, cfg)
	defer s.Destroy()
	sem, _ := b.dev.NewSemaphore()
	q := b.dev.Queue()
	idx, err := s.AcquireNextImage(Forever, sem, nil)
	if err != nil {
		t.Fatalf("AcquireNextImage failed: %v", err)
	}

	// A mode outside the allowed set is rejected and the image
	// remains with the application.
	info := PresentInfo{ImageIndex: idx, Waits: []driver.Semaphore{sem}, SwitchMode: true, Mode: Mailbox}
	if err := s.QueuePresent(q, info); !errors.Is(err, ErrPresentMode) {
		t.Fatalf("switch to disallowed mode:\nhave %v\nwant %v", err, ErrPresentMode)
	}
	if x := s.PresentMode(); x != Fifo {
		t.Fatalf("mode after rejected switch:\nhave %v\nwant %v", x, Fifo)
	}
	if x := statusOf(s, idx); x != StatusAcquired {
		t.Fatalf("status after rejected switch:\nhave %v\nwant %v", x, StatusAcquired)
	}

	info.Mode = Immediate
	if err := s.QueuePresent(q, info); err != nil {
		t.Fatalf("QueuePresent failed: %v", err)
	}
	if x := s.PresentMode(); x != Immediate {
		t.Fatalf("mode after switch:\nhave %v\nwant %v", x, Immediate)
	}
}

func TestSwitchModeNoMaintenance(t *testing.T) {
	s, b := newTestSwapchain(t, testConfig())
	defer s.Destroy()
	sem, _ := b.dev.NewSemaphore()
	idx, err := s.AcquireNextImage(Forever, sem, nil)
	if err != nil {
		t.Fatalf("AcquireNextImage failed: %v", err)
	}
	info := PresentInfo{ImageIndex: idx, Waits: []driver.Semaphore{sem}, SwitchMode: true, Mode: Immediate}
	if err := s.QueuePresent(b.dev.Queue(), info); !errors.Is(err, ErrPresentMode) {
		t.Fatalf("switch without maintenance:\nhave %v\nwant %v", err, ErrPresentMode)
	}
	if err := s.ReleaseImages([]int{idx}); err != nil {
		t.Fatalf("ReleaseImages failed: %v", err)
	}
}
