// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gviegas/present/driver"
)

func TestAddExt(t *testing.T) {
	var s Swapchain
	if s.AddExt(nil) {
		t.Fatal("AddExt(nil):\nhave true\nwant false")
	}
	if !s.AddExt(NewExtPresentID()) {
		t.Fatal("AddExt:\nhave false\nwant true")
	}
	if !s.AddExt(NewExtMaintenance([]PresentMode{Fifo})) {
		t.Fatal("AddExt:\nhave false\nwant true")
	}
	if n := len(s.exts); n != 2 {
		t.Fatalf("capability count:\nhave %d\nwant 2", n)
	}
	// Same name replaces in place.
	repl := NewExtMaintenance([]PresentMode{Fifo, Mailbox})
	s.AddExt(repl)
	if n := len(s.exts); n != 2 {
		t.Fatalf("capability count after replacement:\nhave %d\nwant 2", n)
	}
	ext, ok := ExtOf[*ExtMaintenance](&s)
	if !ok || ext != repl {
		t.Fatal("ExtOf did not return the replacement")
	}
	if _, ok := ExtOf[*ExtPresentTiming](&s); ok {
		t.Fatal("ExtOf:\nhave attached\nwant not attached")
	}
}

func TestDefaultExts(t *testing.T) {
	if exts := DefaultExts(&Config{}); len(exts) != 0 {
		t.Fatalf("DefaultExts of empty config:\nhave %d\nwant 0", len(exts))
	}
	cfg := Config{
		PresentModes:    []PresentMode{Fifo, Immediate},
		PresentID:       true,
		PresentTiming:   true,
		FrameBoundary:   true,
		CompressionRate: 4,
	}
	var names []string
	for _, e := range DefaultExts(&cfg) {
		names = append(names, e.ExtName())
	}
	want := []string{
		"swapchain_maintenance",
		"present_id",
		"present_timing",
		"frame_boundary",
		"image_compression_control",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("capability names mismatch:\n%s", diff)
	}
}

func TestMaintenanceModes(t *testing.T) {
	modes := []PresentMode{Fifo, Mailbox}
	ext := NewExtMaintenance(modes)
	modes[0] = Immediate
	if diff := cmp.Diff([]PresentMode{Fifo, Mailbox}, ext.Modes()); diff != "" {
		t.Fatalf("allowed set mismatch:\n%s", diff)
	}
	if err := ext.validate(Mailbox); err != nil {
		t.Fatalf("validate(Mailbox):\nhave %v\nwant nil", err)
	}
	if err := ext.validate(Immediate); !errors.Is(err, ErrPresentMode) {
		t.Fatalf("validate(Immediate):\nhave %v\nwant %v", err, ErrPresentMode)
	}
}

func TestPresentTimingBounds(t *testing.T) {
	ext := NewExtPresentTiming()
	now := time.Now()
	for i := 0; i < maxTimings; i++ {
		if err := ext.add(uint64(i+1), now); err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
	}
	if err := ext.add(99, now); !errors.Is(err, driver.ErrNoHostMemory) {
		t.Fatalf("add beyond bound:\nhave %v\nwant %v", err, driver.ErrNoHostMemory)
	}
	// Completing with nothing pending is a no-op.
	drained := NewExtPresentTiming()
	drained.complete(now)
	if ts := drained.Timings(); len(ts) != 0 {
		t.Fatalf("Timings:\nhave %d entries\nwant 0", len(ts))
	}
	for i := 0; i < maxTimings; i++ {
		ext.complete(now.Add(time.Duration(i)))
	}
	ts := ext.Timings()
	if len(ts) != maxTimings {
		t.Fatalf("Timings:\nhave %d entries\nwant %d", len(ts), maxTimings)
	}
	if ts[0].PresentID != 1 || ts[maxTimings-1].PresentID != maxTimings {
		t.Fatalf("timing order:\nhave %d..%d\nwant 1..%d",
			ts[0].PresentID, ts[maxTimings-1].PresentID, maxTimings)
	}
}

func TestFrameBoundary(t *testing.T) {
	var ext ExtFrameBoundary
	if x := ext.FrameID(); x != 0 {
		t.Fatalf("FrameID:\nhave %d\nwant 0", x)
	}
	fb := ext.payload(nil)
	if fb.FrameID != 1 {
		t.Fatalf("frame identifier:\nhave %d\nwant 1", fb.FrameID)
	}
	if x := ext.payload(nil).FrameID; x != 2 {
		t.Fatalf("frame identifier:\nhave %d\nwant 2", x)
	}
	if x := ext.FrameID(); x != 2 {
		t.Fatalf("FrameID:\nhave %d\nwant 2", x)
	}
}
