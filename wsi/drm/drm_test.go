// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

package drm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gviegas/present/driver"
)

// TestIoctlRequests pins the computed request numbers to the values
// the kernel headers define; a drifting struct layout shows up here.
func TestIoctlRequests(t *testing.T) {
	for _, c := range [...]struct {
		desc string
		have uintptr
		want uintptr
	}{
		{"get resources", ioctlModeGetResources, 0xc04064a0},
		{"get crtc", ioctlModeGetCrtc, 0xc06864a1},
		{"set crtc", ioctlModeSetCrtc, 0xc06864a2},
		{"get encoder", ioctlModeGetEncoder, 0xc01464a6},
		{"get connector", ioctlModeGetConnector, 0xc05064a7},
		{"add fb", ioctlModeAddFb, 0xc01c64ae},
		{"rm fb", ioctlModeRmFb, 0xc00464af},
		{"page flip", ioctlModePageFlip, 0xc01864b0},
		{"create dumb", ioctlModeCreateDumb, 0xc02064b2},
		{"map dumb", ioctlModeMapDumb, 0xc01064b3},
		{"destroy dumb", ioctlModeDestroyDumb, 0xc00464b4},
	} {
		if c.have != c.want {
			t.Errorf("%s:\nhave %#x\nwant %#x", c.desc, c.have, c.want)
		}
	}
}

func putEvent(b []byte, typ uint32, payload []byte) []byte {
	b = order.AppendUint32(b, typ)
	b = order.AppendUint32(b, uint32(eventHdrSize+len(payload)))
	return append(b, payload...)
}

func TestParseEvents(t *testing.T) {
	var b []byte
	// A vblank event this backend never requests.
	b = putEvent(b, 0x01, make([]byte, 16))
	// Two flip completions.
	b = putEvent(b, eventFlipComplete, order.AppendUint64(nil, 7))
	payload := order.AppendUint64(nil, 9)
	payload = append(payload, make([]byte, 8)...) // timestamps
	b = putEvent(b, eventFlipComplete, payload)
	// A partial event split across reads.
	tail := putEvent(nil, eventFlipComplete, order.AppendUint64(nil, 11))
	b = append(b, tail[:5]...)

	flips, rest, err := parseEvents(b)
	if err != nil {
		t.Fatalf("parseEvents failed: %v", err)
	}
	if diff := cmp.Diff([]uint64{7, 9}, flips); diff != "" {
		t.Fatalf("flip user data mismatch:\n%s", diff)
	}
	if diff := cmp.Diff(tail[:5], rest); diff != "" {
		t.Fatalf("unconsumed tail mismatch:\n%s", diff)
	}

	// Completing the split event yields the last flip.
	flips, rest, err = parseEvents(append(rest, tail[5:]...))
	if err != nil {
		t.Fatalf("parseEvents failed: %v", err)
	}
	if diff := cmp.Diff([]uint64{11}, flips); diff != "" {
		t.Fatalf("flip user data mismatch:\n%s", diff)
	}
	if len(rest) != 0 {
		t.Fatalf("unconsumed tail:\nhave %d bytes\nwant 0", len(rest))
	}
}

func TestParseEventsMalformed(t *testing.T) {
	b := order.AppendUint32(nil, eventFlipComplete)
	b = order.AppendUint32(b, 4) // length smaller than the header
	if _, _, err := parseEvents(b); !errors.Is(err, errMalformedEvent) {
		t.Fatalf("parseEvents:\nhave %v\nwant %v", err, errMalformedEvent)
	}
	// A flip completion too short for its user data.
	b = order.AppendUint32(nil, eventFlipComplete)
	b = order.AppendUint32(b, 12)
	b = append(b, make([]byte, 4)...)
	if _, _, err := parseEvents(b); !errors.Is(err, errMalformedEvent) {
		t.Fatalf("parseEvents:\nhave %v\nwant %v", err, errMalformedEvent)
	}
}

func TestFillScanout(t *testing.T) {
	info := driver.ImageInfo{Width: 2, Height: 2, Format: driver.FRGBA8}
	src := []byte{
		1, 2, 3, 4, 5, 6, 7, 8,
		9, 10, 11, 12, 13, 14, 15, 16,
	}
	// A pitch wider than the row exercises the stride handling.
	dumb := &dumbBuffer{pitch: 12, buf: make([]byte, 24)}
	fillScanout(dumb, src, info)
	want := []byte{
		3, 2, 1, 4, 7, 6, 5, 8, 0, 0, 0, 0,
		11, 10, 9, 12, 15, 14, 13, 16, 0, 0, 0, 0,
	}
	if diff := cmp.Diff(want, dumb.buf); diff != "" {
		t.Fatalf("scanout pixels mismatch:\n%s", diff)
	}
}
