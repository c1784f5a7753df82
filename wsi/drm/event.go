// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

package drm

import (
	"encoding/binary"
	"errors"
)

// Events read from the card node are framed by a type/length
// header; flip completions carry the user data of the page flip
// request in their payload.
const (
	eventHdrSize  = 8
	flipEventSize = 24
)

var errMalformedEvent = errors.New("drm: malformed event")

// order is the event byte order (the kernel's native order).
var order = binary.LittleEndian

// parseEvents splits a raw event stream into flip-completion user
// data, skipping event types this backend did not request. It
// returns the unconsumed tail, which holds a partial event to be
// completed by the next read.
func parseEvents(b []byte) (flips []uint64, rest []byte, err error) {
	for len(b) >= eventHdrSize {
		typ := order.Uint32(b)
		length := int(order.Uint32(b[4:]))
		if length < eventHdrSize {
			return flips, nil, errMalformedEvent
		}
		if len(b) < length {
			break
		}
		if typ == eventFlipComplete {
			if length < eventHdrSize+8 {
				return flips, nil, errMalformedEvent
			}
			flips = append(flips, order.Uint64(b[eventHdrSize:]))
		}
		b = b[length:]
	}
	return flips, b, nil
}
