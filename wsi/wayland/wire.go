// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

package wayland

import (
	"encoding/binary"
	"fmt"
)

// The wire format frames every message with an 8-byte header: the
// sender's object id, then the message size in the upper 16 bits of
// the second word and the opcode in the lower 16. Sizes include the
// header. Words use the compositor's native byte order; every
// platform this backend builds for is little-endian.

const hdrSize = 8

// order is the wire byte order.
var order = binary.LittleEndian

// request builds one outgoing message.
type request struct {
	buf []byte
	fds []int
}

// newRequest starts a message from object with the given opcode.
// The size field is patched by finish.
func newRequest(object uint32, opcode uint16) *request {
	r := &request{buf: make([]byte, hdrSize, hdrSize+16)}
	order.PutUint32(r.buf, object)
	order.PutUint16(r.buf[4:], opcode)
	return r
}

func (r *request) uint(v uint32) *request {
	r.buf = order.AppendUint32(r.buf, v)
	return r
}

func (r *request) int(v int32) *request {
	return r.uint(uint32(v))
}

// string appends a length-prefixed, NUL-terminated string padded to
// a 32-bit boundary.
func (r *request) string(s string) *request {
	r.uint(uint32(len(s) + 1))
	r.buf = append(r.buf, s...)
	r.buf = append(r.buf, 0)
	for len(r.buf)%4 != 0 {
		r.buf = append(r.buf, 0)
	}
	return r
}

// fd marks a file descriptor for out-of-band transfer. Descriptors
// take no space in the message body.
func (r *request) fd(fd int) *request {
	r.fds = append(r.fds, fd)
	return r
}

// finish patches the size field and returns the wire bytes.
func (r *request) finish() ([]byte, []int) {
	order.PutUint16(r.buf[6:], uint16(len(r.buf)))
	return r.buf, r.fds
}

// event is one incoming message, header already consumed.
type event struct {
	object uint32
	opcode uint16
	data   []byte
}

// parseHeader decodes a message header and returns the body size.
func parseHeader(b []byte) (object uint32, opcode uint16, size int) {
	object = order.Uint32(b)
	opcode = order.Uint16(b[4:])
	size = int(order.Uint16(b[6:]))
	return object, opcode, size
}

// reader walks an event body.
type reader struct {
	data []byte
	err  error
}

func (d *reader) uint() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.data) < 4 {
		d.err = fmt.Errorf("wayland: truncated event")
		return 0
	}
	v := order.Uint32(d.data)
	d.data = d.data[4:]
	return v
}

func (d *reader) int() int32 {
	return int32(d.uint())
}

// string reads a length-prefixed string and skips its padding.
func (d *reader) string() string {
	n := int(d.uint())
	if d.err != nil {
		return ""
	}
	pad := (n + 3) &^ 3
	if n < 1 || len(d.data) < pad {
		d.err = fmt.Errorf("wayland: truncated event string")
		return ""
	}
	s := string(d.data[:n-1]) // drop the NUL
	d.data = d.data[pad:]
	return s
}
