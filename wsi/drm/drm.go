// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

// Package drm implements a presentation backend on top of the
// kernel mode-setting API, presenting directly to a display
// without a windowing system. Images are backed by dumb buffers
// and presented with page flips; the flip completion events drive
// image reclamation.
package drm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl direction and encoding, as in the kernel's ioctl.h.
const (
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	drmIoctlBase = 'd'
)

// ioc encodes an ioctl request number.
func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | drmIoctlBase<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

// iowr encodes a read-write ioctl request number.
func iowr(nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, nr, size)
}

// Mode-setting ioctl requests.
var (
	ioctlModeGetResources = iowr(0xa0, unsafe.Sizeof(modeCardRes{}))
	ioctlModeGetCrtc      = iowr(0xa1, unsafe.Sizeof(modeCrtc{}))
	ioctlModeSetCrtc      = iowr(0xa2, unsafe.Sizeof(modeCrtc{}))
	ioctlModeGetEncoder   = iowr(0xa6, unsafe.Sizeof(modeGetEncoder{}))
	ioctlModeGetConnector = iowr(0xa7, unsafe.Sizeof(modeGetConnector{}))
	ioctlModeAddFb        = iowr(0xae, unsafe.Sizeof(modeFbCmd{}))
	ioctlModeRmFb         = iowr(0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModePageFlip     = iowr(0xb0, unsafe.Sizeof(modeCrtcPageFlip{}))
	ioctlModeCreateDumb   = iowr(0xb2, unsafe.Sizeof(modeCreateDumb{}))
	ioctlModeMapDumb      = iowr(0xb3, unsafe.Sizeof(modeMapDumb{}))
	ioctlModeDestroyDumb  = iowr(0xb4, unsafe.Sizeof(modeDestroyDumb{}))
)

const (
	connected = 1

	pageFlipEvent = 0x1

	// eventFlipComplete is the type of the completion event a
	// page flip with pageFlipEvent set generates.
	eventFlipComplete = 0x02
)

// Kernel ABI structures. Layout must match the C definitions.
type (
	modeCardRes struct {
		fbIDPtr         uint64
		crtcIDPtr       uint64
		connectorIDPtr  uint64
		encoderIDPtr    uint64
		countFbs        uint32
		countCrtcs      uint32
		countConnectors uint32
		countEncoders   uint32
		minWidth        uint32
		maxWidth        uint32
		minHeight       uint32
		maxHeight       uint32
	}

	modeInfo struct {
		clock      uint32
		hdisplay   uint16
		hsyncStart uint16
		hsyncEnd   uint16
		htotal     uint16
		hskew      uint16
		vdisplay   uint16
		vsyncStart uint16
		vsyncEnd   uint16
		vtotal     uint16
		vscan      uint16
		vrefresh   uint32
		flags      uint32
		typ        uint32
		name       [32]byte
	}

	modeGetConnector struct {
		encodersPtr     uint64
		modesPtr        uint64
		propsPtr        uint64
		propValuesPtr   uint64
		countModes      uint32
		countProps      uint32
		countEncoders   uint32
		encoderID       uint32
		connectorID     uint32
		connectorType   uint32
		connectorTypeID uint32
		connection      uint32
		mmWidth         uint32
		mmHeight        uint32
		subpixel        uint32
		pad             uint32
	}

	modeGetEncoder struct {
		encoderID      uint32
		encoderType    uint32
		crtcID         uint32
		possibleCrtcs  uint32
		possibleClones uint32
	}

	modeCrtc struct {
		setConnectorsPtr uint64
		countConnectors  uint32
		crtcID           uint32
		fbID             uint32
		x                uint32
		y                uint32
		gammaSize        uint32
		modeValid        uint32
		mode             modeInfo
	}

	modeFbCmd struct {
		fbID   uint32
		width  uint32
		height uint32
		pitch  uint32
		bpp    uint32
		depth  uint32
		handle uint32
	}

	modeCrtcPageFlip struct {
		crtcID   uint32
		fbID     uint32
		flags    uint32
		reserved uint32
		userData uint64
	}

	modeCreateDumb struct {
		height uint32
		width  uint32
		bpp    uint32
		flags  uint32
		handle uint32
		pitch  uint32
		size   uint64
	}

	modeMapDumb struct {
		handle uint32
		pad    uint32
		offset uint64
	}

	modeDestroyDumb struct {
		handle uint32
	}
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch e {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return e
		}
	}
}

// Device is an open mode-setting node with a connected display
// picked out: one connector, its preferred mode and a crtc.
type Device struct {
	fd        int
	crtc      uint32
	connector uint32
	mode      modeInfo
}

// Open opens a card node, typically "/dev/dri/card0", and selects
// the first connected connector and its preferred mode.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("drm: open %s: %w", path, err)
	}
	d := &Device{fd: fd}
	if err := d.pickOutput(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return d, nil
}

// Close releases the device.
func (d *Device) Close() {
	unix.Close(d.fd)
}

// Extent returns the display mode's resolution.
func (d *Device) Extent() (int, int) {
	return int(d.mode.hdisplay), int(d.mode.vdisplay)
}

// pickOutput enumerates connectors and latches onto the first one
// with a display attached.
func (d *Device) pickOutput() error {
	var res modeCardRes
	if err := ioctl(d.fd, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return fmt.Errorf("drm: get resources: %w", err)
	}
	if res.countConnectors == 0 {
		return errors.New("drm: no connectors")
	}
	connectors := make([]uint32, res.countConnectors)
	res = modeCardRes{
		connectorIDPtr:  uint64(uintptr(unsafe.Pointer(&connectors[0]))),
		countConnectors: uint32(len(connectors)),
	}
	if err := ioctl(d.fd, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return fmt.Errorf("drm: get resources: %w", err)
	}

	for _, id := range connectors {
		conn := modeGetConnector{connectorID: id}
		if err := ioctl(d.fd, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
			continue
		}
		if conn.connection != connected || conn.countModes == 0 {
			continue
		}
		modes := make([]modeInfo, conn.countModes)
		conn = modeGetConnector{
			connectorID: id,
			modesPtr:    uint64(uintptr(unsafe.Pointer(&modes[0]))),
			countModes:  uint32(len(modes)),
		}
		if err := ioctl(d.fd, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
			continue
		}
		enc := modeGetEncoder{encoderID: conn.encoderID}
		if err := ioctl(d.fd, ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
			continue
		}
		if enc.crtcID == 0 {
			continue
		}
		d.connector = id
		d.crtc = enc.crtcID
		d.mode = modes[0]
		return nil
	}
	return errors.New("drm: no connected display")
}

// dumbBuffer is one scanout-capable buffer.
type dumbBuffer struct {
	handle uint32
	pitch  uint32
	size   uint64
	fbID   uint32
	buf    []byte
}

// createDumb allocates, maps and registers a dumb buffer as a
// framebuffer.
func (d *Device) createDumb(width, height int) (*dumbBuffer, error) {
	create := modeCreateDumb{
		width:  uint32(width),
		height: uint32(height),
		bpp:    32,
	}
	if err := ioctl(d.fd, ioctlModeCreateDumb, unsafe.Pointer(&create)); err != nil {
		return nil, fmt.Errorf("drm: create dumb buffer: %w", err)
	}
	b := &dumbBuffer{handle: create.handle, pitch: create.pitch, size: create.size}

	fb := modeFbCmd{
		width:  uint32(width),
		height: uint32(height),
		pitch:  create.pitch,
		bpp:    32,
		depth:  24,
		handle: create.handle,
	}
	if err := ioctl(d.fd, ioctlModeAddFb, unsafe.Pointer(&fb)); err != nil {
		d.destroyDumb(b)
		return nil, fmt.Errorf("drm: add framebuffer: %w", err)
	}
	b.fbID = fb.fbID

	mp := modeMapDumb{handle: create.handle}
	if err := ioctl(d.fd, ioctlModeMapDumb, unsafe.Pointer(&mp)); err != nil {
		d.destroyDumb(b)
		return nil, fmt.Errorf("drm: map dumb buffer: %w", err)
	}
	buf, err := unix.Mmap(d.fd, int64(mp.offset), int(create.size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		d.destroyDumb(b)
		return nil, fmt.Errorf("drm: mmap dumb buffer: %w", err)
	}
	b.buf = buf
	return b, nil
}

// destroyDumb unmaps and releases a dumb buffer.
func (d *Device) destroyDumb(b *dumbBuffer) {
	if b.buf != nil {
		unix.Munmap(b.buf)
		b.buf = nil
	}
	if b.fbID != 0 {
		fbID := b.fbID
		ioctl(d.fd, ioctlModeRmFb, unsafe.Pointer(&fbID))
		b.fbID = 0
	}
	if b.handle != 0 {
		destroy := modeDestroyDumb{handle: b.handle}
		ioctl(d.fd, ioctlModeDestroyDumb, unsafe.Pointer(&destroy))
		b.handle = 0
	}
}

// setCrtc scans out fb on the device's output.
func (d *Device) setCrtc(fbID uint32) error {
	connector := d.connector
	crtc := modeCrtc{
		setConnectorsPtr: uint64(uintptr(unsafe.Pointer(&connector))),
		countConnectors:  1,
		crtcID:           d.crtc,
		fbID:             fbID,
		modeValid:        1,
		mode:             d.mode,
	}
	if err := ioctl(d.fd, ioctlModeSetCrtc, unsafe.Pointer(&crtc)); err != nil {
		return fmt.Errorf("drm: set crtc: %w", err)
	}
	return nil
}

// pageFlip schedules fb for the next vertical blank and requests a
// completion event carrying userData.
func (d *Device) pageFlip(fbID uint32, userData uint64) error {
	flip := modeCrtcPageFlip{
		crtcID:   d.crtc,
		fbID:     fbID,
		flags:    pageFlipEvent,
		userData: userData,
	}
	if err := ioctl(d.fd, ioctlModePageFlip, unsafe.Pointer(&flip)); err != nil {
		return fmt.Errorf("drm: page flip: %w", err)
	}
	return nil
}
