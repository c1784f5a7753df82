// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

// Package wayland implements a presentation backend that speaks the
// Wayland protocol directly over the compositor socket. Swapchain
// images are mirrored into shared memory pools and presented with
// surface attach/commit; the compositor's buffer release events
// drive image reclamation.
package wayland

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gviegas/present/wsi"
)

// Core protocol object ids and opcodes.
const (
	displayID = 1

	opDisplaySync        = 0
	opDisplayGetRegistry = 1
	evDisplayError       = 0
	evDisplayDeleteID    = 1

	opRegistryBind   = 0
	evRegistryGlobal = 0

	evCallbackDone = 0

	opCompositorCreateSurface = 0

	opShmCreatePool = 0

	opShmPoolCreateBuffer = 0
	opShmPoolDestroy      = 1

	opBufferDestroy = 0
	evBufferRelease = 0

	opSurfaceDestroy = 0
	opSurfaceAttach  = 1
	opSurfaceDamage  = 2
	opSurfaceFrame   = 3
	opSurfaceCommit  = 6

	opWmBaseGetXdgSurface = 2
	opWmBasePong          = 3
	evWmBasePing          = 0

	opXdgSurfaceDestroy      = 0
	opXdgSurfaceGetToplevel  = 1
	opXdgSurfaceAckConfigure = 4
	evXdgSurfaceConfigure    = 0

	opToplevelDestroy  = 0
	opToplevelSetTitle = 2
	evToplevelConfigure = 0
	evToplevelClose     = 1
)

// wl_shm pixel formats.
const (
	shmARGB8888 = 0
	shmXRGB8888 = 1
)

type handler func(ev event)

// Display is a connection to a Wayland compositor with the globals
// a presentation backend needs already bound.
type Display struct {
	fd int

	// wmu serializes message writes; mu guards id allocation and
	// the event handler table.
	wmu sync.Mutex
	mu  sync.Mutex

	nextID   uint32
	handlers map[uint32]handler

	compositor uint32
	shm        uint32
	wmBase     uint32

	err  error
	done chan struct{}

	// onError is invoked once when the connection fails; the
	// backend uses it to poison its swapchains.
	onError func(error)
}

// Dial connects to the compositor named by WAYLAND_DISPLAY under
// XDG_RUNTIME_DIR and binds the wl_compositor, wl_shm and
// xdg_wm_base globals.
func Dial() (*Display, error) {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return nil, errors.New("wayland: XDG_RUNTIME_DIR not set")
	}
	name := os.Getenv("WAYLAND_DISPLAY")
	if name == "" {
		name = "wayland-0"
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("wayland: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: filepath.Join(dir, name)}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wayland: connect %s: %w", name, err)
	}

	d := &Display{
		fd:       fd,
		nextID:   2,
		handlers: make(map[uint32]handler),
		done:     make(chan struct{}),
	}
	d.setHandler(displayID, d.displayEvent)
	go d.run()

	registry := d.newID()
	d.setHandler(registry, func(ev event) { d.registryEvent(registry, ev) })
	if err := d.write(newRequest(displayID, opDisplayGetRegistry).uint(registry)); err != nil {
		d.Close()
		return nil, err
	}
	// One roundtrip collects the globals, a second one flushes the
	// binds so a broken bind surfaces here.
	for i := 0; i < 2; i++ {
		if err := d.roundtrip(); err != nil {
			d.Close()
			return nil, err
		}
	}
	if d.compositor == 0 || d.shm == 0 || d.wmBase == 0 {
		d.Close()
		return nil, errors.New("wayland: missing wl_compositor, wl_shm or xdg_wm_base global")
	}
	return d, nil
}

// Close tears the connection down.
func (d *Display) Close() {
	unix.Close(d.fd)
	<-d.done
}

// Err returns the connection's failure, if any.
func (d *Display) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Display) newID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	return id
}

func (d *Display) setHandler(id uint32, h handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h != nil {
		d.handlers[id] = h
	} else {
		delete(d.handlers, id)
	}
}

func (d *Display) handlerOf(id uint32) handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[id]
}

// write sends one request, with any file descriptors out of band.
func (d *Display) write(r *request) error {
	buf, fds := r.finish()
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := unix.SendmsgN(d.fd, buf, oob, nil, 0); err != nil {
		return fmt.Errorf("wayland: sendmsg: %w", err)
	}
	return nil
}

// run reads and dispatches compositor events until the connection
// goes away.
func (d *Display) run() {
	defer close(d.done)
	buf := make([]byte, 1<<12)
	oob := make([]byte, 1<<8)
	var pending []byte
	for {
		n, oobn, _, _, err := unix.Recvmsg(d.fd, buf, oob, 0)
		if err != nil || n == 0 {
			if err == nil {
				err = errors.New("wayland: connection closed")
			}
			d.fail(err)
			return
		}
		// Descriptors can ride along events this backend never
		// binds (keymaps and the like); close them, they would
		// leak otherwise.
		if msgs, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
			for _, m := range msgs {
				if fds, err := unix.ParseUnixRights(&m); err == nil {
					for _, fd := range fds {
						unix.Close(fd)
					}
				}
			}
		}
		pending = append(pending, buf[:n]...)
		for len(pending) >= hdrSize {
			object, opcode, size := parseHeader(pending)
			if size < hdrSize {
				d.fail(errors.New("wayland: malformed event"))
				return
			}
			if len(pending) < size {
				break
			}
			if h := d.handlerOf(object); h != nil {
				body := append([]byte(nil), pending[hdrSize:size]...)
				h(event{object: object, opcode: opcode, data: body})
			}
			pending = pending[size:]
		}
	}
}

// fail records the connection failure and notifies the backend.
func (d *Display) fail(err error) {
	d.mu.Lock()
	first := d.err == nil
	if first {
		d.err = err
	}
	cb := d.onError
	d.mu.Unlock()
	if !first {
		return
	}
	wsi.Logger().Error("wayland connection failure", zap.Error(err))
	if cb != nil {
		cb(err)
	}
}

// roundtrip issues wl_display.sync and waits for its callback,
// guaranteeing all prior requests were processed.
func (d *Display) roundtrip() error {
	done := make(chan struct{})
	id := d.newID()
	d.setHandler(id, func(ev event) {
		if ev.opcode == evCallbackDone {
			d.setHandler(id, nil)
			close(done)
		}
	})
	if err := d.write(newRequest(displayID, opDisplaySync).uint(id)); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-d.done:
		return d.Err()
	}
}

// displayEvent handles wl_display events.
func (d *Display) displayEvent(ev event) {
	switch ev.opcode {
	case evDisplayError:
		r := reader{data: ev.data}
		object := r.uint()
		code := r.uint()
		msg := r.string()
		d.fail(fmt.Errorf("wayland: protocol error %d on object %d: %s", code, object, msg))
	case evDisplayDeleteID:
		r := reader{data: ev.data}
		d.setHandler(r.uint(), nil)
	}
}

// registryEvent binds the globals this backend uses as they are
// announced.
func (d *Display) registryEvent(registry uint32, ev event) {
	if ev.opcode != evRegistryGlobal {
		return
	}
	r := reader{data: ev.data}
	name := r.uint()
	iface := r.string()
	vers := r.uint()
	if r.err != nil {
		d.fail(r.err)
		return
	}
	var id *uint32
	switch iface {
	case "wl_compositor":
		id, vers = &d.compositor, min(vers, 4)
	case "wl_shm":
		id, vers = &d.shm, 1
	case "xdg_wm_base":
		id, vers = &d.wmBase, 1
	default:
		return
	}
	*id = d.newID()
	if iface == "xdg_wm_base" {
		wm := *id
		d.setHandler(wm, func(ev event) { d.wmBaseEvent(wm, ev) })
	}
	err := d.write(newRequest(registry, opRegistryBind).
		uint(name).string(iface).uint(vers).uint(*id))
	if err != nil {
		d.fail(err)
	}
}

// wmBaseEvent answers liveness pings.
func (d *Display) wmBaseEvent(wm uint32, ev event) {
	if ev.opcode != evWmBasePing {
		return
	}
	r := reader{data: ev.data}
	serial := r.uint()
	if err := d.write(newRequest(wm, opWmBasePong).uint(serial)); err != nil {
		d.fail(err)
	}
}
