// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

package wayland

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/gviegas/present/wsi"
)

// Surface is a toplevel window to present into.
type Surface struct {
	d        *Display
	surface  uint32
	xdg      uint32
	toplevel uint32

	mu     sync.Mutex
	width  int
	height int
	closed bool

	configured chan struct{}
	confOnce   sync.Once
}

// NewSurface creates a toplevel window of the given extent.
// It blocks until the compositor has configured the window.
func NewSurface(d *Display, width, height int, title string) (*Surface, error) {
	if width < 1 || height < 1 {
		return nil, errors.New("wayland: non-positive surface extent")
	}
	s := &Surface{
		d:          d,
		surface:    d.newID(),
		width:      width,
		height:     height,
		configured: make(chan struct{}),
	}
	err := d.write(newRequest(d.compositor, opCompositorCreateSurface).uint(s.surface))
	if err != nil {
		return nil, err
	}
	s.xdg = d.newID()
	d.setHandler(s.xdg, s.xdgEvent)
	err = d.write(newRequest(d.wmBase, opWmBaseGetXdgSurface).uint(s.xdg).uint(s.surface))
	if err != nil {
		return nil, err
	}
	s.toplevel = d.newID()
	d.setHandler(s.toplevel, s.toplevelEvent)
	err = d.write(newRequest(s.xdg, opXdgSurfaceGetToplevel).uint(s.toplevel))
	if err != nil {
		return nil, err
	}
	if err := d.write(newRequest(s.toplevel, opToplevelSetTitle).string(title)); err != nil {
		return nil, err
	}
	// An initial commit with no buffer attached prompts the first
	// configure sequence.
	if err := d.write(newRequest(s.surface, opSurfaceCommit)); err != nil {
		return nil, err
	}
	select {
	case <-s.configured:
	case <-d.done:
		return nil, d.Err()
	}
	return s, nil
}

// Extent implements wsi.Surface.
func (s *Surface) Extent() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Closed reports whether the compositor asked the window to close.
func (s *Surface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Destroy releases the window.
func (s *Surface) Destroy() {
	s.d.setHandler(s.toplevel, nil)
	s.d.setHandler(s.xdg, nil)
	s.d.write(newRequest(s.toplevel, opToplevelDestroy))
	s.d.write(newRequest(s.xdg, opXdgSurfaceDestroy))
	s.d.write(newRequest(s.surface, opSurfaceDestroy))
}

// xdgEvent acknowledges configure sequences.
func (s *Surface) xdgEvent(ev event) {
	if ev.opcode != evXdgSurfaceConfigure {
		return
	}
	r := reader{data: ev.data}
	serial := r.uint()
	if err := s.d.write(newRequest(s.xdg, opXdgSurfaceAckConfigure).uint(serial)); err != nil {
		s.d.fail(err)
		return
	}
	s.confOnce.Do(func() { close(s.configured) })
}

// toplevelEvent tracks the window's extent and close requests.
func (s *Surface) toplevelEvent(ev event) {
	switch ev.opcode {
	case evToplevelConfigure:
		r := reader{data: ev.data}
		w := int(r.int())
		h := int(r.int())
		if r.err != nil || w < 1 || h < 1 {
			// A zero extent leaves the choice to the client;
			// keep the current one.
			return
		}
		s.mu.Lock()
		s.width, s.height = w, h
		s.mu.Unlock()
	case evToplevelClose:
		wsi.Logger().Info("wayland toplevel close requested",
			zap.Uint32("surface", s.surface))
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
}
