// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"go.uber.org/zap"
)

// Ext is an optional capability attached to a swapchain at
// creation time. At most one capability per name may be attached.
// Capabilities are consulted opportunistically: omitting one is
// always safe, code paths that use them do so only if present.
type Ext interface {
	// ExtName returns the capability's stable name.
	ExtName() string
}

// AddExt attaches a capability to the swapchain.
// It must only be called during initialization (backends do so
// from RequiredExts); the capability set is read-only afterwards.
// Attaching a second capability with the name of an attached one
// replaces it; that path indicates a programming error and is
// logged.
func (s *Swapchain) AddExt(e Ext) bool {
	if e == nil {
		return false
	}
	for i := range s.exts {
		if s.exts[i].ExtName() == e.ExtName() {
			logger().Warn("duplicate swapchain capability replaced",
				zap.String("name", e.ExtName()))
			s.exts[i] = e
			return true
		}
	}
	s.exts = append(s.exts, e)
	return true
}

// ExtOf returns the swapchain's capability of type T, if attached.
func ExtOf[T Ext](s *Swapchain) (T, bool) {
	for _, e := range s.exts {
		if t, ok := e.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// DefaultExts builds the capability set that cfg asks for.
// Backends call it from RequiredExts and append their own
// additions.
func DefaultExts(cfg *Config) []Ext {
	var exts []Ext
	if len(cfg.PresentModes) > 0 {
		exts = append(exts, NewExtMaintenance(cfg.PresentModes))
	}
	if cfg.PresentID {
		exts = append(exts, NewExtPresentID())
	}
	if cfg.PresentTiming {
		exts = append(exts, NewExtPresentTiming())
	}
	if cfg.FrameBoundary {
		exts = append(exts, new(ExtFrameBoundary))
	}
	if cfg.CompressionRate != 0 {
		exts = append(exts, &ExtImageCompression{Rate: cfg.CompressionRate})
	}
	return exts
}
