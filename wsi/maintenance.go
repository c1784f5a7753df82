// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

// ExtMaintenance enables runtime present-mode switching.
// It holds the set of modes the swapchain may present with.
type ExtMaintenance struct {
	modes []PresentMode
}

// NewExtMaintenance creates the maintenance capability with the
// given allowed present-mode set.
func NewExtMaintenance(modes []PresentMode) *ExtMaintenance {
	return &ExtMaintenance{modes: append([]PresentMode(nil), modes...)}
}

// ExtName implements Ext.
func (*ExtMaintenance) ExtName() string { return "swapchain_maintenance" }

// Modes returns the allowed present-mode set.
func (e *ExtMaintenance) Modes() []PresentMode {
	return append([]PresentMode(nil), e.modes...)
}

// validate returns ErrPresentMode if m is not in the allowed set.
func (e *ExtMaintenance) validate(m PresentMode) error {
	for _, x := range e.modes {
		if x == m {
			return nil
		}
	}
	return ErrPresentMode
}
