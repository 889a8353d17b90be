package vkng

import (
	"github.com/veandco/go-sdl2/sdl"
)

// Window adapts an SDL window to the size queries of the renderer.
type Window struct {
	*sdl.Window
}

// DrawableSize returns the size of the window's drawable in pixels, which
// differs from the window size on high DPI displays. A minimized window
// reports zero.
func (w Window) DrawableSize() (int, int) {
	if w.GetFlags()&sdl.WINDOW_MINIMIZED != 0 {
		return 0, 0
	}
	width, height := w.VulkanGetDrawableSize()
	return int(width), int(height)
}
