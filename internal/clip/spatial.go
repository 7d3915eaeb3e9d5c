package clip

// Luminance weights for RGB to grayscale conversion.
const (
	lumR = 0.2989
	lumG = 0.5870
	lumB = 0.1140
)

// grayscale collapses RGB channels into one luminance channel. It runs
// before any resize so interpolation never mixes color channels. Frames
// already carrying a single channel pass through unchanged.
func grayscale(frames []Frame) []Frame {
	if frames[0].Channels == 1 {
		return frames
	}
	out := make([]Frame, len(frames))
	for i, f := range frames {
		g := NewFrame(f.Height, f.Width, 1)
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				v := lumR*f.At(y, x, 0) + lumG*f.At(y, x, 1) + lumB*f.At(y, x, 2)
				g.Set(y, x, 0, v)
			}
		}
		out[i] = g
	}
	return out
}

// expandChannels replicates a single-channel frame across three channels so
// non-grayscale pipelines keep a fixed channel count for every input.
func expandChannels(frames []Frame) []Frame {
	if frames[0].Channels != 1 {
		return frames
	}
	out := make([]Frame, len(frames))
	for i, f := range frames {
		e := NewFrame(f.Height, f.Width, 3)
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				v := f.At(y, x, 0)
				e.Set(y, x, 0, v)
				e.Set(y, x, 1, v)
				e.Set(y, x, 2, v)
			}
		}
		out[i] = e
	}
	return out
}

// resizeBilinear resizes one frame to the target dimensions with bilinear
// interpolation, preserving the channel count.
func resizeBilinear(f Frame, targetH, targetW int) Frame {
	if f.Height == targetH && f.Width == targetW {
		return f
	}
	out := NewFrame(targetH, targetW, f.Channels)

	scaleY := float64(f.Height) / float64(targetH)
	scaleX := float64(f.Width) / float64(targetW)

	for y := 0; y < targetH; y++ {
		// Sample at pixel centers to avoid a half-pixel shift.
		srcY := (float64(y)+0.5)*scaleY - 0.5
		y0 := int(srcY)
		if srcY < 0 {
			srcY, y0 = 0, 0
		}
		y1 := y0 + 1
		if y1 > f.Height-1 {
			y1 = f.Height - 1
		}
		fy := float32(srcY - float64(y0))

		for x := 0; x < targetW; x++ {
			srcX := (float64(x)+0.5)*scaleX - 0.5
			x0 := int(srcX)
			if srcX < 0 {
				srcX, x0 = 0, 0
			}
			x1 := x0 + 1
			if x1 > f.Width-1 {
				x1 = f.Width - 1
			}
			fx := float32(srcX - float64(x0))

			for c := 0; c < f.Channels; c++ {
				top := f.At(y0, x0, c)*(1-fx) + f.At(y0, x1, c)*fx
				bot := f.At(y1, x0, c)*(1-fx) + f.At(y1, x1, c)*fx
				out.Set(y, x, c, top*(1-fy)+bot*fy)
			}
		}
	}
	return out
}

// cropSides fits a frame to the target dimensions without interpolation:
// larger axes are center-cropped, smaller axes get black borders. Used when
// the crop_sides policy replaces the pure resize.
func cropSides(f Frame, targetH, targetW int) Frame {
	if f.Height == targetH && f.Width == targetW {
		return f
	}
	out := NewFrame(targetH, targetW, f.Channels)

	srcOffY, dstOffY := centerOffsets(f.Height, targetH)
	srcOffX, dstOffX := centerOffsets(f.Width, targetW)

	copyH := min(f.Height, targetH)
	copyW := min(f.Width, targetW)

	for y := 0; y < copyH; y++ {
		for x := 0; x < copyW; x++ {
			for c := 0; c < f.Channels; c++ {
				out.Set(dstOffY+y, dstOffX+x, c, f.At(srcOffY+y, srcOffX+x, c))
			}
		}
	}
	return out
}

func centerOffsets(src, dst int) (srcOff, dstOff int) {
	if src > dst {
		return (src - dst) / 2, 0
	}
	return 0, (dst - src) / 2
}

// transformSpatial applies the full spatial stage: optional grayscale first,
// then resize or side-cropping to the target dimensions.
func transformSpatial(frames []Frame, gray, sides bool, targetH, targetW int) []Frame {
	if gray {
		frames = grayscale(frames)
	} else {
		frames = expandChannels(frames)
	}
	out := make([]Frame, len(frames))
	for i, f := range frames {
		if sides {
			out[i] = cropSides(f, targetH, targetW)
		} else {
			out[i] = resizeBilinear(f, targetH, targetW)
		}
	}
	return out
}
