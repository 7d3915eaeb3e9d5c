package clip

// Frame is a single decoded video frame. Pixels are stored row-major with
// interleaved channels and values in the source range [0, 255].
type Frame struct {
	Height   int
	Width    int
	Channels int
	Pix      []float32
}

func NewFrame(height, width, channels int) Frame {
	return Frame{
		Height:   height,
		Width:    width,
		Channels: channels,
		Pix:      make([]float32, height*width*channels),
	}
}

func (f Frame) At(y, x, c int) float32 {
	return f.Pix[(y*f.Width+x)*f.Channels+c]
}

func (f Frame) Set(y, x, c int, v float32) {
	f.Pix[(y*f.Width+x)*f.Channels+c] = v
}

func (f Frame) Clone() Frame {
	pix := make([]float32, len(f.Pix))
	copy(pix, f.Pix)
	return Frame{Height: f.Height, Width: f.Width, Channels: f.Channels, Pix: pix}
}

// ClipSpec is an immutable description of one input clip: the decoded frame
// sequence plus its native frame rate. All frames share the same dimensions.
type ClipSpec struct {
	Frames []Frame
	FPS    float64
}

// NewClipSpec validates the clip invariants: at least one frame, a positive
// frame rate, and uniform frame dimensions.
func NewClipSpec(frames []Frame, fps float64) (*ClipSpec, error) {
	if len(frames) == 0 {
		return nil, dataErrorf("clip has no frames")
	}
	if fps <= 0 {
		return nil, dataErrorf("clip has invalid frame rate %g", fps)
	}
	h, w, c := frames[0].Height, frames[0].Width, frames[0].Channels
	if h <= 0 || w <= 0 || c <= 0 {
		return nil, dataErrorf("clip has invalid frame dimensions %dx%dx%d", h, w, c)
	}
	for i, f := range frames {
		if f.Height != h || f.Width != w || f.Channels != c {
			return nil, dataErrorf("frame %d has dimensions %dx%dx%d, expected %dx%dx%d", i, f.Height, f.Width, f.Channels, h, w, c)
		}
		if len(f.Pix) != h*w*c {
			return nil, dataErrorf("frame %d has %d pixels, expected %d", i, len(f.Pix), h*w*c)
		}
	}
	return &ClipSpec{Frames: frames, FPS: fps}, nil
}

func (s *ClipSpec) Height() int   { return s.Frames[0].Height }
func (s *ClipSpec) Width() int    { return s.Frames[0].Width }
func (s *ClipSpec) Channels() int { return s.Frames[0].Channels }
