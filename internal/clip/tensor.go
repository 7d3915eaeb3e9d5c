package clip

// Tensor4D is the pipeline output: a dense (channels, length, height, width)
// tensor. Its shape is identical for every clip processed with the same
// configuration, which is the pipeline's core correctness contract.
type Tensor4D struct {
	Channels int
	Length   int
	Height   int
	Width    int
	Data     []float32
}

func NewTensor4D(channels, length, height, width int) *Tensor4D {
	return &Tensor4D{
		Channels: channels,
		Length:   length,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*length*height*width),
	}
}

func (t *Tensor4D) index(c, l, y, x int) int {
	return ((c*t.Length+l)*t.Height+y)*t.Width + x
}

func (t *Tensor4D) At(c, l, y, x int) float32 {
	return t.Data[t.index(c, l, y, x)]
}

func (t *Tensor4D) Set(c, l, y, x int, v float32) {
	t.Data[t.index(c, l, y, x)] = v
}

func (t *Tensor4D) Shape() [4]int {
	return [4]int{t.Channels, t.Length, t.Height, t.Width}
}

func (t *Tensor4D) Clone() *Tensor4D {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor4D{Channels: t.Channels, Length: t.Length, Height: t.Height, Width: t.Width, Data: data}
}

// framesToTensor packs a frame sequence into (C,L,H,W) layout.
func framesToTensor(frames []Frame) *Tensor4D {
	h, w, c := frames[0].Height, frames[0].Width, frames[0].Channels
	t := NewTensor4D(c, len(frames), h, w)
	for l, f := range frames {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					t.Set(ch, l, y, x, f.At(y, x, ch))
				}
			}
		}
	}
	return t
}
