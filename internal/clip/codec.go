package clip

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Serialized clip format: a magic tag followed by a fixed little-endian
// header and the raw float32 pixel stream, frame by frame.
var codecMagic = [4]byte{'C', 'V', 'C', '1'}

const maxClipDim = 1 << 16

type codecHeader struct {
	FPS      float64
	Frames   uint32
	Height   uint32
	Width    uint32
	Channels uint32
}

// Encode writes a clip in the on-disk clip format.
func Encode(w io.Writer, spec *ClipSpec) error {
	if _, err := w.Write(codecMagic[:]); err != nil {
		return fmt.Errorf("failed to write clip magic: %w", err)
	}
	hdr := codecHeader{
		FPS:      spec.FPS,
		Frames:   uint32(len(spec.Frames)),
		Height:   uint32(spec.Height()),
		Width:    uint32(spec.Width()),
		Channels: uint32(spec.Channels()),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("failed to write clip header: %w", err)
	}
	for _, f := range spec.Frames {
		if err := binary.Write(w, binary.LittleEndian, f.Pix); err != nil {
			return fmt.Errorf("failed to write clip pixels: %w", err)
		}
	}
	return nil
}

// Decode reads a clip written by Encode. Malformed payloads come back as
// DataErrors so the loader's per-sample policy applies.
func Decode(r io.Reader) (*ClipSpec, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, dataErrorf("failed to read clip magic: %v", err)
	}
	if magic != codecMagic {
		return nil, dataErrorf("not a clip file (magic %q)", magic)
	}

	var hdr codecHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, dataErrorf("failed to read clip header: %v", err)
	}
	if hdr.Frames == 0 || hdr.Height == 0 || hdr.Width == 0 || hdr.Channels == 0 {
		return nil, dataErrorf("clip header has empty dimensions %dx%dx%dx%d", hdr.Frames, hdr.Height, hdr.Width, hdr.Channels)
	}
	if hdr.Frames > maxClipDim || hdr.Height > maxClipDim || hdr.Width > maxClipDim || hdr.Channels > 4 {
		return nil, dataErrorf("clip header dimensions %dx%dx%dx%d exceed limits", hdr.Frames, hdr.Height, hdr.Width, hdr.Channels)
	}
	if hdr.FPS <= 0 || math.IsNaN(hdr.FPS) || math.IsInf(hdr.FPS, 0) {
		return nil, dataErrorf("clip header has invalid frame rate %g", hdr.FPS)
	}

	frames := make([]Frame, hdr.Frames)
	for i := range frames {
		f := NewFrame(int(hdr.Height), int(hdr.Width), int(hdr.Channels))
		if err := binary.Read(r, binary.LittleEndian, f.Pix); err != nil {
			return nil, dataErrorf("clip truncated at frame %d: %v", i, err)
		}
		frames[i] = f
	}
	return NewClipSpec(frames, hdr.FPS)
}
