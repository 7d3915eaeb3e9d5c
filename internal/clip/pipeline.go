package clip

import (
	"math/rand"

	"cinetrain/internal/config"
)

// Mode selects whether stochastic augmentation runs. Validation and test
// pipelines always bypass it regardless of the configured toggles.
type Mode int

const (
	Train Mode = iota
	Eval
)

// Pipeline maps a ClipSpec to a fixed-shape Tensor4D. All stages except
// augmentation are deterministic; the pipeline holds no mutable state and is
// safe to call concurrently as long as each call gets its own random source.
type Pipeline struct {
	transforms config.Transforms
	augs       config.Augmentations
	policy     config.LengthPolicy
	mode       Mode

	blackVal float32
	whiteVal float32
}

// NewPipeline builds a pipeline for a validated configuration. The length
// policy must already be unambiguous; an invalid combination is reported
// here as a hard error rather than at clip time.
func NewPipeline(t config.Transforms, a config.Augmentations, mode Mode) (*Pipeline, error) {
	policy, err := t.LengthPolicy()
	if err != nil {
		return nil, err
	}

	p := &Pipeline{transforms: t, augs: a, policy: policy, mode: mode}
	if t.NormalizeInput {
		p.blackVal, p.whiteVal = -1, 1
	} else {
		p.blackVal, p.whiteVal = 0, 255
	}
	return p, nil
}

// OutputShape returns the (channels, length, height, width) every call to
// Apply will produce.
func (p *Pipeline) OutputShape() [4]int {
	channels := 3
	if p.transforms.Grayscale {
		channels = 1
	}
	return [4]int{channels, p.transforms.TargetLength, p.transforms.TargetHeight, p.transforms.TargetWidth}
}

// Apply runs the full stage chain: temporal resample, length normalization,
// spatial transform, value normalization, and (train mode only)
// augmentation. rng may be nil in eval mode or when no augmentation is
// enabled.
func (p *Pipeline) Apply(spec *ClipSpec, rng *rand.Rand) (*Tensor4D, error) {
	if spec == nil || len(spec.Frames) == 0 {
		return nil, dataErrorf("empty clip")
	}
	// The spatial stage only knows single-channel and RGB layouts.
	if c := spec.Frames[0].Channels; c != 1 && c != 3 {
		return nil, dataErrorf("clip has %d channels, expected 1 or 3", c)
	}

	frames := spec.Frames
	if p.transforms.RescaleFPS {
		frames = resampleFPS(frames, spec.FPS, p.transforms.TargetFPS)
	}

	frames, err := normalizeLength(frames, p.policy, p.transforms.TargetLength, p.transforms.CropOffset, p.transforms.PadMode)
	if err != nil {
		return nil, err
	}

	frames = transformSpatial(frames, p.transforms.Grayscale, p.transforms.CropSides, p.transforms.TargetHeight, p.transforms.TargetWidth)

	tensor := framesToTensor(frames)
	normalizeValues(tensor, p.transforms.NormalizeInput, p.transforms.ScaleOutput, float32(p.transforms.OutputScale))

	if p.mode == Train && p.augmentationEnabled() {
		if rng == nil {
			return nil, dataErrorf("augmentation enabled but no random source supplied")
		}
		augment(tensor, p.augs, rng, p.blackVal, p.whiteVal)
	}

	want := p.OutputShape()
	if got := tensor.Shape(); got != want {
		return nil, dataErrorf("transformed clip has shape %v, expected %v", got, want)
	}
	return tensor, nil
}

func (p *Pipeline) augmentationEnabled() bool {
	a := p.augs
	return a.GaussianNoise || a.Speckle || a.SaltAndPepper || a.TransposeV || a.TransposeH
}
