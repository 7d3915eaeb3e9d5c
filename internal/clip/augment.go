package clip

import (
	"math"
	"math/rand"

	"cinetrain/internal/config"
)

// augment applies the enabled stochastic perturbations in fixed order:
// gaussian noise, speckle, salt-and-pepper, vertical transpose, horizontal
// transpose. The caller supplies the random source so a fixed seed replays
// the exact same perturbations. Shape is always preserved.
func augment(t *Tensor4D, cfg config.Augmentations, rng *rand.Rand, blackVal, whiteVal float32) {
	if cfg.GaussianNoise {
		gaussianNoise(t, rng, cfg.GNVar)
	}
	if cfg.Speckle {
		speckle(t, rng, cfg.SpeckleVar)
	}
	if cfg.SaltAndPepper {
		saltAndPepper(t, rng, cfg.SaltAndPepperAmount, blackVal, whiteVal)
	}
	if cfg.TransposeV {
		if rng.Intn(2) == 1 {
			flipVertical(t)
		}
	}
	if cfg.TransposeH {
		if rng.Intn(2) == 1 {
			flipHorizontal(t)
		}
	}
}

func gaussianNoise(t *Tensor4D, rng *rand.Rand, variance float64) {
	std := float32(math.Sqrt(variance))
	for i := range t.Data {
		t.Data[i] += float32(rng.NormFloat64()) * std
	}
}

// speckle adds multiplicative noise: x += x * n with n ~ N(0, var).
func speckle(t *Tensor4D, rng *rand.Rand, variance float64) {
	std := float32(math.Sqrt(variance))
	for i, v := range t.Data {
		t.Data[i] = v + v*float32(rng.NormFloat64())*std
	}
}

// saltAndPepper forces a fraction of values to pure white or pure black,
// half each on average.
func saltAndPepper(t *Tensor4D, rng *rand.Rand, amount float64, blackVal, whiteVal float32) {
	n := int(amount * float64(len(t.Data)))
	for i := 0; i < n; i++ {
		idx := rng.Intn(len(t.Data))
		if rng.Intn(2) == 1 {
			t.Data[idx] = whiteVal
		} else {
			t.Data[idx] = blackVal
		}
	}
}

// flipVertical mirrors every frame along the horizontal axis (rows swap).
func flipVertical(t *Tensor4D) {
	for c := 0; c < t.Channels; c++ {
		for l := 0; l < t.Length; l++ {
			for y := 0; y < t.Height/2; y++ {
				oy := t.Height - 1 - y
				for x := 0; x < t.Width; x++ {
					a, b := t.At(c, l, y, x), t.At(c, l, oy, x)
					t.Set(c, l, y, x, b)
					t.Set(c, l, oy, x, a)
				}
			}
		}
	}
}

// flipHorizontal mirrors every frame along the vertical axis (columns swap).
func flipHorizontal(t *Tensor4D) {
	for c := 0; c < t.Channels; c++ {
		for l := 0; l < t.Length; l++ {
			for y := 0; y < t.Height; y++ {
				for x := 0; x < t.Width/2; x++ {
					ox := t.Width - 1 - x
					a, b := t.At(c, l, y, x), t.At(c, l, y, ox)
					t.Set(c, l, y, x, b)
					t.Set(c, l, y, ox, a)
				}
			}
		}
	}
}
