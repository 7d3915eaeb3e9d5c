package clip

import "cinetrain/internal/config"

// normalizeLength forces the sequence to exactly target frames using the
// single configured policy. Offsets are deterministic so validation and test
// passes stay reproducible.
func normalizeLength(frames []Frame, policy config.LengthPolicy, target int, cropOffset, padMode string) ([]Frame, error) {
	switch policy {
	case config.LengthPolicyCrop:
		return cropLength(frames, target, cropOffset)
	case config.LengthPolicyPad:
		return padLength(frames, target, padMode)
	case config.LengthPolicyLoop:
		return loopLength(frames, target)
	default:
		return nil, dataErrorf("no length-normalization policy active")
	}
}

// cropLength selects a contiguous window of target frames. A clip shorter
// than the target cannot be cropped into shape and is rejected.
func cropLength(frames []Frame, target int, offset string) ([]Frame, error) {
	if len(frames) < target {
		return nil, dataErrorf("clip has %d frames, cannot crop to %d", len(frames), target)
	}
	start := 0
	if offset == config.CropOffsetCenter {
		start = (len(frames) - target) / 2
	}
	return frames[start : start+target], nil
}

// padLength appends filler frames until the target is reached. A longer clip
// is truncated from the start so the output length is always exact.
func padLength(frames []Frame, target int, mode string) ([]Frame, error) {
	if len(frames) >= target {
		return frames[:target], nil
	}
	out := make([]Frame, 0, target)
	out = append(out, frames...)
	last := frames[len(frames)-1]
	for len(out) < target {
		if mode == config.PadModeRepeatLast {
			out = append(out, last.Clone())
		} else {
			out = append(out, NewFrame(last.Height, last.Width, last.Channels))
		}
	}
	return out, nil
}

// loopLength repeats the sequence cyclically until the target is reached,
// then truncates to the exact length. Frame order is preserved within each
// repetition.
func loopLength(frames []Frame, target int) ([]Frame, error) {
	if len(frames) >= target {
		return frames[:target], nil
	}
	out := make([]Frame, 0, target)
	for len(out) < target {
		remaining := target - len(out)
		if remaining >= len(frames) {
			out = append(out, frames...)
		} else {
			out = append(out, frames[:remaining]...)
		}
	}
	return out, nil
}
