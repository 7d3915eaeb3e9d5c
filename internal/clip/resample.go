package clip

import "math"

// resampleFPS converts the frame sequence from its native frame rate to the
// target rate by nearest-frame selection at evenly spaced timestamps. Frame
// content is never modified, only which frames are kept.
func resampleFPS(frames []Frame, nativeFPS, targetFPS float64) []Frame {
	if nativeFPS == targetFPS {
		return frames
	}

	newLen := int(math.Round(float64(len(frames)) * targetFPS / nativeFPS))
	if newLen < 1 {
		newLen = 1
	}

	out := make([]Frame, newLen)
	for i := range out {
		// Timestamp of output frame i in the native clock, rounded to the
		// nearest source frame.
		src := int(math.Round(float64(i) * nativeFPS / targetFPS))
		if src > len(frames)-1 {
			src = len(frames) - 1
		}
		out[i] = frames[src]
	}
	return out
}
