package clip

// normalizeValues rescales tensor values in place. With normalize enabled
// the fixed affine map [0,255] -> [-1,1] is applied per value; no dataset
// statistics are involved, so the stage is deterministic per clip. The
// optional output scale runs after normalization.
func normalizeValues(t *Tensor4D, normalize, scaleOutput bool, outputScale float32) {
	if normalize {
		for i, v := range t.Data {
			t.Data[i] = v/255*2 - 1
		}
	}
	if scaleOutput && outputScale != 1 {
		for i, v := range t.Data {
			t.Data[i] = v * outputScale
		}
	}
}
