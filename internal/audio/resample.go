// Package audio holds the PCM plumbing shared by the live session: sample-rate
// conversion, the PCM16 wire codec, and WAV containers for offline tooling.
package audio

// Resample converts mono float samples from sourceRate to targetRate using linear
// interpolation between neighbouring input samples at the index ratio
// sourceRate/targetRate.
//
// The output length is floor(len(samples) * targetRate / sourceRate). Each call is
// independent: no fractional read position is carried over between frames, so a
// stream resampled frame by frame may lose up to one output sample per frame at
// non-integer ratios. Capture frames are large (thousands of samples), which keeps
// that loss inaudible while keeping the function stateless.
func Resample(samples []float32, sourceRate, targetRate int) []float32 {
	if len(samples) == 0 || sourceRate <= 0 || targetRate <= 0 {
		return nil
	}
	if sourceRate == targetRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	n := int(int64(len(samples)) * int64(targetRate) / int64(sourceRate))
	if n <= 0 {
		return nil
	}
	ratio := float64(sourceRate) / float64(targetRate)
	last := len(samples) - 1

	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}
