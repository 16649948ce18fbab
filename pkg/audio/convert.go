package audio

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleFloat32 resamples mono float samples from srcRate to dstRate using
// linear interpolation, the same scheme as [ResampleMono16]. Each call is
// independent, so callers feeding consecutive chunks accept a small
// discontinuity at chunk boundaries.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Blocker re-chunks a run of float samples into fixed-size blocks, preserving
// order. Capture sources that deliver arbitrarily sized runs push into a
// Blocker and forward whatever [Blocker.Push] returns.
//
// A Blocker is not safe for concurrent use.
type Blocker struct {
	size    int
	rate    int
	pending []float32
	seq     uint64
}

// NewBlocker returns a Blocker emitting blocks of size samples tagged with rate.
// A non-positive size is treated as 1.
func NewBlocker(size, rate int) *Blocker {
	if size <= 0 {
		size = 1
	}
	return &Blocker{size: size, rate: rate, pending: make([]float32, 0, size)}
}

// Push appends samples and returns every block completed by them.
func (b *Blocker) Push(samples []float32) []CaptureBlock {
	var out []CaptureBlock
	for len(samples) > 0 {
		n := min(b.size-len(b.pending), len(samples))
		b.pending = append(b.pending, samples[:n]...)
		samples = samples[n:]
		if len(b.pending) == b.size {
			out = append(out, CaptureBlock{Samples: b.pending, SampleRate: b.rate, Seq: b.seq})
			b.seq++
			b.pending = make([]float32, 0, b.size)
		}
	}
	return out
}

// Pending returns the number of buffered samples not yet emitted.
func (b *Blocker) Pending() int { return len(b.pending) }
