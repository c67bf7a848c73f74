package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

// Resampler converts one source's native PCM into canonical 16-bit mono at a target rate.
// It keeps interpolation state across frames, so consecutive frames of the same source
// resample as one continuous signal. Not safe for concurrent use.
type Resampler struct {
	in      ports.Format
	outRate int
	step    float64

	// pos is the read position of the next output sample relative to the start of the next
	// input frame; -1 <= pos means "between the previous frame's last sample and the next
	// frame's first sample".
	pos     float64
	prev    float64
	hasPrev bool
}

// NewResampler validates in and builds a resampler to outRate.
func NewResampler(in ports.Format, outRate int) (*Resampler, error) {
	if in.Encoding.BytesPerSample() == 0 {
		return nil, fmt.Errorf("%w: encoding %q", domain.ErrUnsupportedFormat, in.Encoding)
	}
	if in.SampleRate <= 0 || in.Channels <= 0 {
		return nil, fmt.Errorf("%w: %d Hz, %d channels", domain.ErrUnsupportedFormat, in.SampleRate, in.Channels)
	}
	if outRate <= 0 {
		outRate = domain.CanonicalSampleRate
	}
	return &Resampler{
		in:      in,
		outRate: outRate,
		step:    float64(in.SampleRate) / float64(outRate),
	}, nil
}

// Format returns the input format this resampler was built for.
func (r *Resampler) Format() ports.Format {
	return r.in
}

// Process converts one frame. Trailing bytes that do not form a whole sample frame are
// ignored.
func (r *Resampler) Process(data []byte) []byte {
	mono := r.downmix(data)
	if len(mono) == 0 {
		return nil
	}

	if r.in.SampleRate == r.outRate {
		return encodeS16(mono)
	}

	n := len(mono)
	at := func(i int) float64 {
		if i < 0 {
			return r.prev
		}
		return mono[i]
	}

	start := r.pos
	if !r.hasPrev && start < 0 {
		start = 0
	}

	out := make([]float64, 0, int(float64(n)/r.step)+2)
	t := start
	for ; t < float64(n-1); t += r.step {
		idx := int(math.Floor(t))
		frac := t - float64(idx)
		s0 := at(idx)
		s1 := at(idx + 1)
		out = append(out, s0+frac*(s1-s0))
	}

	r.pos = t - float64(n)
	r.prev = mono[n-1]
	r.hasPrev = true
	return encodeS16(out)
}

// downmix decodes interleaved samples into mono floats in [-1, 1] by averaging channels.
func (r *Resampler) downmix(data []byte) []float64 {
	width := r.in.Encoding.BytesPerSample()
	frameBytes := width * r.in.Channels
	frames := len(data) / frameBytes
	if frames == 0 {
		return nil
	}

	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		base := i * frameBytes
		for c := 0; c < r.in.Channels; c++ {
			off := base + c*width
			switch r.in.Encoding {
			case ports.EncodingS16LE:
				sum += float64(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768
			case ports.EncodingF32LE:
				sum += float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
			}
		}
		out[i] = sum / float64(r.in.Channels)
	}
	return out
}

func encodeS16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(s * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Int16ToBytes packs little-endian 16-bit samples.
func Int16ToBytes(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, v := range in {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// Float32ToBytes packs little-endian 32-bit float samples.
func Float32ToBytes(in []float32) []byte {
	out := make([]byte, len(in)*4)
	for i, v := range in {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}
