package pcm

import (
	"fmt"
	"math"
)

// Resampler converts a mono stream between sample rates by linear
// interpolation. It keeps the fractional read position and the last input
// sample across calls so consecutive chunks join without clicks.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	in, out int
	step    float64
	pos     float64
	last    int16
	primed  bool
}

// NewResampler returns a converter from rate in to rate out (Hz).
func NewResampler(in, out int) (*Resampler, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", in, out)
	}
	return &Resampler{
		in:   in,
		out:  out,
		step: float64(in) / float64(out),
	}, nil
}

// InputRate returns the rate Process expects.
func (r *Resampler) InputRate() int { return r.in }

// OutputRate returns the rate Process produces.
func (r *Resampler) OutputRate() int { return r.out }

// Process converts one chunk. Output length depends on the carried position,
// so it may differ by one sample between chunks of equal size.
func (r *Resampler) Process(input []int16) []int16 {
	if len(input) == 0 {
		return nil
	}
	if !r.primed {
		r.last = input[0]
		r.primed = true
	}
	if r.in == r.out {
		out := make([]int16, len(input))
		copy(out, input)
		r.last = input[len(input)-1]
		return out
	}

	// Index -1 refers to the last sample of the previous chunk.
	at := func(i int) float64 {
		if i < 0 {
			return float64(r.last)
		}
		return float64(input[i])
	}

	out := make([]int16, 0, int(float64(len(input))/r.step)+1)
	for {
		base := math.Floor(r.pos)
		i := int(base) - 1
		if i+1 >= len(input) {
			break
		}
		frac := r.pos - base
		v := at(i) + (at(i+1)-at(i))*frac
		out = append(out, clamp(v))
		r.pos += r.step
	}
	r.pos -= float64(len(input))
	r.last = input[len(input)-1]
	return out
}

// Reset drops the carried state.
func (r *Resampler) Reset() {
	r.pos = 0
	r.last = 0
	r.primed = false
}

func clamp(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
