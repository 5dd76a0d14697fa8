// Package audio provides the capture-side processing chain for voice
// streams: frame-level loudness math, the effect pipeline with volume
// gating and voice activity detection, codec boundaries and the device
// capability layer.
package audio

import (
	"math"
	"time"
)

// Audio framing constants. All streams carry mono 48 kHz PCM in 20 ms
// frames, which bounds activity and power events to 50 Hz per stream.
const (
	SampleRate    = 48000
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = 960 // SampleRate / (1s / FrameDuration)
)

// Power levels are expressed in dBFS where 0 is full scale. MinLevel is
// the floor reported for silent frames.
const (
	MinLevel = -120.0
	MaxLevel = 0.0
)

// RMS returns the root mean square of the frame normalized to [0, 1].
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}

	var sum float64
	for _, s := range frame {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// PowerDB returns the loudness of the frame in dBFS, clamped to
// [MinLevel, MaxLevel].
func PowerDB(frame []int16) float64 {
	rms := RMS(frame)
	if rms <= 0 {
		return MinLevel
	}

	db := 20 * math.Log10(rms)
	if db < MinLevel {
		return MinLevel
	}
	if db > MaxLevel {
		return MaxLevel
	}
	return db
}

// ApplyGain scales the frame in place by a linear gain factor,
// saturating at the int16 range.
func ApplyGain(frame []int16, gain float64) {
	if gain == 1.0 {
		return
	}

	for i, s := range frame {
		v := float64(s) * gain
		switch {
		case v > math.MaxInt16:
			frame[i] = math.MaxInt16
		case v < math.MinInt16:
			frame[i] = math.MinInt16
		default:
			frame[i] = int16(v)
		}
	}
}
