package audio

import (
	"encoding/binary"
	"math"
)

const (
	// mixTargetRMS is roughly -14 dBFS, a comfortable loudness for voice.
	mixTargetRMS = 6000.0
	// mixMaxGain caps normalization so silence is not amplified into noise.
	mixMaxGain = 2.0
)

// mix averages mono 16-bit little-endian PCM chunks sample-wise, removes
// the DC offset and normalizes toward the target RMS with a hard limit at
// the int16 range. Chunks whose size differs from chunkBytes are discarded
// to keep the cadence clean. Returns nil when nothing usable was passed.
func mix(chunks [][]byte, chunkBytes int) []byte {
	usable := chunks[:0]
	for _, c := range chunks {
		if len(c) == chunkBytes {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return nil
	}

	samples := chunkBytes / 2
	mixed := make([]float64, samples)
	for _, c := range usable {
		for i := 0; i < samples; i++ {
			mixed[i] += float64(int16(binary.LittleEndian.Uint16(c[2*i:])))
		}
	}

	n := float64(len(usable))
	var mean float64
	for i := range mixed {
		mixed[i] /= n
		mean += mixed[i]
	}
	mean /= float64(samples)

	var power float64
	for i := range mixed {
		mixed[i] -= mean
		power += mixed[i] * mixed[i]
	}
	rms := math.Sqrt(power/float64(samples)) + 1e-9

	gain := mixTargetRMS / rms
	if gain > mixMaxGain {
		gain = mixMaxGain
	}

	out := make([]byte, chunkBytes)
	for i := range mixed {
		v := mixed[i] * gain
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}
