package audio

import "math"

const (
	ToneFrequency = 440.0
	ToneAmplitude = 16000
)

// GenerateSineWave produces a sine wave at the given frequency and duration
// as 48kHz mono int16 PCM samples.
func GenerateSineWave(durationSec, frequency float64) []int16 {
	numSamples := int(durationSec * SampleRate)
	samples := make([]int16, numSamples)
	for i := range samples {
		t := float64(i) / SampleRate
		samples[i] = int16(ToneAmplitude * math.Sin(2*math.Pi*frequency*t))
	}
	return samples
}

// RMS returns the root-mean-square level of a PCM frame, normalized to [0,1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(samples))) / math.MaxInt16
}
