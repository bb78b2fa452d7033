package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// CaptureFormat is the format the live service expects from the microphone.
var CaptureFormat = Format{SampleRate: InputSampleRate, Channels: 1}

// Bounds accepted for a device format.
const (
	MinSampleRate = 8000
	MaxSampleRate = 192000
	MaxChannels   = 8
)

// ErrFormat is returned by [Format.Validate] for an unsupported device format.
var ErrFormat = errors.New("audio: unsupported format")

// Validate reports whether f lies within the supported rate and channel bounds.
func (f Format) Validate() error {
	if f.SampleRate < MinSampleRate || f.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample rate %d outside [%d, %d]", ErrFormat, f.SampleRate, MinSampleRate, MaxSampleRate)
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return fmt.Errorf("%w: %d channels outside [1, %d]", ErrFormat, f.Channels, MaxChannels)
	}
	return nil
}

// FloatConverter brings interleaved float samples from a device format to mono
// at the target rate. It logs once on the first mismatch. Create one per
// stream; it is not safe for concurrent use.
type FloatConverter struct {
	Source     Format
	TargetRate int
	warnOnce   sync.Once
}

// Convert downmixes and resamples one block of interleaved samples. Blocks that
// already match the target are returned unchanged.
func (c *FloatConverter) Convert(samples []float32) []float32 {
	channels := max(c.Source.Channels, 1)
	if channels == 1 && c.Source.SampleRate == c.TargetRate {
		return samples
	}
	c.warnOnce.Do(func() {
		slog.Warn("audio: converting capture format",
			"from", c.Source.String(),
			"to", Format{SampleRate: c.TargetRate, Channels: 1}.String(),
		)
	})
	mono := DownmixFloat(samples, channels)
	return ResampleFloat(mono, c.Source.SampleRate, c.TargetRate)
}

// DownmixFloat averages interleaved channels into one. Trailing partial frames
// are dropped.
func DownmixFloat(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleFloat converts mono float samples from srcRate to dstRate with linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleFloat(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	step := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * step
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0 + (s1-s0)*frac
	}
	return out
}

// ResampleMono16 resamples little-endian int16 mono PCM from srcRate to dstRate
// using linear interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	return FloatToPCM16(ResampleFloat(PCM16ToFloat(pcm), srcRate, dstRate))
}
