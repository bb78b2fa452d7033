package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrDecode marks any failure to turn transported audio back into samples.
	ErrDecode = errors.New("audio: decode failed")

	// ErrMisalignedPCM is returned by [PCM16ToBuffer] when the byte count is not
	// a whole number of interleaved int16 frames. It always accompanies [ErrDecode].
	ErrMisalignedPCM = errors.New("audio: pcm length not aligned to sample frames")
)

// EncodeBase64 encodes raw bytes for JSON transport. It is the exact inverse of
// [DecodeBase64].
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a standard, padded base64 string.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %w", ErrDecode, err)
	}
	return b, nil
}

// Buffer is de-interleaved float PCM ready for playback.
type Buffer struct {
	SampleRate int
	data       [][]float32
}

// NewBuffer wraps per-channel sample slices. All channels must have equal length.
func NewBuffer(sampleRate int, channels ...[]float32) *Buffer {
	return &Buffer{SampleRate: sampleRate, data: channels}
}

// Channels returns the channel count.
func (b *Buffer) Channels() int { return len(b.data) }

// Channel returns the samples of channel i. The slice is shared, not copied.
func (b *Buffer) Channel(i int) []float32 { return b.data[i] }

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if len(b.data) == 0 {
		return 0
	}
	return len(b.data[0])
}

// Duration returns Frames / SampleRate.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// PCM16ToBuffer de-interleaves little-endian int16 PCM into a [Buffer],
// scaling each sample by 1/32768. The byte length must be a multiple of
// 2*channels; otherwise the error wraps [ErrDecode] and [ErrMisalignedPCM].
func PCM16ToBuffer(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if channels < 1 {
		return nil, fmt.Errorf("audio: invalid channel count %d", channels)
	}
	if sampleRate < 1 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	stride := 2 * channels
	if len(pcm)%stride != 0 {
		return nil, fmt.Errorf("%w: %w: %d bytes for %d channel(s)", ErrDecode, ErrMisalignedPCM, len(pcm), channels)
	}

	frames := len(pcm) / stride
	data := make([][]float32, channels)
	for c := range data {
		data[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := i*stride + c*2
			s := int16(binary.LittleEndian.Uint16(pcm[off:]))
			data[c][i] = float32(s) / 32768
		}
	}
	return &Buffer{SampleRate: sampleRate, data: data}, nil
}

// FloatToPCM16 converts float samples to little-endian int16 PCM by scaling
// with 32768 and truncating toward zero. Values outside the int16 range
// saturate.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32768
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat converts mono little-endian int16 PCM to float samples in
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// Float32ToSamples decodes little-endian IEEE 754 float32 samples, the format
// browsers produce from an AudioWorklet. The byte count must be a multiple of 4.
func Float32ToSamples(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %w: %d bytes of float32", ErrDecode, ErrMisalignedPCM, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
