// Package audio holds the PCM plumbing shared by the capture pipeline, the
// transport providers, and the playback scheduler.
//
// Two representations are in play:
//
//   - Wire PCM: interleaved little-endian signed 16-bit samples, exchanged with
//     the live service (16 kHz mono outbound, 24 kHz mono inbound).
//   - [Buffer]: de-interleaved float32 samples in [-1, 1], ready for a device
//     output to render.
//
// Conversion between the two, base64 transport encoding, and sample-rate
// conversion for mismatched devices live here.
package audio

import "time"

const (
	// InputSampleRate is the rate of microphone audio sent to the live service.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of model audio received from the live service.
	OutputSampleRate = 24000

	// InputMIMEType labels outbound realtime chunks.
	InputMIMEType = "audio/pcm;rate=16000"
)

// AudioFrame is one chunk of wire PCM flowing through the pipeline. Frames are
// immutable once handed to a transport.
type AudioFrame struct {
	// Data is interleaved little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for model output).
	SampleRate int

	// Channels is the interleaved channel count; 1 throughout the live path.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Samples returns the number of per-channel samples in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels < 1 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
