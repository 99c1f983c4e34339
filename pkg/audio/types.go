package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the session.
// Frames are the atomic unit of audio transport: captured from the microphone,
// encoded for the remote peer, decoded from it, fed to recognizers and played
// through the speaker.
type AudioFrame struct {
	// PCM audio data, signed 16-bit little-endian, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Opus, 16000 for recognizers).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}.DurationOf(len(f.Data))
}

// DurationOf returns how long n bytes of s16le PCM in this format play for.
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesPerSecond is the s16le byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// FrameBytes is the size in bytes of one frame of length d.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}
