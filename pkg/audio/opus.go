package audio

import (
	"fmt"
	"time"

	"layeh.com/gopus"
)

// Opus always runs at 48 kHz on WebRTC; frames are 20 ms.
const (
	OpusSampleRate = 48000
	OpusFrameTime  = 20 * time.Millisecond

	// opusFrameSize is the number of samples per channel in one 20 ms frame.
	opusFrameSize = OpusSampleRate * int(OpusFrameTime/time.Millisecond) / 1000 // 960

	// maxOpusPacket bounds a single encoded packet.
	maxOpusPacket = 4000
)

// OpusCodec encodes outgoing and decodes incoming Opus for one media stream.
// Encoder and decoder keep state across frames, so use one codec per stream.
type OpusCodec struct {
	channels int
	enc      *gopus.Encoder
	dec      *gopus.Decoder
}

// NewOpusCodec creates a 48 kHz codec with the given channel count.
func NewOpusCodec(channels int) (*OpusCodec, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: opus supports 1 or 2 channels, got %d", channels)
	}
	enc, err := gopus.NewEncoder(OpusSampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusCodec{channels: channels, enc: enc, dec: dec}, nil
}

// Format is the PCM format the codec consumes and produces.
func (c *OpusCodec) Format() Format {
	return Format{SampleRate: OpusSampleRate, Channels: c.channels}
}

// FrameBytes is the PCM size of one 20 ms frame.
func (c *OpusCodec) FrameBytes() int {
	return opusFrameSize * c.channels * 2
}

// Encode compresses exactly one 20 ms frame of s16le PCM.
func (c *OpusCodec) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != c.FrameBytes() {
		return nil, fmt.Errorf("audio: opus encode: frame is %d bytes, want %d", len(pcm), c.FrameBytes())
	}
	packet, err := c.enc.Encode(BytesToInt16s(pcm), opusFrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// Decode expands one Opus packet to s16le PCM.
func (c *OpusCodec) Decode(packet []byte) ([]byte, error) {
	pcm, err := c.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// Framer re-chunks arbitrary PCM writes into fixed-size frames.
type Framer struct {
	size    int
	pending []byte
}

// NewFramer returns a Framer that emits frames of size bytes.
func NewFramer(size int) *Framer {
	return &Framer{size: size}
}

// Push appends pcm and returns every complete frame now available.
func (f *Framer) Push(pcm []byte) [][]byte {
	f.pending = append(f.pending, pcm...)
	var frames [][]byte
	for len(f.pending) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.pending[:f.size])
		f.pending = f.pending[f.size:]
		frames = append(frames, frame)
	}
	return frames
}

// Flush returns the remaining partial frame padded with silence, or nil.
func (f *Framer) Flush() []byte {
	if len(f.pending) == 0 {
		return nil
	}
	frame := make([]byte, f.size)
	copy(frame, f.pending)
	f.pending = f.pending[:0]
	return frame
}
