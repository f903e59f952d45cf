package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Browser microphone capture arrives as 48 kHz stereo Opus in 20 ms frames.
const (
	// OpusSampleRate is the capture sample rate in Hz.
	OpusSampleRate = 48000

	// OpusChannels is the capture channel count.
	OpusChannels = 2

	opusFrameMs = 20

	// opusFrameSize is the samples per channel per 20 ms frame.
	opusFrameSize = OpusSampleRate * opusFrameMs / 1000
)

// OpusDecoder decodes one Opus stream into interleaved PCM16. Decoders carry
// state across consecutive frames, so each inbound stream needs its own.
// Not safe for concurrent use.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder returns a decoder configured for browser capture.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(OpusSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet into interleaved little-endian PCM16 bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// Int16sToBytes converts PCM16 samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to PCM16 samples. A trailing
// odd byte is dropped.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
