// Package audio provides the audio frame model, the wire codec, and the
// ordered playback queue used by the voicefront relay.
//
// Two encodings flow through the system: uncompressed little-endian 16-bit
// PCM (browser capture and playback) and 8-bit G.711 mu-law at 8 kHz
// (telephony media streams). Frames are the atomic transport unit — decoded
// from upstream audio deltas, queued for ordered playback, and re-encoded
// for the downstream wire.
package audio

import "time"

// Encoding identifies the byte layout of a Frame's data.
type Encoding string

const (
	// Linear16 is uncompressed little-endian 16-bit PCM.
	Linear16 Encoding = "linear16"

	// Mulaw8k is 8-bit G.711 mu-law at 8000 Hz, single channel.
	Mulaw8k Encoding = "mulaw8k"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == Linear16 || e == Mulaw8k
}

// Frame is a single chunk of audio plus its format descriptor. Ownership is
// transient: a frame is produced by one codec call, consumed exactly once
// (upstream send, playback queue, or telephony emit), then discarded.
type Frame struct {
	// Data holds the encoded samples. For Linear16 this is little-endian
	// int16 PCM (2 bytes per sample); for Mulaw8k one byte per sample.
	Data []byte

	// Encoding describes the byte layout of Data.
	Encoding Encoding

	// SampleRate in Hz (24000 for browser PCM, 8000 for telephony mu-law).
	SampleRate int

	// Channels is the channel count. Telephony frames are always mono.
	Channels int
}

// Duration returns the playback length of the frame, or zero when the frame
// is malformed (unknown encoding, zero rate).
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	var samples int
	switch f.Encoding {
	case Linear16:
		samples = len(f.Data) / 2 / f.Channels
	case Mulaw8k:
		samples = len(f.Data) / f.Channels
	default:
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
