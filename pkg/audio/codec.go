package audio

import "fmt"

const (
	// BrowserSampleRate is the PCM sample rate used on the browser transport.
	BrowserSampleRate = 24000

	// TelephonySampleRate is the mu-law sample rate used on the telephony
	// transport.
	TelephonySampleRate = 8000
)

// FormatError reports codec misuse: feeding bytes of one encoding into a
// transform that expects another. This is a programmer error in the wiring,
// not a runtime condition to recover from.
type FormatError struct {
	Op   string
	Want Encoding
	Got  Encoding
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("audio: %s: frame encoding %q, want %q", e.Op, e.Got, e.Want)
}

// EncodeForUpstream converts raw linear PCM samples into the wire encoding the
// upstream session expects for the given transport: Linear16 at 24 kHz for the
// browser transport, mono mu-law at 8 kHz for telephony. The input frame must
// carry Linear16 data; anything else is a *FormatError.
func EncodeForUpstream(frame Frame, mulaw bool) ([]byte, error) {
	if frame.Encoding != Linear16 {
		return nil, &FormatError{Op: "encode for upstream", Want: Linear16, Got: frame.Encoding}
	}
	if len(frame.Data)%2 != 0 {
		return nil, &FormatError{Op: "encode for upstream: odd PCM byte count", Want: Linear16, Got: frame.Encoding}
	}
	if !mulaw {
		return frame.Data, nil
	}

	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if frame.SampleRate != TelephonySampleRate {
		pcm = ResampleMono16(pcm, frame.SampleRate, TelephonySampleRate)
	}
	return EncodeMulaw(pcm), nil
}

// DecodeFromUpstream wraps upstream audio delta bytes in a Frame with the
// format descriptor implied by the session's negotiated output format. The
// bytes are not transformed — the upstream engine already emits the format
// requested during negotiation.
func DecodeFromUpstream(data []byte, mulaw bool) (Frame, error) {
	if mulaw {
		return Frame{
			Data:       data,
			Encoding:   Mulaw8k,
			SampleRate: TelephonySampleRate,
			Channels:   1,
		}, nil
	}
	if len(data)%2 != 0 {
		return Frame{}, &FormatError{Op: "decode from upstream: odd PCM byte count", Want: Linear16, Got: Linear16}
	}
	return Frame{
		Data:       data,
		Encoding:   Linear16,
		SampleRate: BrowserSampleRate,
		Channels:   1,
	}, nil
}

// DecodeMulaw expands G.711 mu-law bytes into little-endian int16 PCM.
func DecodeMulaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := mulawToLinear(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeMulaw compresses little-endian int16 PCM into G.711 mu-law bytes.
// A trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = linearToMulaw(s)
	}
	return out
}

// mulawToLinear expands one mu-law byte to a 16-bit sample (G.711).
func mulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + 0x84
	value <<= uint(exp)
	value -= 0x84
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// linearToMulaw compresses one 16-bit sample to a mu-law byte (G.711).
func linearToMulaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	v := int(sample)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > clip {
		v = clip
	}
	v += bias

	exp := byte(7)
	for mask := 0x4000; (v&mask) == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | (exp << 4) | mant)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
