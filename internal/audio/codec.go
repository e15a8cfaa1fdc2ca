package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedFormat is returned when a source/target format pair is
// outside the supported set. This is a configuration bug, fatal to the call.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Source identifies which transport produced a frame.
type Source string

const (
	SourceTelephony Source = "telephony"
	SourceAI        Source = "ai"
)

// Encoding identifies the sample encoding of a frame payload.
type Encoding string

const (
	EncodingMuLaw Encoding = "g711_ulaw"
	EncodingPCM16 Encoding = "pcm16"
)

// Format describes the encoding and sample rate of a frame payload.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

var (
	// MuLaw8k is the fixed narrow-band telephony format (Twilio media streams).
	MuLaw8k = Format{Encoding: EncodingMuLaw, SampleRate: 8000}
	// PCM16k and PCM24k are the wide-band formats the AI transports speak.
	PCM8k  = Format{Encoding: EncodingPCM16, SampleRate: 8000}
	PCM16k = Format{Encoding: EncodingPCM16, SampleRate: 16000}
	PCM24k = Format{Encoding: EncodingPCM16, SampleRate: 24000}
)

// Frame is an ordered chunk of audio from one source. Immutable once
// produced; sequence numbers are strictly increasing per source.
type Frame struct {
	Source    Source
	Seq       uint64
	Timestamp time.Time
	Format    Format
	Payload   []byte
}

// Transcode converts a frame to the target format, preserving source, sequence
// and timestamp. Supported: µ-law 8kHz to and from PCM16 at 8/16/24 kHz, and
// PCM16 resampling between rates with an integer ratio. Same-format calls
// pass the payload through untouched.
func Transcode(f Frame, target Format) (Frame, error) {
	if f.Format == target {
		return f, nil
	}

	pcm, rate, err := decodeToPCM(f)
	if err != nil {
		return Frame{}, err
	}

	if target.Encoding == EncodingPCM16 {
		resampled, err := resample(pcm, rate, target.SampleRate)
		if err != nil {
			return Frame{}, err
		}
		return retagged(f, target, resampled), nil
	}

	if target.Encoding == EncodingMuLaw {
		if target.SampleRate != 8000 {
			return Frame{}, fmt.Errorf("mulaw at %d Hz: %w", target.SampleRate, ErrUnsupportedFormat)
		}
		resampled, err := resample(pcm, rate, 8000)
		if err != nil {
			return Frame{}, err
		}
		return retagged(f, target, pcmToMuLaw(resampled)), nil
	}

	return Frame{}, fmt.Errorf("target encoding %q: %w", target.Encoding, ErrUnsupportedFormat)
}

func retagged(f Frame, format Format, payload []byte) Frame {
	return Frame{
		Source:    f.Source,
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Format:    format,
		Payload:   payload,
	}
}

func decodeToPCM(f Frame) ([]byte, int, error) {
	switch f.Format.Encoding {
	case EncodingPCM16:
		return f.Payload, f.Format.SampleRate, nil
	case EncodingMuLaw:
		if f.Format.SampleRate != 8000 {
			return nil, 0, fmt.Errorf("mulaw at %d Hz: %w", f.Format.SampleRate, ErrUnsupportedFormat)
		}
		return muLawToPCM(f.Payload), 8000, nil
	default:
		return nil, 0, fmt.Errorf("source encoding %q: %w", f.Format.Encoding, ErrUnsupportedFormat)
	}
}

func resample(pcm []byte, from, to int) ([]byte, error) {
	if from == to {
		return pcm, nil
	}
	if to > from && to%from == 0 {
		return upsamplePCM(pcm, to/from), nil
	}
	if from > to && from%to == 0 {
		return downsamplePCM(pcm, from/to), nil
	}
	return nil, fmt.Errorf("resample %d Hz to %d Hz: %w", from, to, ErrUnsupportedFormat)
}

func Base64ToBytes(base64String string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64String)
}

func BytesToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func muLawToPCM(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, mulawByte := range mulaw {
		sample := mulawToLinear(mulawByte)
		// Little-endian 16-bit PCM
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}

func pcmToMuLaw(pcm []byte) []byte {
	mulaw := make([]byte, len(pcm)/2)
	for i := 0; i < len(pcm)-1; i += 2 {
		// Get 16-bit PCM sample (little-endian)
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		mulaw[i/2] = linearToMulaw(sample)
	}
	return mulaw
}

func mulawToLinear(mulawByte byte) int16 {
	const BIAS = 0x84

	// Invert all bits
	mulawByte = ^mulawByte

	// Extract sign, exponent, and mantissa
	sign := mulawByte & 0x80
	exponent := (mulawByte >> 4) & 0x07
	mantissa := mulawByte & 0x0F

	// Compute sample
	sample := int16(mantissa<<3 | 0x84)
	sample <<= exponent
	sample -= BIAS

	if sign != 0 {
		return -sample
	}
	return sample
}

func linearToMulaw(sample int16) byte {
	const BIAS = 0x84
	const CLIP = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}

	if sample > CLIP {
		sample = CLIP
	}

	sample += BIAS

	// Segment number from the most significant bit; the bias guarantees
	// bit 7 is set, so exponent never underflows.
	exponent := uint8(7)
	for mask := int16(0x4000); mask != 0 && (sample&mask) == 0; mask >>= 1 {
		exponent--
	}

	mantissa := uint8((sample >> (exponent + 3)) & 0x0F)

	return ^(sign | (exponent << 4) | mantissa)
}

func downsamplePCM(pcm []byte, factor int) []byte {
	// Simple downsampling - take every Nth sample
	samples := len(pcm) / 2 // 16-bit samples
	downsampled := make([]byte, (samples/factor)*2)

	j := 0
	for i := 0; i < len(pcm)-1; i += 2 * factor {
		if j < len(downsampled)-1 {
			downsampled[j] = pcm[i]
			downsampled[j+1] = pcm[i+1]
			j += 2
		}
	}

	return downsampled[:j]
}

func upsamplePCM(pcm []byte, factor int) []byte {
	samples := len(pcm) / 2 // 16-bit samples
	upsampled := make([]byte, samples*factor*2)

	for i := 0; i < samples-1; i++ {
		// Get current and next samples
		current := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		next := int16(pcm[(i+1)*2]) | int16(pcm[(i+1)*2+1])<<8

		// Linear interpolation between samples
		for j := 0; j < factor; j++ {
			interpolated := current + int16(int32(next-current)*int32(j)/int32(factor))
			idx := (i*factor + j) * 2
			if idx < len(upsampled)-1 {
				upsampled[idx] = byte(interpolated)
				upsampled[idx+1] = byte(interpolated >> 8)
			}
		}
	}

	// Handle last sample
	if samples > 0 {
		lastSample := int16(pcm[(samples-1)*2]) | int16(pcm[(samples-1)*2+1])<<8
		for j := 0; j < factor; j++ {
			idx := ((samples-1)*factor + j) * 2
			if idx < len(upsampled)-1 {
				upsampled[idx] = byte(lastSample)
				upsampled[idx+1] = byte(lastSample >> 8)
			}
		}
	}

	return upsampled
}
