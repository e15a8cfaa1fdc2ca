package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmFrame(samples []int16, rate int) Frame {
	payload := make([]byte, len(samples)*2)
	for i, s := range samples {
		payload[i*2] = byte(s)
		payload[i*2+1] = byte(s >> 8)
	}
	return Frame{
		Source:    SourceAI,
		Seq:       7,
		Timestamp: time.Now(),
		Format:    Format{Encoding: EncodingPCM16, SampleRate: rate},
		Payload:   payload,
	}
}

func decodeSamples(t *testing.T, payload []byte) []int16 {
	t.Helper()
	require.Zero(t, len(payload)%2)
	samples := make([]int16, len(payload)/2)
	for i := range samples {
		samples[i] = int16(payload[i*2]) | int16(payload[i*2+1])<<8
	}
	return samples
}

func TestTranscodePassthrough(t *testing.T) {
	in := Frame{Source: SourceTelephony, Seq: 3, Format: MuLaw8k, Payload: []byte{0x00, 0x7f, 0xff}}
	out, err := Transcode(in, MuLaw8k)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTranscodePreservesIdentity(t *testing.T) {
	in := pcmFrame([]int16{100, -100, 2000}, 8000)
	out, err := Transcode(in, MuLaw8k)
	require.NoError(t, err)
	assert.Equal(t, in.Source, out.Source)
	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, MuLaw8k, out.Format)
}

func TestMuLawRoundTrip(t *testing.T) {
	// µ-law is lossy; a round trip must stay within the quantization step
	// for mid-range samples.
	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000}
	in := pcmFrame(samples, 8000)

	encoded, err := Transcode(in, MuLaw8k)
	require.NoError(t, err)
	require.Len(t, encoded.Payload, len(samples))

	decoded, err := Transcode(encoded, PCM8k)
	require.NoError(t, err)

	out := decodeSamples(t, decoded.Payload)
	require.Len(t, out, len(samples))
	for i, want := range samples {
		diff := int32(want) - int32(out[i])
		if diff < 0 {
			diff = -diff
		}
		// Quantization error grows with magnitude; 3% of full scale covers
		// the largest µ-law segment.
		assert.LessOrEqual(t, diff, int32(1000), "sample %d: %d -> %d", i, want, out[i])
	}
}

func TestTranscodeResample(t *testing.T) {
	t.Run("upsample doubles the payload per factor", func(t *testing.T) {
		in := pcmFrame(make([]int16, 80), 8000)
		out, err := Transcode(in, PCM24k)
		require.NoError(t, err)
		assert.Equal(t, 80*3*2, len(out.Payload))
		assert.Equal(t, PCM24k, out.Format)
	})

	t.Run("downsample shrinks the payload per factor", func(t *testing.T) {
		in := pcmFrame(make([]int16, 240), 24000)
		out, err := Transcode(in, PCM8k)
		require.NoError(t, err)
		assert.Equal(t, 240/3*2, len(out.Payload))
	})

	t.Run("mulaw to wideband pcm", func(t *testing.T) {
		in := Frame{Format: MuLaw8k, Payload: make([]byte, 160)}
		out, err := Transcode(in, PCM24k)
		require.NoError(t, err)
		assert.Equal(t, 160*3*2, len(out.Payload))
	})

	t.Run("non-integer ratio is unsupported", func(t *testing.T) {
		in := pcmFrame(make([]int16, 160), 16000)
		_, err := Transcode(in, PCM24k)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})
}

func TestTranscodeUnsupported(t *testing.T) {
	t.Run("mulaw target above 8k", func(t *testing.T) {
		in := pcmFrame(make([]int16, 10), 8000)
		_, err := Transcode(in, Format{Encoding: EncodingMuLaw, SampleRate: 16000})
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("unknown source encoding", func(t *testing.T) {
		in := Frame{Format: Format{Encoding: "opus", SampleRate: 48000}, Payload: []byte{1}}
		_, err := Transcode(in, PCM8k)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("unknown target encoding", func(t *testing.T) {
		in := pcmFrame(make([]int16, 10), 8000)
		_, err := Transcode(in, Format{Encoding: "opus", SampleRate: 8000})
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})
}

func TestBase64Helpers(t *testing.T) {
	data := []byte{0x00, 0x7f, 0xff, 0x80}
	encoded := BytesToBase64(data)
	decoded, err := Base64ToBytes(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)

	_, err = Base64ToBytes("not base64!!")
	assert.Error(t, err)
}
