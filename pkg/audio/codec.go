package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrDecode is wrapped by every decoding failure in this package.
var ErrDecode = errors.New("audio: decode error")

// pcmMIMEPrefix is the MIME type prefix for raw little-endian PCM16.
const pcmMIMEPrefix = "audio/pcm"

// Encode converts raw bytes into the transport-safe form used on the realtime
// socket (standard base64). It is lossless and never fails.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode is the inverse of [Encode]. Malformed input yields an error wrapping
// [ErrDecode].
func Decode(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: transport string: %v", ErrDecode, err)
	}
	return data, nil
}

// DecodeAudioData interprets data as interleaved little-endian PCM16 and
// returns a playable [Buffer] at the given rate and channel count. Each sample
// is normalised by 1/32768. The byte length must be a whole number of frames.
func DecodeAudioData(data []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid format %s", ErrDecode, formatString(sampleRate, channels))
	}
	frameSize := 2 * channels
	if len(data)%frameSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of the %d-byte frame size", ErrDecode, len(data), frameSize)
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / 32768
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// Float32ToPCM16 converts normalised float samples to little-endian PCM16
// using a scale factor of 32768. Values are truncated toward zero; anything
// outside the int16 range is clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := float64(f) * 32768
		switch {
		case v >= 32767:
			v = 32767
		case v <= -32768:
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCMMIMEType returns the MIME tag for PCM16 at rate, e.g. "audio/pcm;rate=16000".
func PCMMIMEType(rate int) string {
	return pcmMIMEPrefix + ";rate=" + strconv.Itoa(rate)
}

// ParsePCMRate extracts the rate parameter from a PCM MIME tag. It returns
// false when mime is not audio/pcm or carries no usable rate.
func ParsePCMRate(mime string) (int, bool) {
	kind, params, _ := strings.Cut(mime, ";")
	if strings.TrimSpace(kind) != pcmMIMEPrefix {
		return 0, false
	}
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k != "rate" {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, false
		}
		return rate, true
	}
	return 0, false
}
