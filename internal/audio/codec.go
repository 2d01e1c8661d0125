package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// WireInputRate is the sample rate the live model expects for microphone audio.
	WireInputRate = 16000
	// WireOutputRate is the sample rate of audio produced by the live model.
	WireOutputRate = 24000

	bytesPerSample = 2
)

// ErrDecode marks inbound audio payloads that could not be turned into a buffer.
var ErrDecode = errors.New("audio decode failed")

// Frame is a fixed window of mono samples at a declared rate. Frames are never
// mutated after they are cut.
type Frame struct {
	Samples    []float32
	SampleRate int
}

// Packet is the wire form of one Frame: PCM16LE bytes tagged as realtime audio input.
type Packet struct {
	MIMEType   string
	PCM        []byte
	SampleRate int
}

// Base64 applies the transport's text framing to the packet payload.
func (p Packet) Base64() string {
	return base64.StdEncoding.EncodeToString(p.PCM)
}

// Buffer is a decoded, playable chunk of audio.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration returns the play time of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.Samples) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}

// PCMMIMEType returns the MIME type used on the wire for raw PCM16 at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// EncodePCM16 quantizes samples to signed 16-bit little-endian PCM. Values outside
// [-1, 1] are clamped rather than wrapped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(quantize(s)))
	}
	return out
}

// EncodeFrame encodes a frame into its outbound packet.
func EncodeFrame(f Frame) Packet {
	return Packet{
		MIMEType:   PCMMIMEType(f.SampleRate),
		PCM:        EncodePCM16(f.Samples),
		SampleRate: f.SampleRate,
	}
}

// EncodeBase64 is EncodePCM16 followed by base64 framing.
func EncodeBase64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DecodePCM16 turns PCM16LE bytes into a mono buffer at sampleRate. A payload that
// is empty or ends in half a sample is rejected instead of being truncated.
func DecodePCM16(data []byte, sampleRate int) (Buffer, error) {
	if sampleRate <= 0 {
		return Buffer{}, fmt.Errorf("%w: invalid sample rate %d", ErrDecode, sampleRate)
	}
	if len(data) == 0 {
		return Buffer{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if len(data)%bytesPerSample != 0 {
		return Buffer{}, fmt.Errorf("%w: truncated payload (%d bytes)", ErrDecode, len(data))
	}
	samples := make([]float32, len(data)/bytesPerSample)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
		samples[i] = float32(v) / 32768
	}
	return Buffer{Samples: samples, SampleRate: sampleRate, Channels: 1}, nil
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(payload string, sampleRate int) (Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return DecodePCM16(raw, sampleRate)
}

func quantize(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s >= 1 {
		return math.MaxInt16
	}
	if s <= -1 {
		return math.MinInt16
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}
