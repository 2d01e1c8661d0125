package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnsupportedWAV is returned for WAV streams that are not 16-bit PCM.
var ErrUnsupportedWAV = errors.New("unsupported wav format")

// EncodeWAV wraps a mono buffer in a PCM16 WAV container.
func EncodeWAV(buf Buffer) ([]byte, error) {
	var out bytes.Buffer
	if err := WriteWAV(&out, buf); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// WriteWAVFile writes buf to path as a PCM16 WAV file.
func WriteWAVFile(path string, buf Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAV(f, buf)
}

// WriteWAV writes buf as a PCM16 WAV stream.
func WriteWAV(out io.Writer, buf Buffer) error {
	const audioFormat = 1 // PCM

	channels := buf.Channels
	if channels <= 0 {
		channels = 1
	}
	sampleRate := buf.SampleRate
	if sampleRate <= 0 {
		sampleRate = WireOutputRate
	}
	pcm := EncodePCM16(buf.Samples)

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * channels * bytesPerSample)
	blockAlign := uint16(channels * bytesPerSample)

	w := bufio.NewWriter(out)
	fields := []any{
		[]byte("RIFF"), uint32(36) + dataSize, []byte("WAVE"),
		[]byte("fmt "), uint32(16), uint16(audioFormat), uint16(channels),
		uint32(sampleRate), byteRate, blockAlign, uint16(bytesPerSample * 8),
		[]byte("data"), dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// ReadWAVFile loads a PCM16 WAV file. Multi-channel input is down-mixed to mono.
func ReadWAVFile(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, err
	}
	defer f.Close()
	return ReadWAV(f)
}

// ReadWAV parses a PCM16 WAV stream, skipping chunks other than fmt and data.
func ReadWAV(in io.Reader) (Buffer, error) {
	r := bufio.NewReader(in)
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Buffer{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Buffer{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedWAV)
	}

	var (
		channels   int
		sampleRate int
		haveFmt    bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Buffer{}, fmt.Errorf("%w: no data chunk", ErrUnsupportedWAV)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Buffer{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return Buffer{}, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedWAV)
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || bits != 16 || channels <= 0 {
				return Buffer{}, fmt.Errorf("%w: format=%d bits=%d channels=%d", ErrUnsupportedWAV, format, bits, channels)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Buffer{}, fmt.Errorf("%w: data before fmt", ErrUnsupportedWAV)
			}
			body := make([]byte, size)
			n, err := io.ReadFull(r, body)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return Buffer{}, fmt.Errorf("read data chunk: %w", err)
			}
			body = body[:n-n%(bytesPerSample*channels)]
			buf, err := DecodePCM16(body, sampleRate)
			if err != nil {
				return Buffer{}, err
			}
			return downmix(buf, channels), nil
		default:
			if _, err := r.Discard(int(size + size%2)); err != nil {
				return Buffer{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

func downmix(buf Buffer, channels int) Buffer {
	if channels <= 1 {
		return buf
	}
	frames := len(buf.Samples) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += buf.Samples[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return Buffer{Samples: mono, SampleRate: buf.SampleRate, Channels: 1}
}
