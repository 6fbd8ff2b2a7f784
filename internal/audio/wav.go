// Package audio turns captured PCM chunks into WAV files and plays them back.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	bitsPerSample = 16
	pcmFormatTag  = 1
	headerSize    = 44
)

// Format describes the raw PCM16 stream delivered by the daemon.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is 16 kHz mono, what the speech daemon captures at.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

func (f Format) blockAlign() int {
	return f.Channels * bitsPerSample / 8
}

// Duration returns the play time in seconds of n PCM bytes.
func (f Format) Duration(n int) float64 {
	bps := f.SampleRate * f.blockAlign()
	if bps == 0 {
		return 0
	}
	return float64(n) / float64(bps)
}

// EncodeWAV joins chunks in order and prefixes a canonical 44-byte header.
// A trailing odd byte is dropped so the data stays frame aligned.
func EncodeWAV(f Format, chunks [][]byte) ([]byte, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("invalid format %+v", f)
	}

	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	size -= size % f.blockAlign()

	var buf bytes.Buffer
	buf.Grow(headerSize + size)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+size))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(pcmFormatTag))
	binary.Write(&buf, binary.LittleEndian, uint16(f.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate*f.blockAlign()))
	binary.Write(&buf, binary.LittleEndian, uint16(f.blockAlign()))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(size))

	remaining := size
	for _, c := range chunks {
		if remaining == 0 {
			break
		}
		if len(c) > remaining {
			c = c[:remaining]
		}
		buf.Write(c)
		remaining -= len(c)
	}

	return buf.Bytes(), nil
}
