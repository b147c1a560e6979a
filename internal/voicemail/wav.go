package voicemail

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// WAV format codes.
	wavFormatPCM  = 1
	wavFormatPCMA = 6 // G.711 a-law
	wavFormatPCMU = 7 // G.711 u-law

	// wavHeaderSize is the size of the WAV file header we write.
	wavHeaderSize = 44
)

// ErrNotWAV is returned when a file lacks a RIFF/WAVE header.
var ErrNotWAV = errors.New("voicemail: not a wav file")

// writeWAVHeader writes a standard 44-byte WAV file header for G.711 audio.
// format is the WAV audio format code (6=a-law, 7=u-law).
// dataSize is the size of the audio data section in bytes.
//
// WAV parameters: 8000 Hz sample rate, mono, 8 bits per sample.
func writeWAVHeader(w io.Writer, format uint16, dataSize uint32) error {
	var hdr [wavHeaderSize]byte

	// RIFF header.
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	// fmt sub-chunk.
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // sub-chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], format)
	binary.LittleEndian.PutUint16(hdr[22:24], 1)    // mono
	binary.LittleEndian.PutUint32(hdr[24:28], 8000) // sample rate
	binary.LittleEndian.PutUint32(hdr[28:32], 8000) // byte rate (8000 * 1 * 1)
	binary.LittleEndian.PutUint16(hdr[32:34], 1)    // block align (1 channel * 1 byte)
	binary.LittleEndian.PutUint16(hdr[34:36], 8)    // bits per sample

	// data sub-chunk.
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := w.Write(hdr[:])
	return err
}

// WAVInfo describes the audio in a WAV file.
type WAVInfo struct {
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BitsPerSample uint16
	// DataOffset is the file offset of the first audio byte.
	DataOffset int64
	DataSize   uint32
}

// DurationSecs returns the whole seconds of audio.
func (i WAVInfo) DurationSecs() int {
	if i.ByteRate == 0 {
		return 0
	}
	return int(i.DataSize / i.ByteRate)
}

// ReadWAVInfo parses the RIFF chunks of r up to the start of the audio data.
func ReadWAVInfo(r io.Reader) (WAVInfo, error) {
	var info WAVInfo
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return info, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return info, ErrNotWAV
	}

	offset := int64(len(riff))
	haveFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return info, fmt.Errorf("reading wav chunk header: %w", err)
		}
		offset += 8
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return info, fmt.Errorf("wav fmt chunk too short: %d bytes", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return info, fmt.Errorf("reading wav fmt chunk: %w", err)
			}
			info.Format = binary.LittleEndian.Uint16(body[0:2])
			info.Channels = binary.LittleEndian.Uint16(body[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			info.ByteRate = binary.LittleEndian.Uint32(body[8:12])
			info.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return info, fmt.Errorf("wav data chunk before fmt chunk")
			}
			info.DataOffset = offset
			info.DataSize = size
			return info, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return info, fmt.Errorf("skipping wav chunk %q: %w", id, err)
			}
		}
		offset += int64(size)
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return info, fmt.Errorf("skipping wav chunk padding: %w", err)
			}
			offset++
		}
	}
}

// WAVFileInfo opens path and parses its header. A data size larger than the
// file (left by an interrupted writer) is clamped to the bytes present.
func WAVFileInfo(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, err
	}
	defer f.Close()

	info, err := ReadWAVInfo(f)
	if err != nil {
		return info, err
	}
	st, err := f.Stat()
	if err != nil {
		return info, err
	}
	if avail := st.Size() - info.DataOffset; avail >= 0 && int64(info.DataSize) > avail {
		info.DataSize = uint32(avail)
	}
	return info, nil
}
