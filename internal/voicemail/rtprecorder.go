package voicemail

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"
)

const (
	// RTP payload types for G.711 codecs.
	PayloadPCMU = 0
	PayloadPCMA = 8

	// PayloadTelephoneEvent is the RFC 4733 telephone-event payload type
	// most endpoints negotiate.
	PayloadTelephoneEvent = 101

	// minRTPHeader is the minimum RTP header size (12 bytes, no CSRCs).
	minRTPHeader = 12

	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500

	// readTimeout is the read deadline for UDP sockets. This allows the
	// recording loop to periodically check for cancellation.
	readTimeout = 100 * time.Millisecond

	// silenceTimeout is the default duration without packets after which
	// recording stops.
	silenceTimeout = 5 * time.Second
)

// RTPRecorder captures incoming RTP audio from a UDP connection and writes
// it to a WAV file. It handles RTP payload extraction, silence detection,
// telephone-event terminators and max duration enforcement.
type RTPRecorder struct {
	conn        *net.UDPConn
	payloadType int
	eventType   int
	logger      *slog.Logger
}

// NewRTPRecorder creates a recorder that reads RTP packets of payloadType
// (PayloadPCMU or PayloadPCMA) from conn, the caller-leg media socket.
func NewRTPRecorder(conn *net.UDPConn, payloadType int, logger *slog.Logger) *RTPRecorder {
	return &RTPRecorder{
		conn:        conn,
		payloadType: payloadType,
		eventType:   PayloadTelephoneEvent,
		logger:      logger.With("subsystem", "voicemail-recorder"),
	}
}

// SetEventPayloadType overrides the negotiated telephone-event payload type.
func (r *RTPRecorder) SetEventPayloadType(pt int) {
	r.eventType = pt
}

// Record captures incoming RTP audio into req.FilePath. Recording stops when:
//   - The context is cancelled (caller hung up)
//   - req.MaxSecs seconds have elapsed (0 means no limit)
//   - No RTP packets arrive for the silence timeout
//   - The terminator digit arrives as a telephone-event
//
// The WAV file is written with a proper header for G.711 audio:
// 8000 Hz, mono, 8-bit, a-law or u-law encoding. With req.Append the audio
// is added to the end of an existing file of the same encoding.
func (r *RTPRecorder) Record(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	wavFormat, err := wavFormatForPayload(r.payloadType)
	if err != nil {
		return nil, err
	}

	f, totalBytes, err := openRecording(req.FilePath, wavFormat, req.Append)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	silence := silenceTimeout
	if req.SilenceSecs > 0 {
		silence = time.Duration(req.SilenceSecs) * time.Second
	}
	maxDuration := time.Duration(req.MaxSecs) * time.Second

	start := time.Now()
	lastPacket := start
	packetsReceived := 0
	var digit rune
	buf := make([]byte, maxRTPPacket)

	r.logger.Info("voicemail recording started",
		"file", req.FilePath,
		"payload_type", r.payloadType,
		"max_secs", req.MaxSecs,
		"append", req.Append,
	)

loop:
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("recording stopped: context cancelled",
				"packets", packetsReceived,
				"bytes", totalBytes,
			)
			break loop
		default:
		}

		if maxDuration > 0 && time.Since(start) >= maxDuration {
			r.logger.Info("recording stopped: max duration reached",
				"max_secs", req.MaxSecs,
				"packets", packetsReceived,
			)
			break loop
		}

		if packetsReceived > 0 && time.Since(lastPacket) >= silence {
			r.logger.Info("recording stopped: silence timeout",
				"silence_duration", time.Since(lastPacket),
				"packets", packetsReceived,
			)
			break loop
		}

		// Read an RTP packet with timeout so we can check cancellation.
		r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.logger.Debug("rtp read error during recording", "error", err)
			continue
		}

		pt, payload, ok := rtpPayload(buf[:n])
		if !ok {
			continue
		}

		if pt == r.eventType {
			if d := eventDigit(payload); d != 0 && d == req.Terminator {
				digit = d
				r.logger.Info("recording stopped: terminator digit", "digit", string(d))
				break loop
			}
			continue
		}
		if pt != r.payloadType {
			continue
		}

		applyGain(payload, wavFormat, req.Gain)
		written, err := f.Write(payload)
		if err != nil {
			r.logger.Error("failed to write audio data", "error", err)
			break loop
		}

		totalBytes += uint32(written)
		packetsReceived++
		lastPacket = time.Now()
	}

	// Rewrite the WAV header with the actual data size.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to rewrite wav header: %w", err)
	}
	if err := writeWAVHeader(f, wavFormat, totalBytes); err != nil {
		return nil, fmt.Errorf("rewriting wav header: %w", err)
	}

	// For 8-bit G.711 at 8kHz, 1 byte = 1 sample.
	durationSecs := int(totalBytes / 8000)

	r.logger.Info("voicemail recording completed",
		"file", req.FilePath,
		"duration_secs", durationSecs,
		"packets", packetsReceived,
		"total_bytes", totalBytes,
	)

	return &RecordResult{
		FilePath:        req.FilePath,
		DurationSecs:    durationSecs,
		PacketsReceived: packetsReceived,
		Digit:           digit,
	}, nil
}

// openRecording creates the output file with a placeholder header, or
// opens an existing one for appending and returns its current data size.
func openRecording(path string, wavFormat uint16, appendTo bool) (*os.File, uint32, error) {
	if appendTo {
		info, err := WAVFileInfo(path)
		switch {
		case err == nil:
			if info.Format != wavFormat || info.DataOffset != wavHeaderSize {
				return nil, 0, fmt.Errorf("appending to %s: encoding mismatch", path)
			}
			f, err := os.OpenFile(path, os.O_RDWR, 0)
			if err != nil {
				return nil, 0, fmt.Errorf("opening recording file: %w", err)
			}
			if _, err := f.Seek(info.DataOffset+int64(info.DataSize), io.SeekStart); err != nil {
				f.Close()
				return nil, 0, fmt.Errorf("seeking recording file: %w", err)
			}
			return f, info.DataSize, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, 0, fmt.Errorf("reading recording file: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, 0, fmt.Errorf("creating recording file: %w", err)
	}
	// Placeholder header, rewritten once the data size is known.
	if err := writeWAVHeader(f, wavFormat, 0); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("writing wav header: %w", err)
	}
	return f, 0, nil
}

// rtpPayload returns the payload type and payload of an RTP packet,
// skipping CSRC entries and header extensions.
func rtpPayload(pkt []byte) (int, []byte, bool) {
	n := len(pkt)
	if n < minRTPHeader {
		return 0, nil, false
	}
	pt := int(pkt[1] & 0x7F)

	cc := int(pkt[0] & 0x0F)
	headerLen := minRTPHeader + cc*4
	if headerLen >= n {
		return 0, nil, false
	}

	if pkt[0]&0x10 != 0 {
		if headerLen+4 > n {
			return 0, nil, false
		}
		extLen := int(binary.BigEndian.Uint16(pkt[headerLen+2:headerLen+4])) * 4
		headerLen += 4 + extLen
		if headerLen >= n {
			return 0, nil, false
		}
	}
	return pt, pkt[headerLen:], true
}

// eventDigit returns the digit of an RFC 4733 end-of-event payload, or 0.
func eventDigit(payload []byte) rune {
	if len(payload) < 4 || payload[1]&0x80 == 0 {
		return 0
	}
	switch ev := payload[0]; {
	case ev <= 9:
		return rune('0' + ev)
	case ev == 10:
		return '*'
	case ev == 11:
		return '#'
	default:
		return 0
	}
}

// wavFormatForPayload maps an RTP payload type to a WAV audio format code.
func wavFormatForPayload(pt int) (uint16, error) {
	switch pt {
	case PayloadPCMU:
		return wavFormatPCMU, nil
	case PayloadPCMA:
		return wavFormatPCMA, nil
	default:
		return 0, fmt.Errorf("unsupported payload type %d for voicemail recording", pt)
	}
}
