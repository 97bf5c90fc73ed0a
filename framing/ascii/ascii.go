// Package ascii implements the Modbus ASCII framer: structurally the same
// reassembly contract as RTU (spec §4.3, §6 "ASCII is structurally
// identical to RTU with LRC replacing CRC"), but framed as colon-prefixed
// hex-ASCII text terminated by CRLF instead of binary bytes delimited by a
// silence gap.
package ascii

import (
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/maling6/mbcore/crc"
	"github.com/maling6/mbcore/framing"
)

// MaxFrame is the maximum decoded (binary) ADU size, matching RTU's budget:
// unit(1) + fc(1) + payload(252) + lrc(1).
const MaxFrame = 255

const (
	startByte = ':'
	maxLine   = 1 + 2*MaxFrame + 2 // ':' + hex body + CRLF
)

// Stats counts framer activity since construction, mirroring the RTU and
// TCP framers' counters (LRCErrors stands in for the RTU framer's
// CRCErrors).
type Stats struct {
	FramesDecoded uint64
	LRCErrors     uint64
	Discards      uint64
	BytesRX       uint64
	BytesTX       uint64
}

// Framer implements the ASCII reassembly state machine over a caller
// supplied Transport. Like the RTU framer, it is single-threaded.
type Framer struct {
	logger *zap.Logger

	line    []byte // raw bytes since the last ':', excluding the ':' itself
	inFrame bool

	stats Stats
}

// Stats returns a snapshot of the framer's activity counters.
func (f *Framer) Stats() Stats { return f.stats }

// Option configures a Framer at construction time.
type Option func(*Framer)

// WithLogger attaches a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option { return func(f *Framer) { f.logger = l } }

// New builds an ASCII Framer.
func New(opts ...Option) *Framer {
	f := &Framer{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Poll drives the reassembly state machine forward by consuming whatever
// bytes are currently available from t, without blocking. ready is true iff
// a complete frame (successfully decoded, or terminally failed) is
// available; callers must re-poll otherwise.
func (f *Framer) Poll(t framing.Transport) (adu framing.ADU, status framing.Status, ready bool) {
	var chunk [64]byte
	n, err := t.Recv(chunk[:])
	if err != nil {
		f.reset()
		return framing.ADU{}, framing.StatusIOError, true
	}
	if n == 0 {
		return framing.ADU{}, framing.StatusOK, false
	}
	f.stats.BytesRX += uint64(n)

	for _, b := range chunk[:n] {
		switch {
		case b == startByte:
			f.line = f.line[:0]
			f.inFrame = true
		case !f.inFrame:
			// noise before the first ':': ignore.
		case b == '\n':
			line := f.line
			f.reset()
			return f.decode(line)
		case b == '\r':
			// swallowed; '\n' is what actually ends the line.
		default:
			f.line = append(f.line, b)
			if len(f.line) > maxLine {
				f.stats.Discards++
				f.reset()
				return framing.ADU{}, framing.StatusInvalidRequest, true
			}
		}
	}
	return framing.ADU{}, framing.StatusOK, false
}

func (f *Framer) reset() {
	f.line = f.line[:0]
	f.inFrame = false
}

func (f *Framer) decode(hexLine []byte) (framing.ADU, framing.Status, bool) {
	if len(hexLine)%2 != 0 || len(hexLine) < 6 {
		f.stats.Discards++
		f.logger.Debug("ascii frame malformed", zap.Int("len", len(hexLine)))
		return framing.ADU{}, framing.StatusInvalidRequest, true
	}
	raw := make([]byte, len(hexLine)/2)
	if _, err := hex.Decode(raw, hexLine); err != nil {
		f.stats.Discards++
		return framing.ADU{}, framing.StatusInvalidRequest, true
	}
	body, lrc := raw[:len(raw)-1], raw[len(raw)-1]
	if crc.LRC8(body) != lrc {
		f.stats.LRCErrors++
		return framing.ADU{}, framing.StatusCRC, true
	}
	f.stats.FramesDecoded++
	return framing.ADU{UnitID: body[0], Function: body[1], Payload: body[2:]}, framing.StatusOK, true
}

// Encode wraps unitID/function/payload into a complete ASCII frame
// (':' + hex(unit|fc|payload|lrc) + CRLF), ready to be handed to
// Transport.Send.
func Encode(unitID, function uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrame-3 {
		return nil, framing.StatusInvalidArgument
	}
	body := make([]byte, 0, 2+len(payload)+1)
	body = append(body, unitID, function)
	body = append(body, payload...)
	body = append(body, crc.LRC8(body))

	frame := make([]byte, 0, 1+2*len(body)+2)
	frame = append(frame, startByte)
	frame = append(frame, []byte(hexUpper(body))...)
	frame = append(frame, '\r', '\n')
	return frame, nil
}

func hexUpper(b []byte) string {
	enc := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(enc, b)
	for i, c := range enc {
		if c >= 'a' && c <= 'f' {
			enc[i] = c - ('a' - 'A')
		}
	}
	return string(enc)
}

// Send writes frame to t in full; a partial write is reported as IO_ERROR.
func (f *Framer) Send(t framing.Transport, frame []byte) framing.Status {
	n, err := t.Send(frame)
	if err != nil {
		return framing.StatusIOError
	}
	if n != len(frame) {
		return framing.StatusIOError
	}
	f.stats.BytesTX += uint64(n)
	return framing.StatusOK
}
