// Package tcp implements the MBAP (TCP) framer (spec §4.4): the 7-byte
// header `[tid|pid=0|len|unit]` plus length-prefixed reassembly that
// transparently resumes across partial reads.
package tcp

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/maling6/mbcore/framing"
	"github.com/maling6/mbcore/pdu"
)

// HeaderLen is the fixed MBAP header size.
const HeaderLen = 7

// MaxLength is the largest legal MBAP "length" field: unit(1) + fc(1) + max payload.
const MaxLength = 2 + pdu.MaxPayload

type readState int

const (
	stateHeader readState = iota
	stateBody
)

// Stats mirrors the RTU framer's diagnostic counters for the TCP side.
type Stats struct {
	FramesDecoded uint64
	BytesRX       uint64
	BytesTX       uint64
	ProtocolErrs  uint64
}

// Framer implements MBAP encode/decode with reassembly state that persists
// across multiple Poll calls (spec §4.4: "the framer remembers its position
// across multiple poll calls").
type Framer struct {
	logger *zap.Logger

	state  readState
	header [HeaderLen]byte
	have   int // bytes filled in the current state's buffer

	bodyLen int
	body    []byte

	tid     uint16
	unitID  uint8

	stats Stats
}

// Option configures a Framer at construction time.
type Option func(*Framer)

// WithLogger attaches a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Framer) { f.logger = l }
}

// New builds a TCP framer.
func New(opts ...Option) *Framer {
	f := &Framer{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Framer) Stats() Stats { return f.stats }

// Poll drives the reassembly state machine forward, consuming whatever
// bytes are currently available from t without blocking.
func (f *Framer) Poll(t framing.Transport) (adu framing.ADU, status framing.Status, ready bool) {
	for {
		switch f.state {
		case stateHeader:
			n, err := t.Recv(f.header[f.have:HeaderLen])
			if err != nil {
				f.reset()
				return framing.ADU{}, framing.StatusIOError, true
			}
			f.stats.BytesRX += uint64(n)
			f.have += n
			if f.have < HeaderLen {
				return framing.ADU{}, framing.StatusOK, false
			}

			f.tid = binary.BigEndian.Uint16(f.header[0:2])
			pid := binary.BigEndian.Uint16(f.header[2:4])
			length := binary.BigEndian.Uint16(f.header[4:6])
			f.unitID = f.header[6]

			if pid != 0 {
				f.stats.ProtocolErrs++
				f.logger.Warn("mbap non-zero protocol id", zap.Uint16("pid", pid))
				f.reset()
				return framing.ADU{}, framing.StatusInvalidRequest, true
			}
			if length == 0 || int(length) > MaxLength {
				f.stats.ProtocolErrs++
				f.logger.Warn("mbap length out of range", zap.Uint16("length", length))
				f.reset()
				return framing.ADU{}, framing.StatusInvalidRequest, true
			}

			f.bodyLen = int(length) - 1
			if f.bodyLen == 0 {
				// length-1 bytes must contain at least the function code.
				f.stats.ProtocolErrs++
				f.reset()
				return framing.ADU{}, framing.StatusInvalidRequest, true
			}
			f.body = make([]byte, f.bodyLen)
			f.have = 0
			f.state = stateBody

		case stateBody:
			n, err := t.Recv(f.body[f.have:f.bodyLen])
			if err != nil {
				f.reset()
				return framing.ADU{}, framing.StatusIOError, true
			}
			f.stats.BytesRX += uint64(n)
			f.have += n
			if f.have < f.bodyLen {
				return framing.ADU{}, framing.StatusOK, false
			}
			return f.complete(), framing.StatusOK, true
		}
	}
}

func (f *Framer) complete() framing.ADU {
	f.stats.FramesDecoded++
	adu := framing.ADU{
		UnitID:   f.unitID,
		Function: f.body[0],
		Payload:  f.body[1:],
	}
	f.resetKeepTID()
	return adu
}

// TransactionID returns the transaction id of the most recently decoded
// frame; the framer never inspects it for matching (that is the client
// engine's job per spec §4.4).
func (f *Framer) TransactionID() uint16 { return f.tid }

func (f *Framer) reset() {
	f.state = stateHeader
	f.have = 0
	f.bodyLen = 0
	f.body = nil
}

func (f *Framer) resetKeepTID() {
	tid := f.tid
	f.reset()
	f.tid = tid
}

// Encode wraps tid/unitID/function/payload into a complete MBAP ADU.
func Encode(tid uint16, unitID, function uint8, payload []byte) ([]byte, error) {
	if len(payload) > pdu.MaxPayload {
		return nil, framing.StatusInvalidArgument
	}
	length := uint16(1 + 1 + len(payload))
	frame := make([]byte, HeaderLen+1+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], tid)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(frame[4:6], length)
	frame[6] = unitID
	frame[7] = function
	copy(frame[8:], payload)
	return frame, nil
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
