// Package rtu implements the serial RTU framer (spec §4.3): wrapping and
// unwrapping `[unit|fc|payload|crc-lo|crc-hi]` frames, silence-gap based
// reassembly, transmit guard timing, and byte-slide resync on CRC/length
// failure.
package rtu

import (
	"time"

	"go.uber.org/zap"

	"github.com/maling6/mbcore/crc"
	"github.com/maling6/mbcore/framing"
)

// MaxFrame is the maximum RTU ADU size: unit(1) + fc(1) + payload(252) + crc(2).
const MaxFrame = 256

// minSilence is the floor on the inter-byte silence gap regardless of the
// configured baud rate (spec §4.3).
const minSilence = time.Millisecond

// allowedFunctionCodes is the set of plausible function codes the byte-slide
// resync heuristic treats as a believable frame start (spec §6 coverage).
var allowedFunctionCodes = map[uint8]bool{
	0x01: true, 0x02: true, 0x03: true, 0x04: true, 0x05: true, 0x06: true,
	0x07: true, 0x0F: true, 0x10: true, 0x11: true, 0x16: true, 0x17: true,
}

// Stats are the diagnostic counters the framer maintains (spec §4.3: "every
// discard and every recovery increments diagnostic counters").
type Stats struct {
	FramesDecoded  uint64
	CRCErrors      uint64
	Discards       uint64
	Overflows      uint64
	Resyncs        uint64
	BytesRX        uint64
	BytesTX        uint64
}

// Framer implements the RTU reassembly state machine over a caller-supplied
// Transport. A Framer is single-threaded: it must only be driven from the
// thread that calls Poll.
type Framer struct {
	logger  *zap.Logger
	silence time.Duration

	buf      []byte
	lastRx   int64
	haveData bool

	guardUntil int64

	stats Stats
}

// Option configures a Framer at construction time.
type Option func(*Framer)

// WithLogger attaches a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Framer) { f.logger = l }
}

// WithSilence overrides the computed inter-frame silence gap.
func WithSilence(d time.Duration) Option {
	return func(f *Framer) {
		if d < minSilence {
			d = minSilence
		}
		f.silence = d
	}
}

// New builds a Framer whose default silence gap corresponds to 3.5
// character-times at baud, floored at 1ms.
func New(baud int, opts ...Option) *Framer {
	f := &Framer{
		logger:  zap.NewNop(),
		silence: silenceForBaud(baud),
		buf:     make([]byte, 0, MaxFrame+1),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func silenceForBaud(baud int) time.Duration {
	if baud <= 0 {
		return minSilence
	}
	// 11 bit-times per character (start + 8 data + parity + stop) is the
	// conservative, commonly used approximation.
	charTime := time.Duration(11e9/float64(baud)) * time.Nanosecond
	silence := time.Duration(float64(charTime) * 3.5)
	if silence < minSilence {
		silence = minSilence
	}
	return silence
}

// Stats returns a copy of the framer's diagnostic counters.
func (f *Framer) Stats() Stats { return f.stats }

// CanSend reports whether the post-transmit guard has elapsed.
func (f *Framer) CanSend(now int64) bool {
	return now >= f.guardUntil
}

// Poll drives the reassembly state machine forward by consuming whatever
// bytes are currently available from t, without blocking. ready is true iff
// a complete frame (successfully decoded, or terminally failed) is
// available; callers must re-poll otherwise.
func (f *Framer) Poll(t framing.Transport) (adu framing.ADU, status framing.Status, ready bool) {
	var chunk [64]byte
	n, err := t.Recv(chunk[:])
	now := t.Now()
	if err != nil {
		f.reset()
		return framing.ADU{}, framing.StatusIOError, true
	}
	if n > 0 {
		f.stats.BytesRX += uint64(n)
		f.lastRx = now
		f.haveData = true
		f.buf = append(f.buf, chunk[:n]...)
		if len(f.buf) >= MaxFrame+1 {
			f.stats.Overflows++
			f.logger.Warn("rtu rx overflow, dropping and resyncing", zap.Int("len", len(f.buf)))
			f.reset()
			return framing.ADU{}, framing.StatusInvalidRequest, true
		}
	}

	if !f.haveData {
		return framing.ADU{}, framing.StatusOK, false
	}
	if now-f.lastRx < f.silence.Milliseconds() {
		return framing.ADU{}, framing.StatusOK, false
	}

	// Silence gap elapsed: this is end-of-frame.
	frame := f.buf
	f.reset()

	if len(frame) < 4 {
		f.stats.Discards++
		f.logger.Debug("rtu frame too short", zap.Int("len", len(frame)))
		return framing.ADU{}, framing.StatusInvalidRequest, true
	}

	if crc.Validate(frame) {
		f.stats.FramesDecoded++
		return frameToADU(frame), framing.StatusOK, true
	}

	f.stats.CRCErrors++
	if resynced, ok := f.resync(frame); ok {
		f.stats.Resyncs++
		return resynced, framing.StatusOK, true
	}
	f.stats.Discards++
	return framing.ADU{}, framing.StatusCRC, true
}

func (f *Framer) reset() {
	f.buf = f.buf[:0]
	f.haveData = false
}

func frameToADU(frame []byte) framing.ADU {
	return framing.ADU{
		UnitID:   frame[0],
		Function: frame[1],
		Payload:  frame[2 : len(frame)-2],
	}
}

// resync implements the byte-slide recovery described in spec §4.3: slide
// the window forward one byte at a time looking for a plausible
// (unit_id, fc) prefix, then speculatively validate the CRC over the
// remaining bytes.
func (f *Framer) resync(frame []byte) (framing.ADU, bool) {
	for start := 1; start <= len(frame)-4; start++ {
		unit := frame[start]
		fc := frame[start+1] &^ 0x80
		if unit < 1 || unit > 247 {
			continue
		}
		if !allowedFunctionCodes[fc] {
			continue
		}
		candidate := frame[start:]
		if crc.Validate(candidate) {
			return frameToADU(candidate), true
		}
	}
	return framing.ADU{}, false
}

// Encode wraps unitID/function/payload into a complete RTU frame, ready to
// be handed to Transport.Send.
func Encode(unitID, function uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrame-4 {
		return nil, framing.StatusInvalidArgument
	}
	frame := make([]byte, 0, 2+len(payload)+2)
	frame = append(frame, unitID, function)
	frame = append(frame, payload...)
	c := crc.CRC16(frame)
	frame = append(frame, byte(c), byte(c>>8))
	return frame, nil
}

// Send writes frame to t, honouring the transmit guard and reporting a
// partial write as IO_ERROR per spec §4.3 ("no silent truncation").
func (f *Framer) Send(t framing.Transport, frame []byte) framing.Status {
	now := t.Now()
	if !f.CanSend(now) {
		return framing.StatusWouldBlock
	}
	n, err := t.Send(frame)
	if err != nil {
		return framing.StatusIOError
	}
	if n != len(frame) {
		f.logger.Warn("rtu partial send", zap.Int("want", len(frame)), zap.Int("got", n))
		return framing.StatusIOError
	}
	f.stats.BytesTX += uint64(n)
	f.guardUntil = t.Now() + f.silence.Milliseconds()
	return framing.StatusOK
}
