package client

import (
	"github.com/maling6/mbcore/framing/ascii"
	"github.com/maling6/mbcore/framing/rtu"
	"github.com/maling6/mbcore/framing/tcp"
)

// RTUEncoder adapts rtu.Encode to the Encoder signature, ignoring tid.
func RTUEncoder(unitID, function uint8, payload []byte, _ uint16) ([]byte, error) {
	return rtu.Encode(unitID, function, payload)
}

// TCPEncoder adapts tcp.Encode to the Encoder signature.
func TCPEncoder(unitID, function uint8, payload []byte, tid uint16) ([]byte, error) {
	return tcp.Encode(tid, unitID, function, payload)
}

// ASCIIEncoder adapts ascii.Encode to the Encoder signature, ignoring tid.
func ASCIIEncoder(unitID, function uint8, payload []byte, _ uint16) ([]byte, error) {
	return ascii.Encode(unitID, function, payload)
}

// NewRTU builds a client Engine driven by an RTU framer.
func NewRTU(framer *rtu.Framer, cfg Config, capacity int, opts ...Option) *Engine {
	return New(FramingRTU, framer, RTUEncoder, cfg, capacity, opts...)
}

// NewTCP builds a client Engine driven by a TCP (MBAP) framer.
func NewTCP(framer *tcp.Framer, cfg Config, capacity int, opts ...Option) *Engine {
	return New(FramingTCP, framer, TCPEncoder, cfg, capacity, opts...)
}

// NewASCII builds a client Engine driven by an ASCII framer. ASCII matches
// responses the same way RTU does (unit id + function code, no
// transaction id), so it shares FramingRTU's matching semantics.
func NewASCII(framer *ascii.Framer, cfg Config, capacity int, opts ...Option) *Engine {
	return New(FramingRTU, framer, ASCIIEncoder, cfg, capacity, opts...)
}
