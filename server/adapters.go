package server

import (
	"github.com/maling6/mbcore/framing/ascii"
	"github.com/maling6/mbcore/framing/rtu"
	"github.com/maling6/mbcore/framing/tcp"
	"github.com/maling6/mbcore/server/regmap"
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

// NewRTU builds a server Engine driven by an RTU framer.
func NewRTU(framer *rtu.Framer, regs *regmap.Map, cfg Config, opts ...Option) *Engine {
	return New(FramingRTU, framer, RTUEncoder, regs, cfg, opts...)
}

// NewTCP builds a server Engine driven by a TCP (MBAP) framer.
func NewTCP(framer *tcp.Framer, regs *regmap.Map, cfg Config, opts ...Option) *Engine {
	return New(FramingTCP, framer, TCPEncoder, regs, cfg, opts...)
}

// NewASCII builds a server Engine driven by an ASCII framer. ASCII uses the
// same unit-id-based addressing as RTU (no transaction id), so it shares
// FramingRTU's dispatch semantics.
func NewASCII(framer *ascii.Framer, regs *regmap.Map, cfg Config, opts ...Option) *Engine {
	return New(FramingRTU, framer, ASCIIEncoder, regs, cfg, opts...)
}
