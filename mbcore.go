// Package mbcore is the top-level convenience surface over the protocol
// engine core: the role/framing enum from spec §6, plus constructors that
// wire a client or server engine to a concrete framer (RTU, TCP, or ASCII)
// in a single call. Nothing here adds behaviour beyond what the `client`,
// `server`, and `framing/*` packages already expose — it exists purely so
// a caller doesn't have to know which framer package pairs with which
// engine constructor.
package mbcore

import (
	"github.com/maling6/mbcore/client"
	"github.com/maling6/mbcore/framing/ascii"
	"github.com/maling6/mbcore/framing/rtu"
	"github.com/maling6/mbcore/framing/tcp"
	"github.com/maling6/mbcore/server"
	"github.com/maling6/mbcore/server/regmap"
)

// Role distinguishes which side of the wire an engine plays (spec §6).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "SERVER"
	}
	return "CLIENT"
}

// Framing selects the wire encoding an engine's framer speaks (spec §6:
// `{CLIENT, SERVER} x {RTU, TCP, ASCII}`).
type Framing int

const (
	FramingRTU Framing = iota
	FramingTCP
	FramingASCII
)

func (f Framing) String() string {
	switch f {
	case FramingTCP:
		return "TCP"
	case FramingASCII:
		return "ASCII"
	default:
		return "RTU"
	}
}

// NewClientRTU builds a client engine driven by a freshly constructed RTU
// framer at the given baud rate.
func NewClientRTU(baud int, cfg client.Config, capacity int, opts ...client.Option) (*client.Engine, *rtu.Framer) {
	f := rtu.New(baud)
	return client.NewRTU(f, cfg, capacity, opts...), f
}

// NewClientTCP builds a client engine driven by a freshly constructed MBAP
// framer.
func NewClientTCP(cfg client.Config, capacity int, opts ...client.Option) (*client.Engine, *tcp.Framer) {
	f := tcp.New()
	return client.NewTCP(f, cfg, capacity, opts...), f
}

// NewClientASCII builds a client engine driven by a freshly constructed
// ASCII framer.
func NewClientASCII(cfg client.Config, capacity int, opts ...client.Option) (*client.Engine, *ascii.Framer) {
	f := ascii.New()
	return client.NewASCII(f, cfg, capacity, opts...), f
}

// NewServerRTU builds a server engine bound to regs, answering as unitID,
// driven by a freshly constructed RTU framer at the given baud rate.
func NewServerRTU(baud int, unitID uint8, regs *regmap.Map, cfg server.Config, opts ...server.Option) (*server.Engine, *rtu.Framer) {
	cfg.UnitID = unitID
	f := rtu.New(baud)
	return server.NewRTU(f, regs, cfg, opts...), f
}

// NewServerTCP builds a server engine bound to regs, answering as unitID,
// driven by a freshly constructed MBAP framer.
func NewServerTCP(unitID uint8, regs *regmap.Map, cfg server.Config, opts ...server.Option) (*server.Engine, *tcp.Framer) {
	cfg.UnitID = unitID
	f := tcp.New()
	return server.NewTCP(f, regs, cfg, opts...), f
}

// NewServerASCII builds a server engine bound to regs, answering as
// unitID, driven by a freshly constructed ASCII framer.
func NewServerASCII(unitID uint8, regs *regmap.Map, cfg server.Config, opts ...server.Option) (*server.Engine, *ascii.Framer) {
	cfg.UnitID = unitID
	f := ascii.New()
	return server.NewASCII(f, regs, cfg, opts...), f
}
