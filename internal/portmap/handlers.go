package portmap

import (
	"bytes"

	"github.com/reeffs/reef/internal/logger"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/xdr"
)

// Portmapper procedures (RFC 1833 Section 3).
const (
	ProcNull    uint32 = 0
	ProcSet     uint32 = 1
	ProcUnset   uint32 = 2
	ProcGetport uint32 = 3
	ProcDump    uint32 = 4
	ProcCallit  uint32 = 5
)

// Version is the portmapper protocol version this server speaks.
const Version uint32 = 2

// Handler serves the portmapper procedures against a Registry.
type Handler struct {
	Registry *Registry
}

// Dispatch routes one portmapper call and returns the encoded result
// bytes, or a nil result with a non-success accept state.
func (h *Handler) Dispatch(call *rpc.Call) ([]byte, uint32) {
	if call.Version != Version {
		return nil, rpc.AcceptProgMismatch
	}

	switch call.Procedure {
	case ProcNull:
		return nil, rpc.AcceptSuccess
	case ProcSet:
		return h.set(call.Args)
	case ProcUnset:
		return h.unset(call.Args)
	case ProcGetport:
		return h.getport(call.Args)
	case ProcDump:
		return h.dump()
	case ProcCallit:
		// Indirect calls are not forwarded. Log and answer with an
		// empty accepted reply so broken broadcasters move on.
		logger.Debug("PMAP CALLIT ignored", "xid", call.XID)
		return nil, rpc.AcceptSuccess
	default:
		return nil, rpc.AcceptProcUnavail
	}
}

// decodeMapping reads the fixed four-word pmap argument struct.
func decodeMapping(args []byte) (Mapping, bool) {
	r := bytes.NewReader(args)
	var words [4]uint32
	for i := range words {
		v, err := xdr.Uint32(r)
		if err != nil {
			return Mapping{}, false
		}
		words[i] = v
	}
	return Mapping{
		Program:  words[0],
		Version:  words[1],
		Protocol: words[2],
		Port:     words[3],
	}, true
}

func boolResult(ok bool) []byte {
	var buf bytes.Buffer
	_ = xdr.PutBool(&buf, ok)
	return buf.Bytes()
}

func (h *Handler) set(args []byte) ([]byte, uint32) {
	m, ok := decodeMapping(args)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	accepted := h.Registry.Set(m)
	logger.Debug("PMAP SET",
		"program", m.Program, "version", m.Version,
		"protocol", m.Protocol, "port", m.Port, "accepted", accepted)
	return boolResult(accepted), rpc.AcceptSuccess
}

func (h *Handler) unset(args []byte) ([]byte, uint32) {
	m, ok := decodeMapping(args)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	removed := h.Registry.Unset(m.Program, m.Version, m.Protocol)
	logger.Debug("PMAP UNSET",
		"program", m.Program, "version", m.Version,
		"protocol", m.Protocol, "removed", removed)
	return boolResult(removed), rpc.AcceptSuccess
}

func (h *Handler) getport(args []byte) ([]byte, uint32) {
	m, ok := decodeMapping(args)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	port := h.Registry.Getport(m.Program, m.Version, m.Protocol)
	logger.Debug("PMAP GETPORT",
		"program", m.Program, "version", m.Version,
		"protocol", m.Protocol, "port", port)

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, port)
	return buf.Bytes(), rpc.AcceptSuccess
}

// dump encodes the registry as the pmaplist linked list: a boolean
// "value follows" before each entry and a terminating FALSE.
func (h *Handler) dump() ([]byte, uint32) {
	var buf bytes.Buffer
	for _, m := range h.Registry.Dump() {
		_ = xdr.PutBool(&buf, true)
		_ = xdr.PutUint32(&buf, m.Program)
		_ = xdr.PutUint32(&buf, m.Version)
		_ = xdr.PutUint32(&buf, m.Protocol)
		_ = xdr.PutUint32(&buf, m.Port)
	}
	_ = xdr.PutBool(&buf, false)
	return buf.Bytes(), rpc.AcceptSuccess
}
