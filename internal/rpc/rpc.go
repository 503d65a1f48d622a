// Package rpc implements ONC RPC v2 message framing (RFC 5531): call
// decoding, opaque auth records, reply construction, and TCP record
// marking.
//
// The codec is the single entry point for bytes arriving off the wire.
// It rejects malformed input before any handler runs, so the dispatcher
// and the per-procedure handlers only ever see structurally valid calls.
package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/reeffs/reef/internal/xdr"
)

// Message types (RFC 5531 Section 9).
const (
	MsgCall  uint32 = 0
	MsgReply uint32 = 1
)

// Reply states.
const (
	MsgAccepted uint32 = 0
	MsgDenied   uint32 = 1
)

// Accept states.
const (
	AcceptSuccess      uint32 = 0
	AcceptProgUnavail  uint32 = 1
	AcceptProgMismatch uint32 = 2
	AcceptProcUnavail  uint32 = 3
	AcceptGarbageArgs  uint32 = 4
	AcceptSystemErr    uint32 = 5
)

// Reject states.
const (
	RejectRPCMismatch uint32 = 0
	RejectAuthError   uint32 = 1
)

// Auth statuses for AUTH_ERROR rejections.
const (
	AuthOK           uint32 = 0
	AuthBadCred      uint32 = 1
	AuthRejectedCred uint32 = 2
	AuthBadVerf      uint32 = 3
	AuthRejectedVerf uint32 = 4
	AuthTooWeak      uint32 = 5
)

// Auth flavors (RFC 5531 Section 8.2).
const (
	FlavorNone  uint32 = 0
	FlavorSys   uint32 = 1
	FlavorShort uint32 = 2
	FlavorDH    uint32 = 3
	FlavorGSS   uint32 = 6
)

// Program numbers served by this process.
const (
	ProgramPortmap uint32 = 100000
	ProgramNFS     uint32 = 100003
	ProgramMount   uint32 = 100005
	ProgramNLM     uint32 = 100021
)

// rpcVersion is the ONC RPC protocol version, distinct from any program
// version.
const rpcVersion uint32 = 2

// MaxAuthBody bounds the opaque auth body per RFC 5531.
const MaxAuthBody = 400

// Decode errors, one per rejection class the transport cares about.
var (
	ErrTruncated     = errors.New("rpc: truncated message")
	ErrBadVersion    = errors.New("rpc: unsupported RPC version")
	ErrOversizedAuth = errors.New("rpc: auth body exceeds 400 bytes")
	ErrUnknownFlavor = errors.New("rpc: unknown auth flavor")
	ErrNotCall       = errors.New("rpc: not a CALL message")
)

// OpaqueAuth is the flavor/body pair carried in both the credential and
// the verifier position of a call.
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte
}

// Call is a decoded ONC RPC call header. Args holds the raw
// procedure-specific argument bytes that follow the header.
type Call struct {
	XID       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Cred      OpaqueAuth
	Verf      OpaqueAuth
	Args      []byte
}

// knownFlavor reports whether this server understands an auth flavor at
// the framing level. Whether the flavor is accepted is policy, decided
// later by the security manager.
func knownFlavor(f uint32) bool {
	switch f {
	case FlavorNone, FlavorSys, FlavorShort, FlavorDH, FlavorGSS:
		return true
	}
	return false
}

// DecodeCall parses a CALL message from data (record marking already
// stripped). The 24-byte fixed header is the floor: anything shorter is
// ErrTruncated, never a panic.
func DecodeCall(data []byte) (*Call, error) {
	const headerLen = 24
	if len(data) < headerLen {
		return nil, ErrTruncated
	}

	c := &Call{
		XID: binary.BigEndian.Uint32(data[0:4]),
	}
	if binary.BigEndian.Uint32(data[4:8]) != MsgCall {
		return nil, ErrNotCall
	}
	if binary.BigEndian.Uint32(data[8:12]) != rpcVersion {
		return nil, ErrBadVersion
	}
	c.Program = binary.BigEndian.Uint32(data[12:16])
	c.Version = binary.BigEndian.Uint32(data[16:20])
	c.Procedure = binary.BigEndian.Uint32(data[20:24])

	offset := headerLen
	var err error
	if c.Cred, offset, err = decodeAuth(data, offset); err != nil {
		return nil, err
	}
	if c.Verf, offset, err = decodeAuth(data, offset); err != nil {
		return nil, err
	}

	c.Args = data[offset:]
	return c, nil
}

func decodeAuth(data []byte, offset int) (OpaqueAuth, int, error) {
	if offset+8 > len(data) {
		return OpaqueAuth{}, 0, ErrTruncated
	}
	flavor := binary.BigEndian.Uint32(data[offset : offset+4])
	length := binary.BigEndian.Uint32(data[offset+4 : offset+8])
	offset += 8

	if length > MaxAuthBody {
		return OpaqueAuth{}, 0, ErrOversizedAuth
	}
	if !knownFlavor(flavor) {
		return OpaqueAuth{}, 0, ErrUnknownFlavor
	}
	end := offset + xdr.Pad(int(length))
	if end > len(data) {
		return OpaqueAuth{}, 0, ErrTruncated
	}

	body := make([]byte, length)
	copy(body, data[offset:offset+int(length)])
	return OpaqueAuth{Flavor: flavor, Body: body}, end, nil
}

// EncodeCall serializes a call. Used by tests; the server itself only
// decodes calls.
func EncodeCall(c *Call) ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range []uint32{c.XID, MsgCall, rpcVersion, c.Program, c.Version, c.Procedure} {
		if err := xdr.PutUint32(&buf, v); err != nil {
			return nil, err
		}
	}
	for _, a := range []OpaqueAuth{c.Cred, c.Verf} {
		if len(a.Body) > MaxAuthBody {
			return nil, ErrOversizedAuth
		}
		if err := xdr.PutUint32(&buf, a.Flavor); err != nil {
			return nil, err
		}
		if err := xdr.PutOpaque(&buf, a.Body); err != nil {
			return nil, err
		}
	}
	buf.Write(c.Args)
	return buf.Bytes(), nil
}

// replyHeader writes xid, REPLY, and the reply state.
func replyHeader(buf *bytes.Buffer, xid, state uint32) {
	_ = xdr.PutUint32(buf, xid)
	_ = xdr.PutUint32(buf, MsgReply)
	_ = xdr.PutUint32(buf, state)
}

// AcceptedReply builds a MSG_ACCEPTED reply with an AUTH_NONE verifier,
// the given accept state, and result as the procedure result bytes.
func AcceptedReply(xid, acceptState uint32, result []byte) []byte {
	var buf bytes.Buffer
	replyHeader(&buf, xid, MsgAccepted)
	_ = xdr.PutUint32(&buf, FlavorNone)
	_ = xdr.PutUint32(&buf, 0)
	_ = xdr.PutUint32(&buf, acceptState)
	buf.Write(result)
	return buf.Bytes()
}

// SuccessReply builds an accepted SUCCESS reply carrying result.
func SuccessReply(xid uint32, result []byte) []byte {
	return AcceptedReply(xid, AcceptSuccess, result)
}

// ProgMismatchReply advertises the [low, high] supported version range
// for the addressed program.
func ProgMismatchReply(xid, low, high uint32) []byte {
	var buf bytes.Buffer
	replyHeader(&buf, xid, MsgAccepted)
	_ = xdr.PutUint32(&buf, FlavorNone)
	_ = xdr.PutUint32(&buf, 0)
	_ = xdr.PutUint32(&buf, AcceptProgMismatch)
	_ = xdr.PutUint32(&buf, low)
	_ = xdr.PutUint32(&buf, high)
	return buf.Bytes()
}

// AuthErrorReply builds a MSG_DENIED AUTH_ERROR reply with the given
// auth status sub-code.
func AuthErrorReply(xid, authStat uint32) []byte {
	var buf bytes.Buffer
	replyHeader(&buf, xid, MsgDenied)
	_ = xdr.PutUint32(&buf, RejectAuthError)
	_ = xdr.PutUint32(&buf, authStat)
	return buf.Bytes()
}

// RPCMismatchReply builds a MSG_DENIED RPC_MISMATCH reply.
func RPCMismatchReply(xid uint32) []byte {
	var buf bytes.Buffer
	replyHeader(&buf, xid, MsgDenied)
	_ = xdr.PutUint32(&buf, RejectRPCMismatch)
	_ = xdr.PutUint32(&buf, rpcVersion)
	_ = xdr.PutUint32(&buf, rpcVersion)
	return buf.Bytes()
}

// Frame prepends the TCP record-marking header (RFC 5531 Section 11):
// a 4-byte length with the high bit set marking the final fragment.
// Every reply this server sends fits in a single fragment.
func Frame(msg []byte) []byte {
	out := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(out[0:4], 0x80000000|uint32(len(msg)))
	copy(out[4:], msg)
	return out
}

// FragmentHeader splits a record-marking header into length and
// last-fragment flag.
func FragmentHeader(h uint32) (length uint32, last bool) {
	return h & 0x7FFFFFFF, h&0x80000000 != 0
}

// String renders a call for log lines.
func (c *Call) String() string {
	return fmt.Sprintf("xid=0x%x prog=%d vers=%d proc=%d flavor=%d",
		c.XID, c.Program, c.Version, c.Procedure, c.Cred.Flavor)
}
