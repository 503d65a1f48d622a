// Package v4 implements the NFSv4.0 COMPOUND procedure (RFC 7530).
//
// COMPOUND is an interpreter: an ordered list of operations sharing a
// current-filehandle/saved-filehandle pair. Operations execute in
// sequence, each appending its result; the first non-OK status stops
// the loop and becomes the compound's overall status. Locking, share
// reservations, and client identity are delegated to the lock manager,
// the open-state tracker, and the engine's own client table.
package v4

import (
	"bytes"
	"sync"
	"time"

	"github.com/reeffs/reef/internal/exports"
	"github.com/reeffs/reef/internal/handle"
	"github.com/reeffs/reef/internal/lockmgr"
	"github.com/reeffs/reef/internal/logger"
	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/openstate"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// Version is the protocol version this package serves.
const Version uint32 = 4

// The two v4 RPC procedures.
const (
	ProcNull     uint32 = 0
	ProcCompound uint32 = 1
)

// Operation numbers (RFC 7530 Section 16.2).
const (
	OpAccess            uint32 = 3
	OpClose             uint32 = 4
	OpCommit            uint32 = 5
	OpCreate            uint32 = 6
	OpDelegpurge        uint32 = 7
	OpDelegreturn       uint32 = 8
	OpGetattr           uint32 = 9
	OpGetfh             uint32 = 10
	OpLink              uint32 = 11
	OpLock              uint32 = 12
	OpLockt             uint32 = 13
	OpLocku             uint32 = 14
	OpLookup            uint32 = 15
	OpLookupp           uint32 = 16
	OpNverify           uint32 = 17
	OpOpen              uint32 = 18
	OpOpenattr          uint32 = 19
	OpOpenConfirm       uint32 = 20
	OpOpenDowngrade     uint32 = 21
	OpPutfh             uint32 = 22
	OpPutpubfh          uint32 = 23
	OpPutrootfh         uint32 = 24
	OpRead              uint32 = 25
	OpReaddir           uint32 = 26
	OpReadlink          uint32 = 27
	OpRemove            uint32 = 28
	OpRename            uint32 = 29
	OpRenew             uint32 = 30
	OpRestorefh         uint32 = 31
	OpSavefh            uint32 = 32
	OpSecinfo           uint32 = 33
	OpSetattr           uint32 = 34
	OpSetclientid       uint32 = 35
	OpSetclientidConfrm uint32 = 36
	OpVerify            uint32 = 37
	OpWrite             uint32 = 38
	OpReleaseLockowner  uint32 = 39
	OpIllegal           uint32 = 10044
)

// v4-specific status codes; the POSIX-derived ones are shared with the
// status package.
const (
	OK                  = status.OK
	ErrBadHandle        uint32 = 10001
	ErrBadCookie        uint32 = 10003
	ErrNotSupp          uint32 = 10004
	ErrTooSmall         uint32 = 10005
	ErrServerFault      uint32 = 10006
	ErrBadType          uint32 = 10007
	ErrDelay            uint32 = 10008
	ErrSame             uint32 = 10009
	ErrDenied           uint32 = 10010
	ErrExpired          uint32 = 10011
	ErrLocked           uint32 = 10012
	ErrShareDenied      uint32 = 10015
	ErrClidInUse        uint32 = 10017
	ErrResource         uint32 = 10018
	ErrNoFilehandle     uint32 = 10020
	ErrMinorVersion     uint32 = 10021
	ErrStaleClientid    uint32 = 10022
	ErrStaleStateid     uint32 = 10023
	ErrOldStateid       uint32 = 10024
	ErrBadStateid       uint32 = 10025
	ErrBadSeqid         uint32 = 10026
	ErrNotSame          uint32 = 10027
	ErrRestoreFH        uint32 = 10030
	ErrAttrNotSupp      uint32 = 10032
	ErrBadXDR           uint32 = 10036
	ErrBadChar          uint32 = 10040
	ErrBadName          uint32 = 10041
	ErrOpIllegal        uint32 = 10044
)

// MaxOps bounds the operations in one compound, preventing a single
// request from pinning a worker indefinitely.
const MaxOps = 128

// Handler owns the v4 engine state: collaborators plus the client
// identity table.
type Handler struct {
	Exports *exports.Registry
	Handles *handle.Table
	Cache   *handle.AttrCache
	Sec     *security.Manager
	Locks   *lockmgr.Manager
	Opens   *openstate.Tracker

	ReadMax   uint32
	WriteMax  uint32
	WriteVerf uint64
	LeaseTime uint32

	mu        sync.Mutex
	clients   map[uint64]*clientRecord
	nextClint uint64
}

// clientRecord is one SETCLIENTID registration.
type clientRecord struct {
	id        uint64
	verifier  [8]byte
	confirm   [8]byte
	owner     string
	confirmed bool
	renewed   time.Time
}

// NewHandler wires the engine.
func NewHandler(ex *exports.Registry, ht *handle.Table, cache *handle.AttrCache, sec *security.Manager, locks *lockmgr.Manager, opens *openstate.Tracker) *Handler {
	return &Handler{
		Exports:   ex,
		Handles:   ht,
		Cache:     cache,
		Sec:       sec,
		Locks:     locks,
		Opens:     opens,
		ReadMax:   1 << 20,
		WriteMax:  1 << 20,
		LeaseTime: 90,
		clients:   make(map[uint64]*clientRecord),
	}
}

// compoundState is the per-request interpreter state: the filehandle
// pair plus the caller's identity.
type compoundState struct {
	ctx   *security.Context
	cur   []byte
	saved []byte
}

// opFunc executes one operation: decode args from r, act, and write the
// op-specific result body (excluding the status word) to buf.
type opFunc func(h *Handler, st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32

// opTable is the static opcode dispatch table.
var opTable = map[uint32]opFunc{
	OpAccess:            (*Handler).opAccess,
	OpClose:             (*Handler).opClose,
	OpCommit:            (*Handler).opCommit,
	OpCreate:            (*Handler).opCreate,
	OpDelegpurge:        (*Handler).opDelegpurge,
	OpDelegreturn:       (*Handler).opDelegreturn,
	OpGetattr:           (*Handler).opGetattr,
	OpGetfh:             (*Handler).opGetfh,
	OpLink:              (*Handler).opLink,
	OpLock:              (*Handler).opLock,
	OpLockt:             (*Handler).opLockt,
	OpLocku:             (*Handler).opLocku,
	OpLookup:            (*Handler).opLookup,
	OpLookupp:           (*Handler).opLookupp,
	OpNverify:           (*Handler).opNverify,
	OpOpen:              (*Handler).opOpen,
	OpOpenattr:          (*Handler).opNotSupp,
	OpOpenConfirm:       (*Handler).opOpenConfirm,
	OpOpenDowngrade:     (*Handler).opNotSupp,
	OpPutfh:             (*Handler).opPutfh,
	OpPutpubfh:          (*Handler).opPutrootfh, // public root is the root
	OpPutrootfh:         (*Handler).opPutrootfh,
	OpRead:              (*Handler).opRead,
	OpReaddir:           (*Handler).opReaddir,
	OpReadlink:          (*Handler).opReadlink,
	OpRemove:            (*Handler).opRemove,
	OpRename:            (*Handler).opRename,
	OpRenew:             (*Handler).opRenew,
	OpRestorefh:         (*Handler).opRestorefh,
	OpSavefh:            (*Handler).opSavefh,
	OpSecinfo:           (*Handler).opSecinfo,
	OpSetattr:           (*Handler).opSetattr,
	OpSetclientid:       (*Handler).opSetclientid,
	OpSetclientidConfrm: (*Handler).opSetclientidConfirm,
	OpVerify:            (*Handler).opVerify,
	OpWrite:             (*Handler).opWrite,
	OpReleaseLockowner:  (*Handler).opReleaseLockowner,
}

// Dispatch routes the two v4 procedures.
func (h *Handler) Dispatch(ctx *security.Context, proc uint32, args []byte) ([]byte, uint32) {
	switch proc {
	case ProcNull:
		return nil, rpc.AcceptSuccess
	case ProcCompound:
		return h.compound(ctx, args)
	}
	return nil, rpc.AcceptProcUnavail
}

// compound runs the operation loop. A compound with zero operations is
// legal and returns NFS4_OK with an empty result list.
func (h *Handler) compound(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)

	tag, err := xdr.Opaque(r, 1024)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	minor, err := xdr.Uint32(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	numOps, err := xdr.Uint32(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	if minor != 0 {
		return encodeCompound(ErrMinorVersion, tag, nil, 0), rpc.AcceptSuccess
	}
	if numOps > MaxOps {
		return encodeCompound(ErrResource, tag, nil, 0), rpc.AcceptSuccess
	}

	st := &compoundState{ctx: ctx}
	var results bytes.Buffer
	overall := OK
	executed := uint32(0)

	for i := uint32(0); i < numOps; i++ {
		opcode, err := xdr.Uint32(r)
		if err != nil {
			return nil, rpc.AcceptGarbageArgs
		}

		fn, known := opTable[opcode]
		if !known {
			// Unknown opcodes still produce a result entry, with the
			// ILLEGAL opcode echoed per RFC 7530 Section 15.2.4.
			_ = xdr.PutUint32(&results, OpIllegal)
			_ = xdr.PutUint32(&results, ErrOpIllegal)
			executed++
			overall = ErrOpIllegal
			break
		}

		var body bytes.Buffer
		opStatus := fn(h, st, r, &body)

		_ = xdr.PutUint32(&results, opcode)
		_ = xdr.PutUint32(&results, opStatus)
		results.Write(body.Bytes())
		executed++

		if opStatus != OK {
			overall = opStatus
			break
		}
	}

	logger.Debug("NFSv4 COMPOUND",
		"client", ctx.ClientIP, "ops", numOps, "executed", executed, "status", overall)
	return encodeCompound(overall, tag, results.Bytes(), executed), rpc.AcceptSuccess
}

func encodeCompound(overall uint32, tag []byte, results []byte, count uint32) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, overall)
	_ = xdr.PutOpaque(&buf, tag)
	_ = xdr.PutUint32(&buf, count)
	buf.Write(results)
	return buf.Bytes()
}

// ============================================================================
// Shared op helpers
// ============================================================================

// mapError folds VFS and handle errors into v4 statuses. The shared
// POSIX table covers everything except the bad-handle status, which is
// mapped to the v4 constant.
func mapError(err error) uint32 {
	st := status.FromError(err)
	if st == status.ErrBadHandle {
		return ErrBadHandle
	}
	return st
}

// resolved mirrors the v3 helper: export plus canonical and relative
// paths for the current filehandle.
type resolved struct {
	export *exports.Export
	path   string
	rel    string
}

// current resolves the current filehandle, enforcing its presence.
func (h *Handler) current(st *compoundState) (*resolved, uint32) {
	if st.cur == nil {
		return nil, ErrNoFilehandle
	}
	p, err := h.Handles.Resolve(st.cur)
	if err != nil {
		return nil, mapError(err)
	}
	ex, rel, err := h.Exports.Resolve(p)
	if err != nil {
		return nil, status.ErrStale
	}
	return &resolved{export: ex, path: p, rel: rel}, OK
}

func (h *Handler) stat(res *resolved) (*vfs.Attr, error) {
	if attr, ok := h.Cache.Get(res.path); ok {
		return attr, nil
	}
	attr, err := res.export.FS.Stat(res.rel)
	if err != nil {
		return nil, err
	}
	h.Cache.Put(res.path, attr)
	return attr, nil
}

func (h *Handler) invalidate(res *resolved) {
	h.Cache.Invalidate(res.path)
	if i := bytes.LastIndexByte([]byte(res.path), '/'); i > 0 {
		h.Cache.Invalidate(res.path[:i])
	}
}

// opNotSupp answers operations this server understands but does not
// implement (named attributes, open downgrade).
func (h *Handler) opNotSupp(_ *compoundState, _ *bytes.Reader, _ *bytes.Buffer) uint32 {
	return ErrNotSupp
}

// validName enforces the v4 component rules: UTF-8 is assumed, empty
// and slash-bearing names are rejected.
func validName(name string) uint32 {
	if name == "" {
		return status.ErrInval
	}
	if len(name) > 255 {
		return status.ErrNameLong
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return ErrBadChar
		}
	}
	return OK
}
