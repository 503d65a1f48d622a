// Package dispatch routes validated RPC calls to program handlers.
//
// The router owns the program/version/procedure demultiplexing and the
// RFC 5531 error surface: unknown program is PROG_UNAVAIL, an
// unsupported version PROG_MISMATCH with the supported range, an
// unknown procedure PROC_UNAVAIL, argument decode failure GARBAGE_ARGS,
// and an unexpected internal panic SYSTEM_ERR. Authentication runs here
// once per call, before any program sees it.
package dispatch

import (
	"runtime/debug"

	"github.com/reeffs/reef/internal/logger"
	"github.com/reeffs/reef/internal/metrics"
	"github.com/reeffs/reef/internal/mountd"
	nfsv2 "github.com/reeffs/reef/internal/nfs/v2"
	nfsv3 "github.com/reeffs/reef/internal/nfs/v3"
	nfsv4 "github.com/reeffs/reef/internal/nfs/v4"
	"github.com/reeffs/reef/internal/nlm"
	"github.com/reeffs/reef/internal/portmap"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/telemetry"
)

// Router fans calls out to the program handlers. Leaving a handler nil
// is how per-version and per-program enable flags take effect: a nil
// program handler answers PROG_UNAVAIL, and a nil NFS version handler
// answers PROG_MISMATCH.
type Router struct {
	Portmap *portmap.Handler
	Mount   *mountd.Handler
	NLM     *nlm.Handler
	V2      *nfsv2.Handler
	V3      *nfsv3.Handler
	V4      *nfsv4.Handler

	Sec *security.Manager
}

// nfsVersionRange reports the enabled NFS version span for
// PROG_MISMATCH replies.
func (rt *Router) nfsVersionRange() (uint32, uint32) {
	low, high := uint32(0), uint32(0)
	for _, v := range []struct {
		vers    uint32
		enabled bool
	}{
		{2, rt.V2 != nil},
		{3, rt.V3 != nil},
		{4, rt.V4 != nil},
	} {
		if !v.enabled {
			continue
		}
		if low == 0 {
			low = v.vers
		}
		high = v.vers
	}
	return low, high
}

// Handle processes one decoded call and returns the full RPC reply
// message (without record marking), or nil when no reply must be sent.
func (rt *Router) Handle(call *rpc.Call, clientAddr string) (reply []byte) {
	_, span := telemetry.StartCall(call.Program, call.Version, call.Procedure)
	defer span.End()

	// A panicking handler must never take the process down: the worker
	// answers SYSTEM_ERR and the connection survives.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic",
				"call", call.String(), "client", clientAddr,
				"panic", r, "stack", string(debug.Stack()))
			reply = rpc.AcceptedReply(call.XID, rpc.AcceptSystemErr, nil)
		}
	}()

	metrics.Calls.WithLabelValues(programName(call.Program)).Inc()

	// RPCSEC_GSS control messages terminate at the security layer.
	if security.IsGSSControl(call) {
		body, authStat := rt.Sec.HandleGSSControl(call, clientAddr)
		if authStat != rpc.AuthOK {
			return rpc.AuthErrorReply(call.XID, authStat)
		}
		return rpc.SuccessReply(call.XID, body)
	}

	secCtx, authStat := rt.Sec.Authenticate(call, clientAddr)
	if secCtx == nil {
		metrics.AuthFailures.Inc()
		return rpc.AuthErrorReply(call.XID, authStat)
	}

	switch call.Program {
	case rpc.ProgramPortmap:
		if rt.Portmap == nil {
			return rpc.AcceptedReply(call.XID, rpc.AcceptProgUnavail, nil)
		}
		result, accept := rt.Portmap.Dispatch(call)
		if accept == rpc.AcceptProgMismatch {
			return rpc.ProgMismatchReply(call.XID, portmap.Version, portmap.Version)
		}
		return rpc.AcceptedReply(call.XID, accept, result)

	case rpc.ProgramNFS:
		return rt.handleNFS(secCtx, call)

	case rpc.ProgramMount:
		if rt.Mount == nil {
			return rpc.AcceptedReply(call.XID, rpc.AcceptProgUnavail, nil)
		}
		result, accept := rt.Mount.Dispatch(secCtx, call)
		if accept == rpc.AcceptProgMismatch {
			return rpc.ProgMismatchReply(call.XID, 1, 3)
		}
		return rpc.AcceptedReply(call.XID, accept, result)

	case rpc.ProgramNLM:
		if rt.NLM == nil {
			return rpc.AcceptedReply(call.XID, rpc.AcceptProgUnavail, nil)
		}
		result, accept := rt.NLM.Dispatch(secCtx, call)
		if accept == rpc.AcceptProgMismatch {
			return rpc.ProgMismatchReply(call.XID, nlm.Version, nlm.Version)
		}
		return rpc.AcceptedReply(call.XID, accept, result)
	}

	logger.Debug("unknown program", "program", call.Program, "client", clientAddr)
	return rpc.AcceptedReply(call.XID, rpc.AcceptProgUnavail, nil)
}

// handleNFS routes across the enabled NFS versions.
func (rt *Router) handleNFS(ctx *security.Context, call *rpc.Call) []byte {
	var result []byte
	var accept uint32

	switch call.Version {
	case nfsv2.Version:
		if rt.V2 == nil {
			low, high := rt.nfsVersionRange()
			return rpc.ProgMismatchReply(call.XID, low, high)
		}
		result, accept = rt.V2.Dispatch(ctx, call.Procedure, call.Args)
	case nfsv3.Version:
		if rt.V3 == nil {
			low, high := rt.nfsVersionRange()
			return rpc.ProgMismatchReply(call.XID, low, high)
		}
		result, accept = rt.V3.Dispatch(ctx, call.Procedure, call.Args)
	case nfsv4.Version:
		if rt.V4 == nil {
			low, high := rt.nfsVersionRange()
			return rpc.ProgMismatchReply(call.XID, low, high)
		}
		result, accept = rt.V4.Dispatch(ctx, call.Procedure, call.Args)
	default:
		low, high := rt.nfsVersionRange()
		return rpc.ProgMismatchReply(call.XID, low, high)
	}

	return rpc.AcceptedReply(call.XID, accept, result)
}

func programName(prog uint32) string {
	switch prog {
	case rpc.ProgramPortmap:
		return "portmap"
	case rpc.ProgramNFS:
		return "nfs"
	case rpc.ProgramMount:
		return "mount"
	case rpc.ProgramNLM:
		return "nlm"
	}
	return "other"
}
