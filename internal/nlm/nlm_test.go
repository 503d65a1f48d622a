package nlm

import (
	"bytes"
	"testing"
	"time"

	xdr2 "github.com/rasky/go-xdr/xdr2"

	"github.com/reeffs/reef/internal/handle"
	"github.com/reeffs/reef/internal/lockmgr"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/xdr"
)

func newHandler(t *testing.T) (*Handler, []byte) {
	t.Helper()
	handles := handle.NewTable([]string{"/export"})
	fh, err := handles.Issue("/export/locked.db")
	if err != nil {
		t.Fatal(err)
	}
	return &Handler{Handles: handles, Locks: lockmgr.New(time.Hour)}, fh
}

func ctx() *security.Context {
	return &security.Context{UID: 1000, ClientIP: "10.0.0.1:650"}
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := xdr2.Marshal(&buf, v); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func lockReq(fh []byte, caller string, svid int32, excl bool, offset, length uint64) lockArgs {
	return lockArgs{
		Cookie:    []byte{1},
		Exclusive: excl,
		Lock: nlm4Lock{
			CallerName: caller,
			FH:         fh,
			OH:         []byte(caller),
			Svid:       svid,
			Offset:     offset,
			Length:     length,
		},
	}
}

func resultStatus(t *testing.T, res []byte) uint32 {
	t.Helper()
	r := bytes.NewReader(res)
	if _, err := xdr.Opaque(r, 1024); err != nil { // cookie
		t.Fatal(err)
	}
	st, err := xdr.Uint32(r)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestLockGrantAndConflict(t *testing.T) {
	h, fh := newHandler(t)

	res, accept := h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcLock,
		Args: marshal(t, lockReq(fh, "hostA", 1, true, 0, 100)),
	})
	if accept != rpc.AcceptSuccess || resultStatus(t, res) != nlmGranted {
		t.Fatalf("first lock: accept=%d status=%d", accept, resultStatus(t, res))
	}

	res, _ = h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcLock,
		Args: marshal(t, lockReq(fh, "hostB", 2, false, 50, 100)),
	})
	if resultStatus(t, res) != nlmDenied {
		t.Fatalf("overlapping lock status = %d, want denied", resultStatus(t, res))
	}
}

// NLM_TEST reports the holder on conflict.
func TestTestReportsHolder(t *testing.T) {
	h, fh := newHandler(t)

	_, _ = h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcLock,
		Args: marshal(t, lockReq(fh, "hostA", 7, true, 0, 100)),
	})

	res, _ := h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcTest,
		Args: marshal(t, testArgs{
			Cookie: []byte{2}, Exclusive: false,
			Lock: nlm4Lock{CallerName: "hostB", FH: fh, OH: []byte("b"), Svid: 9, Offset: 10, Length: 10},
		}),
	})

	r := bytes.NewReader(res)
	_, _ = xdr.Opaque(r, 1024)
	st, _ := xdr.Uint32(r)
	if st != nlmDenied {
		t.Fatalf("status = %d, want denied", st)
	}
	excl, _ := xdr.Bool(r)
	svid, _ := xdr.Int32(r)
	if !excl || svid != 7 {
		t.Errorf("holder excl=%v svid=%d, want true/7", excl, svid)
	}
	_, _ = xdr.Opaque(r, 1024) // oh
	offset, _ := xdr.Uint64(r)
	length, _ := xdr.Uint64(r)
	if offset != 0 || length != 100 {
		t.Errorf("holder range = [%d,%d), want [0,100)", offset, offset+length)
	}
}

func TestUnlockReleases(t *testing.T) {
	h, fh := newHandler(t)
	_, _ = h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcLock,
		Args: marshal(t, lockReq(fh, "hostA", 1, true, 0, 100)),
	})

	res, _ := h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcUnlock,
		Args: marshal(t, unlockArgs{
			Cookie: []byte{3},
			Lock:   nlm4Lock{CallerName: "hostA", FH: fh, OH: []byte("hostA"), Svid: 1, Offset: 0, Length: 100},
		}),
	})
	if resultStatus(t, res) != nlmGranted {
		t.Fatal("unlock must succeed")
	}

	// The range is free again.
	res, _ = h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcLock,
		Args: marshal(t, lockReq(fh, "hostB", 2, true, 0, 100)),
	})
	if resultStatus(t, res) != nlmGranted {
		t.Fatal("released range still locked")
	}
}

func TestGracePeriod(t *testing.T) {
	h, fh := newHandler(t)
	h.GracePeriod = time.Hour

	res, _ := h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcLock,
		Args: marshal(t, lockReq(fh, "hostA", 1, true, 0, 10)),
	})
	if resultStatus(t, res) != nlmDeniedGrace {
		t.Fatal("fresh lock during grace must be denied")
	}

	req := lockReq(fh, "hostA", 1, true, 0, 10)
	req.Reclaim = true
	res, _ = h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcLock, Args: marshal(t, req),
	})
	if resultStatus(t, res) != nlmGranted {
		t.Fatal("reclaim during grace must be granted")
	}
}

func TestFreeAll(t *testing.T) {
	h, fh := newHandler(t)
	_, _ = h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcLock,
		Args: marshal(t, lockReq(fh, "hostA", 1, true, 0, 10)),
	})
	_, _ = h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcLock,
		Args: marshal(t, lockReq(fh, "hostB", 1, true, 50, 10)),
	})

	_, accept := h.Dispatch(ctx(), &rpc.Call{
		Version: Version, Procedure: ProcFreeAll,
		Args: marshal(t, freeAllArgs{Name: "hostA"}),
	})
	if accept != rpc.AcceptSuccess {
		t.Fatalf("accept = %d", accept)
	}

	locks := h.Locks.All()
	if len(locks) != 1 || locks[0].Owner.ProcessID != 1 {
		t.Fatalf("locks after FREE_ALL = %d", len(locks))
	}
}

func TestVersionMismatch(t *testing.T) {
	h, _ := newHandler(t)
	_, accept := h.Dispatch(ctx(), &rpc.Call{Version: 3, Procedure: ProcNull})
	if accept != rpc.AcceptProgMismatch {
		t.Fatalf("accept = %d, want PROG_MISMATCH", accept)
	}
}
