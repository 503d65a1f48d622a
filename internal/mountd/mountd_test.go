package mountd

import (
	"bytes"
	"testing"

	"github.com/reeffs/reef/internal/exports"
	"github.com/reeffs/reef/internal/handle"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/xdr"
)

func newHandler(t *testing.T) *Handler {
	t.Helper()
	registry, err := exports.NewRegistry([]*exports.Export{
		{Name: "/export"},
		{Name: "/private", ClientPattern: "192.168."},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &Handler{
		Exports: registry,
		Handles: handle.NewTable(registry.Roots()),
		Sec:     security.NewManager(security.Config{AllowSys: true}, security.NewAudit("")),
	}
}

func ctx(ip string) *security.Context {
	return &security.Context{UID: 1000, Username: "alice", ClientIP: ip}
}

func mntArgsBytes(path string) []byte {
	var buf bytes.Buffer
	_ = xdr.PutString(&buf, path)
	return buf.Bytes()
}

func TestMntSuccess(t *testing.T) {
	h := newHandler(t)
	res, accept := h.Dispatch(ctx("10.0.0.1:300"), &rpc.Call{
		Version: 3, Procedure: ProcMnt, Args: mntArgsBytes("/export"),
	})
	if accept != rpc.AcceptSuccess {
		t.Fatalf("accept = %d", accept)
	}

	r := bytes.NewReader(res)
	st, _ := xdr.Uint32(r)
	if st != mntOK {
		t.Fatalf("status = %d", st)
	}
	fh, err := xdr.Opaque(r, 64)
	if err != nil || len(fh) == 0 {
		t.Fatal("root handle missing")
	}
	// The handle resolves to the export root.
	p, err := h.Handles.Resolve(fh)
	if err != nil || p != "/export" {
		t.Fatalf("handle resolves to %q, %v", p, err)
	}
	flavors, _ := xdr.Uint32(r)
	if flavors == 0 {
		t.Error("no auth flavors advertised")
	}

	// The mount is recorded for DUMP.
	if len(h.Mounts()) != 1 {
		t.Error("mount not recorded")
	}
}

func TestMntUnknownExport(t *testing.T) {
	h := newHandler(t)
	res, _ := h.Dispatch(ctx("10.0.0.1:300"), &rpc.Call{
		Version: 3, Procedure: ProcMnt, Args: mntArgsBytes("/nope"),
	})
	r := bytes.NewReader(res)
	if st, _ := xdr.Uint32(r); st != mntErrNoEnt {
		t.Fatalf("status = %d, want NOENT", st)
	}
}

func TestMntDeniedPaths(t *testing.T) {
	h := newHandler(t)

	// Traversal and system paths are rejected before export lookup.
	for _, p := range []string{"/export/../etc", "/etc/passwd"} {
		res, _ := h.Dispatch(ctx("10.0.0.1:300"), &rpc.Call{
			Version: 3, Procedure: ProcMnt, Args: mntArgsBytes(p),
		})
		r := bytes.NewReader(res)
		if st, _ := xdr.Uint32(r); st != mntErrAcces {
			t.Errorf("MNT %q status = %d, want ACCES", p, st)
		}
	}

	// Client pattern mismatch.
	res, _ := h.Dispatch(ctx("10.0.0.1:300"), &rpc.Call{
		Version: 3, Procedure: ProcMnt, Args: mntArgsBytes("/private"),
	})
	r := bytes.NewReader(res)
	if st, _ := xdr.Uint32(r); st != mntErrAcces {
		t.Fatalf("pattern-mismatched MNT status = %d, want ACCES", st)
	}

	// Matching client is admitted.
	res, _ = h.Dispatch(ctx("192.168.1.5:300"), &rpc.Call{
		Version: 3, Procedure: ProcMnt, Args: mntArgsBytes("/private"),
	})
	r = bytes.NewReader(res)
	if st, _ := xdr.Uint32(r); st != mntOK {
		t.Fatalf("matching MNT status = %d", st)
	}
}

func TestUmntRemovesRecord(t *testing.T) {
	h := newHandler(t)
	client := ctx("10.0.0.1:300")
	_, _ = h.Dispatch(client, &rpc.Call{Version: 3, Procedure: ProcMnt, Args: mntArgsBytes("/export")})

	_, accept := h.Dispatch(client, &rpc.Call{Version: 3, Procedure: ProcUmnt, Args: mntArgsBytes("/export")})
	if accept != rpc.AcceptSuccess {
		t.Fatalf("accept = %d", accept)
	}
	if len(h.Mounts()) != 0 {
		t.Error("mount record not removed")
	}
}

func TestExportList(t *testing.T) {
	h := newHandler(t)
	res, _ := h.Dispatch(ctx("10.0.0.1:300"), &rpc.Call{Version: 3, Procedure: ProcExport})

	r := bytes.NewReader(res)
	var names []string
	for {
		follows, _ := xdr.Bool(r)
		if !follows {
			break
		}
		name, _ := xdr.String(r, 1024)
		names = append(names, name)
		// Groups list.
		for {
			g, _ := xdr.Bool(r)
			if !g {
				break
			}
			_, _ = xdr.String(r, 1024)
		}
	}
	if len(names) != 2 {
		t.Fatalf("exports = %v", names)
	}
}

func TestMntRequiresV3(t *testing.T) {
	h := newHandler(t)
	_, accept := h.Dispatch(ctx("10.0.0.1:300"), &rpc.Call{
		Version: 1, Procedure: ProcMnt, Args: mntArgsBytes("/export"),
	})
	if accept != rpc.AcceptProgMismatch {
		t.Fatalf("accept = %d, want PROG_MISMATCH", accept)
	}
}
