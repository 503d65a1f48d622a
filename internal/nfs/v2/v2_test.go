package v2

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/reeffs/reef/internal/exports"
	"github.com/reeffs/reef/internal/handle"
	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

func newHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := vfs.NewOSFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	registry, err := exports.NewRegistry([]*exports.Export{{Name: "/export", FS: fs}})
	if err != nil {
		t.Fatal(err)
	}
	h := &Handler{
		Exports: registry,
		Handles: handle.NewTable(registry.Roots()),
		Cache:   handle.NewAttrCache(0),
		Sec:     security.NewManager(security.Config{AllowSys: true}, security.NewAudit("")),
	}
	return h, dir
}

func ctx() *security.Context {
	return &security.Context{UID: uint32(os.Getuid()), GID: uint32(os.Getgid()), ClientIP: "10.0.0.1"}
}

func rootV2(t *testing.T, h *Handler) []byte {
	fh, err := h.Handles.Issue("/export")
	if err != nil {
		t.Fatal(err)
	}
	return handle.PadV2(fh)
}

func TestV2LookupAndGetattr(t *testing.T) {
	h, dir := newHandler(t)
	if err := os.WriteFile(dir+"/hello", []byte("greetings"), 0o644); err != nil {
		t.Fatal(err)
	}

	var args bytes.Buffer
	_ = xdr.PutFixedOpaque(&args, rootV2(t, h))
	_ = xdr.PutString(&args, "hello")

	res, accept := h.Dispatch(ctx(), ProcLookup, args.Bytes())
	if accept != rpc.AcceptSuccess {
		t.Fatalf("accept = %d", accept)
	}
	r := bytes.NewReader(res)
	st, _ := xdr.Uint32(r)
	if st != status.OK {
		t.Fatalf("LOOKUP status = %d", st)
	}
	fh, _ := xdr.FixedOpaque(r, handle.V2Size)
	if len(fh) != handle.V2Size {
		t.Fatal("v2 handle must be 32 bytes")
	}
	ftype, _ := xdr.Uint32(r)
	if ftype != 1 { // NFREG
		t.Errorf("type = %d, want NFREG", ftype)
	}

	var gargs bytes.Buffer
	_ = xdr.PutFixedOpaque(&gargs, fh)
	res, _ = h.Dispatch(ctx(), ProcGetattr, gargs.Bytes())
	if st := binary.BigEndian.Uint32(res[0:4]); st != status.OK {
		t.Fatalf("GETATTR status = %d", st)
	}
}

// v2 WRITE is always stable: no verifier on the wire, data durable at
// reply time.
func TestV2WriteRead(t *testing.T) {
	h, dir := newHandler(t)
	if err := os.WriteFile(dir+"/f", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var largs bytes.Buffer
	_ = xdr.PutFixedOpaque(&largs, rootV2(t, h))
	_ = xdr.PutString(&largs, "f")
	res, _ := h.Dispatch(ctx(), ProcLookup, largs.Bytes())
	r := bytes.NewReader(res)
	_, _ = xdr.Uint32(r)
	fh, _ := xdr.FixedOpaque(r, handle.V2Size)

	var wargs bytes.Buffer
	_ = xdr.PutFixedOpaque(&wargs, fh)
	_ = xdr.PutUint32(&wargs, 0) // beginoffset
	_ = xdr.PutUint32(&wargs, 0) // offset
	_ = xdr.PutUint32(&wargs, 0) // totalcount
	_ = xdr.PutOpaque(&wargs, []byte("v2 data"))
	res, _ = h.Dispatch(ctx(), ProcWrite, wargs.Bytes())
	if st := binary.BigEndian.Uint32(res[0:4]); st != status.OK {
		t.Fatalf("WRITE status = %d", st)
	}

	var rargs bytes.Buffer
	_ = xdr.PutFixedOpaque(&rargs, fh)
	_ = xdr.PutUint32(&rargs, 0)
	_ = xdr.PutUint32(&rargs, 100)
	_ = xdr.PutUint32(&rargs, 0)
	res, _ = h.Dispatch(ctx(), ProcRead, rargs.Bytes())
	rr := bytes.NewReader(res)
	st, _ := xdr.Uint32(rr)
	if st != status.OK {
		t.Fatalf("READ status = %d", st)
	}
	if _, err := xdr.FixedOpaque(rr, 68); err != nil { // fattr2 is 68 bytes
		t.Fatalf("skip fattr: %v", err)
	}
	data, _ := xdr.Opaque(rr, MaxData)
	if string(data) != "v2 data" {
		t.Fatalf("read back %q", data)
	}
}

func TestV2ObsoleteProcsAccepted(t *testing.T) {
	h, _ := newHandler(t)
	for _, proc := range []uint32{ProcRoot, ProcWritecache} {
		if _, accept := h.Dispatch(ctx(), proc, nil); accept != rpc.AcceptSuccess {
			t.Errorf("proc %d accept = %d", proc, accept)
		}
	}
}

func TestV2StatfsAndReaddir(t *testing.T) {
	h, dir := newHandler(t)
	if err := os.WriteFile(dir+"/one", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var sargs bytes.Buffer
	_ = xdr.PutFixedOpaque(&sargs, rootV2(t, h))
	res, _ := h.Dispatch(ctx(), ProcStatfs, sargs.Bytes())
	if st := binary.BigEndian.Uint32(res[0:4]); st != status.OK {
		t.Fatalf("STATFS status = %d", st)
	}

	var dargs bytes.Buffer
	_ = xdr.PutFixedOpaque(&dargs, rootV2(t, h))
	_ = xdr.PutFixedOpaque(&dargs, []byte{0, 0, 0, 0}) // cookie
	_ = xdr.PutUint32(&dargs, 4096)
	res, _ = h.Dispatch(ctx(), ProcReaddir, dargs.Bytes())
	r := bytes.NewReader(res)
	st, _ := xdr.Uint32(r)
	if st != status.OK {
		t.Fatalf("READDIR status = %d", st)
	}
	follows, _ := xdr.Bool(r)
	if !follows {
		t.Fatal("expected one entry")
	}
}
