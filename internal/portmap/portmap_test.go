package portmap

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/xdr"
)

func TestRegistrySetGetport(t *testing.T) {
	r := NewRegistry(16)

	// Nothing registered yet: port 0.
	if port := r.Getport(100003, 3, ProtoTCP); port != 0 {
		t.Fatalf("unregistered Getport = %d, want 0", port)
	}

	ok := r.Set(Mapping{Program: 100003, Version: 3, Protocol: ProtoTCP, Port: 2049})
	if !ok {
		t.Fatal("Set rejected a valid mapping")
	}
	if port := r.Getport(100003, 3, ProtoTCP); port != 2049 {
		t.Fatalf("Getport = %d, want 2049", port)
	}

	// Registration is idempotent by key: re-registering replaces.
	r.Set(Mapping{Program: 100003, Version: 3, Protocol: ProtoTCP, Port: 2050})
	if port := r.Getport(100003, 3, ProtoTCP); port != 2050 {
		t.Fatalf("after replace Getport = %d, want 2050", port)
	}

	if !r.Unset(100003, 3, ProtoTCP) {
		t.Fatal("Unset missed the registered key")
	}
	if port := r.Getport(100003, 3, ProtoTCP); port != 0 {
		t.Fatalf("after Unset Getport = %d, want 0", port)
	}
	if r.Unset(100003, 3, ProtoTCP) {
		t.Fatal("second Unset should report nothing removed")
	}
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry(16)
	tests := []struct {
		name string
		m    Mapping
	}{
		{"zero program", Mapping{Program: 0, Version: 1, Protocol: ProtoTCP, Port: 1}},
		{"zero version", Mapping{Program: 1, Version: 0, Protocol: ProtoTCP, Port: 1}},
		{"bad protocol", Mapping{Program: 1, Version: 1, Protocol: 99, Port: 1}},
		{"zero port", Mapping{Program: 1, Version: 1, Protocol: ProtoTCP, Port: 0}},
		{"port too large", Mapping{Program: 1, Version: 1, Protocol: ProtoTCP, Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if r.Set(tt.m) {
				t.Error("invalid mapping accepted")
			}
		})
	}
}

func TestRegistryLimit(t *testing.T) {
	r := NewRegistry(2)
	r.Set(Mapping{Program: 1, Version: 1, Protocol: ProtoTCP, Port: 1})
	r.Set(Mapping{Program: 2, Version: 1, Protocol: ProtoTCP, Port: 2})
	if r.Set(Mapping{Program: 3, Version: 1, Protocol: ProtoTCP, Port: 3}) {
		t.Error("limit not enforced")
	}
	// Replacing an existing key is still allowed at the limit.
	if !r.Set(Mapping{Program: 1, Version: 1, Protocol: ProtoTCP, Port: 9}) {
		t.Error("replace rejected at limit")
	}
}

func TestRegistryTTL(t *testing.T) {
	r := NewRegistry(16)
	r.SetTTL(time.Nanosecond)
	r.Set(Mapping{Program: 5, Version: 1, Protocol: ProtoUDP, Port: 500})

	time.Sleep(2 * time.Millisecond)
	r.lastSwep = time.Time{} // force the lazy sweep to run
	if port := r.Getport(5, 1, ProtoUDP); port != 0 {
		t.Fatalf("expired Getport = %d, want 0", port)
	}
}

// The spec's end-to-end scenario: GETPORT for an unregistered program
// replies with a zero port; after SET with 2049 the same GETPORT
// replies 0x00000801.
func mappingArgs(prog, vers, proto, port uint32) []byte {
	var buf bytes.Buffer
	for _, v := range []uint32{prog, vers, proto, port} {
		_ = xdr.PutUint32(&buf, v)
	}
	return buf.Bytes()
}

func TestHandlerGetportScenario(t *testing.T) {
	h := &Handler{Registry: NewRegistry(16)}

	call := &rpc.Call{Version: Version, Procedure: ProcGetport, Args: mappingArgs(100003, 3, 6, 0)}
	result, accept := h.Dispatch(call)
	if accept != rpc.AcceptSuccess {
		t.Fatalf("accept = %d", accept)
	}
	if !bytes.Equal(result, []byte{0, 0, 0, 0}) {
		t.Fatalf("unregistered GETPORT body = %x, want 00000000", result)
	}

	call = &rpc.Call{Version: Version, Procedure: ProcSet, Args: mappingArgs(100003, 3, 6, 2049)}
	result, _ = h.Dispatch(call)
	if binary.BigEndian.Uint32(result) != 1 {
		t.Fatal("SET did not report success")
	}

	call = &rpc.Call{Version: Version, Procedure: ProcGetport, Args: mappingArgs(100003, 3, 6, 0)}
	result, _ = h.Dispatch(call)
	if !bytes.Equal(result, []byte{0x00, 0x00, 0x08, 0x01}) {
		t.Fatalf("GETPORT body = %x, want 00000801", result)
	}
}

func TestHandlerDump(t *testing.T) {
	h := &Handler{Registry: NewRegistry(16)}
	h.Registry.Set(Mapping{Program: 100003, Version: 3, Protocol: ProtoTCP, Port: 2049})

	result, accept := h.Dispatch(&rpc.Call{Version: Version, Procedure: ProcDump})
	if accept != rpc.AcceptSuccess {
		t.Fatalf("accept = %d", accept)
	}

	r := bytes.NewReader(result)
	follows, _ := xdr.Bool(r)
	if !follows {
		t.Fatal("expected one entry")
	}
	var words [4]uint32
	for i := range words {
		words[i], _ = xdr.Uint32(r)
	}
	if words[0] != 100003 || words[3] != 2049 {
		t.Fatalf("entry = %v", words)
	}
	follows, _ = xdr.Bool(r)
	if follows {
		t.Fatal("expected list terminator")
	}
}

func TestHandlerGarbageArgs(t *testing.T) {
	h := &Handler{Registry: NewRegistry(16)}
	_, accept := h.Dispatch(&rpc.Call{Version: Version, Procedure: ProcSet, Args: []byte{1, 2}})
	if accept != rpc.AcceptGarbageArgs {
		t.Fatalf("accept = %d, want GARBAGE_ARGS", accept)
	}
}

func TestHandlerUnknownProcedure(t *testing.T) {
	h := &Handler{Registry: NewRegistry(16)}
	_, accept := h.Dispatch(&rpc.Call{Version: Version, Procedure: 42})
	if accept != rpc.AcceptProcUnavail {
		t.Fatalf("accept = %d, want PROC_UNAVAIL", accept)
	}
}
