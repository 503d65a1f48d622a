package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/reeffs/reef/internal/rpc"
)

// echoHandler replies with the call's args so tests can observe the
// full round trip.
type echoHandler struct{}

func (echoHandler) Handle(call *rpc.Call, _ string) []byte {
	return rpc.SuccessReply(call.XID, call.Args)
}

func startServer(t *testing.T, cfg Config) (*Server, context.CancelFunc) {
	t.Helper()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	srv := NewServer(cfg, echoHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()

	// Wait for a listener to come up.
	deadline := time.Now().Add(2 * time.Second)
	for srv.Port() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() { cancel(); srv.Stop() })
	return srv, cancel
}

func encodeTestCall(xid uint32, args []byte) []byte {
	msg, _ := rpc.EncodeCall(&rpc.Call{
		XID:     xid,
		Program: rpc.ProgramNFS,
		Version: 3,
		Cred:    rpc.OpaqueAuth{Flavor: rpc.FlavorNone},
		Args:    args,
	})
	return msg
}

func TestTCPRoundTrip(t *testing.T) {
	srv, _ := startServer(t, Config{EnableTCP: true})

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg := encodeTestCall(0x42, []byte{9, 8, 7, 6})
	if _, err := conn.Write(rpc.Frame(msg)); err != nil {
		t.Fatal(err)
	}

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		t.Fatal(err)
	}
	length, last := rpc.FragmentHeader(binary.BigEndian.Uint32(header[:]))
	if !last {
		t.Fatal("reply must be a single final fragment")
	}
	reply := make([]byte, length)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	if binary.BigEndian.Uint32(reply[0:4]) != 0x42 {
		t.Error("xid not echoed")
	}
}

// A call split across several record-marking fragments reassembles.
func TestTCPFragmentReassembly(t *testing.T) {
	srv, _ := startServer(t, Config{EnableTCP: true})

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg := encodeTestCall(0x77, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	mid := len(msg) / 2

	writeFragment := func(data []byte, last bool) {
		var h [4]byte
		v := uint32(len(data))
		if last {
			v |= 0x80000000
		}
		binary.BigEndian.PutUint32(h[:], v)
		_, _ = conn.Write(h[:])
		_, _ = conn.Write(data)
	}
	writeFragment(msg[:mid], false)
	writeFragment(msg[mid:], true)

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		t.Fatal(err)
	}
	length, _ := rpc.FragmentHeader(binary.BigEndian.Uint32(header[:]))
	reply := make([]byte, length)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	if binary.BigEndian.Uint32(reply[0:4]) != 0x77 {
		t.Error("fragmented call not reassembled")
	}
}

// Oversized records close the connection rather than being served.
func TestTCPOversizedRecord(t *testing.T) {
	srv, _ := startServer(t, Config{EnableTCP: true, MaxRecord: 64})

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 0x80000000|1024)
	_, _ = conn.Write(header[:])
	_, _ = conn.Write(make([]byte, 1024))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var one [1]byte
	if _, err := conn.Read(one[:]); err == nil {
		t.Fatal("expected the server to close the connection")
	}
}

func TestUDPRoundTripAndReplyCache(t *testing.T) {
	srv, _ := startServer(t, Config{EnableUDP: true})

	conn, err := net.Dial("udp", srv.udpConn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg := encodeTestCall(0x99, []byte{5, 5, 5, 5})

	readReply := func() []byte {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 65536)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		return buf[:n]
	}

	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	first := readReply()
	if binary.BigEndian.Uint32(first[0:4]) != 0x99 {
		t.Fatal("xid not echoed over UDP")
	}

	// Retransmit: identical reply from the cache.
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	second := readReply()
	if string(first) != string(second) {
		t.Error("retransmit reply differs from the original")
	}

	// Malformed datagrams are dropped silently.
	if _, err := conn.Write([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Error("malformed datagram must not be answered")
	}
}

func TestReplyCacheExpiry(t *testing.T) {
	c := newReplyCache(4, 10*time.Millisecond)
	key := cacheKey{addr: "a", xid: 1}
	c.put(key, []byte("r"))

	if _, ok := c.get(key); !ok {
		t.Fatal("fresh entry missing")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get(key); ok {
		t.Fatal("expired entry served")
	}
}
