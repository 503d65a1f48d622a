package rpc

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func sampleCall() *Call {
	return &Call{
		XID:       0xCAFEBABE,
		Program:   ProgramNFS,
		Version:   3,
		Procedure: 1,
		Cred:      OpaqueAuth{Flavor: FlavorSys, Body: []byte{1, 2, 3, 4}},
		Verf:      OpaqueAuth{Flavor: FlavorNone},
		Args:      []byte{9, 9, 9, 9},
	}
}

// decode(encode(m)) must reproduce m bit-exact.
func TestCallRoundTrip(t *testing.T) {
	original := sampleCall()
	encoded, err := EncodeCall(original)
	if err != nil {
		t.Fatalf("EncodeCall: %v", err)
	}

	decoded, err := DecodeCall(encoded)
	if err != nil {
		t.Fatalf("DecodeCall: %v", err)
	}

	if decoded.XID != original.XID ||
		decoded.Program != original.Program ||
		decoded.Version != original.Version ||
		decoded.Procedure != original.Procedure {
		t.Errorf("header mismatch: %+v vs %+v", decoded, original)
	}
	if decoded.Cred.Flavor != original.Cred.Flavor || !bytes.Equal(decoded.Cred.Body, original.Cred.Body) {
		t.Errorf("cred mismatch")
	}
	if !bytes.Equal(decoded.Args, original.Args) {
		t.Errorf("args mismatch: %x vs %x", decoded.Args, original.Args)
	}

	// Encoding is deterministic.
	second, _ := EncodeCall(original)
	if !bytes.Equal(encoded, second) {
		t.Error("encoding is not deterministic")
	}
}

// Anything shorter than the 24-byte fixed header is TRUNCATED, never a
// panic.
func TestDecodeTruncated(t *testing.T) {
	for n := 0; n < 24; n++ {
		if _, err := DecodeCall(make([]byte, n)); err != ErrTruncated {
			t.Errorf("len=%d: err = %v, want ErrTruncated", n, err)
		}
	}
}

func TestDecodeBadVersion(t *testing.T) {
	msg, _ := EncodeCall(sampleCall())
	binary.BigEndian.PutUint32(msg[8:12], 3) // rpcvers = 3
	if _, err := DecodeCall(msg); err != ErrBadVersion {
		t.Errorf("err = %v, want ErrBadVersion", err)
	}
}

func TestDecodeOversizedAuth(t *testing.T) {
	msg, _ := EncodeCall(sampleCall())
	// Rewrite the cred length to 401 in place.
	binary.BigEndian.PutUint32(msg[28:32], MaxAuthBody+1)
	if _, err := DecodeCall(msg); err != ErrOversizedAuth {
		t.Errorf("err = %v, want ErrOversizedAuth", err)
	}
}

func TestDecodeUnknownFlavor(t *testing.T) {
	msg, _ := EncodeCall(sampleCall())
	binary.BigEndian.PutUint32(msg[24:28], 99)
	if _, err := DecodeCall(msg); err != ErrUnknownFlavor {
		t.Errorf("err = %v, want ErrUnknownFlavor", err)
	}
}

func TestReplies(t *testing.T) {
	t.Run("success carries result bytes", func(t *testing.T) {
		reply := SuccessReply(7, []byte{0xAB, 0xCD, 0xEF, 0x01})
		if binary.BigEndian.Uint32(reply[0:4]) != 7 {
			t.Error("xid not echoed")
		}
		if binary.BigEndian.Uint32(reply[8:12]) != MsgAccepted {
			t.Error("not MSG_ACCEPTED")
		}
		if binary.BigEndian.Uint32(reply[20:24]) != AcceptSuccess {
			t.Error("accept state not SUCCESS")
		}
		if !bytes.Equal(reply[24:], []byte{0xAB, 0xCD, 0xEF, 0x01}) {
			t.Error("result bytes missing")
		}
	})

	t.Run("prog mismatch carries range", func(t *testing.T) {
		reply := ProgMismatchReply(7, 2, 4)
		if binary.BigEndian.Uint32(reply[20:24]) != AcceptProgMismatch {
			t.Error("accept state not PROG_MISMATCH")
		}
		if binary.BigEndian.Uint32(reply[24:28]) != 2 || binary.BigEndian.Uint32(reply[28:32]) != 4 {
			t.Error("version range not [2,4]")
		}
	})

	t.Run("auth error is MSG_DENIED", func(t *testing.T) {
		reply := AuthErrorReply(7, AuthBadCred)
		if binary.BigEndian.Uint32(reply[8:12]) != MsgDenied {
			t.Error("not MSG_DENIED")
		}
		if binary.BigEndian.Uint32(reply[12:16]) != RejectAuthError {
			t.Error("reject state not AUTH_ERROR")
		}
		if binary.BigEndian.Uint32(reply[16:20]) != AuthBadCred {
			t.Error("auth stat not carried")
		}
	})
}

func TestFrame(t *testing.T) {
	framed := Frame([]byte{1, 2, 3})
	header := binary.BigEndian.Uint32(framed[0:4])
	length, last := FragmentHeader(header)
	if !last {
		t.Error("last-fragment bit not set")
	}
	if length != 3 {
		t.Errorf("length = %d, want 3", length)
	}
}
