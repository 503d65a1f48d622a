// Package xdr implements the External Data Representation primitives used
// by ONC RPC and the NFS protocol family (RFC 4506).
//
// All integers are big-endian. Variable-length items carry a 4-byte length
// and are padded with zeros to the next 4-byte boundary. The decoder is
// strict: short input and oversized lengths are errors, never partial
// results, so no caller ever sees mis-aligned data.
package xdr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrTruncated is returned when the input ends before a complete item
// could be decoded.
var ErrTruncated = errors.New("xdr: truncated input")

// Uint32 reads a 4-byte big-endian unsigned integer.
func Uint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Uint64 reads an 8-byte big-endian unsigned integer.
func Uint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Int32 reads a 4-byte big-endian signed integer.
func Int32(r io.Reader) (int32, error) {
	v, err := Uint32(r)
	return int32(v), err
}

// Int64 reads an 8-byte big-endian signed integer.
func Int64(r io.Reader) (int64, error) {
	v, err := Uint64(r)
	return int64(v), err
}

// Bool reads a 4-byte XDR boolean. Any nonzero discriminant is true.
func Bool(r io.Reader) (bool, error) {
	v, err := Uint32(r)
	return v != 0, err
}

// Opaque reads a variable-length opaque item of at most max bytes,
// consuming the trailing pad. max <= 0 means unlimited.
func Opaque(r io.Reader, max int) ([]byte, error) {
	n, err := Uint32(r)
	if err != nil {
		return nil, err
	}
	if max > 0 && int(n) > max {
		return nil, fmt.Errorf("xdr: opaque length %d exceeds limit %d", n, max)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, ErrTruncated
	}
	if err := skipPad(r, n); err != nil {
		return nil, err
	}
	return data, nil
}

// FixedOpaque reads exactly n opaque bytes plus their pad.
func FixedOpaque(r io.Reader, n uint32) ([]byte, error) {
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, ErrTruncated
	}
	if err := skipPad(r, n); err != nil {
		return nil, err
	}
	return data, nil
}

// String reads a variable-length string of at most max bytes.
func String(r io.Reader, max int) (string, error) {
	data, err := Opaque(r, max)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func skipPad(r io.Reader, n uint32) error {
	pad := (4 - n%4) % 4
	if pad == 0 {
		return nil
	}
	var buf [3]byte
	if _, err := io.ReadFull(r, buf[:pad]); err != nil {
		return ErrTruncated
	}
	return nil
}

// PutUint32 writes a 4-byte big-endian unsigned integer.
func PutUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// PutUint64 writes an 8-byte big-endian unsigned integer.
func PutUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// PutInt32 writes a 4-byte big-endian signed integer.
func PutInt32(w io.Writer, v int32) error {
	return PutUint32(w, uint32(v))
}

// PutInt64 writes an 8-byte big-endian signed integer.
func PutInt64(w io.Writer, v int64) error {
	return PutUint64(w, uint64(v))
}

// PutBool writes a 4-byte XDR boolean.
func PutBool(w io.Writer, v bool) error {
	if v {
		return PutUint32(w, 1)
	}
	return PutUint32(w, 0)
}

// PutOpaque writes a variable-length opaque item with length and pad.
func PutOpaque(w io.Writer, data []byte) error {
	if err := PutUint32(w, uint32(len(data))); err != nil {
		return err
	}
	return putPadded(w, data)
}

// PutFixedOpaque writes opaque bytes without a length prefix, padded.
func PutFixedOpaque(w io.Writer, data []byte) error {
	return putPadded(w, data)
}

// PutString writes a variable-length string with length and pad.
func PutString(w io.Writer, s string) error {
	return PutOpaque(w, []byte(s))
}

func putPadded(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	if pad := (4 - len(data)%4) % 4; pad > 0 {
		var zeros [3]byte
		if _, err := w.Write(zeros[:pad]); err != nil {
			return err
		}
	}
	return nil
}

// Pad returns n rounded up to the next 4-byte boundary.
func Pad(n int) int {
	return (n + 3) &^ 3
}
