package security

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/reeffs/reef/internal/xdr"
)

// AUTH_SYS field limits (RFC 5531 Appendix A).
const (
	maxMachineName = 255
	maxAuxGids     = 16
)

// SysCred is a decoded AUTH_SYS credential. The machine name carries no
// security meaning; the identity is the (uid, gid, gids) triple, which
// the manager subjects to the squash policy.
type SysCred struct {
	Stamp   uint32
	Machine string
	UID     uint32
	GID     uint32
	GIDs    []uint32
}

var errSysCred = errors.New("security: malformed AUTH_SYS credential")

// ParseSysCred decodes an AUTH_SYS credential body. Exactly 16
// auxiliary gids is accepted; 17 or more is rejected.
func ParseSysCred(body []byte) (*SysCred, error) {
	r := bytes.NewReader(body)
	cred := &SysCred{}

	var err error
	if cred.Stamp, err = xdr.Uint32(r); err != nil {
		return nil, errSysCred
	}
	if cred.Machine, err = xdr.String(r, maxMachineName); err != nil {
		return nil, errSysCred
	}
	if cred.UID, err = xdr.Uint32(r); err != nil {
		return nil, errSysCred
	}
	if cred.GID, err = xdr.Uint32(r); err != nil {
		return nil, errSysCred
	}

	count, err := xdr.Uint32(r)
	if err != nil {
		return nil, errSysCred
	}
	if count > maxAuxGids {
		return nil, fmt.Errorf("security: %d auxiliary gids exceeds %d", count, maxAuxGids)
	}
	cred.GIDs = make([]uint32, count)
	for i := range cred.GIDs {
		if cred.GIDs[i], err = xdr.Uint32(r); err != nil {
			return nil, errSysCred
		}
	}
	return cred, nil
}

// EncodeSysCred serializes a credential; the inverse of ParseSysCred on
// well-formed input.
func EncodeSysCred(cred *SysCred) ([]byte, error) {
	if len(cred.Machine) > maxMachineName {
		return nil, fmt.Errorf("security: machine name too long: %d", len(cred.Machine))
	}
	if len(cred.GIDs) > maxAuxGids {
		return nil, fmt.Errorf("security: %d auxiliary gids exceeds %d", len(cred.GIDs), maxAuxGids)
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, cred.Stamp)
	_ = xdr.PutString(&buf, cred.Machine)
	_ = xdr.PutUint32(&buf, cred.UID)
	_ = xdr.PutUint32(&buf, cred.GID)
	_ = xdr.PutUint32(&buf, uint32(len(cred.GIDs)))
	for _, g := range cred.GIDs {
		_ = xdr.PutUint32(&buf, g)
	}
	return buf.Bytes(), nil
}
