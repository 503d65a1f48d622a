package security

import (
	"bytes"
	"time"

	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/xdr"
)

// DHCred is the structural part of an AUTH_DH full-name credential:
// the client's netname, its public key, the encrypted timestamp, and
// the freshness window. The shared-secret derivation and timestamp
// decryption are the provider's business.
type DHCred struct {
	Netname            string
	PublicKey          []byte
	EncryptedTimestamp []byte
	Window             uint32
}

// DHProvider performs the cryptographic half of AUTH_DH verification:
// derive the shared secret for the claimed netname, decrypt the
// timestamp, and return it for the freshness check.
type DHProvider interface {
	// Verify decrypts the credential's timestamp. A non-nil error means
	// the credential is cryptographically invalid.
	Verify(cred *DHCred) (time.Time, error)

	// Identity maps a verified netname to Unix credentials.
	Identity(netname string) (uid, gid uint32, gids []uint32, err error)
}

const maxNetname = 255

// ParseDHCred decodes the structural layout of an AUTH_DH credential.
func ParseDHCred(body []byte) (*DHCred, error) {
	r := bytes.NewReader(body)
	cred := &DHCred{}

	var err error
	if cred.Netname, err = xdr.String(r, maxNetname); err != nil {
		return nil, err
	}
	if cred.PublicKey, err = xdr.Opaque(r, 64); err != nil {
		return nil, err
	}
	if cred.EncryptedTimestamp, err = xdr.Opaque(r, 16); err != nil {
		return nil, err
	}
	if cred.Window, err = xdr.Uint32(r); err != nil {
		return nil, err
	}
	return cred, nil
}

// authenticateDH validates an AUTH_DH call. Structure is checked here;
// with no provider attached the flavor is effectively disabled.
func (m *Manager) authenticateDH(call *rpc.Call, clientIP string) (*Context, uint32, string) {
	if m.dh == nil {
		return nil, rpc.AuthTooWeak, ReasonFlavorOff
	}

	cred, err := ParseDHCred(call.Cred.Body)
	if err != nil {
		return nil, rpc.AuthBadCred, ReasonParseError
	}

	stamp, err := m.dh.Verify(cred)
	if err != nil {
		return nil, rpc.AuthRejectedCred, ReasonCredRejected
	}

	// Freshness: the decrypted timestamp must fall inside the client's
	// declared window around now.
	skew := time.Since(stamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > time.Duration(cred.Window)*time.Second {
		return nil, rpc.AuthRejectedVerf, ReasonTimestampSkew
	}

	uid, gid, gids, err := m.dh.Identity(cred.Netname)
	if err != nil {
		return nil, rpc.AuthRejectedCred, ReasonCredRejected
	}

	return &Context{
		UID:      uid,
		GID:      gid,
		GIDs:     gids,
		Username: cred.Netname,
		ClientIP: clientIP,
		Flavor:   rpc.FlavorDH,
		AuthTime: time.Now(),
	}, rpc.AuthOK, ""
}
