// Package krb5 is the Kerberos-backed RPCSEC_GSS provider.
//
// The security manager hands it the raw mechanism token from a GSS
// initiation call; the provider verifies the embedded AP-REQ against
// the service keytab and maps the authenticated principal to a Unix
// identity through a configured static table. All Kerberos cryptography
// is delegated to gokrb5.
package krb5

import (
	"fmt"
	"strings"

	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
)

// Identity is the Unix mapping for one Kerberos principal.
type Identity struct {
	UID  uint32
	GID  uint32
	GIDs []uint32
}

// Provider implements security.GSSProvider over a service keytab.
type Provider struct {
	keytab   *keytab.Keytab
	settings *service.Settings

	// identities maps "primary" or "primary@REALM" to a Unix identity.
	identities map[string]Identity

	// defaultID is used for authenticated principals missing from the
	// table; nil rejects them instead.
	defaultID *Identity
}

// New loads the keytab at path and builds a provider with the given
// principal table.
func New(keytabPath, servicePrincipal string, identities map[string]Identity, defaultID *Identity) (*Provider, error) {
	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("krb5: load keytab: %w", err)
	}

	opts := []func(*service.Settings){service.DecodePAC(false)}
	if servicePrincipal != "" {
		opts = append(opts, service.SName(servicePrincipal))
	}

	return &Provider{
		keytab:     kt,
		settings:   service.NewSettings(kt, opts...),
		identities: identities,
		defaultID:  defaultID,
	}, nil
}

// Accept verifies an initiation token. The token is expected to be a
// Kerberos AP-REQ, optionally inside the standard GSS-API framing,
// which extractAPReq strips before unmarshalling.
func (p *Provider) Accept(token []byte) (string, uint32, uint32, []uint32, error) {
	apreq, err := extractAPReq(token)
	if err != nil {
		return "", 0, 0, nil, err
	}

	ok, creds, err := service.VerifyAPREQ(apreq, p.settings)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("krb5: verify AP-REQ: %w", err)
	}
	if !ok {
		return "", 0, 0, nil, fmt.Errorf("krb5: AP-REQ rejected")
	}

	principal := creds.UserName()
	realm := creds.Realm()
	full := principal + "@" + realm

	id, found := p.identities[full]
	if !found {
		id, found = p.identities[principal]
	}
	if !found {
		if p.defaultID == nil {
			return "", 0, 0, nil, fmt.Errorf("krb5: no identity mapping for %s", full)
		}
		id = *p.defaultID
	}

	gids := id.GIDs
	if len(gids) == 0 {
		gids = []uint32{id.GID}
	}
	return full, id.UID, id.GID, gids, nil
}

// extractAPReq unmarshals the AP-REQ, skipping a GSS-API wrapper when
// one is present. The wrapper starts with ASN.1 tag 0x60; a bare AP-REQ
// starts with an application tag of 0x6e.
func extractAPReq(token []byte) (*messages.APReq, error) {
	if len(token) == 0 {
		return nil, fmt.Errorf("krb5: empty token")
	}

	candidates := [][]byte{token}
	if token[0] == 0x60 {
		// Find the embedded AP-REQ by its application tag; the GSS
		// wrapper prefix length varies with the OID encoding.
		if i := strings.Index(string(token), "\x6e"); i > 0 {
			candidates = append(candidates, token[i:])
		}
	}

	var lastErr error
	for _, c := range candidates {
		var apreq messages.APReq
		if err := apreq.Unmarshal(c); err == nil {
			return &apreq, nil
		} else {
			lastErr = err
		}
	}
	return nil, fmt.Errorf("krb5: unmarshal AP-REQ: %w", lastErr)
}
