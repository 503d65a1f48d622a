package v4

import (
	"bytes"
	"crypto/rand"
	"time"

	"github.com/reeffs/reef/internal/lockmgr"
	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/xdr"
)

// Client identity operations. SETCLIENTID hands out a clientid and a
// confirmation verifier; SETCLIENTID_CONFIRM activates it. Leases are
// renewed only by SETCLIENTID_CONFIRM and RENEW; other operations that
// carry the clientid do not renew them.

// opSetclientid registers (or re-registers) a client.
func (h *Handler) opSetclientid(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	verifier, err := xdr.FixedOpaque(r, 8)
	if err != nil {
		return ErrBadXDR
	}
	ownerID, err := xdr.Opaque(r, 1024)
	if err != nil {
		return ErrBadXDR
	}
	// Callback program and address are parsed and ignored: this server
	// grants no delegations, so it never calls back.
	if _, err := xdr.Uint32(r); err != nil {
		return ErrBadXDR
	}
	if _, err := xdr.String(r, 255); err != nil { // r_netid
		return ErrBadXDR
	}
	if _, err := xdr.String(r, 255); err != nil { // r_addr
		return ErrBadXDR
	}
	if _, err := xdr.Uint32(r); err != nil { // callback_ident
		return ErrBadXDR
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// An existing record for the same owner is replaced. Principals are
	// not compared, so CLID_IN_USE is never returned.
	for id, rec := range h.clients {
		if rec.owner == string(ownerID) {
			delete(h.clients, id)
		}
	}

	h.nextClint++
	rec := &clientRecord{
		id:      h.nextClint,
		owner:   string(ownerID),
		renewed: time.Now(),
	}
	copy(rec.verifier[:], verifier)
	_, _ = rand.Read(rec.confirm[:])
	h.clients[rec.id] = rec

	_ = xdr.PutUint64(buf, rec.id)
	_ = xdr.PutFixedOpaque(buf, rec.confirm[:])
	return OK
}

// opSetclientidConfirm activates a registration.
func (h *Handler) opSetclientidConfirm(_ *compoundState, r *bytes.Reader, _ *bytes.Buffer) uint32 {
	clientID, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	confirm, err := xdr.FixedOpaque(r, 8)
	if err != nil {
		return ErrBadXDR
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.clients[clientID]
	if !ok {
		return ErrStaleClientid
	}
	if !bytes.Equal(rec.confirm[:], confirm) {
		return ErrStaleClientid
	}
	rec.confirmed = true
	rec.renewed = time.Now()
	return OK
}

// opRenew refreshes a client's lease.
func (h *Handler) opRenew(_ *compoundState, r *bytes.Reader, _ *bytes.Buffer) uint32 {
	clientID, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.clients[clientID]
	if !ok || !rec.confirmed {
		return ErrStaleClientid
	}
	if time.Since(rec.renewed) > time.Duration(h.LeaseTime)*2*time.Second {
		delete(h.clients, clientID)
		return ErrExpired
	}
	rec.renewed = time.Now()
	return OK
}

// lockOwner derives the lock manager owner triple from a v4 lock owner.
func lockOwner(clientID uint64, owner []byte, addr string) lockmgr.Owner {
	return lockmgr.Owner{
		ClientID:   string(owner),
		ProcessID:  int32(clientID),
		ClientAddr: addr,
	}
}

// Lock types on the wire (RFC 7530 Section 16.10): odd values are
// read locks, even are write; the W variants indicate willingness to
// wait, which this server treats identically since it never blocks.
const (
	readLT   uint32 = 1
	writeLT  uint32 = 2
	readWLT  uint32 = 3
	writeWLT uint32 = 4
)

func lockTypeOf(wire uint32) (lockmgr.LockType, bool) {
	switch wire {
	case readLT, readWLT:
		return lockmgr.Shared, true
	case writeLT, writeWLT:
		return lockmgr.Exclusive, true
	}
	return 0, false
}

// putDenied encodes LOCK4denied: the conflicting range and owner.
func putDenied(buf *bytes.Buffer, conflict *lockmgr.Lock) {
	_ = xdr.PutUint64(buf, conflict.Offset)
	_ = xdr.PutUint64(buf, conflict.Length)
	if conflict.Type == lockmgr.Exclusive {
		_ = xdr.PutUint32(buf, writeLT)
	} else {
		_ = xdr.PutUint32(buf, readLT)
	}
	_ = xdr.PutUint64(buf, uint64(conflict.Owner.ProcessID))
	_ = xdr.PutOpaque(buf, []byte(conflict.Owner.ClientID))
}

// opLock acquires a byte-range lock on the current file.
func (h *Handler) opLock(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	wireType, err := xdr.Uint32(r)
	if err != nil {
		return ErrBadXDR
	}
	if _, err := xdr.Uint32(r); err != nil { // reclaim bool
		return ErrBadXDR
	}
	offset, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	length, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}

	// locker4: new owner (open stateid + lock owner) or existing.
	newOwner, err := xdr.Bool(r)
	if err != nil {
		return ErrBadXDR
	}
	var ownerBytes []byte
	var clientID uint64
	if newOwner {
		if _, err := xdr.Uint32(r); err != nil { // open seqid
			return ErrBadXDR
		}
		if _, err := readStateid(r); err != nil {
			return ErrBadXDR
		}
		if _, err := xdr.Uint32(r); err != nil { // lock seqid
			return ErrBadXDR
		}
		if clientID, err = xdr.Uint64(r); err != nil {
			return ErrBadXDR
		}
		if ownerBytes, err = xdr.Opaque(r, 1024); err != nil {
			return ErrBadXDR
		}
	} else {
		sid, err := readStateid(r)
		if err != nil {
			return ErrBadXDR
		}
		if _, err := xdr.Uint32(r); err != nil { // lock seqid
			return ErrBadXDR
		}
		// The existing lock stateid carries the owner identity.
		ownerBytes = sid.other[:]
	}

	typ, ok := lockTypeOf(wireType)
	if !ok {
		return status.ErrInval
	}
	res, s := h.current(st)
	if s != OK {
		return s
	}

	owner := lockOwner(clientID, ownerBytes, st.ctx.ClientIP)
	lockID, conflict := h.Locks.Acquire(res.path, typ, offset, length, owner)
	if conflict != nil {
		putDenied(buf, conflict)
		return ErrDenied
	}

	putStateid(buf, stateidFor(lockID))
	return OK
}

// opLockt tests whether a lock could be granted, without granting it.
func (h *Handler) opLockt(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	wireType, err := xdr.Uint32(r)
	if err != nil {
		return ErrBadXDR
	}
	offset, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	length, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	clientID, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	ownerBytes, err := xdr.Opaque(r, 1024)
	if err != nil {
		return ErrBadXDR
	}

	typ, ok := lockTypeOf(wireType)
	if !ok {
		return status.ErrInval
	}
	res, s := h.current(st)
	if s != OK {
		return s
	}

	owner := lockOwner(clientID, ownerBytes, st.ctx.ClientIP)
	if conflict := h.Locks.Test(res.path, typ, offset, length, owner); conflict != nil {
		putDenied(buf, conflict)
		return ErrDenied
	}
	return OK
}

// opLocku releases the lock named by the stateid over the given range.
func (h *Handler) opLocku(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	if _, err := xdr.Uint32(r); err != nil { // lock type, ignored on unlock
		return ErrBadXDR
	}
	if _, err := xdr.Uint32(r); err != nil { // seqid
		return ErrBadXDR
	}
	sid, err := readStateid(r)
	if err != nil {
		return ErrBadXDR
	}
	offset, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	length, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}

	res, s := h.current(st)
	if s != OK {
		return s
	}

	// Release by range for the owner of the stateid's lock; the
	// stateid itself names one lock, whose owner scopes the release.
	for _, l := range h.Locks.Locks(res.path) {
		if l.ID == sid.openID() {
			h.Locks.ReleaseRange(res.path, offset, length, l.Owner)
			break
		}
	}

	sid.seq++
	putStateid(buf, sid)
	return OK
}

// opReleaseLockowner drops every lock held by an owner.
func (h *Handler) opReleaseLockowner(st *compoundState, r *bytes.Reader, _ *bytes.Buffer) uint32 {
	clientID, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	ownerBytes, err := xdr.Opaque(r, 1024)
	if err != nil {
		return ErrBadXDR
	}
	h.Locks.ReleaseByOwner(lockOwner(clientID, ownerBytes, st.ctx.ClientIP))
	return OK
}
