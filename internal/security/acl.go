package security

// ACL evaluation: an ordered entry list where the first matching entry
// decides. No match means denied. This deliberately mirrors the POSIX
// draft semantics rather than NFSv4 ACEs; the v4 attribute encoder
// does not expose these entries as an ACL attribute.

// Perm is a permission bit set using the POSIX rwx encoding.
type Perm uint32

const (
	PermExec  Perm = 1
	PermWrite Perm = 2
	PermRead  Perm = 4

	permMask Perm = 7
)

func (p Perm) String() string {
	out := []byte("---")
	if p&PermRead != 0 {
		out[0] = 'r'
	}
	if p&PermWrite != 0 {
		out[1] = 'w'
	}
	if p&PermExec != 0 {
		out[2] = 'x'
	}
	return string(out)
}

// ACLEntryType selects how an entry matches an identity.
type ACLEntryType uint32

const (
	ACLUser  ACLEntryType = 1
	ACLGroup ACLEntryType = 2
	ACLOther ACLEntryType = 3
)

// ACLEntry is one ordered entry.
type ACLEntry struct {
	Type ACLEntryType
	// ID is the uid for USER entries and the gid for GROUP entries;
	// ignored for OTHER.
	ID    uint32
	Perms Perm
}

// matches reports whether the entry applies to the identity.
func (e *ACLEntry) matches(ctx *Context) bool {
	switch e.Type {
	case ACLUser:
		return e.ID == ctx.UID
	case ACLGroup:
		return ctx.MemberOf(e.ID)
	case ACLOther:
		return true
	}
	return false
}

// ACL is an ordered list of entries.
type ACL []ACLEntry

// Evaluate walks the list in order; the first matching entry decides.
// Access is granted iff that entry carries every requested bit. An
// identity matching no entry is denied.
func (a ACL) Evaluate(ctx *Context, want Perm) bool {
	for i := range a {
		if a[i].matches(ctx) {
			return a[i].Perms&want == want
		}
	}
	return false
}
