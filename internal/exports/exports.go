// Package exports holds the configured export set: the server-relative
// subtrees clients may mount, each backed by its own VFS root and
// carrying per-export access options.
package exports

import (
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/reeffs/reef/internal/vfs"
)

// ErrNoExport is returned when a path belongs to no configured export.
var ErrNoExport = errors.New("exports: path not exported")

// Export is one configured subtree.
type Export struct {
	// Name is the canonical mount path clients use, e.g. "/export".
	Name string

	// FS serves the export's backing tree.
	FS vfs.FS

	// ReadOnly rejects every mutating procedure against the export.
	ReadOnly bool

	// ClientPattern restricts access to clients whose address matches
	// this string prefix. Empty admits every client; DNS matching is
	// deliberately out of scope.
	ClientPattern string
}

// AllowsClient applies the string-prefix client match.
func (e *Export) AllowsClient(addr string) bool {
	if e.ClientPattern == "" || e.ClientPattern == "*" {
		return true
	}
	host := addr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		host = addr[:i]
	}
	return strings.HasPrefix(host, e.ClientPattern)
}

// Registry resolves server-relative paths to their owning export. The
// set is fixed at startup; lookups are lock-free.
type Registry struct {
	byName  map[string]*Export
	ordered []string // names sorted longest first for prefix matching
	config  []string // names in configuration order
}

// NewRegistry builds a registry. Export names are canonicalized; a
// duplicate name is a configuration error.
func NewRegistry(list []*Export) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Export, len(list))}
	for _, e := range list {
		name := path.Clean("/" + strings.TrimPrefix(e.Name, "/"))
		if _, dup := r.byName[name]; dup {
			return nil, errors.New("exports: duplicate export " + name)
		}
		e.Name = name
		r.byName[name] = e
		r.ordered = append(r.ordered, name)
		r.config = append(r.config, name)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return len(r.ordered[i]) > len(r.ordered[j])
	})
	return r, nil
}

// Roots returns the canonical export names, the handle table's bounds.
func (r *Registry) Roots() []string {
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ByName returns the export with the exact canonical name.
func (r *Registry) ByName(name string) (*Export, bool) {
	e, ok := r.byName[path.Clean("/"+strings.TrimPrefix(name, "/"))]
	return e, ok
}

// Resolve maps a canonical server-relative path to its export and the
// path relative to the export root ("." for the root itself).
func (r *Registry) Resolve(p string) (*Export, string, error) {
	for _, name := range r.ordered {
		if p == name {
			return r.byName[name], ".", nil
		}
		if strings.HasPrefix(p, name+"/") {
			return r.byName[name], strings.TrimPrefix(p, name+"/"), nil
		}
	}
	return nil, "", ErrNoExport
}

// All returns every export in configuration order.
func (r *Registry) All() []*Export {
	out := make([]*Export, 0, len(r.byName))
	for _, name := range r.config {
		out = append(out, r.byName[name])
	}
	return out
}
