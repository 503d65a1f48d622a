package exports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]*Export{
		{Name: "/export"},
		{Name: "/data/archive", ReadOnly: true, ClientPattern: "10.1."},
	})
	require.NoError(t, err)
	return r
}

func TestResolve(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		path string
		name string
		rel  string
	}{
		{"/export", "/export", "."},
		{"/export/a/b", "/export", "a/b"},
		{"/data/archive/x", "/data/archive", "x"},
	}
	for _, tt := range tests {
		ex, rel, err := r.Resolve(tt.path)
		require.NoError(t, err, "Resolve(%q)", tt.path)
		assert.Equal(t, tt.name, ex.Name)
		assert.Equal(t, tt.rel, rel)
	}

	_, _, err := r.Resolve("/data")
	assert.ErrorIs(t, err, ErrNoExport, "prefix of an export must not resolve")
	_, _, err = r.Resolve("/elsewhere")
	assert.ErrorIs(t, err, ErrNoExport)
}

func TestDuplicateRejected(t *testing.T) {
	_, err := NewRegistry([]*Export{{Name: "/export"}, {Name: "/export"}})
	require.Error(t, err, "duplicate export accepted")
}

func TestClientPattern(t *testing.T) {
	r := testRegistry(t)
	ex, _ := r.ByName("/data/archive")

	assert.True(t, ex.AllowsClient("10.1.2.3:456"), "matching prefix denied")
	assert.False(t, ex.AllowsClient("10.2.0.1:456"), "non-matching prefix allowed")

	open, _ := r.ByName("/export")
	assert.True(t, open.AllowsClient("203.0.113.9:1"), "empty pattern must admit everyone")
}
