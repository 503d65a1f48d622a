package openstate

import (
	"testing"
	"time"
)

func TestOpenConflictRules(t *testing.T) {
	tests := []struct {
		name          string
		firstAccess   AccessMode
		firstShare    ShareMode
		secondAccess  AccessMode
		secondShare   ShareMode
		wantConflict  bool
	}{
		{"two readers share-all", AccessRead, ShareAll, AccessRead, ShareAll, false},
		{"existing exclusive denies", AccessRead, ShareExclusive, AccessRead, ShareAll, true},
		{"incoming exclusive denies", AccessRead, ShareAll, AccessRead, ShareExclusive, true},
		{"two writers neither sharing", AccessWrite, ShareRead, AccessWrite, ShareRead, true},
		{"two writers one permits write sharing", AccessWrite, ShareWrite, AccessRW, ShareRead, false},
		{"append counts as write", AccessAppend, ShareRead, AccessWrite, ShareRead, true},
		{"reader and writer coexist", AccessRead, ShareAll, AccessWrite, ShareAll, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(time.Hour)
			if _, c := tr.Open("f", "client1", 1, tt.firstAccess, tt.firstShare); c != nil {
				t.Fatal("first open rejected")
			}
			_, conflict := tr.Open("f", "client2", 2, tt.secondAccess, tt.secondShare)
			if (conflict != nil) != tt.wantConflict {
				t.Errorf("conflict = %v, want %v", conflict != nil, tt.wantConflict)
			}
		})
	}
}

// The same client re-opening the same file is an upgrade, never a
// conflict.
func TestSameClientUpgrade(t *testing.T) {
	tr := New(time.Hour)
	if _, c := tr.Open("f", "client1", 1, AccessRead, ShareExclusive); c != nil {
		t.Fatal("first open rejected")
	}
	if _, c := tr.Open("f", "client1", 1, AccessRW, ShareExclusive); c != nil {
		t.Fatal("same-client reopen must be admitted")
	}
}

func TestCloseOwnership(t *testing.T) {
	tr := New(time.Hour)
	id, _ := tr.Open("f", "client1", 1, AccessRead, ShareAll)

	if tr.Close(id, "client2") {
		t.Fatal("foreign close must fail")
	}
	if !tr.Close(id, "client1") {
		t.Fatal("owner close failed")
	}
	if tr.Close(id, "client1") {
		t.Fatal("double close must fail")
	}
}

func TestCloseByClient(t *testing.T) {
	tr := New(time.Hour)
	tr.Open("f1", "client1", 1, AccessRead, ShareAll)
	tr.Open("f2", "client1", 1, AccessRead, ShareAll)
	tr.Open("f1", "client2", 2, AccessRead, ShareAll)

	if n := tr.CloseByClient("client1"); n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if len(tr.Opens("f1")) != 1 {
		t.Error("client2's open must survive")
	}
}

// Idle opens expire and are swept before the conflict walk.
func TestStaleExpiry(t *testing.T) {
	tr := New(time.Millisecond)
	tr.Open("f", "client1", 1, AccessWrite, ShareExclusive)
	time.Sleep(5 * time.Millisecond)

	if _, c := tr.Open("f", "client2", 2, AccessWrite, ShareExclusive); c != nil {
		t.Fatal("expired open must not conflict")
	}
}
