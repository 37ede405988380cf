package cache

import "testing"

func TestKeyForDeterministic(t *testing.T) {
	t.Parallel()

	a := KeyFor("file:/data/run1.root|size:1000", 200, 100)
	b := KeyFor("file:/data/run1.root|size:1000", 200, 100)
	if a != b {
		t.Fatalf("KeyFor() not deterministic: %s != %s", a, b)
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("KeyFor() produced invalid digest: %v", err)
	}
	if got := len(a.Encoded()); got != 64 {
		t.Fatalf("encoded key length = %d, want 64", got)
	}
}

func TestKeyForDistinguishesIdentity(t *testing.T) {
	t.Parallel()

	base := KeyFor("src", 0, 10)
	others := []Key{
		KeyFor("src2", 0, 10),
		KeyFor("src", 1, 10),
		KeyFor("src", 0, 11),
	}
	for i, k := range others {
		if k == base {
			t.Fatalf("key %d collides with base key %s", i, base)
		}
	}
}
