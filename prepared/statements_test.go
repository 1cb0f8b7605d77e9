package prepared

import "testing"

func TestSameFingerprintSharesCanonicalName(t *testing.T) {
	s := New()
	fp := NewFingerprint("SELECT * FROM users WHERE id = $1", []uint32{20})
	name1 := s.Acquire(fp, "SELECT * FROM users WHERE id = $1")
	name2 := s.Acquire(fp, "SELECT * FROM users WHERE id = $1")
	if name1 != name2 {
		t.Fatalf("expected identical fingerprints to share a canonical name, got %q and %q", name1, name2)
	}
	if used := s.Used(name1); used != 2 {
		t.Fatalf("expected refcount 2, got %d", used)
	}
}

func TestDifferentFingerprintsGetDistinctNames(t *testing.T) {
	s := New()
	fp1 := NewFingerprint("SELECT 1", nil)
	fp2 := NewFingerprint("SELECT 2", nil)
	name1 := s.Acquire(fp1, "SELECT 1")
	name2 := s.Acquire(fp2, "SELECT 2")
	if name1 == name2 {
		t.Fatal("expected distinct fingerprints to get distinct canonical names")
	}
}

func TestCloseAliasLeavesCanonicalEntryIntactWhileUsed(t *testing.T) {
	s := New()
	fp := NewFingerprint("SELECT * FROM t WHERE id = $1", []uint32{20})
	aliasA := NewAliasSet()
	aliasB := NewAliasSet()

	nameA := s.Acquire(fp, "SELECT * FROM t WHERE id = $1")
	aliasA.Bind("A", nameA)
	nameB := s.Acquire(fp, "SELECT * FROM t WHERE id = $1")
	aliasB.Bind("B", nameB)

	if nameA != nameB {
		t.Fatalf("expected both sessions to share the canonical name, got %q and %q", nameA, nameB)
	}

	aliasA.Close(s, "A")
	if used := s.Used(nameA); used != 1 {
		t.Fatalf("expected refcount 1 after one alias closes, got %d", used)
	}
	if _, ok := aliasA.Resolve("A"); ok {
		t.Fatal("expected alias A to be gone from its own session after Close")
	}

	name, ok := aliasB.Resolve("B")
	if !ok || name != nameB {
		t.Fatal("expected session B's alias to remain bound")
	}
}

func TestDeallocateAllDropsEverySessionAlias(t *testing.T) {
	s := New()
	fp1 := NewFingerprint("SELECT 1", nil)
	fp2 := NewFingerprint("SELECT 2", nil)
	aliases := NewAliasSet()
	n1 := s.Acquire(fp1, "SELECT 1")
	n2 := s.Acquire(fp2, "SELECT 2")
	aliases.Bind("s1", n1)
	aliases.Bind("s2", n2)

	aliases.CloseAll(s)

	if s.Used(n1) != 0 || s.Used(n2) != 0 {
		t.Fatal("expected DEALLOCATE ALL to zero out every refcount for this session")
	}
	if _, ok := aliases.Resolve("s1"); ok {
		t.Fatal("expected no aliases left after CloseAll")
	}
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	fp1 := NewFingerprint("SELECT  *  FROM t", nil)
	fp2 := NewFingerprint("SELECT * FROM t", nil)
	if fp1 != fp2 {
		t.Fatalf("expected whitespace-normalized fingerprints to be equal: %+v vs %+v", fp1, fp2)
	}
}
