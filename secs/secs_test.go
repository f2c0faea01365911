package secs

import "testing"

func TestKeyPacking(t *testing.T) {
	k := NewKey(1, 13)
	if int32(k) != 1<<8|13 {
		t.Fatalf("expected %d, got %d", 1<<8|13, k)
	}
	if k.Stream() != 1 || k.Function() != 13 {
		t.Fatalf("unpack mismatch: S%dF%d", k.Stream(), k.Function())
	}
	if k.String() != "S1F13" {
		t.Fatalf("unexpected string %q", k.String())
	}
	if max := NewKey(255, 255); !max.Valid() || max != 0xFFFF {
		t.Fatalf("expected 0xFFFF to be the largest valid key, got %d", max)
	}
	for _, bad := range []Key{-1, 0x10000} {
		if bad.Valid() {
			t.Fatalf("expected %d to be invalid", bad)
		}
	}
}

func TestMessageWithNameDoesNotMutate(t *testing.T) {
	m := New(6, 11, "", L(U4(1), A("x")))
	named := m.WithName("EventReport")
	if m.Name != "" {
		t.Fatalf("receiver mutated: %q", m.Name)
	}
	if named.Name != "EventReport" || named.Key() != m.Key() {
		t.Fatalf("unexpected copy: %+v", named)
	}
	if !m.IsPrimary() {
		t.Fatal("S6F11 should be primary")
	}
}

func TestItemAt(t *testing.T) {
	body := L(U4(1000), L(A("LOT-1"), Boolean(true)))
	got, ok := body.At(1, 0)
	if !ok || got.Text != "LOT-1" {
		t.Fatalf("At(1,0) = %v, %v", got, ok)
	}
	if _, ok := body.At(0, 0); ok {
		t.Fatal("expected indexing into a scalar to fail")
	}
	if _, ok := body.At(5); ok {
		t.Fatal("expected out of range to fail")
	}
	if s, ok := body.Child(0).Scalar(); !ok || s != "1000" {
		t.Fatalf("Scalar = %q, %v", s, ok)
	}
}

func TestItemString(t *testing.T) {
	got := L(A("x"), U4(1, 2)).String()
	want := `<L [2] <A [1] "x"> <U4 [2] 1 2>>`
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}
