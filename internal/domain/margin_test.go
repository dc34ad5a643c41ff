package domain

import "testing"

func TestMarginRoundTrip(t *testing.T) {
	stored := EncodeMargin(30)
	if stored != 0.30 {
		t.Fatalf("EncodeMargin(30) = %v, want 0.30", stored)
	}
	exported := ExportMargin(stored)
	if exported != 30 {
		t.Fatalf("ExportMargin(0.30) = %v, want 30", exported)
	}
	reimported := EncodeMargin(exported)
	if reimported != stored {
		t.Fatalf("re-import = %v, want %v", reimported, stored)
	}
}

func TestEncodeMarginFraction(t *testing.T) {
	if got := EncodeMargin(0.30); got != 0.30 {
		t.Fatalf("EncodeMargin(0.30) = %v, want 0.30 (verbatim)", got)
	}
}

func TestEquivalentQuantityZero(t *testing.T) {
	eq, norm, invalid := EquivalentQuantity(10, 0)
	if !invalid {
		t.Fatal("expected wasInvalid=true for items_per_renglón=0")
	}
	if norm != 1 {
		t.Fatalf("normalized = %d, want 1", norm)
	}
	if eq != 10 {
		t.Fatalf("eq = %v, want 10", eq)
	}
}

func TestEquivalentQuantityNormal(t *testing.T) {
	eq, norm, invalid := EquivalentQuantity(10, 2)
	if invalid {
		t.Fatal("expected wasInvalid=false")
	}
	if norm != 2 || eq != 5 {
		t.Fatalf("eq=%v norm=%d, want eq=5 norm=2", eq, norm)
	}
}
