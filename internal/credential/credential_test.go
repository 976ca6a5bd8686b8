package credential

import "testing"

func TestRevealReturnsRawValue(t *testing.T) {
	c := New("sk-super-secret-value")
	if got := c.Reveal(); got != "sk-super-secret-value" {
		t.Fatalf("Reveal() = %q, want raw value", got)
	}
}

func TestStringNeverLeaksTheRawValue(t *testing.T) {
	c := New("sk-super-secret-value")
	s := c.String()
	if s == c.Reveal() {
		t.Fatal("String() must not equal the raw secret")
	}
	if got, want := s, "****alue"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestNilCredentialIsSafe(t *testing.T) {
	var c *Credential
	if c.IsSet() {
		t.Fatal("nil credential must report IsSet() == false")
	}
	if got := c.Reveal(); got != "" {
		t.Fatalf("Reveal() on nil = %q, want empty", got)
	}
	if got := c.String(); got != "" {
		t.Fatalf("String() on nil = %q, want empty", got)
	}
}

func TestMaskTokenShortTokenFullyMasked(t *testing.T) {
	for _, tok := range []string{"", "a", "ab", "abcd"} {
		if got := MaskToken(tok); tok != "" && got != "****" {
			t.Fatalf("MaskToken(%q) = %q, want **** for short tokens", tok, got)
		}
	}
}

func TestMaskHeaderValuePreservesScheme(t *testing.T) {
	got := MaskHeaderValue("Bearer abcdef123456")
	if got != "Bearer ****3456" {
		t.Fatalf("MaskHeaderValue() = %q, want scheme preserved with masked credential", got)
	}
}

func TestMaskHeaderValueNoSchemeMasksWhole(t *testing.T) {
	got := MaskHeaderValue("abcdef123456")
	if got != "****3456" {
		t.Fatalf("MaskHeaderValue() = %q, want fully masked when no scheme prefix", got)
	}
}
