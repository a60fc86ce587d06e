package sha256

import "testing"

// TestSignMatchesReference checks the digest against an independently computed value.
func TestSignMatchesReference(t *testing.T) {
	t.Parallel()

	got := Sign("s", []byte(`{"a":1}`))
	want := "37beaf650f70b40ec9706929c2e9d835cbd63729988f48781e6383a147215f07"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Sign("s", []byte(`{"a":1}`)); again != got {
		t.Fatalf("expected deterministic signature, got %s vs %s", got, again)
	}
	if other := Sign("t", []byte(`{"a":1}`)); other == got {
		t.Fatal("expected a different key to change the signature")
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	body := []byte(`{"a":1}`)
	sig := Sign("s", body)
	if !Verify("s", body, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify("s", []byte(`{"a":2}`), sig) {
		t.Fatal("expected tampered body to fail")
	}
	if Verify("s", body, "not-hex") {
		t.Fatal("expected malformed signature to fail")
	}
}
