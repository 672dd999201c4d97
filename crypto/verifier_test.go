package crypto

import "testing"

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	msg := []byte("stripped unit bytes")
	sig, err := Sign(priv, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	var v Ed25519Verifier
	if !v.VerifyEd25519(pub, msg, sig) {
		t.Fatal("expected valid signature to verify")
	}
	if v.VerifyEd25519(pub, []byte("tampered"), sig) {
		t.Fatal("expected signature over different message to fail")
	}
}

func TestVerifyRejectsMalformedHex(t *testing.T) {
	var v Ed25519Verifier
	if v.VerifyEd25519("not-hex", []byte("m"), "also-not-hex") {
		t.Fatal("expected malformed hex to fail verification, not panic")
	}
}

func TestSHA256HexDeterministic(t *testing.T) {
	var v Ed25519Verifier
	a := v.SHA256Hex([]byte("x"))
	b := v.SHA256Hex([]byte("x"))
	if a != b {
		t.Fatal("expected deterministic hash")
	}
}
