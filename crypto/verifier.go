// Package crypto supplies the signature-verification and hashing
// primitives the definition evaluator needs for the "sig" operator and
// the "hash"/"in merkle" operators (spec §4.4, §4.1).
//
// Grounded on the teacher's crypto.CryptoProvider interface
// (crypto/provider.go in the teacher repo), re-targeted here from the
// teacher's ML-DSA/SLH-DSA post-quantum suites to classical Ed25519,
// since the spec's "sig" operator is a plain signature check, not a PQ
// suite selection.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
)

// Ed25519Verifier implements definition.Verifier using the standard
// library's Ed25519 primitives.
type Ed25519Verifier struct{}

// VerifyEd25519 verifies a hex-encoded Ed25519 signature over message
// using a hex-encoded public key. Malformed hex or wrong-length keys
// are treated as verification failures rather than panics.
func (Ed25519Verifier) VerifyEd25519(pubkeyHex string, message []byte, sigHex string) bool {
	pub, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// SHA256Hex returns the hex-encoded sha256 digest of data, used by the
// "hash" operator and as the merkle-proof hash function.
func (Ed25519Verifier) SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GenerateKeypair is a test/tooling helper producing a fresh Ed25519
// keypair, hex-encoded for use as "sig" definition pubkeys.
func GenerateKeypair() (pubHex, privHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(pub), hex.EncodeToString(priv), nil
}

// Sign produces a hex-encoded Ed25519 signature over message using a
// hex-encoded private key.
func Sign(privHex string, message []byte) (string, error) {
	priv, err := hex.DecodeString(privHex)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(ed25519.PrivateKey(priv), message)
	return hex.EncodeToString(sig), nil
}
