package canonical

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"sort"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // teacher dependency, required for address derivation
)

// StrippedUnit is the minimal view of a unit that participates in
// unit_id derivation: content without authentifiers, and with any
// transient "spend-proof"-like fields removed from messages (spec §3,
// "Unit").
type StrippedUnit struct {
	Version        string
	Alt            string
	WitnessListUnit string
	LastBallUnit   string
	LastBallMci    uint32
	Parents        []string
	Authors        []StrippedAuthor
	Messages       []any
	Timestamp      uint64
	TpsFee         uint64
}

// StrippedAuthor is an author entry with signatures removed — only the
// address and, when this unit is the first use of the address, its
// definition survive into the unit_id hash.
type StrippedAuthor struct {
	Address    string
	Definition any // nil unless this unit introduces the address
}

// CanonicalValue exposes the map form used for hashing and signing, so
// callers needing the raw canonical bytes of a stripped unit (e.g. to
// verify an author's signature over it) do not have to re-derive the
// unit id to get them.
func (s StrippedUnit) CanonicalValue() map[string]any {
	return s.toValue()
}

func (s StrippedUnit) toValue() map[string]any {
	sortedParents := append([]string(nil), s.Parents...)
	sort.Strings(sortedParents)

	authors := make([]any, 0, len(s.Authors))
	for _, a := range s.Authors {
		m := map[string]any{"address": a.Address}
		if a.Definition != nil {
			m["definition"] = a.Definition
		}
		authors = append(authors, m)
	}

	v := map[string]any{
		"version":  s.Version,
		"parents":  toAnySlice(sortedParents),
		"authors":  authors,
		"messages": s.Messages,
		"timestamp": int64(s.Timestamp),
	}
	if s.Alt != "" {
		v["alt"] = s.Alt
	}
	if s.WitnessListUnit != "" {
		v["witness_list_unit"] = s.WitnessListUnit
	}
	if s.LastBallUnit != "" {
		v["last_ball_unit"] = s.LastBallUnit
		v["last_ball_mci"] = int64(s.LastBallMci)
	}
	if s.TpsFee != 0 {
		v["tps_fee"] = int64(s.TpsFee)
	}
	return v
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// HeaderPayloadSizes returns the canonical byte length of a stripped
// unit's header portion (everything but its messages) and of its
// payload portion (the messages alone), so the validator can check a
// unit's declared headers_commission/payload_commission against the
// actual canonical sizes (spec §4.1, §4.5 step 1).
func HeaderPayloadSizes(s StrippedUnit, withKeys bool) (headerSize, payloadSize int, err error) {
	enc := NewEncoder(WithoutKeys)
	if withKeys {
		enc = NewEncoder(WithKeys)
	}
	header := s
	header.Messages = nil
	headerBytes, err := enc.Bytes(header.toValue())
	if err != nil {
		return 0, 0, fmt.Errorf("canonical: encode header: %w", err)
	}
	payloadBytes, err := enc.Bytes(s.Messages)
	if err != nil {
		return 0, 0, fmt.Errorf("canonical: encode payload: %w", err)
	}
	return len(headerBytes), len(payloadBytes), nil
}

// UnitID derives the base64 unit id for a stripped unit. Versions < 4
// omit keys from the canonical form; 4+ include them (spec §4.1).
func UnitID(s StrippedUnit, withKeys bool) (string, error) {
	enc := NewEncoder(WithoutKeys)
	if withKeys {
		enc = NewEncoder(WithKeys)
	}
	b, err := enc.Bytes(s.toValue())
	if err != nil {
		return "", fmt.Errorf("canonical: encode unit: %w", err)
	}
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// BallID derives the secondary ball hash over (unit id, sorted parent
// balls, sorted skiplist balls) — computed only at stabilization (spec
// §3 "Ball", §4.1).
func BallID(unitID string, parentBalls, skiplistBalls []string) (string, error) {
	pb := append([]string(nil), parentBalls...)
	sort.Strings(pb)
	sb := append([]string(nil), skiplistBalls...)
	sort.Strings(sb)

	v := []any{unitID, toAnySlice(pb), toAnySlice(sb)}
	b, err := Bytes(v)
	if err != nil {
		return "", fmt.Errorf("canonical: encode ball: %w", err)
	}
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// addressEncoding is the RFC4648 base32 alphabet without padding, used
// for checksummed addresses.
var addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Address derives a checksummed base32 address from a definition's
// canonical hash: ripemd160(sha256(canonical(definition))), plus a
// trailing checksum byte computed over that digest (spec §4.1).
//
// AA definitions carrying a base_aa reference hash the JSON text form
// instead of the canonical form, to preserve parameter fidelity (spec
// §4.1).
func Address(definition any, isAAWithBaseAA bool, jsonTextForm []byte) (string, error) {
	var b []byte
	var err error
	if isAAWithBaseAA {
		if len(jsonTextForm) == 0 {
			return "", fmt.Errorf("canonical: AA base_aa definition requires JSON text form")
		}
		b = jsonTextForm
	} else {
		b, err = Bytes(definition)
		if err != nil {
			return "", fmt.Errorf("canonical: encode definition: %w", err)
		}
	}
	sha := sha256.Sum256(b)
	r := ripemd160.New()
	_, _ = r.Write(sha[:])
	digest := r.Sum(nil)

	checksum := addressChecksum(digest)
	full := append(append([]byte(nil), digest...), checksum...)
	return addressEncoding.EncodeToString(full), nil
}

// addressChecksum computes a single checksum byte: the first byte of a
// second sha256 round over digest, matching the "base32_checksummed"
// contract of spec §4.1 without pinning to any one historical
// implementation's exact bit-packing beyond: deterministic, and a
// single-byte alteration of digest changes it with high probability.
func addressChecksum(digest []byte) []byte {
	sum := sha256.Sum256(digest)
	return sum[:1]
}
