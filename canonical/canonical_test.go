package canonical

import (
	"strings"
	"testing"
)

func TestBytesDeterministic(t *testing.T) {
	v := map[string]any{
		"b": int64(2),
		"a": []any{"x", "y"},
		"c": true,
	}
	b1, err := Bytes(v)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	b2, err := Bytes(v)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("encoding not deterministic: %q vs %q", b1, b2)
	}
}

func TestBytesRejectsNonFinite(t *testing.T) {
	_, err := Bytes(map[string]any{"x": posInf()})
	if err == nil {
		t.Fatal("expected error for +Inf")
	}
}

func posInf() float64 {
	var zero float64
	return 1 / zero
}

func TestBytesRejectsUndefined(t *testing.T) {
	if _, err := Bytes(Undefined{}); err == nil {
		t.Fatal("expected error for undefined")
	}
}

func TestDepthCapSurfacesStructuredError(t *testing.T) {
	var nest any = "leaf"
	for i := 0; i < DefaultMaxDepth+10; i++ {
		nest = []any{nest}
	}
	enc := &Encoder{MaxDepth: 8, Keys: WithoutKeys}
	_, err := enc.Bytes(nest)
	if err == nil {
		t.Fatal("expected depth error")
	}
	var de *DepthExceededError
	if !asDepthExceeded(err, &de) {
		t.Fatalf("expected *DepthExceededError, got %T: %v", err, err)
	}
}

func asDepthExceeded(err error, target **DepthExceededError) bool {
	de, ok := err.(*DepthExceededError)
	if ok {
		*target = de
	}
	return ok
}

func TestKeysModeChangesEncoding(t *testing.T) {
	v := map[string]any{"a": int64(1)}
	noKeys, _ := Bytes(v)
	withKeys, _ := BytesWithKeys(v)
	if string(noKeys) == string(withKeys) {
		t.Fatal("expected WithKeys to change the byte stream")
	}
	if !strings.Contains(string(withKeys), "a") {
		t.Fatal("expected key to appear in WithKeys encoding")
	}
}

func TestUnitIDStable(t *testing.T) {
	s := StrippedUnit{
		Version: "4.0",
		Parents: []string{"p2", "p1"},
		Authors: []StrippedAuthor{{Address: "ADDR1"}},
		Messages: []any{
			map[string]any{"app": "payment"},
		},
		Timestamp: 1700000000,
	}
	id1, err := UnitID(s, true)
	if err != nil {
		t.Fatalf("UnitID: %v", err)
	}
	id2, err := UnitID(s, true)
	if err != nil {
		t.Fatalf("UnitID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("unit id not stable: %q vs %q", id1, id2)
	}

	// Parent order must not change the id since parents sort internally.
	s2 := s
	s2.Parents = []string{"p1", "p2"}
	id3, err := UnitID(s2, true)
	if err != nil {
		t.Fatalf("UnitID: %v", err)
	}
	if id1 != id3 {
		t.Fatal("unit id must be independent of input parent ordering")
	}
}

func TestBallIDSortsSkiplistAndParents(t *testing.T) {
	b1, err := BallID("unit1", []string{"pb2", "pb1"}, []string{"sk2", "sk1"})
	if err != nil {
		t.Fatalf("BallID: %v", err)
	}
	b2, err := BallID("unit1", []string{"pb1", "pb2"}, []string{"sk1", "sk2"})
	if err != nil {
		t.Fatalf("BallID: %v", err)
	}
	if b1 != b2 {
		t.Fatal("ball id must be independent of input ordering")
	}
}

func TestAddressRequiresJSONTextFormForBaseAA(t *testing.T) {
	if _, err := Address(map[string]any{"base_aa": "x"}, true, nil); err == nil {
		t.Fatal("expected error when JSON text form missing for base_aa definition")
	}
}

func TestAddressDeterministic(t *testing.T) {
	def := []any{"sig", map[string]any{"pubkey": "abc"}}
	a1, err := Address(def, false, nil)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	a2, err := Address(def, false, nil)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if a1 != a2 {
		t.Fatal("address derivation not deterministic")
	}
}
