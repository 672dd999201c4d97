package definition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

type fakeStateReader struct {
	defs     map[string]Def
	feeds    map[string]string
	merkles  map[string]string
	has      bool
	stateful bool
}

func (f *fakeStateReader) DefinitionAt(ctx context.Context, addr string, mci uint32) (Def, error) {
	return f.defs[addr], nil
}
func (f *fakeStateReader) DataFeedValue(ctx context.Context, addrs []string, feed string, mci uint32) (string, bool, error) {
	v, ok := f.feeds[feed]
	return v, ok, nil
}
func (f *fakeStateReader) MerkleRoot(ctx context.Context, addrs []string, feed string, mci uint32) (string, bool, error) {
	v, ok := f.merkles[feed]
	return v, ok, nil
}
func (f *fakeStateReader) Has(ctx context.Context, what map[string]any) (bool, error) {
	return f.has, nil
}
func (f *fakeStateReader) StatefulPredicate(ctx context.Context, op Op, args map[string]any) (bool, error) {
	return f.stateful, nil
}

type fakeVerifier struct {
	validSigs map[string]bool
}

func (v *fakeVerifier) VerifyEd25519(pubkeyHex string, message []byte, sigHex string) bool {
	return v.validSigs[pubkeyHex+"|"+sigHex]
}
func (v *fakeVerifier) SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newBudget() *Budget {
	return &Budget{MaxComplexity: 100, MaxOps: 1000}
}

func TestEvaluateSigAuthenticates(t *testing.T) {
	def := Def{Op: OpSig, Pubkey: "pk1"}
	auth := map[string]string{"r": "goodsig"}
	v := &fakeVerifier{validSigs: map[string]bool{"pk1|goodsig": true}}
	res, err := Evaluate(context.Background(), def, []byte("unit"), auth, &fakeStateReader{}, v, newBudget(), 0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.IsAuthenticated || !res.HasSignature {
		t.Fatalf("expected authenticated sig, got %+v", res)
	}
}

func TestEvaluateSigRejectsBadSignature(t *testing.T) {
	def := Def{Op: OpSig, Pubkey: "pk1"}
	auth := map[string]string{"r": "badsig"}
	v := &fakeVerifier{validSigs: map[string]bool{}}
	res, err := Evaluate(context.Background(), def, []byte("unit"), auth, &fakeStateReader{}, v, newBudget(), 0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.IsAuthenticated {
		t.Fatal("expected bad signature to not authenticate")
	}
}

func TestEvaluateAndRequiresAllBranches(t *testing.T) {
	def := Def{Op: OpAnd, Sub: []Def{
		{Op: OpSig, Pubkey: "pk1"},
		{Op: OpSig, Pubkey: "pk2"},
	}}
	auth := map[string]string{"r.0": "s1", "r.1": "s2"}
	v := &fakeVerifier{validSigs: map[string]bool{"pk1|s1": true, "pk2|s2": true}}
	res, err := Evaluate(context.Background(), def, []byte("u"), auth, &fakeStateReader{}, v, newBudget(), 0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.IsAuthenticated {
		t.Fatal("expected and() with both valid sigs to authenticate")
	}

	// one bad signature should fail the and
	v2 := &fakeVerifier{validSigs: map[string]bool{"pk1|s1": true}}
	res2, err := Evaluate(context.Background(), def, []byte("u"), auth, &fakeStateReader{}, v2, newBudget(), 0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res2.IsAuthenticated {
		t.Fatal("expected and() with one bad sig to not authenticate")
	}
}

func TestEvaluateROfSet(t *testing.T) {
	def := Def{Op: OpROfSet, Required: 2, Set: []Def{
		{Op: OpSig, Pubkey: "pk1"},
		{Op: OpSig, Pubkey: "pk2"},
		{Op: OpSig, Pubkey: "pk3"},
	}}
	auth := map[string]string{"r.0": "s1", "r.1": "s2", "r.2": "s3"}
	v := &fakeVerifier{validSigs: map[string]bool{"pk1|s1": true, "pk2|s2": true}}
	res, err := Evaluate(context.Background(), def, []byte("u"), auth, &fakeStateReader{}, v, newBudget(), 0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.IsAuthenticated {
		t.Fatal("expected 2-of-3 to authenticate with exactly 2 valid sigs")
	}
}

func TestEvaluateNotRejectsNestedSig(t *testing.T) {
	def := Def{Op: OpNot, Sub: []Def{{Op: OpSig, Pubkey: "pk1"}}}
	_, err := Evaluate(context.Background(), def, []byte("u"), map[string]string{}, &fakeStateReader{}, &fakeVerifier{}, newBudget(), 0)
	if err == nil {
		t.Fatal("expected error: nested sig inside not is disallowed")
	}
}

func TestEvaluateWeightedAndSumsWeights(t *testing.T) {
	def := Def{Op: OpWeightedAnd, Required: 3, WeightedSet: []WeightedSub{
		{Value: Def{Op: OpSig, Pubkey: "pk1"}, Weight: 2},
		{Value: Def{Op: OpSig, Pubkey: "pk2"}, Weight: 2},
	}}
	auth := map[string]string{"r.0": "s1", "r.1": "s2"}
	v := &fakeVerifier{validSigs: map[string]bool{"pk1|s1": true, "pk2|s2": true}}
	res, err := Evaluate(context.Background(), def, []byte("u"), auth, &fakeStateReader{}, v, newBudget(), 0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.IsAuthenticated {
		t.Fatal("expected weight sum 4 >= required 3 to authenticate")
	}
}

func TestEvaluateComplexityBudgetExceeded(t *testing.T) {
	sub := make([]Def, 0, 200)
	for i := 0; i < 200; i++ {
		sub = append(sub, Def{Op: OpSig, Pubkey: "pk"})
	}
	def := Def{Op: OpAnd, Sub: sub}
	budget := &Budget{MaxComplexity: 10, MaxOps: 1000}
	_, err := Evaluate(context.Background(), def, []byte("u"), map[string]string{}, &fakeStateReader{}, &fakeVerifier{}, budget, 0)
	if err == nil {
		t.Fatal("expected complexity budget exceeded error")
	}
	var ce *ComplexityExceededError
	if e, ok := err.(*ComplexityExceededError); ok {
		ce = e
	}
	if ce == nil {
		t.Fatalf("expected *ComplexityExceededError, got %T", err)
	}
}

func TestEvaluateInDataFeed(t *testing.T) {
	def := Def{Op: OpInDataFeed, FeedAddrs: []string{"addrA"}, Feed: "TEMP", FeedOp: "=", FeedValue: "42"}
	sr := &fakeStateReader{feeds: map[string]string{"TEMP": "42"}}
	res, err := Evaluate(context.Background(), def, []byte("u"), map[string]string{}, sr, &fakeVerifier{}, newBudget(), 0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.IsAuthenticated {
		t.Fatal("expected matching data feed value to authenticate")
	}
}

func TestEvaluateInMerkleAccountsForSiblingComplexity(t *testing.T) {
	v := &fakeVerifier{}
	// Build a long sibling chain to blow the ops budget.
	auth := "leaf"
	for i := 0; i < 50; i++ {
		auth += "|sib"
	}
	def := Def{Op: OpInMerkle, FeedAddrs: []string{"a"}, Feed: "root"}
	sr := &fakeStateReader{merkles: map[string]string{"root": "irrelevant"}}
	budget := &Budget{MaxComplexity: 100, MaxOps: 20}
	_, err := Evaluate(context.Background(), def, []byte("u"), map[string]string{"r": auth}, sr, v, budget, 0)
	if err == nil {
		t.Fatal("expected long merkle proof to exceed the ops budget")
	}
}
