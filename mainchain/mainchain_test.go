package mainchain

import (
	"context"
	"testing"

	"github.com/dagledger/node/dag"
	"github.com/dagledger/node/ledger"
)

type fakeReader struct {
	props    map[string]ledger.UnitProps
	children map[string][]string
	tips     []string
}

func (f *fakeReader) ReadUnitProps(ctx context.Context, unitID string) (ledger.UnitProps, error) {
	p, ok := f.props[unitID]
	if !ok {
		return ledger.UnitProps{}, dag.ErrUnitNotFound
	}
	return p, nil
}

func (f *fakeReader) ChildrenOf(ctx context.Context, unitID string) ([]string, error) {
	return f.children[unitID], nil
}

func (f *fakeReader) FreeTips(ctx context.Context) ([]string, error) {
	return f.tips, nil
}

func mci(v uint32) *uint32 { return &v }

func TestPickBestChildTiebreaksByWitnessedLevel(t *testing.T) {
	r := &fakeReader{props: map[string]ledger.UnitProps{
		"a": {UnitID: "a", WitnessedLevel: 3, Level: 5},
		"b": {UnitID: "b", WitnessedLevel: 5, Level: 4},
	}}
	got, err := PickBestChild(context.Background(), r, []string{"a", "b"})
	if err != nil {
		t.Fatalf("PickBestChild: %v", err)
	}
	if got != "b" {
		t.Fatalf("expected b (higher witnessed level), got %s", got)
	}
}

func TestAdvanceAssignsChainFromTipToGenesis(t *testing.T) {
	r := &fakeReader{props: map[string]ledger.UnitProps{
		"genesis": {UnitID: "genesis", MainChainIndex: mci(0)},
		"u1":      {UnitID: "u1", BestParent: "genesis"},
		"u2":      {UnitID: "u2", BestParent: "u1"},
	}}
	chain, err := Advance(context.Background(), r, "genesis", "u2", 1)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if len(chain) != 2 || chain[0] != "u1" || chain[1] != "u2" {
		t.Fatalf("expected [u1 u2] oldest-first, got %v", chain)
	}
}

func TestDetermineStabilityRequiresAllTipsToCross(t *testing.T) {
	r := &fakeReader{
		props: map[string]ledger.UnitProps{
			"candidate": {UnitID: "candidate", Level: 2},
			"tip1":      {UnitID: "tip1", Level: 4, BestParent: "candidate"},
			"tip2":      {UnitID: "tip2", Level: 1, BestParent: "other"},
			"other":     {UnitID: "other", Level: 1},
		},
		tips: []string{"tip1", "tip2"},
	}
	stable, err := DetermineStability(context.Background(), r, r.props["candidate"])
	if err != nil {
		t.Fatalf("DetermineStability: %v", err)
	}
	if stable {
		t.Fatal("expected not stable: tip2 does not cross candidate")
	}
}

func TestTallyPicksMajorityValueAmongOperators(t *testing.T) {
	ops := ledger.OperatorSet{Addresses: []string{"op1", "op2", "op3"}}
	votes := []SystemVote{
		{Voter: "op1", Subject: ledger.SubjectBaseTPSFee, Value: "10"},
		{Voter: "op2", Subject: ledger.SubjectBaseTPSFee, Value: "10"},
		{Voter: "op3", Subject: ledger.SubjectBaseTPSFee, Value: "20"},
		{Voter: "intruder", Subject: ledger.SubjectBaseTPSFee, Value: "999"},
	}
	results := Tally(votes, ops, 2)
	if len(results) != 1 || results[0].Value != "10" {
		t.Fatalf("expected single result value=10, got %+v", results)
	}
}
