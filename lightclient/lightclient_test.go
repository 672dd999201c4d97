package lightclient

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/dagledger/node/canonical"
	"github.com/dagledger/node/concurrency"
	"github.com/dagledger/node/ledger"
	"github.com/dagledger/node/objectstore/kvstore"
)

type fakeRepo struct {
	props     map[string]ledger.UnitProps
	balls     map[string]string
	parentBalls map[string][]string
	defs      map[string][]byte
	lastStable uint32
}

func (f *fakeRepo) UnitProps(ctx context.Context, unitID string) (ledger.UnitProps, error) {
	return f.props[unitID], nil
}
func (f *fakeRepo) LastStableMCI(ctx context.Context) (uint32, error) { return f.lastStable, nil }
func (f *fakeRepo) BallForUnit(ctx context.Context, unitID string) (string, error) {
	return f.balls[unitID], nil
}
func (f *fakeRepo) ParentBalls(ctx context.Context, unitID string) ([]string, error) {
	return f.parentBalls[unitID], nil
}
func (f *fakeRepo) DefinitionJSON(ctx context.Context, address string) ([]byte, error) {
	return f.defs[address], nil
}

func TestGetWitnessProofRejectsUnstableUnit(t *testing.T) {
	repo := &fakeRepo{props: map[string]ledger.UnitProps{"u1": {UnitID: "u1", IsStable: false}}}
	s := NewServer(repo, nil, concurrency.NewKernel(), Limits{})
	_, err := s.GetWitnessProof(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error for unstable unit")
	}
}

func TestGetWitnessProofRoundTripsWithVerifier(t *testing.T) {
	ball, err := canonical.BallID("u1", []string{"p1"}, nil)
	if err != nil {
		t.Fatalf("BallID: %v", err)
	}
	repo := &fakeRepo{
		props:       map[string]ledger.UnitProps{"u1": {UnitID: "u1", IsStable: true}},
		balls:       map[string]string{"u1": ball},
		parentBalls: map[string][]string{"u1": {"p1"}},
	}
	s := NewServer(repo, nil, concurrency.NewKernel(), Limits{})
	proof, err := s.GetWitnessProof(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetWitnessProof: %v", err)
	}
	ok, err := VerifyWitnessProof(proof, nil)
	if err != nil {
		t.Fatalf("VerifyWitnessProof: %v", err)
	}
	if !ok {
		t.Fatal("expected proof to verify")
	}
}

func TestGetDefinitionRejectsOversizedBeforeParsing(t *testing.T) {
	repo := &fakeRepo{defs: map[string][]byte{"addrA": []byte(`{"too":"big"}`)}}
	s := NewServer(repo, nil, concurrency.NewKernel(), Limits{MaxDefinitionBytes: 4})
	_, err := s.GetDefinition(context.Background(), "addrA")
	if err == nil {
		t.Fatal("expected oversized definition to be rejected")
	}
}

func TestGetDefinitionReturnsRawJSONWithinLimit(t *testing.T) {
	repo := &fakeRepo{defs: map[string][]byte{"addrA": []byte(`["sig","pub"]`)}}
	s := NewServer(repo, nil, concurrency.NewKernel(), Limits{MaxDefinitionBytes: 1000})
	raw, err := s.GetDefinition(context.Background(), "addrA")
	if err != nil {
		t.Fatalf("GetDefinition: %v", err)
	}
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
}

func TestRefreshRejectsStaleRequest(t *testing.T) {
	repo := &fakeRepo{lastStable: 1000}
	s := NewServer(repo, nil, concurrency.NewKernel(), Limits{StabilityLagMCIs: 10})
	err := s.Refresh(context.Background(), RefreshRequest{LastKnownStableMCI: 100})
	if err == nil {
		t.Fatal("expected stale refresh request to be rejected")
	}
}

func TestRefreshAcceptsRecentRequest(t *testing.T) {
	repo := &fakeRepo{lastStable: 1000}
	s := NewServer(repo, nil, concurrency.NewKernel(), Limits{StabilityLagMCIs: 10})
	err := s.Refresh(context.Background(), RefreshRequest{LastKnownStableMCI: 995})
	if err != nil {
		t.Fatalf("expected recent refresh request to be accepted, got %v", err)
	}
}

func TestGetHistoryBoundsToLimitAndReportsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	kv, err := kvstore.Open(path)
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	defer kv.Close()
	b := kv.NewBatch()
	for i := 0; i < 5; i++ {
		_ = b.Put(kvstore.DataFeedKey("addrA", "feed", "num", "v", uint32(i)), []byte("x"))
	}
	if err := b.Write(kvstore.WriteOpts{Sync: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s := NewServer(&fakeRepo{}, kv, concurrency.NewKernel(), Limits{MaxHistoryItems: 2})
	res, err := s.GetHistory(context.Background(), "peer1", "addrA", "")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(res.Items) != 2 || !res.Truncated {
		t.Fatalf("expected 2 items truncated=true, got %d items truncated=%v", len(res.Items), res.Truncated)
	}
}
