package tpsfee

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dagledger/node/ledger"
)

func TestNormalizeRecipientsCollapsesToFirstAuthorOnForeignRecipient(t *testing.T) {
	got := NormalizeRecipients([]string{"stranger"}, []string{"authorA", "authorB"})
	if len(got) != 1 || got[0] != "authorA" {
		t.Fatalf("expected collapse to [authorA], got %v", got)
	}
}

func TestNormalizeRecipientsDefaultsToFirstAuthorWhenEmpty(t *testing.T) {
	got := NormalizeRecipients(nil, []string{"authorA"})
	if len(got) != 1 || got[0] != "authorA" {
		t.Fatalf("expected [authorA], got %v", got)
	}
}

func TestNormalizeRecipientsKeepsValidAuthorSubset(t *testing.T) {
	got := NormalizeRecipients([]string{"authorB"}, []string{"authorA", "authorB"})
	if len(got) != 1 || got[0] != "authorB" {
		t.Fatalf("expected [authorB], got %v", got)
	}
}

func TestDistributeAtStabilizationSumsToFeeExactly(t *testing.T) {
	shares := DistributeAtStabilization(10, []string{"a", "b", "c"})
	var total decimal.Decimal
	for _, v := range shares {
		total = total.Add(v)
	}
	if !total.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected shares to sum to 10, got %s", total)
	}
	if !shares["a"].Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected remainder to land on first recipient 'a', got %s", shares["a"])
	}
}

func TestAvailableBalanceSubtractsInFlightDebits(t *testing.T) {
	stable := decimal.NewFromInt(100)
	inFlight := []decimal.Decimal{decimal.NewFromInt(30), decimal.NewFromInt(20)}
	got := AvailableBalance(stable, inFlight)
	if !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50, got %s", got)
	}
}

func TestInFlightDebitsForFiltersByAuthor(t *testing.T) {
	units := []ledger.Unit{
		{TpsFee: 5, Authors: []ledger.Author{{Address: "a"}}},
		{TpsFee: 7, Authors: []ledger.Author{{Address: "b"}}},
	}
	got := InFlightDebitsFor("a", units)
	if len(got) != 1 || !got[0].Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected [5], got %v", got)
	}
}

// fakeBalanceStore keys balances by (address, mci) and resolves
// CreditBalance to the latest recorded mci at or before the query,
// mirroring the point-in-time tps_fees_balance(address, mci) contract.
type fakeBalanceStore struct {
	balances map[string]map[uint32]decimal.Decimal
}

func (f *fakeBalanceStore) CreditBalance(ctx context.Context, address string, mci uint32) (decimal.Decimal, error) {
	var best decimal.Decimal
	bestMci := uint32(0)
	found := false
	for m, bal := range f.balances[address] {
		if m > mci {
			continue
		}
		if !found || m > bestMci {
			best, bestMci, found = bal, m, true
		}
	}
	return best, nil
}

func (f *fakeBalanceStore) SetCreditBalance(ctx context.Context, address string, mci uint32, balance decimal.Decimal) error {
	if f.balances[address] == nil {
		f.balances[address] = map[uint32]decimal.Decimal{}
	}
	f.balances[address][mci] = balance
	return nil
}

func TestApplyStabilizationCreditsRecipients(t *testing.T) {
	store := &fakeBalanceStore{balances: map[string]map[uint32]decimal.Decimal{}}
	if err := ApplyStabilization(context.Background(), store, 5, 10, []string{"a", "b"}); err != nil {
		t.Fatalf("ApplyStabilization: %v", err)
	}
	total := store.balances["a"][5].Add(store.balances["b"][5])
	if !total.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected total credited 10, got %s", total)
	}
}

func TestApplyStabilizationResolvesBalanceAsOfMci(t *testing.T) {
	store := &fakeBalanceStore{balances: map[string]map[uint32]decimal.Decimal{
		"a": {3: decimal.NewFromInt(100)},
	}}
	if err := ApplyStabilization(context.Background(), store, 8, 20, []string{"a"}); err != nil {
		t.Fatalf("ApplyStabilization: %v", err)
	}
	if !store.balances["a"][8].Equal(decimal.NewFromInt(120)) {
		t.Fatalf("expected balance at mci 8 to be 120, got %s", store.balances["a"][8])
	}
	if !store.balances["a"][3].Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected earlier mci 3 balance to remain untouched, got %s", store.balances["a"][3])
	}
}
