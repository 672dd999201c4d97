// Package tpsfee implements spec §4.9: the per-address TPS fee credit
// balance curve, recipient normalization, and composition-time
// in-flight-debit subtraction so a node never lets an address spend
// credit it has not actually earned yet.
//
// Grounded on the teacher's consensus/subsidy.go, a monotonic schedule
// function over chain position (block height -> subsidy amount);
// generalized here from a single miner-facing subsidy into a
// per-address running balance indexed by main_chain_index instead of
// block height. Decimal arithmetic uses github.com/shopspring/decimal
// (see DESIGN.md) to keep fee balances exact.
package tpsfee

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dagledger/node/ledger"
)

// BalanceStore is the narrow persistence surface this package
// needs from the object store for a single address's running credit,
// keyed by (address, mci): tps_fees_balance(address, mci) is a
// point-in-time query, not a single scalar per address, because
// composition-time in-flight-debit subtraction needs the balance as it
// stood at a specific historical last_ball_mci (spec §4.9). CreditBalance
// resolves to the latest balance recorded at or before mci.
type BalanceStore interface {
	CreditBalance(ctx context.Context, address string, mci uint32) (decimal.Decimal, error)
	SetCreditBalance(ctx context.Context, address string, mci uint32, balance decimal.Decimal) error
}

// NormalizeRecipients applies spec §4.9's recipient-normalization rule:
// if any declared recipient is not among the unit's authors, the whole
// recipient set collapses to just the first author (the unit's
// "native" fee payer), preventing a unit from routing its own fee
// credit to an address it does not control.
func NormalizeRecipients(recipients []string, authors []string) []string {
	if len(authors) == 0 {
		return nil
	}
	authorSet := make(map[string]bool, len(authors))
	for _, a := range authors {
		authorSet[a] = true
	}
	for _, r := range recipients {
		if !authorSet[r] {
			return []string{authors[0]}
		}
	}
	if len(recipients) == 0 {
		return []string{authors[0]}
	}
	return recipients
}

// DistributeAtStabilization splits a stabilized unit's tps_fee evenly
// across its (already-normalized) recipients, with any remainder from
// integer division assigned to the lexicographically first recipient
// so the total distributed exactly equals fee (spec §4.9).
func DistributeAtStabilization(fee uint64, recipients []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(recipients))
	if len(recipients) == 0 {
		return out
	}
	sorted := append([]string(nil), recipients...)
	sort.Strings(sorted)

	total := decimal.NewFromInt(int64(fee))
	n := decimal.NewFromInt(int64(len(sorted)))
	share := total.Div(n).Truncate(0)
	distributed := share.Mul(n)
	remainder := total.Sub(distributed)

	for i, addr := range sorted {
		amt := share
		if i == 0 {
			amt = amt.Add(remainder)
		}
		out[addr] = out[addr].Add(amt)
	}
	return out
}

// AvailableBalance returns the credit an address may actually spend
// right now: its stabilized balance minus every debit already promised
// by units from that address which have been validated but not yet
// stabilized (spec §4.9 "composition-time in-flight-debit
// subtraction"). Without this subtraction, two units composed back to
// back before either stabilizes could both believe the full stabilized
// balance is still available.
func AvailableBalance(stableCredit decimal.Decimal, inFlightDebits []decimal.Decimal) decimal.Decimal {
	avail := stableCredit
	for _, d := range inFlightDebits {
		avail = avail.Sub(d)
	}
	return avail
}

// InFlightDebitsFor returns the tps_fee of every unit in unstable
// (validated but not yet stable) authored by address, one entry per unit
// in the order given; AvailableBalance subtracts their sum.
func InFlightDebitsFor(address string, unstable []ledger.Unit) []decimal.Decimal {
	var out []decimal.Decimal
	for _, u := range unstable {
		for _, a := range u.Authors {
			if a.Address == address {
				out = append(out, decimal.NewFromInt(int64(u.TpsFee)))
				break
			}
		}
	}
	return out
}

// ApplyStabilization credits every recipient of a newly-stabilized
// unit's fee distribution into store at mci (the stabilizing unit's
// main_chain_index), reading-modifying-writing each balance exactly
// once (spec §4.9, called from the writer's stabilization step,
// writer.Store.markStableLocked, under the write lock). Per spec §4.6, this MUST complete before mci becomes
// available as a last_ball_mci for composition/validation, so the
// caller runs it inside the same transaction that advances
// last_stable_mci.
func ApplyStabilization(ctx context.Context, store BalanceStore, mci uint32, fee uint64, recipients []string) error {
	shares := DistributeAtStabilization(fee, recipients)
	for addr, amt := range shares {
		cur, err := store.CreditBalance(ctx, addr, mci)
		if err != nil {
			return err
		}
		if err := store.SetCreditBalance(ctx, addr, mci, cur.Add(amt)); err != nil {
			return err
		}
	}
	return nil
}
