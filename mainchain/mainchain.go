// Package mainchain implements spec §4.6: best-child selection, main
// chain index (MCI) assignment, and the stability determination that
// gates a unit's transition from provisional to final.
//
// Grounded on the teacher's consensus/fork_choice.go best-chain
// selection (generalized from a single linear chain to a DAG's
// best-child walk) and node/store/reorg.go's tip retreat/re-advance
// handling, which maps directly onto re-deriving the main chain from a
// new candidate tip.
package mainchain

import (
	"context"
	"fmt"
	"sort"

	"github.com/dagledger/node/dag"
	"github.com/dagledger/node/ledger"
)

// Reader is the read-side surface mainchain needs, layered on top of
// dag.PropsReader with child-lookup and free-tip enumeration.
type Reader interface {
	dag.PropsReader
	// ChildrenOf returns every known unit whose parent set includes
	// unitID (spec §4.6 "best child").
	ChildrenOf(ctx context.Context, unitID string) ([]string, error)
	// FreeTips returns the current set of childless units.
	FreeTips(ctx context.Context) ([]string, error)
}

// PickBestChild selects, among a unit's children, the one that extends
// the main chain: highest witnessed level, tiebreak by level, then by
// lexicographically smallest unit id (spec §4.6 — the mirror image of
// dag.PickBestParent, applied downward instead of upward).
func PickBestChild(ctx context.Context, r Reader, children []string) (string, error) {
	if len(children) == 0 {
		return "", fmt.Errorf("mainchain: no children to pick from")
	}
	type candidate struct {
		id    string
		props ledger.UnitProps
	}
	cands := make([]candidate, 0, len(children))
	for _, id := range children {
		p, err := r.ReadUnitProps(ctx, id)
		if err != nil {
			return "", err
		}
		cands = append(cands, candidate{id: id, props: p})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i].props, cands[j].props
		if a.WitnessedLevel != b.WitnessedLevel {
			return a.WitnessedLevel > b.WitnessedLevel
		}
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		return cands[i].id < cands[j].id
	})
	return cands[0].id, nil
}

// Advance walks from tip back along BestParent links, stopping at the
// first unit that already has a MainChainIndex (not included) or at
// genesis (included when it has none), and returns the ids of the units
// that still need an index, oldest first, matching spec §4.6's batch
// re-derivation of the main chain whenever a new, better tip appears.
// It assigns no MainChainIndex and does not read startMci: the caller
// (writer.Store.advanceMainChainLocked) derives the starting index and
// assigns and persists each value.
//
// Advance itself performs no locking. The writer calls it inside the
// single concurrency.LockWrite acquisition that covers a whole
// SaveJoint and holds that lock across every MCI it assigns and
// stabilizes; the lock is not released between MCIs or batches.
func Advance(ctx context.Context, r Reader, genesisID, tip string, startMci uint32) ([]string, error) {
	chain := []string{}
	cur := tip
	for {
		props, err := r.ReadUnitProps(ctx, cur)
		if err != nil {
			return nil, err
		}
		if props.MainChainIndex != nil {
			break
		}
		chain = append(chain, cur)
		if cur == genesisID {
			break
		}
		if props.BestParent == "" {
			return nil, fmt.Errorf("mainchain: unit %s has no best parent and is not genesis", cur)
		}
		cur = props.BestParent
	}

	// chain is tip-to-root; reverse to root-to-tip so mci assignment is
	// monotonically increasing in traversal order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// DetermineStability reports whether candidate — already on the main
// chain — is now stable: every current free tip's best-parent chain
// must cross it (spec §4.3 DetermineIfStableInLaterUnits, §4.6).
func DetermineStability(ctx context.Context, r Reader, candidate ledger.UnitProps) (bool, error) {
	tips, err := r.FreeTips(ctx)
	if err != nil {
		return false, err
	}
	return dag.DetermineIfStableInLaterUnits(ctx, r, candidate, tips)
}
