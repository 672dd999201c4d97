package dag

import (
	"context"

	"github.com/dagledger/node/ledger"
)

// AuthorsOf returns the set of author addresses of a unit. Supplied by
// the caller's object-store-backed reader since UnitProps alone does
// not carry authors; the validator and mainchain packages already load
// full units when they need this.
type AuthorsOf interface {
	AuthorsOf(ctx context.Context, unitID string) ([]string, error)
}

// WitnessedLevel walks the best-parent chain from unit, accumulating
// distinct operator-set signers encountered until a majority threshold
// is reached; the level at which that threshold is met is the
// witnessed level (spec §4.3).
//
// After MustNotRetreatFromAllParentsActivationMci, callers must also
// verify witnessed_level(unit) >= max(witnessed_level(parent)) across
// ALL parents, not just the best one — that check belongs to the
// validator (step 9), which has the full parent set; this function
// only computes the value for a single best-parent walk.
func WitnessedLevel(ctx context.Context, r PropsReader, a AuthorsOf, ops ledger.OperatorSet, start string) (uint32, error) {
	seen := make(map[string]bool, len(ops.Addresses))
	cur := start
	majority := ops.Majority()

	for {
		props, err := r.ReadUnitProps(ctx, cur)
		if err != nil {
			return 0, err
		}
		authors, err := a.AuthorsOf(ctx, cur)
		if err != nil {
			return 0, err
		}
		for _, addr := range authors {
			if ops.Contains(addr) {
				seen[addr] = true
			}
		}
		if len(seen) >= majority {
			return props.Level, nil
		}
		if props.BestParent == "" {
			// Reached genesis without a quorum; witnessed level is 0.
			return 0, nil
		}
		cur = props.BestParent
	}
}
