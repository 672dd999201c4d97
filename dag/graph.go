// Package dag implements the DAG traversal primitives of spec §4.3:
// ancestor/descendant checks, witnessed-level computation, best-parent
// selection, and the short-circuits that make determine_if_included
// cheap in the common case.
//
// Grounded on the teacher's consensus/fork_choice.go (best-chain
// selection, generalized here from a single linear best chain to
// best-parent selection among several DAG parents) and
// consensus/block_basic.go (parent/level bookkeeping).
package dag

import (
	"context"
	"fmt"
	"sort"

	"github.com/dagledger/node/ledger"
)

// PropsReader is the narrow read interface the graph package needs
// from the object store / cache layer (spec §4.3 read_unit_props).
type PropsReader interface {
	ReadUnitProps(ctx context.Context, unitID string) (ledger.UnitProps, error)
}

// ErrUnitNotFound is returned by a PropsReader when the requested unit
// is unknown. Callers translate this into validator.TransientError
// ("parent not yet known") at the validation boundary.
var ErrUnitNotFound = fmt.Errorf("dag: unit not found")

// WitnessedLevelRetreatUpgradeMci is the activation MCI after which the
// determine_if_included short-circuit on witnessed_level applies (spec
// §4.3). It is a configuration constant installed once at startup (spec
// §9 "Global mutable state").
var WitnessedLevelRetreatUpgradeMci uint32 = 0

// MustNotRetreatFromAllParentsActivationMci is the activation MCI after
// which witnessed_level(unit) must be >= the max witnessed level of ALL
// parents, not just the best one (spec §4.3 "witnessed_level").
var MustNotRetreatFromAllParentsActivationMci uint32 = 0

// DetermineIfIncluded reports whether earlier is a DAG ancestor of at
// least one unit in laterSet (spec §4.3).
//
// The short-circuits use earlierMci, the SAME mci reference the
// validator used when it validated earlier (its persisted
// last_ball_mci) — never the unit's current stabilization-time mci.
// Using the wrong reference causes observable divergence at upgrade
// boundaries (spec §4.3 explicit warning).
func DetermineIfIncluded(ctx context.Context, r PropsReader, earlier ledger.UnitProps, earlierMci uint32, laterSet []string, maxParentDepth int) (bool, error) {
	if len(laterSet) == 0 {
		return false, nil
	}

	laterProps := make([]ledger.UnitProps, 0, len(laterSet))
	maxLevel := uint32(0)
	for _, id := range laterSet {
		p, err := r.ReadUnitProps(ctx, id)
		if err != nil {
			return false, err
		}
		laterProps = append(laterProps, p)
		if p.Level > maxLevel {
			maxLevel = p.Level
		}
	}

	if maxLevel < earlier.Level {
		return false, nil
	}

	// Witnessed-level short-circuit, gated on the upgrade MCI and using
	// the unit's own persisted last_ball_mci, not "now".
	if earlierMci > WitnessedLevelRetreatUpgradeMci {
		maxWitnessedLevel := uint32(0)
		for _, p := range laterProps {
			if p.WitnessedLevel > maxWitnessedLevel {
				maxWitnessedLevel = p.WitnessedLevel
			}
		}
		if maxWitnessedLevel < earlier.WitnessedLevel {
			return false, nil
		}
	}

	visited := make(map[string]bool)
	queue := make([]string, 0, len(laterSet))
	queue = append(queue, laterSet...)

	depth := 0
	for len(queue) > 0 {
		if maxParentDepth > 0 && depth > maxParentDepth {
			return false, fmt.Errorf("dag: max_parent_depth %d exceeded while searching for %s", maxParentDepth, earlier.UnitID)
		}
		next := make([]string, 0)
		for _, id := range queue {
			if id == earlier.UnitID {
				return true, nil
			}
			if visited[id] {
				continue
			}
			visited[id] = true
			props, err := r.ReadUnitProps(ctx, id)
			if err != nil {
				return false, err
			}
			if props.Level < earlier.Level {
				continue
			}
			next = append(next, props.Parents...)
		}
		queue = next
		depth++
	}
	return false, nil
}

// DetermineIfStableInLaterUnits reports whether every best-parent chain
// from every unit in laterSet (intended to be the current set of free
// tip units) crosses earlier (spec §4.3, §4.6 "Stability").
func DetermineIfStableInLaterUnits(ctx context.Context, r PropsReader, earlier ledger.UnitProps, laterSet []string) (bool, error) {
	if len(laterSet) == 0 {
		return false, nil
	}
	for _, tip := range laterSet {
		crosses, err := bestParentChainCrosses(ctx, r, tip, earlier)
		if err != nil {
			return false, err
		}
		if !crosses {
			return false, nil
		}
	}
	return true, nil
}

func bestParentChainCrosses(ctx context.Context, r PropsReader, start string, earlier ledger.UnitProps) (bool, error) {
	cur := start
	for {
		if cur == earlier.UnitID {
			return true, nil
		}
		props, err := r.ReadUnitProps(ctx, cur)
		if err != nil {
			return false, err
		}
		if props.Level <= earlier.Level {
			return false, nil
		}
		if props.BestParent == "" {
			return false, nil
		}
		cur = props.BestParent
	}
}

// PickBestParent selects, among parents, the one with the highest
// witnessed level, tiebreaking by level then by unit_id lexicographic
// order (spec §4.3).
func PickBestParent(ctx context.Context, r PropsReader, parents []string) (string, error) {
	if len(parents) == 0 {
		return "", fmt.Errorf("dag: no parents to pick from")
	}
	type candidate struct {
		id    string
		props ledger.UnitProps
	}
	cands := make([]candidate, 0, len(parents))
	for _, id := range parents {
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
