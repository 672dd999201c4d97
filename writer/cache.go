// Package writer implements spec §4.7: the atomic, durable commit of a
// validated joint across the relational store and the KV store, the
// in-memory caches that make repeated DAG reads cheap, and startup
// recovery for KV entries orphaned by a crash between the two stores.
//
// Grounded on the teacher's node/store/apply_stage4_5.go (staged
// commit across sub-steps) and node/store/undo.go (reverse-apply
// rollback records); the cache design mirrors node/chainstate.go's
// in-memory tip/height bookkeeping, generalized from a single best
// chain to the DAG's unstable/stable unit sets.
package writer

import (
	"context"
	"sync"

	"github.com/dagledger/node/dag"
	"github.com/dagledger/node/ledger"
)

// Cache holds every unit prop the node needs for cheap repeated DAG
// traversal without round-tripping to the relational store: the
// unstable frontier (assocUnstableUnits), the stable tail
// (assocStableUnits, indexed additionally by mci), the set of unit ids
// known to exist at all (assocKnownUnits), and each unit's authors
// (assocUnstableMessages stood in for by a narrower authors index,
// since messages themselves are re-read from the KV joint body when
// needed) (spec §4.7 "Cache reset").
type Cache struct {
	mu sync.RWMutex

	props        map[string]ledger.UnitProps // assocKnownUnits: every unit this node has validated
	stableByMci  map[uint32][]string          // assocStableUnitsByMci
	children     map[string][]string
	authors      map[string][]string
	knownBad     map[string]bool
	freeTips     map[string]bool
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{
		props:       make(map[string]ledger.UnitProps),
		stableByMci: make(map[uint32][]string),
		children:    make(map[string][]string),
		authors:     make(map[string][]string),
		knownBad:    make(map[string]bool),
		freeTips:    make(map[string]bool),
	}
}

// ReadUnitProps implements dag.PropsReader.
func (c *Cache) ReadUnitProps(ctx context.Context, unitID string) (ledger.UnitProps, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.props[unitID]
	if !ok {
		return ledger.UnitProps{}, dag.ErrUnitNotFound
	}
	return p, nil
}

// AuthorsOf implements dag.AuthorsOf.
func (c *Cache) AuthorsOf(ctx context.Context, unitID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.authors[unitID]...), nil
}

// ChildrenOf implements mainchain.Reader.
func (c *Cache) ChildrenOf(ctx context.Context, unitID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.children[unitID]...), nil
}

// FreeTips returns every unit with no recorded child: the current DAG
// frontier (spec §4.3, §4.6).
func (c *Cache) FreeTips(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.freeTips))
	for id := range c.freeTips {
		out = append(out, id)
	}
	return out, nil
}

// IsKnownBad implements validator.Repository.
func (c *Cache) IsKnownBad(ctx context.Context, unitID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.knownBad[unitID], nil
}

// MarkKnownBad records unitID as terminally rejected so re-delivery of
// the same joint short-circuits at the top of validation.
func (c *Cache) MarkKnownBad(unitID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownBad[unitID] = true
}

// Insert adds a freshly-validated, as-yet-unstable unit to the cache:
// it becomes a free tip, its parents are no longer free tips, and its
// authors/children indexes are updated (spec §4.7 "after a successful
// save_joint, the node's in-memory caches must reflect exactly the
// durable state").
func (c *Cache) Insert(unitID string, parents []string, authorAddrs []string, props ledger.UnitProps) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[unitID] = props
	c.authors[unitID] = authorAddrs
	c.freeTips[unitID] = true
	for _, p := range parents {
		delete(c.freeTips, p)
		c.children[p] = append(c.children[p], unitID)
	}
}

// MarkStable moves unitID into the stable tail at the given mci,
// updating its cached props in place (spec §4.6, §4.7).
func (c *Cache) MarkStable(unitID string, mci uint32, props ledger.UnitProps) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[unitID] = props
	c.stableByMci[mci] = append(c.stableByMci[mci], unitID)
}

// UpsertProps overwrites the cached UnitProps for unitID without
// touching tip/child bookkeeping, used when mainchain assigns a new
// main_chain_index to an already-known unit.
func (c *Cache) UpsertProps(unitID string, props ledger.UnitProps) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[unitID] = props
}

// StableUnitsAt returns the unit ids stabilized at exactly mci.
func (c *Cache) StableUnitsAt(mci uint32) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.stableByMci[mci]...)
}

// Reset clears every cache map. The Cache does not reload from durable
// storage, so every read misses until units are inserted again. The
// writer does not call it: SaveJoint inserts into the Cache only after
// both stores have committed (spec §4.7 "Cache reset").
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props = make(map[string]ledger.UnitProps)
	c.stableByMci = make(map[uint32][]string)
	c.children = make(map[string][]string)
	c.authors = make(map[string][]string)
	c.knownBad = make(map[string]bool)
	c.freeTips = make(map[string]bool)
}
