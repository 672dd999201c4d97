// Package aa implements spec §4.8: Autonomous Agent trigger sequencing
// at stabilization, the external script-evaluation contract, and
// estimation mode.
//
// No teacher analogue exists (the teacher has no scripting VM); the
// run-under-lock shape is grounded on node/miner.go, which assembles
// and submits a new block under the same lock the block producer
// holds. This package sequences triggers and defines the evaluator
// contract; it does not assemble or save AA response units.
//
// Honors both recorded Open Question decisions (DESIGN.md): AA
// responses are never trusted implicitly (Trusted is a marker the
// caller must check, not an invariant this package enforces), and
// exists(null) is preserved as "the key is present with a null value"
// via NullableValue's tri-state decode instead of collapsing it to
// "absent".
package aa

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/dagledger/node/ledger"
)

// Trigger is one stabilized unit addressed to an AA (spec §4.8).
type Trigger struct {
	UnitID    string
	Address   string // the AA address this trigger targets
	Author    string // the triggering unit's first author, for balance/response routing
	Data      map[string]any
	MessageIndex int
	Primary   bool // false for a secondary trigger (an AA response triggering another AA)
}

// NullableValue decodes a state-mutation value that may be absent,
// present-and-null, or present-with-a-value, per the exists(null)
// Open Question decision: absent and present-and-null are NOT the same
// thing, and this type is the one place in the codebase responsible
// for keeping that distinction alive through JSON decode.
type NullableValue struct {
	Present bool
	IsNull  bool
	Value   any
}

// UnmarshalJSON implements the tri-state decode: called only when the
// key IS present in the source object (encoding/json never invokes
// UnmarshalJSON for an absent key), so Present is always true here;
// IsNull distinguishes a JSON null from a real value.
func (n *NullableValue) UnmarshalJSON(data []byte) error {
	n.Present = true
	if string(data) == "null" {
		n.IsNull = true
		n.Value = nil
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.Value = v
	return nil
}

// EvalResult is what an external AA script evaluator returns for one
// trigger (spec §4.8).
type EvalResult struct {
	ResponseMessages []ledger.Message
	StateMutations   map[string]NullableValue
	Bounced          bool
	BounceReason     string
	// Trusted marks whether THIS node independently verified the
	// response (e.g. it ran the evaluator itself) versus received it
	// from an untrusted peer claiming to have run it. Per the Open
	// Question decision, callers MUST check this before acting on a
	// response they did not compute themselves.
	Trusted bool
}

// StateView is the narrow read surface an AA evaluator needs: its own
// persisted state variables and trigger-scoped balance/data lookups.
// The evaluator itself — the scripting language runtime — is external
// to this core (spec §4.8 Non-goals); this package only sequences
// triggers and carries the contract.
type StateView interface {
	GetState(ctx context.Context, aaAddress, varName string) (NullableValue, error)
	// Clone returns an independent copy for estimation mode, so a
	// speculative evaluation can mutate freely without the result ever
	// reaching shared storage (spec §4.8 "Estimation mode").
	Clone() StateView
}

// Evaluator runs an AA's script against one trigger and a state view.
// Its internals (the scripting language, op costs) are outside this
// core's scope; this package only defines and enforces the calling
// contract.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, trigger Trigger, state StateView) (EvalResult, error)
}

// SequenceTriggers orders every unit in a newly-stabilized batch that
// targets an AA into primary triggers, by (unit stabilization order,
// message index within the unit) — the deterministic order every node
// must agree on before running any AA (spec §4.8).
func SequenceTriggers(stabilizedUnitsInOrder []ledger.Unit, isAAAddress func(address string) bool) []Trigger {
	var out []Trigger
	for _, u := range stabilizedUnitsInOrder {
		author := ""
		if len(u.Authors) > 0 {
			author = u.Authors[0].Address
		}
		for mi, m := range u.Messages {
			if m.App != "payment" {
				continue
			}
			p, ok := m.Payload.(ledger.Payment)
			if !ok {
				continue
			}
			for _, o := range p.Outputs {
				if isAAAddress(o.Address) {
					out = append(out, Trigger{
						UnitID:       u.UnitID,
						Address:      o.Address,
						Author:       author,
						MessageIndex: mi,
						Primary:      true,
					})
					break
				}
			}
		}
	}
	return out
}

// SecondaryQueue is the per-MCI FIFO of secondary triggers produced by
// AA responses that themselves target another AA (spec §4.8 "secondary
// trigger FIFO per MCI").
type SecondaryQueue struct {
	byMCI map[uint32][]Trigger
}

// NewSecondaryQueue constructs an empty queue.
func NewSecondaryQueue() *SecondaryQueue {
	return &SecondaryQueue{byMCI: make(map[uint32][]Trigger)}
}

// Enqueue appends t to the FIFO for mci, preserving arrival order —
// secondary triggers never jump ahead of ones queued earlier at the
// same mci, even if produced by a "higher priority" AA.
func (q *SecondaryQueue) Enqueue(mci uint32, t Trigger) {
	q.byMCI[mci] = append(q.byMCI[mci], t)
}

// Drain removes and returns every trigger queued for mci, in FIFO
// order, leaving the queue for that mci empty.
func (q *SecondaryQueue) Drain(mci uint32) []Trigger {
	out := q.byMCI[mci]
	delete(q.byMCI, mci)
	return out
}

// PendingMCIs returns every mci with at least one queued secondary
// trigger, in ascending order, so a caller can drain them in the order
// they must be processed.
func (q *SecondaryQueue) PendingMCIs() []uint32 {
	out := make([]uint32, 0, len(q.byMCI))
	for mci := range q.byMCI {
		out = append(out, mci)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Estimate runs the evaluator against a cloned state view so no
// mutation of the trigger or its responses can leak into shared
// storage, per spec §4.8's estimation mode contract. The returned
// EvalResult always has Trusted set to false on return, even if the
// evaluator set it, since an estimate by definition did not actually
// commit anything a peer could independently verify.
func Estimate(ctx context.Context, ev Evaluator, script string, t Trigger, state StateView) (EvalResult, error) {
	res, err := ev.Evaluate(ctx, script, t, state.Clone())
	if err != nil {
		return EvalResult{}, err
	}
	res.Trusted = false
	return res, nil
}
