package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dagledger/node/aa"
	"github.com/dagledger/node/concurrency"
	"github.com/dagledger/node/dag"
	"github.com/dagledger/node/ledger"
	"github.com/dagledger/node/mainchain"
	"github.com/dagledger/node/objectstore/kvstore"
	"github.com/dagledger/node/objectstore/relstore"
	"github.com/dagledger/node/tpsfee"
	"github.com/dagledger/node/validator"
)

var (
	savedJointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dagledger_saved_joints_total",
		Help: "Number of joints successfully committed by save_joint.",
	})
	saveJointFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dagledger_save_joint_failures_total",
		Help: "Number of save_joint attempts that rolled back after a failed relational commit.",
	})
	saveJointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "dagledger_save_joint_duration_seconds",
		Help: "Wall-clock time spent inside save_joint, including the write lock wait.",
	})
)

func init() {
	prometheus.MustRegister(savedJointsTotal, saveJointFailuresTotal, saveJointDuration)
}

// Store composes the relational store, the KV store, and the in-memory
// Cache into the single entry point spec §4.7 calls save_joint.
type Store struct {
	Rel   *relstore.Store
	KV    *kvstore.Store
	Cache *Cache
	Kern  *concurrency.Kernel

	// GenesisUnitID anchors mainchain.Advance's root-ward walk (spec
	// §4.6). Main chain advancement is skipped while empty, which is the
	// correct behavior for a node that has only ever saved genesis.
	GenesisUnitID string

	// TPSFeeStore, when non-nil, receives the per-address credit updates
	// computed at stabilization (spec §4.9). A node not tracking TPS fee
	// balances (e.g. a light client) leaves this nil.
	TPSFeeStore tpsfee.BalanceStore

	// IsAAAddress, Evaluator, ScriptFor and StateViewFor together gate AA
	// triggering at stabilization (spec §4.8). Any of them left nil
	// disables AA triggering entirely; a node with no AAs configured
	// leaves all four nil rather than paying SequenceTriggers' scan cost
	// for nothing.
	IsAAAddress  func(address string) bool
	Evaluator    aa.Evaluator
	ScriptFor    func(ctx context.Context, address string) (string, error)
	StateViewFor func(ctx context.Context, address string) (aa.StateView, error)

	// ResponseHandler receives every evaluated AA trigger's result.
	// Assembling and saving the AA's response unit back through SaveJoint
	// is the caller's responsibility, not this package's: a response unit
	// is itself a unit that must go through the same validate-then-save
	// path as any peer-submitted one, not a shortcut around it.
	ResponseHandler func(ctx context.Context, t aa.Trigger, res aa.EvalResult) error
}

// New wires the three pieces together.
func New(rel *relstore.Store, kv *kvstore.Store, kern *concurrency.Kernel) *Store {
	return &Store{Rel: rel, KV: kv, Cache: NewCache(), Kern: kern}
}

// jointRow is the durable JSON form of a joint stored in the KV store
// under its PrefixJoint key, re-loadable verbatim for peers asking for
// history (spec §4.10) or for startup recovery.
type jointRow struct {
	Unit          ledger.Unit `json:"unit"`
	Ball          string      `json:"ball,omitempty"`
	SkiplistUnits []string    `json:"skiplist_units,omitempty"`
}

// SaveJoint atomically persists a validated joint: it writes the
// relational rows for the unit and its messages, stages the full joint
// body into a KV batch, durably syncs that batch, and only then issues
// the relational COMMIT — the ordering spec §4.2/§4.7 requires so a
// crash can only ever leave an orphaned KV entry (recoverable at
// startup) and never a relational row with no backing joint body.
//
// Acquires concurrency.LockWrite for its duration: only one save_joint
// may be in flight at a time, matching spec §5's single writer
// discipline.
func (s *Store) SaveJoint(ctx context.Context, j ledger.Joint, st validator.State) error {
	start := time.Now()
	ctx = concurrency.WithTask(ctx)
	err := s.Kern.Lock(ctx, func() error {
		return s.saveJointLocked(ctx, j, st)
	}, concurrency.LockWrite)
	saveJointDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		saveJointFailuresTotal.Inc()
		return err
	}
	savedJointsTotal.Inc()
	return nil
}

func (s *Store) saveJointLocked(ctx context.Context, j ledger.Joint, st validator.State) error {
	u := j.Unit
	u.Level = st.Level
	u.WitnessedLevel = st.WitnessedLevel
	u.BestParent = st.BestParent
	u.Sequence = st.Sequence
	u.ContentHash = st.ContentHash

	body, err := json.Marshal(jointRow{Unit: u, Ball: j.Ball, SkiplistUnits: j.SkiplistUnits})
	if err != nil {
		return fmt.Errorf("writer: marshal joint body: %w", err)
	}

	batch := s.KV.NewBatch()
	if err := batch.Put(kvstore.JointKey(u.UnitID), body); err != nil {
		return fmt.Errorf("writer: stage kv batch: %w", err)
	}

	if err := batch.Write(kvstore.WriteOpts{Sync: true}); err != nil {
		return fmt.Errorf("writer: kv batch write: %w", err)
	}

	commitErr := s.Rel.WithTx(ctx, func(tx *relstore.Tx) error {
		return insertUnitRows(ctx, tx, u)
	})
	if commitErr != nil {
		// The KV batch already synced; reverse it so the stores stay
		// consistent with each other (spec §4.2 "reverse batch").
		if rbErr := batch.Rollback(); rbErr != nil {
			return fmt.Errorf("writer: relational commit failed (%v) AND kv rollback failed (%v)", commitErr, rbErr)
		}
		return fmt.Errorf("writer: relational commit failed, kv batch rolled back: %w", commitErr)
	}

	authorAddrs := make([]string, 0, len(u.Authors))
	for _, a := range u.Authors {
		authorAddrs = append(authorAddrs, a.Address)
	}
	s.Cache.Insert(u.UnitID, u.Parents, authorAddrs, ledger.UnitProps{
		UnitID:          u.UnitID,
		Level:           u.Level,
		WitnessedLevel:  u.WitnessedLevel,
		BestParent:      u.BestParent,
		Sequence:        u.Sequence,
		Timestamp:       u.Timestamp,
		Parents:         u.Parents,
		WitnessListUnit: u.WitnessListUnit,
		LastBallMci:     u.LastBallMci,
	})

	return s.advanceAndStabilizeLocked(ctx, u.UnitID)
}

// advanceAndStabilizeLocked re-derives the main chain from the DAG's
// current best tip, assigns any newly-determined main_chain_index
// values, and stabilizes every unit on the chain that now qualifies —
// the full spec §4.6 pipeline triggered by every successful save_joint.
// It runs inside the same write-lock acquisition as the save itself, so
// a concurrent reader never observes a unit with a fresh MCI but no
// stability determination yet attempted.
func (s *Store) advanceAndStabilizeLocked(ctx context.Context, justSaved string) error {
	if s.GenesisUnitID == "" {
		return nil
	}

	tips, err := s.Cache.FreeTips(ctx)
	if err != nil {
		return fmt.Errorf("writer: list free tips: %w", err)
	}
	if len(tips) == 0 {
		tips = []string{justSaved}
	}
	bestTip, err := dag.PickBestParent(ctx, s.Cache, tips)
	if err != nil {
		return fmt.Errorf("writer: pick best tip: %w", err)
	}

	chain, err := s.advanceMainChainLocked(ctx, bestTip)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return nil
	}
	return s.stabilizeLocked(ctx, chain)
}

// advanceMainChainLocked wraps mainchain.Advance: Advance itself only
// identifies which units need an mci (its startMci parameter is not
// used to compute anything), so this function derives the real starting
// index from the chain unit immediately below the new segment and
// persists each assignment as it goes.
func (s *Store) advanceMainChainLocked(ctx context.Context, tip string) ([]string, error) {
	chain, err := mainchain.Advance(ctx, s.Cache, s.GenesisUnitID, tip, 0)
	if err != nil {
		return nil, fmt.Errorf("writer: advance main chain: %w", err)
	}
	if len(chain) == 0 {
		return nil, nil
	}

	start := uint32(0)
	if chain[0] != s.GenesisUnitID {
		firstProps, err := s.Cache.ReadUnitProps(ctx, chain[0])
		if err != nil {
			return nil, fmt.Errorf("writer: read props for %s: %w", chain[0], err)
		}
		parentProps, err := s.Cache.ReadUnitProps(ctx, firstProps.BestParent)
		if err != nil {
			return nil, fmt.Errorf("writer: read best-parent props for %s: %w", firstProps.BestParent, err)
		}
		if parentProps.MainChainIndex == nil {
			return nil, fmt.Errorf("writer: best parent %s of %s has no main_chain_index yet", firstProps.BestParent, chain[0])
		}
		start = *parentProps.MainChainIndex + 1
	}

	for i, unitID := range chain {
		if err := s.assignMciLocked(ctx, unitID, start+uint32(i)); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

func (s *Store) assignMciLocked(ctx context.Context, unitID string, mci uint32) error {
	if err := s.Rel.WithTx(ctx, func(tx *relstore.Tx) error {
		return tx.Exec(ctx, `UPDATE units SET main_chain_index = $1, is_on_main_chain = TRUE WHERE unit_id = $2`, mci, unitID)
	}); err != nil {
		return fmt.Errorf("writer: assign main_chain_index %d to %s: %w", mci, unitID, err)
	}

	props, err := s.Cache.ReadUnitProps(ctx, unitID)
	if err != nil {
		return err
	}
	m := mci
	props.MainChainIndex = &m
	props.IsOnMainChain = true
	s.Cache.UpsertProps(unitID, props)
	return nil
}

// stabilizeLocked walks chain oldest-first, stopping at the first unit
// that is not yet stable: stability along a single best-parent lineage
// is monotonic, so once one unit fails DetermineStability nothing later
// in the same chain can pass it either (spec §4.6).
func (s *Store) stabilizeLocked(ctx context.Context, chain []string) error {
	var stabilized []ledger.Unit
	for _, unitID := range chain {
		props, err := s.Cache.ReadUnitProps(ctx, unitID)
		if err != nil {
			return err
		}
		stable, err := mainchain.DetermineStability(ctx, s.Cache, props)
		if err != nil {
			return fmt.Errorf("writer: determine stability of %s: %w", unitID, err)
		}
		if !stable {
			break
		}
		u, err := s.markStableLocked(ctx, unitID, props)
		if err != nil {
			return err
		}
		stabilized = append(stabilized, u)
	}
	if len(stabilized) == 0 {
		return nil
	}
	return s.triggerAAsLocked(ctx, stabilized)
}

// markStableLocked persists is_stable, updates the cache, applies TPS
// fee stabilization (spec §4.9), and returns the unit's full body for AA
// triggering (the cache only carries UnitProps, not Messages).
func (s *Store) markStableLocked(ctx context.Context, unitID string, props ledger.UnitProps) (ledger.Unit, error) {
	if err := s.Rel.WithTx(ctx, func(tx *relstore.Tx) error {
		return tx.Exec(ctx, `UPDATE units SET is_stable = TRUE WHERE unit_id = $1`, unitID)
	}); err != nil {
		return ledger.Unit{}, fmt.Errorf("writer: mark unit %s stable: %w", unitID, err)
	}

	props.IsStable = true
	mci := uint32(0)
	if props.MainChainIndex != nil {
		mci = *props.MainChainIndex
	}
	s.Cache.MarkStable(unitID, mci, props)

	u, err := s.loadUnit(ctx, unitID)
	if err != nil {
		return ledger.Unit{}, fmt.Errorf("writer: load stabilized unit %s: %w", unitID, err)
	}

	if s.TPSFeeStore != nil {
		authorAddrs := make([]string, 0, len(u.Authors))
		for _, a := range u.Authors {
			authorAddrs = append(authorAddrs, a.Address)
		}
		recipients := tpsfee.NormalizeRecipients(nil, authorAddrs)
		if err := tpsfee.ApplyStabilization(ctx, s.TPSFeeStore, mci, u.TpsFee, recipients); err != nil {
			return ledger.Unit{}, fmt.Errorf("writer: apply tps fee stabilization for %s: %w", unitID, err)
		}
	}

	return u, nil
}

// loadUnit re-hydrates a full unit body (Messages included) from its
// durable joint row, since the in-memory Cache only ever holds the
// narrower UnitProps projection.
func (s *Store) loadUnit(ctx context.Context, unitID string) (ledger.Unit, error) {
	raw, ok, err := s.KV.Get(kvstore.JointKey(unitID))
	if err != nil {
		return ledger.Unit{}, err
	}
	if !ok {
		return ledger.Unit{}, fmt.Errorf("writer: no joint body for %s", unitID)
	}
	var row jointRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return ledger.Unit{}, fmt.Errorf("writer: unmarshal joint body for %s: %w", unitID, err)
	}
	return row.Unit, nil
}

// triggerAAsLocked sequences and evaluates every AA trigger carried by a
// just-stabilized batch (spec §4.8). The scripting VM itself is
// external; this only sequences triggers deterministically and carries
// each evaluated result to ResponseHandler.
func (s *Store) triggerAAsLocked(ctx context.Context, stabilized []ledger.Unit) error {
	if s.IsAAAddress == nil {
		return nil
	}
	triggers := aa.SequenceTriggers(stabilized, s.IsAAAddress)
	if len(triggers) == 0 {
		return nil
	}
	if s.Evaluator == nil || s.ScriptFor == nil || s.StateViewFor == nil {
		return nil
	}
	for _, t := range triggers {
		script, err := s.ScriptFor(ctx, t.Address)
		if err != nil {
			return fmt.Errorf("writer: load script for AA %s: %w", t.Address, err)
		}
		state, err := s.StateViewFor(ctx, t.Address)
		if err != nil {
			return fmt.Errorf("writer: load state for AA %s: %w", t.Address, err)
		}
		res, err := s.Evaluator.Evaluate(ctx, script, t, state)
		if err != nil {
			return fmt.Errorf("writer: evaluate AA %s trigger from %s: %w", t.Address, t.UnitID, err)
		}
		if s.ResponseHandler != nil {
			if err := s.ResponseHandler(ctx, t, res); err != nil {
				return fmt.Errorf("writer: handle AA response for %s: %w", t.Address, err)
			}
		}
	}
	return nil
}

func insertUnitRows(ctx context.Context, tx *relstore.Tx, u ledger.Unit) error {
	if err := tx.Exec(ctx, `
		INSERT INTO units (unit_id, version, level, witnessed_level, best_parent,
			witness_list_unit, last_ball_unit, last_ball_mci, timestamp,
			headers_commission, payload_commission, tps_fee, sequence, content_hash,
			main_chain_index, is_on_main_chain, is_stable)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		u.UnitID, u.Version, u.Level, u.WitnessedLevel, nullable(u.BestParent),
		u.WitnessListUnit, u.LastBallUnit, u.LastBallMci, u.Timestamp,
		u.HeadersCommission, u.PayloadCommission, u.TpsFee, string(u.Sequence), nullable(u.ContentHash),
		nullableMci(u.MainChainIndex), u.IsOnMainChain, u.IsStable,
	); err != nil {
		return fmt.Errorf("writer: insert unit row: %w", err)
	}
	for _, p := range u.Parents {
		if err := tx.Exec(ctx, `INSERT INTO parenthood (child_unit, parent_unit) VALUES ($1,$2)`, u.UnitID, p); err != nil {
			return fmt.Errorf("writer: insert parenthood row: %w", err)
		}
	}
	for _, a := range u.Authors {
		if err := tx.Exec(ctx, `INSERT INTO unit_authors (unit_id, address) VALUES ($1,$2)`, u.UnitID, a.Address); err != nil {
			return fmt.Errorf("writer: insert author row: %w", err)
		}
		if a.Definition != nil {
			raw, err := json.Marshal(a.Definition)
			if err != nil {
				return fmt.Errorf("writer: marshal definition for %s: %w", a.Address, err)
			}
			if err := tx.Exec(ctx, `INSERT INTO definitions (address, last_ball_mci, definition) VALUES ($1,$2,$3)`,
				a.Address, u.LastBallMci, raw,
			); err != nil {
				return fmt.Errorf("writer: insert definition row for %s: %w", a.Address, err)
			}
		}
	}
	for mi, m := range u.Messages {
		if err := tx.Exec(ctx, `INSERT INTO messages (unit_id, message_index, app) VALUES ($1,$2,$3)`, u.UnitID, mi, m.App); err != nil {
			return fmt.Errorf("writer: insert message row: %w", err)
		}
		if p, ok := m.Payload.(ledger.Payment); ok {
			if err := insertPaymentRows(ctx, tx, u.UnitID, mi, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertPaymentRows(ctx context.Context, tx *relstore.Tx, unitID string, messageIndex int, p ledger.Payment) error {
	for _, in := range p.Inputs {
		if err := tx.Exec(ctx, `
			INSERT INTO inputs (unit_id, message_index, src_unit, src_message_index, src_output_index, is_unique)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			unitID, messageIndex, in.Src.Unit, in.Src.MessageIndex, in.Src.OutputIndex, in.IsUnique,
		); err != nil {
			return fmt.Errorf("writer: insert input row: %w", err)
		}
		if err := tx.Exec(ctx, `UPDATE outputs SET is_spent = TRUE WHERE unit_id=$1 AND message_index=$2 AND output_index=$3`,
			in.Src.Unit, in.Src.MessageIndex, in.Src.OutputIndex); err != nil {
			return fmt.Errorf("writer: mark output spent: %w", err)
		}
	}
	for oi, out := range p.Outputs {
		if err := tx.Exec(ctx, `
			INSERT INTO outputs (unit_id, message_index, output_index, address, amount, asset)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			unitID, messageIndex, oi, out.Address, out.Amount.String(), p.Asset,
		); err != nil {
			return fmt.Errorf("writer: insert output row: %w", err)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMci(m *uint32) any {
	if m == nil {
		return nil
	}
	return *m
}

// RecoverOrphanedKVEntries scans every KV joint entry and deletes those
// whose unit_id has no matching relational row, reconciling a crash
// that landed between the KV sync and the relational COMMIT (spec
// §4.2 startup recovery, SPEC_FULL §4 supplemental feature).
//
// existsInRel is supplied by the caller (a thin relational existence
// check) rather than threaded through relstore directly, keeping this
// function independent of the exact units-table schema.
func (s *Store) RecoverOrphanedKVEntries(ctx context.Context, existsInRel func(ctx context.Context, unitID string) (bool, error)) (int, error) {
	purged := 0
	cursor := ""
	for {
		batch, err := s.KV.ScanPrefix(kvstore.PrefixJoint, cursor, 256)
		if err != nil {
			return purged, err
		}
		if len(batch) == 0 {
			break
		}
		limitHit := len(batch) > 256
		if limitHit {
			batch = batch[:256]
		}
		for _, kv := range batch {
			unitID := kv.Key[len(kvstore.PrefixJoint):]
			ok, err := existsInRel(ctx, unitID)
			if err != nil {
				return purged, err
			}
			if !ok {
				if err := s.KV.DeleteDirect(kv.Key); err != nil {
					return purged, err
				}
				purged++
			}
		}
		cursor = batch[len(batch)-1].Key
		if !limitHit {
			break
		}
	}
	return purged, nil
}
