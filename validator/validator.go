package validator

import (
	"context"
	"errors"
	"strings"

	"github.com/dagledger/node/canonical"
	"github.com/dagledger/node/dag"
	"github.com/dagledger/node/definition"
	"github.com/dagledger/node/ledger"
)

// supportedVersions enumerates the unit version strings this node
// knows how to validate (spec §4.5 step 1 "per-version version
// string"). 4.0 is the first version whose canonical form includes
// keys (spec §4.1).
var supportedVersions = map[string]bool{
	"1.0":  true,
	"2.0":  true,
	"3.0":  true,
	"3.0t": true,
	"4.0":  true,
}

func versionUsesKeys(version string) bool {
	return version == "4.0"
}

// Repository is the read-side surface the validator needs from the
// object store / cache layer (spec §4.5). It deliberately mirrors
// dag.PropsReader and dag.AuthorsOf so a single cache-backed
// implementation can satisfy all three.
type Repository interface {
	dag.PropsReader
	dag.AuthorsOf

	// IsKnownBad reports whether unitID already failed validation in a
	// prior attempt (JointError/UnitError), short-circuiting re-work.
	IsKnownBad(ctx context.Context, unitID string) (bool, error)

	// OperatorSetAt returns the operator set pinned by witnessListUnit.
	OperatorSetAt(ctx context.Context, witnessListUnit string) (ledger.OperatorSet, error)

	// DefinitionFor returns an author's effective definition: either the
	// inline definition carried by this unit (first use) or the one on
	// file as of lastBallMci.
	DefinitionFor(ctx context.Context, address string, lastBallMci uint32, inline any) (definition.Def, error)

	// LastBallProps returns the UnitProps of a unit's last_ball_unit, so
	// the validator can check last_ball_mci monotonicity against parents.
	LastBallProps(ctx context.Context, lastBallUnit string) (ledger.UnitProps, error)

	// FreeTips returns the current set of tip (childless) units, the
	// laterSet used by dag.DetermineIfStableInLaterUnits and by
	// witness-level non-retreat checks across all parents.
	FreeTips(ctx context.Context) ([]string, error)

	// ConflictingInputs returns every other unit that spends the same
	// OutPoint as src, restricted to units not yet known-bad, for the
	// parallel double-spend search (spec §4.5 step "double-spend
	// detection").
	ConflictingInputs(ctx context.Context, src ledger.OutPoint) ([]string, error)

	// OutputAmount resolves the amount and owning address of a
	// previously-created output, for payment balance/ownership checks.
	OutputAmount(ctx context.Context, src ledger.OutPoint) (addr string, amount any, isSpent bool, err error)

	// CurrentTPSFeeRate returns the running per-unit TPS fee rate
	// effective at the unit's position, per spec §4.9.
	CurrentTPSFeeRate(ctx context.Context) (uint64, error)

	// MaxMCI returns the highest assigned main_chain_index. Validate does
	// not call it: checkTimestamp bounds a unit's timestamp against the
	// caller's wall-clock time only.
	MaxMCI(ctx context.Context) (uint32, error)
}

// Limits bounds the pipeline's resource consumption (spec §4.5, §6).
type Limits struct {
	MaxParentDepth     int
	MaxComplexity      int
	MaxOps             int
	MaxTimestampSkewMs int64

	// MaxUnitLength bounds the canonical serialized size of a unit (spec
	// §4.5 step 1 MAX_UNIT_LENGTH). 0 means unbounded.
	MaxUnitLength int
}

// Verifier performs the cryptographic primitives the definition
// evaluator needs.
type Verifier = definition.Verifier

// State is the accepted outcome of validation: everything the writer
// needs to persist the unit and update caches (spec §4.5, §4.7).
type State struct {
	UnitID         string
	Level          uint32
	WitnessedLevel uint32
	BestParent     string
	Sequence       ledger.Sequence
	ContentHash    string // set only when Sequence == final-bad
	DoubleSpendInputs []ledger.OutPoint
}

// Validate runs the full joint validation pipeline of spec §4.5,
// returning either an accepted State or one of JointError, UnitError,
// TransientError, *NeedParentUnitsError.
func Validate(ctx context.Context, repo Repository, sr definition.StateReader, v Verifier, j ledger.Joint, limits Limits, nowMs int64) (*State, error) {
	u := j.Unit

	if err := checkShape(u); err != nil {
		return nil, err
	}

	if bad, err := repo.IsKnownBad(ctx, u.UnitID); err != nil {
		return nil, err
	} else if bad {
		return nil, unitErr(ErrShapeInvalid, "unit %s previously rejected", u.UnitID)
	}

	var missing []string
	for _, p := range u.Parents {
		if _, err := repo.ReadUnitProps(ctx, p); err != nil {
			if err == dag.ErrUnitNotFound {
				missing = append(missing, p)
				continue
			}
			return nil, err
		}
	}
	if len(missing) > 0 {
		return nil, &NeedParentUnitsError{UnitIDs: missing}
	}

	if err := checkTimestamp(u, nowMs, limits.MaxTimestampSkewMs); err != nil {
		return nil, err
	}

	lastBallProps, err := repo.LastBallProps(ctx, u.LastBallUnit)
	if err != nil {
		return nil, err
	}
	if lastBallProps.MainChainIndex == nil || *lastBallProps.MainChainIndex != u.LastBallMci {
		return nil, unitErr(ErrLastBallInvalid, "last_ball_mci %d does not match stored mci of %s", u.LastBallMci, u.LastBallUnit)
	}
	for _, p := range u.Parents {
		parentProps, err := repo.ReadUnitProps(ctx, p)
		if err != nil {
			return nil, err
		}
		if parentProps.LastBallMci > u.LastBallMci {
			return nil, unitErr(ErrLastBallInvalid, "last_ball_mci must not retreat relative to parent %s", p)
		}
	}

	// last_ball_unit must be a DAG ancestor of every parent (spec §4.5
	// step 3 "Last ball correctness"). earlierMci is the unit's own
	// persisted last_ball_mci, never a live lookup (spec §4.3).
	for _, p := range u.Parents {
		included, err := dag.DetermineIfIncluded(ctx, repo, lastBallProps, u.LastBallMci, []string{p}, limits.MaxParentDepth)
		if err != nil {
			return nil, err
		}
		if included {
			continue
		}
		// Not included from this parent's view. It may simply be that
		// the main chain has advanced since the client composed this
		// unit, making last_ball stable only in our current view; re-run
		// stability determination against the present free tips to find
		// out before rejecting outright.
		tips, tipsErr := repo.FreeTips(ctx)
		if tipsErr != nil {
			return nil, tipsErr
		}
		stableNow, stableErr := dag.DetermineIfStableInLaterUnits(ctx, repo, lastBallProps, tips)
		if stableErr != nil {
			return nil, stableErr
		}
		if stableNow {
			return nil, transientErr(ErrLastBallInvalid, "last ball just advanced")
		}
		return nil, unitErr(ErrLastBallInvalid, "last_ball_unit %s is not stable in the ancestry of parent %s", u.LastBallUnit, p)
	}

	ops, err := repo.OperatorSetAt(ctx, u.WitnessListUnit)
	if err != nil {
		return nil, err
	}
	if len(ops.Addresses) == 0 {
		return nil, unitErr(ErrOperatorSetMismatch, "witness_list_unit %s resolves to an empty operator set", u.WitnessListUnit)
	}

	stripped := stripUnit(u)
	strippedBytes, err := canonical.Bytes(stripped.CanonicalValue())
	if err != nil {
		return nil, unitErr(ErrShapeInvalid, "unit does not canonicalize: %v", err)
	}
	if err := checkSizeAndCommission(u, stripped, strippedBytes, limits); err != nil {
		return nil, err
	}

	budget := &definition.Budget{MaxComplexity: limits.MaxComplexity, MaxOps: limits.MaxOps}
	for _, author := range u.Authors {
		def, err := repo.DefinitionFor(ctx, author.Address, u.LastBallMci, author.Definition)
		if err != nil {
			return nil, unitErr(ErrSignatureInvalid, "no definition on file for %s: %v", author.Address, err)
		}
		res, err := definition.Evaluate(ctx, def, strippedBytes, author.Authentifiers, sr, v, budget, u.LastBallMci)
		if err != nil {
			if _, ok := err.(*definition.ComplexityExceededError); ok {
				return nil, unitErr(ErrComplexityExceeded, "%v", err)
			}
			return nil, unitErr(ErrSignatureInvalid, "author %s: %v", author.Address, err)
		}
		if !res.IsAuthenticated {
			return nil, unitErr(ErrSignatureInvalid, "author %s failed to authenticate", author.Address)
		}
	}

	doubleSpends, sequence, err := checkPayments(ctx, repo, u)
	if err != nil {
		return nil, err
	}

	best, err := dag.PickBestParent(ctx, repo, u.Parents)
	if err != nil {
		return nil, err
	}
	bestProps, err := repo.ReadUnitProps(ctx, best)
	if err != nil {
		return nil, err
	}
	level := bestProps.Level + 1

	wl, err := dag.WitnessedLevel(ctx, repo, repo, ops, best)
	if err != nil {
		return nil, err
	}
	for _, p := range u.Parents {
		if p == best {
			continue
		}
		parentProps, err := repo.ReadUnitProps(ctx, p)
		if err != nil {
			return nil, err
		}
		if parentProps.WitnessedLevel > wl {
			return nil, unitErr(ErrWitnessLevelRetreat, "witnessed_level must not retreat from any parent (parent %s)", p)
		}
	}

	rate, err := repo.CurrentTPSFeeRate(ctx)
	if err != nil {
		return nil, err
	}
	if u.TpsFee < rate {
		return nil, unitErr(ErrTPSFeeInsufficient, "tps_fee %d below required rate %d", u.TpsFee, rate)
	}

	var contentHash string
	if sequence == ledger.SequenceFinalBad {
		contentHash, err = canonical.UnitID(stripped, true)
		if err != nil {
			return nil, err
		}
	}

	return &State{
		UnitID:            u.UnitID,
		Level:             level,
		WitnessedLevel:    wl,
		BestParent:        best,
		Sequence:          sequence,
		ContentHash:       contentHash,
		DoubleSpendInputs: doubleSpends,
	}, nil
}

// checkShape performs the cheap, structural half of spec §4.5 step 1:
// everything checkable without canonicalizing the unit. The expensive
// half — size cap and commission-vs-canonical-size — is
// checkSizeAndCommission, run once the stripped unit is in hand.
func checkShape(u ledger.Unit) error {
	if u.UnitID == "" {
		return jointErr(ErrShapeInvalid, "missing unit id")
	}
	if len(u.Parents) == 0 {
		return jointErr(ErrShapeInvalid, "unit has no parents (only genesis may omit parents, and genesis is never validated)")
	}
	if len(u.Authors) == 0 {
		return jointErr(ErrShapeInvalid, "unit has no authors")
	}
	if strings.TrimSpace(u.Version) == "" || !supportedVersions[u.Version] {
		return jointErr(ErrShapeInvalid, "unsupported version %q", u.Version)
	}
	seen := make(map[string]bool, len(u.Parents))
	for i, p := range u.Parents {
		if p == "" {
			return jointErr(ErrShapeInvalid, "empty parent reference")
		}
		if seen[p] {
			return jointErr(ErrShapeInvalid, "duplicate parent reference %s", p)
		}
		seen[p] = true
		if i > 0 && u.Parents[i-1] > p {
			return jointErr(ErrShapeInvalid, "parents must be sorted lexicographically")
		}
	}
	for i, a := range u.Authors {
		if i > 0 && u.Authors[i-1].Address > a.Address {
			return jointErr(ErrShapeInvalid, "authors must be sorted by address")
		}
	}
	return nil
}

// checkSizeAndCommission enforces spec §4.5 step 1's MAX_UNIT_LENGTH
// cap and the headers_commission/payload_commission-vs-canonical-size
// rule, both of which require the already-stripped, already-canonicalized
// unit to evaluate.
func checkSizeAndCommission(u ledger.Unit, stripped canonical.StrippedUnit, strippedBytes []byte, limits Limits) error {
	if limits.MaxUnitLength > 0 && len(strippedBytes) > limits.MaxUnitLength {
		return jointErr(ErrSizeExceeded, "serialized unit size %d exceeds max_unit_length %d", len(strippedBytes), limits.MaxUnitLength)
	}

	headerSize, payloadSize, err := canonical.HeaderPayloadSizes(stripped, versionUsesKeys(u.Version))
	if err != nil {
		var depthErr *canonical.DepthExceededError
		if errors.As(err, &depthErr) {
			return jointErr(ErrDepthExceeded, "%v", err)
		}
		return jointErr(ErrShapeInvalid, "unit does not canonicalize: %v", err)
	}
	if u.HeadersCommission != uint64(headerSize) {
		return jointErr(ErrCommissionMismatch, "headers_commission %d does not match canonical header size %d", u.HeadersCommission, headerSize)
	}
	if u.PayloadCommission != uint64(payloadSize) {
		return jointErr(ErrCommissionMismatch, "payload_commission %d does not match canonical payload size %d", u.PayloadCommission, payloadSize)
	}
	return nil
}

func checkTimestamp(u ledger.Unit, nowMs int64, maxSkewMs int64) error {
	if maxSkewMs <= 0 {
		return nil
	}
	ts := int64(u.Timestamp)
	if ts-nowMs > maxSkewMs {
		return transientErr(ErrTimestampOutOfRange, "unit timestamp %d is too far in the future (now=%d)", ts, nowMs)
	}
	return nil
}

// checkPayments resolves every payment input against its claimed
// output, rejecting missing/already-spent/not-owned inputs, and
// performs the parallel double-spend search required by spec §4.5: a
// later-arriving unit spending the same output as an already-accepted
// one is not rejected outright but marked temp-bad pending tie-break.
// Whether that equivocation was already resolved is not checked; an
// already-spent input with no recorded conflicting spender is rejected.
// assetTotals accumulates a single asset's inputs and outputs across
// every payment message in the unit that names it, so the conservation
// check (spec Invariant #4) is applied once per asset rather than once
// per message.
type assetTotals struct {
	in, out uint64
}

func checkPayments(ctx context.Context, repo Repository, u ledger.Unit) ([]ledger.OutPoint, ledger.Sequence, error) {
	sequence := ledger.SequenceGood
	var doubleSpends []ledger.OutPoint

	authorAddrs := make(map[string]bool, len(u.Authors))
	for _, a := range u.Authors {
		authorAddrs[a.Address] = true
	}

	totals := make(map[string]*assetTotals)
	sawPayment := false

	for _, msg := range u.Messages {
		if msg.App != "payment" {
			continue
		}
		payment, ok := msg.Payload.(ledger.Payment)
		if !ok {
			return nil, "", unitErr(ErrShapeInvalid, "payment message has malformed payload")
		}
		sawPayment = true

		t, ok := totals[payment.Asset]
		if !ok {
			t = &assetTotals{}
			totals[payment.Asset] = t
		}

		for _, in := range payment.Inputs {
			addr, amount, isSpent, err := repo.OutputAmount(ctx, in.Src)
			if err != nil {
				return nil, "", unitErr(ErrInputMissing, "input %+v: %v", in.Src, err)
			}
			if !authorAddrs[addr] {
				return nil, "", unitErr(ErrInputNotOwned, "input %+v is not owned by any author of this unit", in.Src)
			}
			if isSpent {
				conflicts, err := repo.ConflictingInputs(ctx, in.Src)
				if err != nil {
					return nil, "", err
				}
				if len(conflicts) > 0 {
					sequence = ledger.SequenceTempBad
					doubleSpends = append(doubleSpends, in.Src)
				} else {
					return nil, "", unitErr(ErrInputAlreadySpent, "input %+v already spent with no recorded conflict", in.Src)
				}
			}
			if amt, ok := amount.(interface{ IntPart() int64 }); ok {
				t.in += uint64(amt.IntPart())
			}
		}

		for _, out := range payment.Outputs {
			t.out += uint64(out.Amount.IntPart())
		}
	}

	if !sawPayment {
		return doubleSpends, sequence, nil
	}

	// Conservation: inputs must equal outputs exactly, for every asset
	// the unit touches. The base asset ("") additionally carries the
	// unit's fees; custom assets do not (spec Invariant #4).
	for asset, t := range totals {
		required := t.out
		if asset == "" {
			required += u.HeadersCommission + u.PayloadCommission + u.TpsFee
			if t.in != required {
				return nil, "", unitErr(ErrCommissionMismatch, "base asset: inputs (%d) do not equal outputs+fees (%d)", t.in, required)
			}
			continue
		}
		if t.in != required {
			return nil, "", unitErr(ErrBalanceMismatch, "asset %s: inputs (%d) do not equal outputs (%d)", asset, t.in, required)
		}
	}

	return doubleSpends, sequence, nil
}

// stripUnit builds the canonical.StrippedUnit view of a fully-loaded
// ledger.Unit, dropping authentifiers before hashing/signing.
func stripUnit(u ledger.Unit) canonical.StrippedUnit {
	authors := make([]canonical.StrippedAuthor, 0, len(u.Authors))
	for _, a := range u.Authors {
		authors = append(authors, canonical.StrippedAuthor{Address: a.Address, Definition: a.Definition})
	}
	messages := make([]any, 0, len(u.Messages))
	for _, m := range u.Messages {
		messages = append(messages, m.Payload)
	}
	return canonical.StrippedUnit{
		Version:         u.Version,
		WitnessListUnit: u.WitnessListUnit,
		LastBallUnit:    u.LastBallUnit,
		LastBallMci:     u.LastBallMci,
		Parents:         u.Parents,
		Authors:         authors,
		Messages:        messages,
		Timestamp:       u.Timestamp,
		TpsFee:          u.TpsFee,
	}
}
