// Package ledger defines the core data model of spec §3: units,
// balls, messages, payments, definitions, operator sets, system
// variables, and TPS fee balances. It is imported by every component
// package (dag, definition, validator, mainchain, writer, aa, tpsfee,
// lightclient) as the shared vocabulary for a joint's content.
package ledger

import "github.com/shopspring/decimal"

// Sequence is a unit's lifecycle status (spec §3 "Lifecycle").
type Sequence string

const (
	SequenceGood      Sequence = "good"
	SequenceFinalBad  Sequence = "final-bad"
	SequenceTempBad   Sequence = "temp-bad" // used only for double-spend bookkeeping prior to tie-break
)

// Author is one signer of a unit: an address, an optional inline
// definition (required the first time the address is used), and a
// mapping of signing path to authentifier.
type Author struct {
	Address        string
	Definition     any // nil unless this unit introduces the address
	Authentifiers  map[string]string // signing path -> authentifier (sig / merkle proof)
}

// Message is one application-level message carried by a unit. App
// distinguishes payment/data_feed/attestation/address_definition_change
// /definition/asset/asset_attestors/aa_definition/system_vote/poll/text.
type Message struct {
	App     string
	Payload any
}

// OutPoint identifies a prior output by (unit, message index, output
// index) (spec §3 "Message / Payment").
type OutPoint struct {
	Unit          string
	MessageIndex  int
	OutputIndex   int
}

// Input is a payment input referencing a prior output.
type Input struct {
	Src      OutPoint
	IsUnique *bool // nil => NULL: light-client mode or accepted equivocation (spec §3)
}

// Output is a payment output.
type Output struct {
	Address  string
	Amount   decimal.Decimal
	IsSpent  bool
	Blinding string // present for private assets
	OutputHash string
}

// Payment is the payload of an "app":"payment" message.
type Payment struct {
	Asset   string // "" for the native currency
	Inputs  []Input
	Outputs []Output
}

// AssetFlags captures the boolean flags an asset-definition message
// carries (spec §3 "Message / Payment").
type AssetFlags struct {
	Cap                   uint64
	IsPrivate             bool
	IsTransferrable       bool
	AutoDestroy           bool
	FixedDenominations    bool
	IssuedByDefinerOnly   bool
	CosignedByDefiner     bool
	SpenderAttested       bool
	Attestors             []string
	Denominations         []uint64
}

// Unit is a content-addressed vertex (spec §3 "Unit").
type Unit struct {
	UnitID  string
	Version string

	Parents []string

	LastBallUnit string
	LastBallMci  uint32

	Messages []Message
	Authors  []Author

	HeadersCommission uint64
	PayloadCommission uint64
	TpsFee            uint64

	WitnessListUnit string // unit pinning the operator set
	Timestamp       uint64

	// Properties assigned by the node, not part of the hashed content.
	Level            uint32
	WitnessedLevel   uint32
	BestParent       string
	IsOnMainChain    bool
	MainChainIndex   *uint32
	IsStable         bool
	Sequence         Sequence
	ContentHash      string // set only if Sequence == final-bad

	Ball             string // assigned only at stabilization
}

// Joint is a unit together with its optional ball and skiplist balls
// (spec GLOSSARY "Joint").
type Joint struct {
	Unit          Unit
	Ball          string
	SkiplistUnits []string
}

// OperatorSet is the twelve-member committee pinned by a unit's
// witness_list_unit (spec §3 "Operator set").
type OperatorSet struct {
	Addresses []string // exactly 12 in the steady state
}

// Majority returns the minimum number of operator signatures required
// for a quorum (more than half of 12 -> 7, generalized to len/2+1 for
// any configured committee size).
func (o OperatorSet) Majority() int {
	return len(o.Addresses)/2 + 1
}

// Contains reports whether addr is a member of the operator set.
func (o OperatorSet) Contains(addr string) bool {
	for _, a := range o.Addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// SystemVarSubject names a governed system variable (spec §3 "System
// variables").
type SystemVarSubject string

const (
	SubjectOpList           SystemVarSubject = "op_list"
	SubjectThresholdSize    SystemVarSubject = "threshold_size"
	SubjectBaseTPSFee       SystemVarSubject = "base_tps_fee"
	SubjectTPSInterval      SystemVarSubject = "tps_interval"
	SubjectTPSFeeMultiplier SystemVarSubject = "tps_fee_multiplier"
)

// UnitProps is the read-side view of a unit's DAG position, returned by
// dag.PropsReader's ReadUnitProps (spec §4.3).
type UnitProps struct {
	UnitID          string
	Level           uint32
	WitnessedLevel  uint32
	BestParent      string
	IsOnMainChain   bool
	MainChainIndex  *uint32
	IsStable        bool
	Sequence        Sequence
	Timestamp       uint64
	Parents         []string
	WitnessListUnit string
	LastBallMci     uint32
}
