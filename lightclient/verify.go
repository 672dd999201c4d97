package lightclient

import (
	"fmt"
	"sort"

	"github.com/dagledger/node/canonical"
)

// VerifyWitnessProof independently recomputes a ball hash from a
// WitnessProof's claimed unit id and parent balls and checks it
// matches the claimed ball — the client-side counterpart of
// GetWitnessProof, kept pure (no network/store access) so it can run
// on a light client with nothing but the proof bytes it received
// (SPEC_FULL §4 supplemental feature: the spec names the server
// operation but a usable light client also needs this verifier).
func VerifyWitnessProof(proof WitnessProof, skiplistBalls []string) (bool, error) {
	if proof.UnitID == "" || proof.Ball == "" {
		return false, fmt.Errorf("lightclient: incomplete witness proof")
	}
	sorted := append([]string(nil), proof.ParentBalls...)
	sort.Strings(sorted)
	recomputed, err := canonical.BallID(proof.UnitID, sorted, skiplistBalls)
	if err != nil {
		return false, err
	}
	return recomputed == proof.Ball, nil
}
