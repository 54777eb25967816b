package btcstaking

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
)

// BuildSpendWitness assembles the witness stack for spending a Tapscript
// leaf: signatures first, then the whole revealed script, then the control
// block proving its inclusion in the committed tree.
func BuildSpendWitness(si *SpendInfo, signatures [][]byte) (wire.TxWitness, error) {
	controlBlockBytes, err := si.ControlBlock.ToBytes()
	if err != nil {
		return nil, err
	}

	witness := make(wire.TxWitness, len(signatures)+2)
	copy(witness, signatures)
	witness[len(signatures)] = si.RevealedScript()
	witness[len(signatures)+1] = controlBlockBytes

	return witness, nil
}

// CreateTimeLockPathWitness builds the witness for the staker's timelock
// spend path: one signature, the timelock script, the control block.
func CreateTimeLockPathWitness(si *SpendInfo, stakerSig *schnorr.Signature) (wire.TxWitness, error) {
	if stakerSig == nil {
		return nil, fmt.Errorf("staker signature must not be nil")
	}
	return BuildSpendWitness(si, [][]byte{stakerSig.Serialize()})
}

// CovenantSignature pairs a covenant committee member's public key with its
// signature over the spending transaction. Signature is nil when that
// member has not signed; only a quorum of non-nil signatures is required.
type CovenantSignature struct {
	PublicKey *btcec.PublicKey
	Signature *schnorr.Signature
}

// CreateWitness composes a spend witness from the staker/finality-provider
// partial witness already built for a Tapscript leaf (BuildSpendWitness)
// together with covenant signatures gathered out-of-band from the covenant
// committee. The covenant committee's public keys (covenantPks, as recorded
// in StakingParameters) are sorted in descending lexicographic order of
// their x-only serialization, the reverse of the ascending order
// multiKeyScript uses to compile the covenant predicate itself, and for
// each key in that order the matching signature is emitted, or an empty
// byte string if that member has not signed. The result has exactly
// len(covenantPks) elements, which are prepended to originalWitness.
//
// Duplicate entries in covenantSigs for the same public key resolve to the
// first match; the script builder already rejects duplicate covenant keys,
// so duplicates among covenantPks are not expected here.
func CreateWitness(originalWitness wire.TxWitness, covenantPks []*btcec.PublicKey, covenantSigs []CovenantSignature) (wire.TxWitness, error) {
	sigByKey := make(map[string][]byte, len(covenantSigs))
	for _, cs := range covenantSigs {
		if cs.PublicKey == nil || cs.Signature == nil {
			continue
		}
		key := hex.EncodeToString(schnorr.SerializePubKey(cs.PublicKey))
		if _, exists := sigByKey[key]; exists {
			continue
		}
		sigByKey[key] = cs.Signature.Serialize()
	}

	sortedPks := make([]*btcec.PublicKey, len(covenantPks))
	copy(sortedPks, covenantPks)
	sort.SliceStable(sortedPks, func(i, j int) bool {
		return bytes.Compare(schnorr.SerializePubKey(sortedPks[i]), schnorr.SerializePubKey(sortedPks[j])) > 0
	})

	composed := make(wire.TxWitness, 0, len(sortedPks)+len(originalWitness))
	for _, pk := range sortedPks {
		key := hex.EncodeToString(schnorr.SerializePubKey(pk))
		if sig, ok := sigByKey[key]; ok {
			composed = append(composed, sig)
		} else {
			composed = append(composed, []byte{})
		}
	}

	return append(composed, originalWitness...), nil
}
