package btcstaking

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// SpendInfo carries everything needed to build a witness for one Tapscript
// leaf of an assembled script tree: the Merkle inclusion proof (as a control
// block) and the leaf itself.
type SpendInfo struct {
	// ControlBlock proves RevealedLeaf's inclusion in the committed tree.
	ControlBlock txscript.ControlBlock
	// RevealedLeaf is the Tapscript leaf being spent.
	RevealedLeaf txscript.TapLeaf
}

// RevealedScript returns the leaf script to push onto the witness stack.
func (si *SpendInfo) RevealedScript() []byte {
	return si.RevealedLeaf.Script
}

// taprootScriptHolder wraps an assembled script tree together with the
// internal key it is tweaked with, and resolves SpendInfo by leaf hash.
type taprootScriptHolder struct {
	internalKey *btcec.PublicKey
	tree        *txscript.IndexedTapScriptTree
}

// newTaprootScriptHolder assembles scripts, in the order supplied, into a
// single Taproot script tree. Passing leaves in a fixed, documented order
// matters: txscript.AssembleTaprootScriptTree builds a weight-balanced tree
// by repeatedly combining the two lowest-weight nodes, and with leaves of
// equal weight that means the first two leaves in the input end up paired
// one level deeper than the rest. The three canonical layouts this package
// needs (see BuildStakingScriptTree / BuildUnbondingScriptTree) rely on this
// behavior rather than constructing branches by hand.
func newTaprootScriptHolder(internalKey *btcec.PublicKey, scripts [][]byte) (*taprootScriptHolder, error) {
	if internalKey == nil {
		return nil, fmt.Errorf("internal public key is nil")
	}

	if len(scripts) == 0 {
		return &taprootScriptHolder{
			internalKey: internalKey,
			tree:        txscript.NewIndexedTapScriptTree(0),
		}, nil
	}

	seen := make(map[chainhash.Hash]bool, len(scripts))
	leaves := make([]txscript.TapLeaf, len(scripts))
	for i, script := range scripts {
		if len(script) == 0 {
			return nil, fmt.Errorf("cannot build tree with empty script")
		}

		leaf := txscript.NewBaseTapLeaf(script)
		leafHash := leaf.TapHash()
		if seen[leafHash] {
			return nil, fmt.Errorf("duplicate script in provided scripts")
		}
		seen[leafHash] = true
		leaves[i] = leaf
	}

	return &taprootScriptHolder{
		internalKey: internalKey,
		tree:        txscript.AssembleTaprootScriptTree(leaves...),
	}, nil
}

func (h *taprootScriptHolder) spendInfoFor(script []byte) (*SpendInfo, error) {
	leaf := txscript.NewBaseTapLeaf(script)
	leafHash := leaf.TapHash()

	idx, ok := h.tree.LeafProofIndex[leafHash]
	if !ok {
		return nil, fmt.Errorf("script not found in script tree")
	}

	proof := h.tree.LeafMerkleProofs[idx]
	return &SpendInfo{
		ControlBlock: proof.ToControlBlock(h.internalKey),
		RevealedLeaf: proof.TapLeaf,
	}, nil
}

func (h *taprootScriptHolder) pkScript(net *chaincfg.Params) ([]byte, error) {
	address, err := DeriveTaprootAddress(h.tree, h.internalKey, net)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(address)
}

// DeriveTaprootAddress computes the P2TR address for a script tree tweaked
// with internalKey, on the given network.
func DeriveTaprootAddress(tree *txscript.IndexedTapScriptTree, internalKey *btcec.PublicKey, net *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	rootHash := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, rootHash[:])

	address, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), net)
	if err != nil {
		return nil, fmt.Errorf("error encoding Taproot address: %w", err)
	}

	return address, nil
}

// DeriveTaprootPkScript computes the P2TR scriptPubKey for a script tree
// tweaked with the fixed unspendable internal key.
func DeriveTaprootPkScript(tree *txscript.IndexedTapScriptTree, net *chaincfg.Params) ([]byte, error) {
	address, err := DeriveTaprootAddress(tree, UnspendableKeyPathInternalPubKey(), net)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(address)
}

// ScriptTreeInfo is the result of assembling one of the protocol's three
// canonical Taproot layouts: the scriptPubKey/address to pay into, plus
// accessors for the SpendInfo of each named leaf it contains.
type ScriptTreeInfo struct {
	holder *taprootScriptHolder

	timelockScript          []byte
	unbondingScript         []byte
	slashingScript          []byte
	unbondingTimelockScript []byte
}

// PkScript returns the P2TR scriptPubKey for this tree on the given network.
func (t *ScriptTreeInfo) PkScript(net *chaincfg.Params) ([]byte, error) {
	return t.holder.pkScript(net)
}

// Address returns the P2TR address for this tree on the given network.
func (t *ScriptTreeInfo) Address(net *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	return DeriveTaprootAddress(t.holder.tree, t.holder.internalKey, net)
}

// TimelockSpendInfo returns the SpendInfo for the staker timelock leaf, if
// this tree contains one.
func (t *ScriptTreeInfo) TimelockSpendInfo() (*SpendInfo, error) {
	if t.timelockScript == nil {
		return nil, fmt.Errorf("tree does not contain a timelock leaf")
	}
	return t.holder.spendInfoFor(t.timelockScript)
}

// UnbondingSpendInfo returns the SpendInfo for the covenant-guarded
// unbonding leaf, if this tree contains one.
func (t *ScriptTreeInfo) UnbondingSpendInfo() (*SpendInfo, error) {
	if t.unbondingScript == nil {
		return nil, fmt.Errorf("tree does not contain an unbonding leaf")
	}
	return t.holder.spendInfoFor(t.unbondingScript)
}

// SlashingSpendInfo returns the SpendInfo for the slashing leaf, if this
// tree contains one.
func (t *ScriptTreeInfo) SlashingSpendInfo() (*SpendInfo, error) {
	if t.slashingScript == nil {
		return nil, fmt.Errorf("tree does not contain a slashing leaf")
	}
	return t.holder.spendInfoFor(t.slashingScript)
}

// UnbondingTimelockSpendInfo returns the SpendInfo for the post-unbonding
// timelock leaf, if this tree contains one.
func (t *ScriptTreeInfo) UnbondingTimelockSpendInfo() (*SpendInfo, error) {
	if t.unbondingTimelockScript == nil {
		return nil, fmt.Errorf("tree does not contain an unbonding-timelock leaf")
	}
	return t.holder.spendInfoFor(t.unbondingTimelockScript)
}

// BuildStakingScriptTree assembles the staking output's 2-level, right-heavy
// tree: [ slashing_leaf , [ unbonding_leaf , timelock_leaf ] ]. Leaves are
// handed to newTaprootScriptHolder as [timelock, unbonding, slashing] so
// that the weight-balanced assembly pairs timelock+unbonding one level
// deeper than slashing, producing exactly this shape.
func BuildStakingScriptTree(scripts *CompiledScripts) (*ScriptTreeInfo, error) {
	holder, err := newTaprootScriptHolder(
		UnspendableKeyPathInternalPubKey(),
		[][]byte{scripts.TimelockScript, scripts.UnbondingScript, scripts.SlashingScript},
	)
	if err != nil {
		return nil, err
	}

	return &ScriptTreeInfo{
		holder:          holder,
		timelockScript:  scripts.TimelockScript,
		unbondingScript: scripts.UnbondingScript,
		slashingScript:  scripts.SlashingScript,
	}, nil
}

// BuildUnbondingScriptTree assembles the unbonded output's 1-level tree:
// [ slashing_leaf , unbonding_timelock_leaf ].
func BuildUnbondingScriptTree(scripts *CompiledScripts) (*ScriptTreeInfo, error) {
	holder, err := newTaprootScriptHolder(
		UnspendableKeyPathInternalPubKey(),
		[][]byte{scripts.SlashingScript, scripts.UnbondingTimelockScript},
	)
	if err != nil {
		return nil, err
	}

	return &ScriptTreeInfo{
		holder:                  holder,
		slashingScript:          scripts.SlashingScript,
		unbondingTimelockScript: scripts.UnbondingTimelockScript,
	}, nil
}

// BuildSlashingChangeScriptTree assembles the degenerate, single-leaf tree
// backing a slashing transaction's change output: { leaf = unbonding_timelock_leaf }.
func BuildSlashingChangeScriptTree(unbondingTimelockScript []byte) (*ScriptTreeInfo, error) {
	holder, err := newTaprootScriptHolder(
		UnspendableKeyPathInternalPubKey(),
		[][]byte{unbondingTimelockScript},
	)
	if err != nil {
		return nil, err
	}

	return &ScriptTreeInfo{
		holder:                  holder,
		unbondingTimelockScript: unbondingTimelockScript,
	}, nil
}

// SpendInfoForScript returns the SpendInfo for a leaf script known to
// belong to this tree.
func (t *ScriptTreeInfo) SpendInfoForScript(script []byte) (*SpendInfo, error) {
	return t.holder.spendInfoFor(script)
}

// SpendInfoFromRevealedScript re-derives the SpendInfo for a script known to
// belong to an already-assembled tree, given the same leaves and internal
// key used to build it. Useful when only the leaf bytes (not the original
// ScriptTreeInfo) survived a round-trip, e.g. after deserializing a PSBT.
func SpendInfoFromRevealedScript(revealedScript []byte, internalKey *btcec.PublicKey, tree *txscript.IndexedTapScriptTree) (*SpendInfo, error) {
	leaf := txscript.NewBaseTapLeaf(revealedScript)
	leafHash := leaf.TapHash()

	idx, ok := tree.LeafProofIndex[leafHash]
	if !ok {
		return nil, fmt.Errorf("script not found in script tree")
	}

	proof := tree.LeafMerkleProofs[idx]
	return &SpendInfo{
		ControlBlock: proof.ToControlBlock(internalKey),
		RevealedLeaf: leaf,
	}, nil
}
