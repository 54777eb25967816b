package btcstaking

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func xOnlyBytes(pk *btcec.PublicKey) []byte {
	return schnorr.SerializePubKey(pk)
}

// IsRateValid reports whether rate lies in the open interval (0,1) with at
// most two decimal digits of precision, the shape required of
// slashing_rate.
func IsRateValid(rate sdkmath.LegacyDec) bool {
	if rate.LTE(sdkmath.LegacyZeroDec()) || rate.GTE(sdkmath.LegacyOneDec()) {
		return false
	}

	multiplied := rate.Mul(sdkmath.LegacyNewDec(100))
	return multiplied.Equal(multiplied.TruncateDec())
}

// TapLeafVersion is the Tapscript leaf version fixed by BIP-342.
const TapLeafVersion = txscript.BaseLeafVersion

// UTXO describes one caller-chosen funding input to the staking
// transaction: the outpoint being spent plus the data needed to populate
// its PSBT witness_utxo field.
type UTXO struct {
	// TxID is the 32-byte transaction id of the outpoint being spent, in
	// the byte order the underlying Bitcoin primitives library's hash type
	// expects (internal/wire order, not the reversed display order).
	TxID []byte
	Vout uint32
	// ScriptPubKey is the output script being spent.
	ScriptPubKey []byte
	// Value is the amount of the output being spent, in satoshis.
	Value btcutil.Amount
}

func (u UTXO) outPoint() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHash(u.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid utxo txid: %w", err)
	}
	return wire.NewOutPoint(hash, u.Vout), nil
}

// StakingTransaction builds the unsigned PSBT that funds the staking
// Taproot output.
//
// stakerXOnlyPubKey and dataEmbedScript are both optional: pass nil for
// either to omit the per-input tap_internal_key annotation, respectively
// the data-embed output.
func StakingTransaction(
	scripts *CompiledScripts,
	amount btcutil.Amount,
	fee btcutil.Amount,
	changeAddress string,
	inputs []UTXO,
	network *chaincfg.Params,
	stakerXOnlyPubKey []byte,
	dataEmbedScript []byte,
) (*psbt.Packet, error) {
	if amount <= 0 || fee <= 0 {
		return nil, ErrNonPositiveValue
	}

	if stakerXOnlyPubKey != nil && len(stakerXOnlyPubKey) != PubKeyLength {
		return nil, ErrInvalidPublicKey
	}

	changeAddr, err := btcutil.DecodeAddress(changeAddress, network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChangeAddress, err)
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChangeAddress, err)
	}

	var sumInputs btcutil.Amount
	outPoints := make([]*wire.OutPoint, len(inputs))
	sequences := make([]uint32, len(inputs))
	for i, in := range inputs {
		op, err := in.outPoint()
		if err != nil {
			return nil, err
		}
		outPoints[i] = op
		sequences[i] = wire.MaxTxInSequenceNum
		sumInputs += in.Value
	}

	if sumInputs < amount+fee {
		return nil, ErrInsufficientFunds
	}

	tree, err := BuildStakingScriptTree(scripts)
	if err != nil {
		return nil, err
	}

	stakingPkScript, err := tree.PkScript(network)
	if err != nil {
		return nil, err
	}

	outs := []*wire.TxOut{wire.NewTxOut(int64(amount), stakingPkScript)}

	if dataEmbedScript != nil {
		outs = append(outs, wire.NewTxOut(0, dataEmbedScript))
	}

	if change := sumInputs - amount - fee; change > 0 {
		outs = append(outs, wire.NewTxOut(int64(change), changeScript))
	}

	packet, err := psbt.New(outPoints, outs, 2, 0, sequences)
	if err != nil {
		return nil, err
	}

	for i, in := range inputs {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(int64(in.Value), in.ScriptPubKey)
		packet.Inputs[i].SighashType = txscript.SigHashDefault
		if stakerXOnlyPubKey != nil {
			packet.Inputs[i].TaprootInternalKey = stakerXOnlyPubKey
		}
	}

	return packet, nil
}

// tapLeafScriptFor builds the single-element psbt.TaprootTapLeafScript list
// describing a script-path spend of si within tree.
func tapLeafScriptFor(si *SpendInfo) ([]*psbt.TaprootTapLeafScript, error) {
	controlBlockBytes, err := si.ControlBlock.ToBytes()
	if err != nil {
		return nil, err
	}

	return []*psbt.TaprootTapLeafScript{
		{
			ControlBlock: controlBlockBytes,
			Script:       si.RevealedScript(),
			LeafVersion:  TapLeafVersion,
		},
	}, nil
}

// WithdrawalTransaction builds the generic spend-via-Tapscript-leaf PSBT
// used by both post-timelock withdrawal paths.
func WithdrawalTransaction(
	spendLeafScript []byte,
	scriptTree *ScriptTreeInfo,
	prevTx *wire.MsgTx,
	withdrawalAddress string,
	withdrawalFee btcutil.Amount,
	network *chaincfg.Params,
	outputIndex uint32,
) (*psbt.Packet, error) {
	if withdrawalFee <= 0 {
		return nil, ErrNonPositiveValue
	}

	if int(outputIndex) >= len(prevTx.TxOut) {
		return nil, fmt.Errorf("output index %d out of range", outputIndex)
	}

	timelock, err := DecodeTimelockFromScript(spendLeafScript)
	if err != nil {
		return nil, err
	}

	si, err := scriptTree.SpendInfoForScript(spendLeafScript)
	if err != nil {
		return nil, err
	}

	leafScripts, err := tapLeafScriptFor(si)
	if err != nil {
		return nil, err
	}

	prevTxHash := prevTx.TxHash()
	prevOut := prevTx.TxOut[outputIndex]

	withdrawAddr, err := btcutil.DecodeAddress(withdrawalAddress, network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChangeAddress, err)
	}
	withdrawScript, err := txscript.PayToAddrScript(withdrawAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChangeAddress, err)
	}

	outValue := prevOut.Value - int64(withdrawalFee)

	packet, err := psbt.New(
		[]*wire.OutPoint{wire.NewOutPoint(&prevTxHash, outputIndex)},
		[]*wire.TxOut{wire.NewTxOut(outValue, withdrawScript)},
		2,
		0,
		[]uint32{uint32(timelock)},
	)
	if err != nil {
		return nil, err
	}

	packet.Inputs[0].TaprootInternalKey = xOnlyBytes(UnspendableKeyPathInternalPubKey())
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(prevOut.Value, prevOut.PkScript)
	packet.Inputs[0].SighashType = txscript.SigHashDefault
	packet.Inputs[0].TaprootLeafScript = leafScripts

	return packet, nil
}

// WithdrawEarlyUnbondedTransaction spends from the unbonding output via its
// post-unbonding timelock path.
func WithdrawEarlyUnbondedTransaction(
	scripts *CompiledScripts,
	prevTx *wire.MsgTx,
	withdrawalAddress string,
	withdrawalFee btcutil.Amount,
	network *chaincfg.Params,
	outputIndex uint32,
) (*psbt.Packet, error) {
	tree, err := BuildUnbondingScriptTree(scripts)
	if err != nil {
		return nil, err
	}

	return WithdrawalTransaction(
		scripts.UnbondingTimelockScript, tree, prevTx, withdrawalAddress, withdrawalFee, network, outputIndex,
	)
}

// WithdrawTimelockUnbondedTransaction spends from the original staking
// output via its staking-period timelock path.
func WithdrawTimelockUnbondedTransaction(
	scripts *CompiledScripts,
	prevTx *wire.MsgTx,
	withdrawalAddress string,
	withdrawalFee btcutil.Amount,
	network *chaincfg.Params,
	outputIndex uint32,
) (*psbt.Packet, error) {
	tree, err := BuildStakingScriptTree(scripts)
	if err != nil {
		return nil, err
	}

	return WithdrawalTransaction(
		scripts.TimelockScript, tree, prevTx, withdrawalAddress, withdrawalFee, network, outputIndex,
	)
}

// UnbondingTransaction builds the PSBT moving staked value from the staking
// output to the shorter-timelocked unbonding output. There is no change
// output: the full remaining value (less fee) moves to the new Taproot
// address.
func UnbondingTransaction(
	scripts *CompiledScripts,
	stakingTx *wire.MsgTx,
	fee btcutil.Amount,
	network *chaincfg.Params,
	outputIndex uint32,
) (*psbt.Packet, error) {
	if fee <= 0 {
		return nil, ErrNonPositiveValue
	}

	if int(outputIndex) >= len(stakingTx.TxOut) {
		return nil, fmt.Errorf("output index %d out of range", outputIndex)
	}

	spendTree, err := BuildStakingScriptTree(scripts)
	if err != nil {
		return nil, err
	}

	spendInfo, err := spendTree.UnbondingSpendInfo()
	if err != nil {
		return nil, err
	}

	leafScripts, err := tapLeafScriptFor(spendInfo)
	if err != nil {
		return nil, err
	}

	outputTree, err := BuildUnbondingScriptTree(scripts)
	if err != nil {
		return nil, err
	}

	unbondingPkScript, err := outputTree.PkScript(network)
	if err != nil {
		return nil, err
	}

	stakingTxHash := stakingTx.TxHash()
	stakingOut := stakingTx.TxOut[outputIndex]
	outValue := stakingOut.Value - int64(fee)

	packet, err := psbt.New(
		[]*wire.OutPoint{wire.NewOutPoint(&stakingTxHash, outputIndex)},
		[]*wire.TxOut{wire.NewTxOut(outValue, unbondingPkScript)},
		2,
		0,
		[]uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}

	packet.Inputs[0].TaprootInternalKey = xOnlyBytes(UnspendableKeyPathInternalPubKey())
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(stakingOut.Value, stakingOut.PkScript)
	packet.Inputs[0].SighashType = txscript.SigHashDefault
	packet.Inputs[0].TaprootLeafScript = leafScripts

	return packet, nil
}

// SlashingTransaction builds the PSBT diverting a fixed fraction of a
// staked (or unbonded) output to a penalty address.
//
// It reads source_tx.outputs[0] for both the witness UTXO and the value
// computation throughout, rather than outputs[output_index], despite
// accepting output_index as a parameter. That inconsistency is reproduced
// here unchanged rather than silently fixed: output_index is used only to
// place the spending input's outpoint index, while the UTXO's value and
// scriptPubKey are always read from source_tx.TxOut[0].
func SlashingTransaction(
	scriptTree *ScriptTreeInfo,
	redeemScript []byte,
	sourceTx *wire.MsgTx,
	slashingAddress string,
	slashingRate sdkmath.LegacyDec,
	changeScript []byte,
	minimumFee btcutil.Amount,
	network *chaincfg.Params,
	outputIndex uint32,
) (*psbt.Packet, error) {
	if slashingRate.LTE(sdkmath.LegacyZeroDec()) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSlashingRate, ErrNonPositiveValue)
	}
	if !IsRateValid(slashingRate) {
		return nil, ErrInvalidSlashingRate
	}
	if minimumFee <= 0 {
		return nil, ErrNonPositiveValue
	}
	if len(sourceTx.TxOut) == 0 {
		return nil, fmt.Errorf("source transaction has no outputs")
	}

	spendInfo, err := scriptTree.SpendInfoForScript(redeemScript)
	if err != nil {
		return nil, err
	}

	leafScripts, err := tapLeafScriptFor(spendInfo)
	if err != nil {
		return nil, err
	}

	// NOTE: intentionally outputs[0], not outputs[output_index]; see the
	// doc comment above.
	sourceOut := sourceTx.TxOut[0]
	sourceValue := sdkmath.LegacyNewDec(sourceOut.Value)

	slashingValue := sourceValue.Mul(slashingRate).TruncateInt().Int64()

	oneMinusRate := sdkmath.LegacyOneDec().Sub(slashingRate)
	userValue := sourceValue.Mul(oneMinusRate).TruncateInt().Int64() - int64(minimumFee)

	if userValue <= 0 {
		return nil, ErrInsufficientFundsForSlashing
	}

	slashingAddr, err := btcutil.DecodeAddress(slashingAddress, network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChangeAddress, err)
	}
	slashingPkScript, err := txscript.PayToAddrScript(slashingAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChangeAddress, err)
	}

	changeTree, err := BuildSlashingChangeScriptTree(changeScript)
	if err != nil {
		return nil, err
	}
	changePkScript, err := changeTree.PkScript(network)
	if err != nil {
		return nil, err
	}

	sourceTxHash := sourceTx.TxHash()

	packet, err := psbt.New(
		[]*wire.OutPoint{wire.NewOutPoint(&sourceTxHash, outputIndex)},
		[]*wire.TxOut{
			wire.NewTxOut(slashingValue, slashingPkScript),
			wire.NewTxOut(userValue, changePkScript),
		},
		2,
		0,
		[]uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}

	packet.Inputs[0].TaprootInternalKey = xOnlyBytes(UnspendableKeyPathInternalPubKey())
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(sourceOut.Value, sourceOut.PkScript)
	packet.Inputs[0].SighashType = txscript.SigHashDefault
	packet.Inputs[0].TaprootLeafScript = leafScripts

	return packet, nil
}

// ValidateSlashingTransaction performs the basic structural checks the
// covenant committee applies before co-signing a slashing transaction: one
// input, non-replaceable, exactly two outputs, zero locktime, and a first
// output paying the expected slashing address.
func ValidateSlashingTransaction(slashingTx *wire.MsgTx, slashingAddress btcutil.Address) error {
	if slashingTx == nil {
		return fmt.Errorf("slashing transaction must not be nil")
	}
	if len(slashingTx.TxIn) != 1 {
		return fmt.Errorf("slashing transaction must have exactly one input")
	}
	if slashingTx.TxIn[0].Sequence != wire.MaxTxInSequenceNum {
		return fmt.Errorf("slashing transaction must be non-replaceable")
	}
	if len(slashingTx.TxOut) != 2 {
		return fmt.Errorf("slashing transaction must have exactly two outputs")
	}
	if slashingTx.LockTime != 0 {
		return fmt.Errorf("slashing transaction locktime must be 0")
	}

	expectedPkScript, err := txscript.PayToAddrScript(slashingAddress)
	if err != nil {
		return err
	}
	if string(slashingTx.TxOut[0].PkScript) != string(expectedPkScript) {
		return fmt.Errorf("slashing transaction must pay to the provided slashing address")
	}

	return nil
}
