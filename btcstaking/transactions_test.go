package btcstaking_test

import (
	"math/rand"
	"testing"

	"github.com/babylonlabs-io/btc-staking-script/btcstaking"
	sdkmath "cosmossdk.io/math"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func randTxID(t *testing.T, r *rand.Rand) []byte {
	t.Helper()
	buf := make([]byte, 32)
	_, err := r.Read(buf)
	require.NoError(t, err)
	return buf
}

func regtestChangeAddress(t *testing.T) string {
	t.Helper()
	priv, pk := randKeyPair(t, rand.New(rand.NewSource(99)))
	_ = priv
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pk.SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

// TestStakingTransaction_WellFormed checks one UTXO of value 100_000,
// amount 90_000, fee 500 -- expect 2 outputs, staking then change.
func TestStakingTransaction_WellFormed(t *testing.T) {
	r := rand.New(rand.NewSource(40))
	staker, fp, covenant := validParamsInputs(t, r)
	params := mustParams(t, staker, fp, covenant, 1, 144, 72)
	scripts, err := params.BuildScripts()
	require.NoError(t, err)

	utxo := btcstaking.UTXO{
		TxID:         randTxID(t, r),
		Vout:         0,
		ScriptPubKey: []byte{0x51},
		Value:        100_000,
	}

	packet, err := btcstaking.StakingTransaction(
		scripts, 90_000, 500, regtestChangeAddress(t), []btcstaking.UTXO{utxo},
		&chaincfg.RegressionNetParams, nil, nil,
	)
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxIn, 1)
	require.Len(t, packet.UnsignedTx.TxOut, 2)
	require.Equal(t, int64(90_000), packet.UnsignedTx.TxOut[0].Value)
	require.Equal(t, int64(9_500), packet.UnsignedTx.TxOut[1].Value)
}

// TestStakingTransaction_DataEmbedNoChange checks amount + fee == input
// value with a data-embed output supplied -- expect 2 outputs, staking +
// OP_RETURN, no change.
func TestStakingTransaction_DataEmbedNoChange(t *testing.T) {
	r := rand.New(rand.NewSource(41))
	staker, fp, covenant := validParamsInputs(t, r)
	params := mustParams(t, staker, fp, covenant, 1, 144, 72)
	scripts, err := params.BuildScripts()
	require.NoError(t, err)

	utxo := btcstaking.UTXO{
		TxID:         randTxID(t, r),
		Vout:         0,
		ScriptPubKey: []byte{0x51},
		Value:        100_000,
	}

	packet, err := btcstaking.StakingTransaction(
		scripts, 99_500, 500, regtestChangeAddress(t), []btcstaking.UTXO{utxo},
		&chaincfg.RegressionNetParams, nil, scripts.DataEmbedScript,
	)
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxOut, 2)
	require.Equal(t, int64(0), packet.UnsignedTx.TxOut[1].Value)
	require.Equal(t, scripts.DataEmbedScript, packet.UnsignedTx.TxOut[1].PkScript)
}

// TestStakingTransaction_InsufficientFunds checks that input value below
// amount+fee is rejected.
func TestStakingTransaction_InsufficientFunds(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	staker, fp, covenant := validParamsInputs(t, r)
	params := mustParams(t, staker, fp, covenant, 1, 144, 72)
	scripts, err := params.BuildScripts()
	require.NoError(t, err)

	utxo := btcstaking.UTXO{TxID: randTxID(t, r), Vout: 0, ScriptPubKey: []byte{0x51}, Value: 100_000}

	_, err = btcstaking.StakingTransaction(
		scripts, 90_000, 20_000, regtestChangeAddress(t), []btcstaking.UTXO{utxo},
		&chaincfg.RegressionNetParams, nil, nil,
	)
	require.ErrorIs(t, err, btcstaking.ErrInsufficientFunds)
}

func TestStakingTransaction_NonPositiveAmount(t *testing.T) {
	r := rand.New(rand.NewSource(43))
	staker, fp, covenant := validParamsInputs(t, r)
	params := mustParams(t, staker, fp, covenant, 1, 144, 72)
	scripts, err := params.BuildScripts()
	require.NoError(t, err)

	utxo := btcstaking.UTXO{TxID: randTxID(t, r), Vout: 0, ScriptPubKey: []byte{0x51}, Value: 100_000}

	_, err = btcstaking.StakingTransaction(
		scripts, 0, 500, regtestChangeAddress(t), []btcstaking.UTXO{utxo},
		&chaincfg.RegressionNetParams, nil, nil,
	)
	require.ErrorIs(t, err, btcstaking.ErrNonPositiveValue)
}

func buildPrevTx(t *testing.T, pkScript []byte, value int64) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{}, Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

// TestWithdrawalTransaction_TimelockSequence checks version 2, sequence
// equal to the decoded timelock, for both the small-opcode and CScriptNum
// timelock shapes.
func TestWithdrawalTransaction_TimelockSequence(t *testing.T) {
	r := rand.New(rand.NewSource(44))
	staker, fp, covenant := validParamsInputs(t, r)

	t.Run("small opcode timelock", func(t *testing.T) {
		params := mustParams(t, staker, fp, covenant, 1, 16, 72)
		scripts, err := params.BuildScripts()
		require.NoError(t, err)
		tree, err := btcstaking.BuildStakingScriptTree(scripts)
		require.NoError(t, err)
		pkScript, err := tree.PkScript(&chaincfg.RegressionNetParams)
		require.NoError(t, err)
		prevTx := buildPrevTx(t, pkScript, 50_000)

		packet, err := btcstaking.WithdrawalTransaction(
			scripts.TimelockScript, tree, prevTx, regtestChangeAddress(t), 500, &chaincfg.RegressionNetParams, 0,
		)
		require.NoError(t, err)
		require.Equal(t, int32(2), packet.UnsignedTx.Version)
		require.Equal(t, uint32(16), packet.UnsignedTx.TxIn[0].Sequence)
	})

	t.Run("cscriptnum timelock", func(t *testing.T) {
		params := mustParams(t, staker, fp, covenant, 1, 1000, 72)
		scripts, err := params.BuildScripts()
		require.NoError(t, err)
		tree, err := btcstaking.BuildStakingScriptTree(scripts)
		require.NoError(t, err)
		pkScript, err := tree.PkScript(&chaincfg.RegressionNetParams)
		require.NoError(t, err)
		prevTx := buildPrevTx(t, pkScript, 50_000)

		packet, err := btcstaking.WithdrawalTransaction(
			scripts.TimelockScript, tree, prevTx, regtestChangeAddress(t), 500, &chaincfg.RegressionNetParams, 0,
		)
		require.NoError(t, err)
		require.Equal(t, uint32(1000), packet.UnsignedTx.TxIn[0].Sequence)
	})
}

// TestUnbondingTransaction_ValueConservation checks output.value ==
// input.value - fee, no change output.
func TestUnbondingTransaction_ValueConservation(t *testing.T) {
	r := rand.New(rand.NewSource(45))
	staker, fp, covenant := validParamsInputs(t, r)
	params := mustParams(t, staker, fp, covenant, 1, 144, 72)
	scripts, err := params.BuildScripts()
	require.NoError(t, err)

	tree, err := btcstaking.BuildStakingScriptTree(scripts)
	require.NoError(t, err)
	pkScript, err := tree.PkScript(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	stakingTx := buildPrevTx(t, pkScript, 80_000)

	packet, err := btcstaking.UnbondingTransaction(scripts, stakingTx, 1_000, &chaincfg.RegressionNetParams, 0)
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxOut, 1)
	require.Equal(t, int64(79_000), packet.UnsignedTx.TxOut[0].Value)
	require.Equal(t, wire.MaxTxInSequenceNum, packet.UnsignedTx.TxIn[0].Sequence)
}

// TestSlashingTransaction_ReadsFirstOutputRegardlessOfIndex documents the
// inconsistency noted on SlashingTransaction: the witness UTXO and value
// computation always read source_tx.TxOut[0], even when output_index names
// a different output.
func TestSlashingTransaction_ReadsFirstOutputRegardlessOfIndex(t *testing.T) {
	r := rand.New(rand.NewSource(46))
	staker, fp, covenant := validParamsInputs(t, r)
	params := mustParams(t, staker, fp, covenant, 1, 144, 72)
	scripts, err := params.BuildScripts()
	require.NoError(t, err)

	tree, err := btcstaking.BuildStakingScriptTree(scripts)
	require.NoError(t, err)
	pkScript, err := tree.PkScript(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	sourceTx := wire.NewMsgTx(2)
	sourceTx.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	sourceTx.AddTxOut(wire.NewTxOut(100_000, pkScript))
	sourceTx.AddTxOut(wire.NewTxOut(1, []byte{0x51}))

	rate := sdkmath.LegacyNewDecWithPrec(10, 2) // 0.10

	changeScript, err := params.BuildUnbondingTimelockScript()
	require.NoError(t, err)

	packetAt0, err := btcstaking.SlashingTransaction(
		tree, scripts.SlashingScript, sourceTx, regtestChangeAddress(t), rate, changeScript, 500,
		&chaincfg.RegressionNetParams, 0,
	)
	require.NoError(t, err)

	packetAt1, err := btcstaking.SlashingTransaction(
		tree, scripts.SlashingScript, sourceTx, regtestChangeAddress(t), rate, changeScript, 500,
		&chaincfg.RegressionNetParams, 1,
	)
	require.NoError(t, err)

	require.Equal(t, packetAt0.UnsignedTx.TxOut[0].Value, packetAt1.UnsignedTx.TxOut[0].Value)
	require.Equal(t, packetAt0.UnsignedTx.TxOut[1].Value, packetAt1.UnsignedTx.TxOut[1].Value)
	require.Equal(t, packetAt0.Inputs[0].WitnessUtxo.Value, sourceTx.TxOut[0].Value)
	require.Equal(t, packetAt1.Inputs[0].WitnessUtxo.Value, sourceTx.TxOut[0].Value)

	// but the outpoint itself does respect output_index
	require.Equal(t, uint32(0), packetAt0.UnsignedTx.TxIn[0].PreviousOutPoint.Index)
	require.Equal(t, uint32(1), packetAt1.UnsignedTx.TxIn[0].PreviousOutPoint.Index)
}

// TestSlashingTransaction_ValueConservation checks slashing_out +
// change_out + minimum_fee <= input.value.
func TestSlashingTransaction_ValueConservation(t *testing.T) {
	r := rand.New(rand.NewSource(47))
	staker, fp, covenant := validParamsInputs(t, r)
	params := mustParams(t, staker, fp, covenant, 1, 144, 72)
	scripts, err := params.BuildScripts()
	require.NoError(t, err)

	tree, err := btcstaking.BuildStakingScriptTree(scripts)
	require.NoError(t, err)
	pkScript, err := tree.PkScript(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	sourceTx := wire.NewMsgTx(2)
	sourceTx.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	sourceTx.AddTxOut(wire.NewTxOut(100_000, pkScript))

	rate := sdkmath.LegacyNewDecWithPrec(10, 2)
	changeScript, err := params.BuildUnbondingTimelockScript()
	require.NoError(t, err)

	fee := btcutil.Amount(500)
	packet, err := btcstaking.SlashingTransaction(
		tree, scripts.SlashingScript, sourceTx, regtestChangeAddress(t), rate, changeScript, fee,
		&chaincfg.RegressionNetParams, 0,
	)
	require.NoError(t, err)

	sum := packet.UnsignedTx.TxOut[0].Value + packet.UnsignedTx.TxOut[1].Value + int64(fee)
	require.LessOrEqual(t, sum, sourceTx.TxOut[0].Value)
}

func TestSlashingTransaction_InvalidRate(t *testing.T) {
	r := rand.New(rand.NewSource(48))
	staker, fp, covenant := validParamsInputs(t, r)
	params := mustParams(t, staker, fp, covenant, 1, 144, 72)
	scripts, err := params.BuildScripts()
	require.NoError(t, err)

	tree, err := btcstaking.BuildStakingScriptTree(scripts)
	require.NoError(t, err)
	pkScript, err := tree.PkScript(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	sourceTx := wire.NewMsgTx(2)
	sourceTx.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	sourceTx.AddTxOut(wire.NewTxOut(100_000, pkScript))

	changeScript, err := params.BuildUnbondingTimelockScript()
	require.NoError(t, err)

	_, err = btcstaking.SlashingTransaction(
		tree, scripts.SlashingScript, sourceTx, regtestChangeAddress(t), sdkmath.LegacyNewDec(0), changeScript, 500,
		&chaincfg.RegressionNetParams, 0,
	)
	require.ErrorIs(t, err, btcstaking.ErrInvalidSlashingRate)
}

func TestValidateSlashingTransaction(t *testing.T) {
	r := rand.New(rand.NewSource(49))
	staker, fp, covenant := validParamsInputs(t, r)
	params := mustParams(t, staker, fp, covenant, 1, 144, 72)
	scripts, err := params.BuildScripts()
	require.NoError(t, err)

	tree, err := btcstaking.BuildStakingScriptTree(scripts)
	require.NoError(t, err)
	pkScript, err := tree.PkScript(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	sourceTx := wire.NewMsgTx(2)
	sourceTx.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	sourceTx.AddTxOut(wire.NewTxOut(100_000, pkScript))

	rate := sdkmath.LegacyNewDecWithPrec(10, 2)
	changeScript, err := params.BuildUnbondingTimelockScript()
	require.NoError(t, err)

	slashingAddrStr := regtestChangeAddress(t)
	packet, err := btcstaking.SlashingTransaction(
		tree, scripts.SlashingScript, sourceTx, slashingAddrStr, rate, changeScript, 500,
		&chaincfg.RegressionNetParams, 0,
	)
	require.NoError(t, err)

	slashingAddr, err := btcutil.DecodeAddress(slashingAddrStr, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	err = btcstaking.ValidateSlashingTransaction(packet.UnsignedTx, slashingAddr)
	require.NoError(t, err)
}
