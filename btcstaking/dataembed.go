package btcstaking

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MagicBytesLen is the length of the protocol tag ParseDataEmbedPayload
	// expects at the front of a data-embed payload. BuildDataEmbedScript
	// does not restrict the tag length, so a payload built with a tag of
	// another length does not parse.
	MagicBytesLen = 4
	// DataEmbedPayloadSize is the only payload size ParseDataEmbedPayload
	// accepts, and the size BuildDataEmbedScript produces for a 4-byte tag:
	// 4 magic bytes + 1 version byte + 32-byte staker key + 32-byte
	// finality-provider key + 2-byte big-endian staking timelock.
	DataEmbedPayloadSize = MagicBytesLen + 1 + PubKeyLength + PubKeyLength + 2
)

// DataEmbedPayload is the decoded form of a data-embed script's OP_RETURN
// payload. Supplements BuildDataEmbedScript (encode-only) with the decode
// direction, needed to recognize a staking transaction from its raw outputs
// alone.
type DataEmbedPayload struct {
	MagicBytes                []byte
	Version                   byte
	StakerKey                 *btcec.PublicKey
	FinalityProviderPublicKey *btcec.PublicKey
	StakingTimelock           uint16
}

// Marshal re-serializes the payload to the exact byte layout
// BuildDataEmbedScript produces, so that decode-then-encode round-trips.
func (d *DataEmbedPayload) Marshal() []byte {
	buf := make([]byte, 0, DataEmbedPayloadSize)
	buf = append(buf, d.MagicBytes...)
	buf = append(buf, d.Version)
	buf = append(buf, schnorr.SerializePubKey(d.StakerKey)...)
	buf = append(buf, schnorr.SerializePubKey(d.FinalityProviderPublicKey)...)
	var timelockBytes [2]byte
	binary.BigEndian.PutUint16(timelockBytes[:], d.StakingTimelock)
	return append(buf, timelockBytes[:]...)
}

// ParseDataEmbedPayload decodes a raw data-embed payload (the pushed data
// element, without the leading OP_RETURN/push opcodes) back into its
// structured fields.
func ParseDataEmbedPayload(payload []byte) (*DataEmbedPayload, error) {
	if len(payload) != DataEmbedPayloadSize {
		return nil, fmt.Errorf("invalid data-embed payload length: got %d, want %d", len(payload), DataEmbedPayloadSize)
	}

	version := payload[MagicBytesLen]
	if version != 0x00 {
		return nil, fmt.Errorf("unsupported data-embed version: %d", version)
	}

	stakerKeyBytes := payload[MagicBytesLen+1 : MagicBytesLen+1+PubKeyLength]
	fpKeyBytes := payload[MagicBytesLen+1+PubKeyLength : MagicBytesLen+1+2*PubKeyLength]
	timelockBytes := payload[MagicBytesLen+1+2*PubKeyLength:]

	stakerKey, err := schnorr.ParsePubKey(stakerKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid staker key in data-embed payload: %w", err)
	}

	fpKey, err := schnorr.ParsePubKey(fpKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid finality provider key in data-embed payload: %w", err)
	}

	magicBytes := make([]byte, MagicBytesLen)
	copy(magicBytes, payload[:MagicBytesLen])

	return &DataEmbedPayload{
		MagicBytes:                magicBytes,
		Version:                   version,
		StakerKey:                 stakerKey,
		FinalityProviderPublicKey: fpKey,
		StakingTimelock:           binary.BigEndian.Uint16(timelockBytes),
	}, nil
}

// ParseDataEmbedScript extracts and decodes the data-embed payload from a
// full OP_RETURN scriptPubKey.
func ParseDataEmbedScript(pkScript []byte) (*DataEmbedPayload, error) {
	if !txscript.IsNullData(pkScript) {
		return nil, fmt.Errorf("not a null-data (OP_RETURN) script")
	}

	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	// first opcode is OP_RETURN itself
	if !tokenizer.Next() {
		return nil, fmt.Errorf("empty null-data script")
	}
	if !tokenizer.Next() {
		return nil, fmt.Errorf("null-data script carries no payload")
	}

	return ParseDataEmbedPayload(tokenizer.Data())
}

func findDataEmbedOutput(outputs []*wire.TxOut, expectedMagicBytes []byte) (*DataEmbedPayload, int, error) {
	var found *DataEmbedPayload
	var foundIdx int

	for i, out := range outputs {
		payload, err := ParseDataEmbedScript(out.PkScript)
		if err != nil {
			continue
		}
		if !bytes.Equal(payload.MagicBytes, expectedMagicBytes) {
			continue
		}

		if found != nil {
			return nil, -1, fmt.Errorf("multiple data-embed outputs match the expected magic bytes")
		}
		found = payload
		foundIdx = i
	}

	if found == nil {
		return nil, -1, fmt.Errorf("no data-embed output matches the expected magic bytes")
	}

	return found, foundIdx, nil
}

// LooksLikeStakingTx is a fast, shallow check: does tx carry at least two
// outputs, exactly one of them a data-embed output tagged with
// expectedMagicBytes?
// It does not verify the staking output itself; use
// ParseStakingTransactionOutputs for that.
func LooksLikeStakingTx(tx *wire.MsgTx, expectedMagicBytes []byte) bool {
	if tx == nil || len(tx.TxOut) < 2 {
		return false
	}
	_, _, err := findDataEmbedOutput(tx.TxOut, expectedMagicBytes)
	return err == nil
}

// ParsedStakingTransactionOutputs is the result of recognizing and
// validating a staking transaction's outputs against its data-embed script.
type ParsedStakingTransactionOutputs struct {
	StakingOutput      *wire.TxOut
	StakingOutputIndex int
	DataEmbedOutput    *wire.TxOut
	DataEmbedIndex     int
	Payload            *DataEmbedPayload
}

// ParseStakingTransactionOutputs recognizes a staking transaction from its
// raw outputs: it locates the data-embed output tagged with
// expectedMagicBytes, rebuilds the expected staking output scriptPubKey
// from the parameters the payload encodes, and confirms a matching output
// is present exactly once.
func ParseStakingTransactionOutputs(
	tx *wire.MsgTx,
	expectedMagicBytes []byte,
	covenantKeys []*btcec.PublicKey,
	covenantThreshold uint32,
	unbondingTimelock uint16,
	net *chaincfg.Params,
) (*ParsedStakingTransactionOutputs, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	if len(tx.TxOut) < 2 {
		return nil, fmt.Errorf("staking transaction must have at least 2 outputs")
	}

	payload, dataEmbedIdx, err := findDataEmbedOutput(tx.TxOut, expectedMagicBytes)
	if err != nil {
		return nil, fmt.Errorf("cannot recognize staking transaction: %w", err)
	}

	params, err := NewStakingParameters(
		schnorr.SerializePubKey(payload.StakerKey),
		[][]byte{schnorr.SerializePubKey(payload.FinalityProviderPublicKey)},
		pubKeysToBytes(covenantKeys),
		covenantThreshold,
		payload.StakingTimelock,
		unbondingTimelock,
		payload.MagicBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("data-embed payload does not describe valid staking parameters: %w", err)
	}

	scripts, err := params.BuildScripts()
	if err != nil {
		return nil, err
	}

	tree, err := BuildStakingScriptTree(scripts)
	if err != nil {
		return nil, err
	}

	expectedPkScript, err := tree.PkScript(net)
	if err != nil {
		return nil, err
	}

	var stakingOutput *wire.TxOut
	stakingOutputIdx := -1
	for i, out := range tx.TxOut {
		if !bytes.Equal(out.PkScript, expectedPkScript) {
			continue
		}
		if stakingOutput != nil {
			return nil, fmt.Errorf("multiple outputs commit to the expected staking script")
		}
		stakingOutput = out
		stakingOutputIdx = i
	}

	if stakingOutput == nil {
		return nil, fmt.Errorf("no output commits to the expected staking script")
	}

	return &ParsedStakingTransactionOutputs{
		StakingOutput:      stakingOutput,
		StakingOutputIndex: stakingOutputIdx,
		DataEmbedOutput:    tx.TxOut[dataEmbedIdx],
		DataEmbedIndex:     dataEmbedIdx,
		Payload:            payload,
	}, nil
}

func pubKeysToBytes(keys []*btcec.PublicKey) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = schnorr.SerializePubKey(k)
	}
	return out
}
