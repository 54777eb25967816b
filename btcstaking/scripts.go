package btcstaking

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

// Following helpers decode the minimal-encoding rules txscript enforces when
// compiling CScriptNum-style constants. They are copied from btcd's
// (unexported) txscript internals, the same lineage this package has always
// carried them from, and are needed to decode a timelock constant back out
// of a compiled script.
func isSmallInt(op byte) bool {
	return op == txscript.OP_0 || (op >= txscript.OP_1 && op <= txscript.OP_16)
}

func asSmallInt(op byte) int {
	if op == txscript.OP_0 {
		return 0
	}
	return int(op - (txscript.OP_1 - 1))
}

func checkMinimalDataEncoding(v []byte) error {
	if len(v) == 0 {
		return nil
	}

	// If the most-significant-byte - excluding the sign bit - is zero then
	// we're not minimal. This also rejects the negative-zero encoding
	// [0x80].
	if v[len(v)-1]&0x7f == 0 {
		if len(v) == 1 || v[len(v)-2]&0x80 == 0 {
			return fmt.Errorf("numeric value encoded as %x is not minimally encoded", v)
		}
	}

	return nil
}

func makeScriptNum(v []byte, requireMinimal bool, scriptNumLen int) (int64, error) {
	if len(v) > scriptNumLen {
		return 0, fmt.Errorf("numeric value encoded as %x is %d bytes which exceeds the max allowed of %d", v, len(v), scriptNumLen)
	}

	if requireMinimal {
		if err := checkMinimalDataEncoding(v); err != nil {
			return 0, err
		}
	}

	if len(v) == 0 {
		return 0, nil
	}

	var result int64
	for i, val := range v {
		result |= int64(val) << uint8(8*i)
	}

	if v[len(v)-1]&0x80 != 0 {
		result &= ^(int64(0x80) << uint8(8*(len(v)-1)))
		return -result, nil
	}

	return result, nil
}

// singleKeyScript assembles <pk> (OP_CHECKSIGVERIFY | OP_CHECKSIG).
func singleKeyScript(pk *btcec.PublicKey, verify bool) ([]byte, error) {
	if pk == nil {
		return nil, fmt.Errorf("public key is nil: %w", ErrInvalidKeyLength)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(schnorr.SerializePubKey(pk))
	if verify {
		builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	} else {
		builder.AddOp(txscript.OP_CHECKSIG)
	}
	return builder.Script()
}

// sortKeysAscending returns a copy of keys sorted in ascending lexicographic
// order of their x-only serialization. This is the ordering multiKeyScript
// compiles keys in; it is the opposite direction from the descending order
// CreateWitness uses to interleave covenant signatures. The two must not be
// confused.
func sortKeysAscending(keys []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := make([]*btcec.PublicKey, len(keys))
	copy(sorted, keys)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(schnorr.SerializePubKey(sorted[i]), schnorr.SerializePubKey(sorted[j])) < 0
	})
	return sorted
}

// multiKeyScript assembles the CHECKSIGADD multisig script:
//
//	<pk[0]> OP_CHECKSIG <pk[1]> OP_CHECKSIGADD ... <pk[n-1]> OP_CHECKSIGADD
//	<threshold> (OP_NUMEQUALVERIFY | OP_NUMEQUAL)
//
// Keys are sorted ascending before compilation, making the output
// order-independent in the caller's input ordering.
func multiKeyScript(pks []*btcec.PublicKey, threshold uint32, verify bool) ([]byte, error) {
	if len(pks) == 0 {
		return nil, ErrNoKeys
	}

	for _, pk := range pks {
		if pk == nil {
			return nil, fmt.Errorf("public key is nil: %w", ErrInvalidKeyLength)
		}
	}

	if threshold > uint32(len(pks)) {
		return nil, fmt.Errorf("threshold %d exceeds %d keys: %w", threshold, len(pks), ErrThresholdTooLarge)
	}

	if len(pks) == 1 {
		return singleKeyScript(pks[0], verify)
	}

	sorted := sortKeysAscending(pks)
	for i := 1; i < len(sorted); i++ {
		if bytes.Equal(schnorr.SerializePubKey(sorted[i-1]), schnorr.SerializePubKey(sorted[i])) {
			return nil, ErrDuplicateKeys
		}
	}

	builder := txscript.NewScriptBuilder()
	for i, pk := range sorted {
		builder.AddData(schnorr.SerializePubKey(pk))
		if i == 0 {
			builder.AddOp(txscript.OP_CHECKSIG)
		} else {
			builder.AddOp(txscript.OP_CHECKSIGADD)
		}
	}

	builder.AddInt64(int64(threshold))
	if verify {
		builder.AddOp(txscript.OP_NUMEQUALVERIFY)
	} else {
		builder.AddOp(txscript.OP_NUMEQUAL)
	}

	return builder.Script()
}

// buildTimelockScript emits <staker_key> OP_CHECKSIGVERIFY <t> OP_CHECKSEQUENCEVERIFY.
// AddInt64 compiles t using the standard minimal CScriptNum/small-opcode
// rule: OP_1..OP_16 for t in [1,16], a minimal little-endian CScriptNum
// otherwise.
func buildTimelockScript(stakerKey *btcec.PublicKey, t uint16) ([]byte, error) {
	if stakerKey == nil {
		return nil, fmt.Errorf("staker key is nil: %w", ErrInvalidKeyLength)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(schnorr.SerializePubKey(stakerKey))
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddInt64(int64(t))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	return builder.Script()
}

// BuildStakingTimelockScript builds the staker's post-staking-period
// timelock spend path.
func (p *StakingParameters) BuildStakingTimelockScript() ([]byte, error) {
	return buildTimelockScript(p.stakerKey, p.stakingTimelock)
}

// BuildUnbondingTimelockScript builds the unbonded output's post-unbonding
// timelock spend path.
func (p *StakingParameters) BuildUnbondingTimelockScript() ([]byte, error) {
	return buildTimelockScript(p.stakerKey, p.unbondingTimelock)
}

// BuildUnbondingScript builds the covenant-guarded early unbonding path:
// the staker co-signs with a quorum of the covenant committee.
func (p *StakingParameters) BuildUnbondingScript() ([]byte, error) {
	stakerSig, err := singleKeyScript(p.stakerKey, true)
	if err != nil {
		return nil, err
	}

	// Left on the stack without VERIFY: it is the last predicate evaluated
	// in the script, so its result must remain as the script's final value.
	covenantMultisig, err := multiKeyScript(p.covenantKeys, p.covenantThreshold, false)
	if err != nil {
		return nil, err
	}

	return append(stakerSig, covenantMultisig...), nil
}

// BuildSlashingScript builds the joint staker + finality-provider + covenant
// quorum slashing path.
func (p *StakingParameters) BuildSlashingScript() ([]byte, error) {
	stakerSig, err := singleKeyScript(p.stakerKey, true)
	if err != nil {
		return nil, err
	}

	// Verify to clear the stack: this predicate sits in the middle of the
	// concatenated script, not at its tail.
	fpMultisig, err := multiKeyScript(p.finalityProviderKeys, 1, true)
	if err != nil {
		return nil, err
	}

	covenantMultisig, err := multiKeyScript(p.covenantKeys, p.covenantThreshold, false)
	if err != nil {
		return nil, err
	}

	script := append(stakerSig, fpMultisig...)
	return append(script, covenantMultisig...), nil
}

// BuildDataEmbedScript builds the OP_RETURN data-carrier script identifying
// a staking transaction on-chain:
//
//	magic_bytes || version(1, = 0x00) || staker_key(32) || fp_keys[0](32) || staking_timelock(u16 BE)
//
// The version byte is hardcoded to 0; a future protocol revision that needs
// to vary it will need a new parameter.
func (p *StakingParameters) BuildDataEmbedScript() ([]byte, error) {
	payload := make([]byte, 0, len(p.magicBytes)+1+PubKeyLength+PubKeyLength+2)
	payload = append(payload, p.magicBytes...)
	payload = append(payload, 0x00)
	payload = append(payload, schnorr.SerializePubKey(p.stakerKey)...)
	payload = append(payload, schnorr.SerializePubKey(p.finalityProviderKeys[0])...)
	payload = append(payload, byte(p.stakingTimelock>>8), byte(p.stakingTimelock))

	return txscript.NullDataScript(payload)
}

// CompiledScripts holds the five Tapscripts and the data-embed script
// produced deterministically from a StakingParameters value.
type CompiledScripts struct {
	TimelockScript          []byte
	UnbondingScript         []byte
	SlashingScript          []byte
	UnbondingTimelockScript []byte
	DataEmbedScript         []byte
}

// BuildScripts compiles all five scripts in one pass.
func (p *StakingParameters) BuildScripts() (*CompiledScripts, error) {
	timelockScript, err := p.BuildStakingTimelockScript()
	if err != nil {
		return nil, err
	}

	unbondingScript, err := p.BuildUnbondingScript()
	if err != nil {
		return nil, err
	}

	slashingScript, err := p.BuildSlashingScript()
	if err != nil {
		return nil, err
	}

	unbondingTimelockScript, err := p.BuildUnbondingTimelockScript()
	if err != nil {
		return nil, err
	}

	dataEmbedScript, err := p.BuildDataEmbedScript()
	if err != nil {
		return nil, err
	}

	return &CompiledScripts{
		TimelockScript:          timelockScript,
		UnbondingScript:         unbondingScript,
		SlashingScript:          slashingScript,
		UnbondingTimelockScript: unbondingTimelockScript,
		DataEmbedScript:         dataEmbedScript,
	}, nil
}

// DecodeTimelockFromScript extracts the relative-timelock value t from a
// script built by buildTimelockScript: <staker_key> OP_CHECKSIGVERIFY <t>
// OP_CHECKSEQUENCEVERIFY. It reads the opcode/data element at tokenizer
// position 2 and decodes it per the two accepted shapes (small-int opcode,
// or minimally-encoded CScriptNum data push).
func DecodeTimelockFromScript(script []byte) (uint16, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	var position int
	for tokenizer.Next() {
		if position == 2 {
			op := tokenizer.Opcode()
			data := tokenizer.Data()

			switch {
			case data != nil:
				num, err := makeScriptNum(data, true, 5)
				if err != nil {
					return 0, fmt.Errorf("%w: %v", ErrInvalidTimelockScript, err)
				}
				if num < 17 || num > 65535 {
					return 0, fmt.Errorf("%w: decoded value %d out of range", ErrInvalidTimelockScript, num)
				}
				return uint16(num), nil

			case isSmallInt(op):
				raw := asSmallInt(op)
				wrap := raw % 16
				if wrap == 0 {
					wrap = 16
				}
				return uint16(wrap), nil

			default:
				return 0, ErrInvalidTimelockScript
			}
		}
		position++
	}

	if err := tokenizer.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimelockScript, err)
	}

	return 0, ErrInvalidTimelockScript
}
