package btcstaking

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// PubKeyLength is the size in bytes of a BIP-340 x-only public key.
const PubKeyLength = 32

// StakingParameters is the immutable, validated bundle every script-builder
// and transaction-builder operation in this package is a pure function of.
// Construct one with NewStakingParameters; there is no other way to obtain a
// value of this type, so every StakingParameters in the program has already
// passed validation.
type StakingParameters struct {
	stakerKey            *btcec.PublicKey
	finalityProviderKeys []*btcec.PublicKey
	covenantKeys         []*btcec.PublicKey
	covenantThreshold    uint32
	stakingTimelock      uint16
	unbondingTimelock    uint16
	magicBytes           []byte
}

// StakerKey returns the staker's x-only public key.
func (p *StakingParameters) StakerKey() *btcec.PublicKey { return p.stakerKey }

// FinalityProviderKeys returns the ordered finality-provider key list.
// Index 0 is the one used in the slashing path and the data-embed script.
func (p *StakingParameters) FinalityProviderKeys() []*btcec.PublicKey {
	return p.finalityProviderKeys
}

// CovenantKeys returns the covenant committee's key list, in the order it
// was supplied; builders sort it canonically on demand, they do not mutate
// this slice.
func (p *StakingParameters) CovenantKeys() []*btcec.PublicKey { return p.covenantKeys }

// CovenantThreshold returns the number of covenant signatures required to
// satisfy the unbonding and slashing paths.
func (p *StakingParameters) CovenantThreshold() uint32 { return p.covenantThreshold }

// StakingTimelock returns the relative CSV timelock, in blocks, protecting
// the staker's timelock spend path.
func (p *StakingParameters) StakingTimelock() uint16 { return p.stakingTimelock }

// UnbondingTimelock returns the relative CSV timelock, in blocks, protecting
// the unbonded output's timelock spend path.
func (p *StakingParameters) UnbondingTimelock() uint16 { return p.unbondingTimelock }

// MagicBytes returns the protocol tag embedded at the front of the
// data-embed script's payload.
func (p *StakingParameters) MagicBytes() []byte { return p.magicBytes }

// NewStakingParameters validates and constructs a StakingParameters value.
//
// keys are supplied as raw 32-byte BIP-340 x-only buffers, mirroring the
// wire representation callers receive from an external wallet. Presence is
// checked first (ErrMissingRequiredInput), then shape and range
// (ErrInvalidScriptData); timelocks and the covenant threshold use explicit
// lower-bound checks (>= 1) rather than a bare zero-is-missing check, since a
// threshold or timelock of zero is protocol-illegal either way.
func NewStakingParameters(
	stakerKey []byte,
	finalityProviderKeys [][]byte,
	covenantKeys [][]byte,
	covenantThreshold uint32,
	stakingTimelock uint16,
	unbondingTimelock uint16,
	magicBytes []byte,
) (*StakingParameters, error) {
	if len(stakerKey) == 0 {
		return nil, fmt.Errorf("staker key: %w", ErrMissingRequiredInput)
	}
	if len(finalityProviderKeys) == 0 {
		return nil, fmt.Errorf("finality provider keys: %w", ErrMissingRequiredInput)
	}
	if len(covenantKeys) == 0 {
		return nil, fmt.Errorf("covenant keys: %w", ErrMissingRequiredInput)
	}
	if len(magicBytes) == 0 {
		return nil, fmt.Errorf("magic bytes: %w", ErrMissingRequiredInput)
	}
	if stakingTimelock < 1 {
		return nil, fmt.Errorf("staking timelock must be >= 1: %w", ErrMissingRequiredInput)
	}
	if unbondingTimelock < 1 {
		return nil, fmt.Errorf("unbonding timelock must be >= 1: %w", ErrMissingRequiredInput)
	}
	if covenantThreshold < 1 {
		return nil, fmt.Errorf("covenant threshold must be >= 1: %w", ErrMissingRequiredInput)
	}

	parsedStaker, err := parseXOnlyPubKey(stakerKey)
	if err != nil {
		return nil, fmt.Errorf("staker key: %w: %w", ErrInvalidScriptData, err)
	}

	parsedFpKeys := make([]*btcec.PublicKey, len(finalityProviderKeys))
	for i, k := range finalityProviderKeys {
		parsed, err := parseXOnlyPubKey(k)
		if err != nil {
			return nil, fmt.Errorf("finality provider key %d: %w: %w", i, ErrInvalidScriptData, err)
		}
		parsedFpKeys[i] = parsed
	}

	parsedCovenantKeys := make([]*btcec.PublicKey, len(covenantKeys))
	for i, k := range covenantKeys {
		parsed, err := parseXOnlyPubKey(k)
		if err != nil {
			return nil, fmt.Errorf("covenant key %d: %w: %w", i, ErrInvalidScriptData, err)
		}
		parsedCovenantKeys[i] = parsed
	}

	if covenantThreshold > uint32(len(parsedCovenantKeys)) {
		return nil, fmt.Errorf(
			"covenant threshold %d exceeds %d covenant keys: %w",
			covenantThreshold, len(parsedCovenantKeys), ErrInvalidScriptData,
		)
	}

	magicBytesCopy := make([]byte, len(magicBytes))
	copy(magicBytesCopy, magicBytes)

	return &StakingParameters{
		stakerKey:            parsedStaker,
		finalityProviderKeys: parsedFpKeys,
		covenantKeys:         parsedCovenantKeys,
		covenantThreshold:    covenantThreshold,
		stakingTimelock:      stakingTimelock,
		unbondingTimelock:    unbondingTimelock,
		magicBytes:           magicBytesCopy,
	}, nil
}

func parseXOnlyPubKey(key []byte) (*btcec.PublicKey, error) {
	if len(key) != PubKeyLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(key), PubKeyLength)
	}
	return schnorr.ParsePubKey(key)
}
