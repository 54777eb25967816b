package btcstaking

import "errors"

// Error kinds surfaced by the script builder, Taproot assembler and
// transaction builder. None are silently recovered; callers match on these
// with errors.Is. Wrapped occurrences carry additional context via %w.
var (
	// ErrNonPositiveValue is returned when an amount, fee or rate that must
	// be strictly positive is zero or negative.
	ErrNonPositiveValue = errors.New("value must be positive")

	// ErrInvalidChangeAddress is returned when the change address does not
	// decode to a valid output script on the given network.
	ErrInvalidChangeAddress = errors.New("invalid change address")

	// ErrInvalidPublicKey is returned when a supplied x-only public key is
	// not exactly 32 bytes.
	ErrInvalidPublicKey = errors.New("public key must be exactly 32 bytes")

	// ErrInvalidKeyLength is the script-builder-local counterpart of
	// ErrInvalidPublicKey, raised while assembling single/multi key scripts.
	ErrInvalidKeyLength = errors.New("public key must be exactly 32 bytes")

	// ErrInsufficientFunds is returned when the sum of input UTXO values is
	// lower than the requested staking amount plus fee.
	ErrInsufficientFunds = errors.New("sum of inputs is lower than amount plus fee")

	// ErrInsufficientFundsForSlashing is returned when the slashing rate and
	// minimum fee leave a non-positive residual for the staker.
	ErrInsufficientFundsForSlashing = errors.New("slashing rate and minimum fee leave no residual value")

	// ErrInvalidTimelockScript is returned when a script handed to the
	// withdrawal builder does not decompile to the expected timelock shape.
	ErrInvalidTimelockScript = errors.New("script is not a valid timelock script")

	// ErrNoKeys is returned when multiKeyScript is given an empty key list.
	ErrNoKeys = errors.New("no keys provided")

	// ErrThresholdTooLarge is returned when a multisig threshold exceeds the
	// number of keys it is being checked against.
	ErrThresholdTooLarge = errors.New("threshold is larger than the number of provided keys")

	// ErrDuplicateKeys is returned when two keys in a multisig key set are
	// byte-identical after canonical sorting.
	ErrDuplicateKeys = errors.New("duplicate keys in key set")

	// ErrMissingRequiredInput is returned by StakingParameters construction
	// when a required field is absent or zero-valued.
	ErrMissingRequiredInput = errors.New("missing required input")

	// ErrInvalidScriptData is returned by StakingParameters construction
	// when a supplied field fails post-presence validation (wrong length,
	// out-of-range value).
	ErrInvalidScriptData = errors.New("invalid script data")

	// ErrInvalidSlashingRate is returned when a slashing rate falls outside
	// the open interval (0,1) or carries more than two decimal digits of
	// precision.
	ErrInvalidSlashingRate = errors.New("invalid slashing rate")

	// ErrDustOutputFound reports an output below the network's dust relay
	// threshold. None of the transaction builders in this package check for
	// dust, so none of them return it.
	ErrDustOutputFound = errors.New("transaction contains a dust output")
)
