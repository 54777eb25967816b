package btcstaking

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// unspendableKeyPathHex is the nothing-up-my-sleeve point defined in BIP-341
// (https://github.com/bitcoin/bips/blob/master/bip-0341.mediawiki#constructing-and-spending-taproot-outputs).
// Using it as the Taproot internal key disables the key-path spend, forcing
// every spend through one of the committed script-tree leaves.
const unspendableKeyPathHex = "0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

var unspendableKeyPathKey = mustParseUnspendableKey(unspendableKeyPathHex)

func mustParseUnspendableKey(keyHex string) btcec.PublicKey {
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		panic(fmt.Sprintf("unexpected error decoding unspendable key: %v", err))
	}

	// btcec.ParsePubKey is used rather than schnorr.ParsePubKey because the
	// constant above is the 33-byte compressed form, not the bare x-only
	// coordinate.
	pubKey, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		panic(fmt.Sprintf("unexpected error parsing unspendable key: %v", err))
	}

	return *pubKey
}

// UnspendableKeyPathInternalPubKey returns the fixed, provably unspendable
// x-only public key used as the Taproot internal key for every script tree
// this package assembles.
func UnspendableKeyPathInternalPubKey() *btcec.PublicKey {
	key := unspendableKeyPathKey
	return &key
}
