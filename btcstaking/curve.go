package btcstaking

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

var curveInitOnce sync.Once

// InitBTCCurve registers the secp256k1 curve backend consumed by every
// Taproot-producing operation in this package. btcec registers its curve
// parameters on package init, so in practice this only needs to touch the
// package once to force that init to run; it is exposed as an explicit,
// idempotent call so callers have a single place to hang "do this before any
// Taproot operation" on.
func InitBTCCurve() {
	curveInitOnce.Do(func() {
		_ = btcec.S256()
	})
}
