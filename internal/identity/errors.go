package identity

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrSeedMismatch is returned by Import when the supplied seed derives an
// address other than the bound one.
var ErrSeedMismatch = errors.New("seed phrase does not derive the bound identity address")

// MismatchError means the local identity file and the chain disagree. The
// miner id must not proceed.
type MismatchError struct {
	MinerID string
	Local   common.Address
	Bound   common.Address
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("identity mismatch for miner %s: local %s, bound on-chain %s",
		e.MinerID, e.Local.Hex(), e.Bound.Hex())
}

// IsIdentityMismatch reports whether err is a *MismatchError.
func IsIdentityMismatch(err error) bool {
	var m *MismatchError
	return errors.As(err, &m)
}
