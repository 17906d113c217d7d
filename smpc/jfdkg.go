package smpc

import (
	"math/big"

	"github.com/coinparty/mixpeer/field"
)

// NewJFDKGValue constructs a joint Feldman DKG run (AlgJFDKG): commitments
// are publicly verifiable against the curve's base point alone, and the
// resulting joint value exposes both a secret share and a public EC point
// (the joint public key escrow addresses are derived from). Grounded on
// JfDkgSmpcValue.py, which NewDkgSmpcValue.py's own doc string describes as
// the same joint-dealer construction without Pedersen's second generator.
func NewJFDKGValue(net Network, id string, index uint32, order *big.Int, opts ...DKGOption) *DKGValue {
	return NewDKGValue(net, id, index, order, nil, opts...)
}

// NewPedersenDKGValue constructs a Pedersen-hidden DKG run (AlgDKG) against
// the given independent generator h: the joint secret is
// information-theoretically hidden even from the other committee members,
// appropriate for values (like a threshold-ECDSA signing nonce) that have
// no legitimate public counterpart. Grounded on NewDkgSmpcValue.py.
func NewPedersenDKGValue(net Network, id string, index uint32, order *big.Int, h field.Point, opts ...DKGOption) *DKGValue {
	return NewDKGValue(net, id, index, order, &h, opts...)
}
