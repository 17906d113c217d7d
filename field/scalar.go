// Package field implements the modular arithmetic, point operations, and
// Shamir secret sharing that every higher CoinParty component is built on:
// the secp256k1 scalar field for ECDSA shares, the wider 265-bit prime used
// to secret-share raw SHA-256 digests during shuffling, and the affine
// curve-point operations needed for Feldman/Pedersen commitments and
// escrow-address derivation.
//
// Grounded on original_source/communication/protocols/low/smpc/shamir.py
// (split/Berlekamp-Welch/Lagrange-cache algorithms) and
// original_source/communication/protocols/low/Bitcoin.py (EC point and
// address serialization), translated into the secp256k1 idiom
// crypto/musig2/musig2.go uses via btcec/v2.
package field

import (
	"crypto/rand"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// curve is the secp256k1 curve backing every Scalar/Point operation in this
// package.
var curve = btcec.S256()

// Order is n, the order of the secp256k1 base point G. Scalar values
// (private key shares, nonces, ECDSA values) live in Z_Order.
var Order = curve.Params().N

// HashOrder is p_hash = 2^265 - 49, the prime used to secret-share raw
// 256-bit SHA-256 digests during shuffling (§4.A): Order is too small to
// cover every possible hash value, so hash-shares use this wider prime
// instead.
var HashOrder = func() *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), 265)
	return v.Sub(v, big.NewInt(49))
}()

// Scalar is an element of Z_Order, the secp256k1 scalar field.
type Scalar struct {
	v *big.Int
}

// HashScalar is an element of Z_HashOrder.
type HashScalar struct {
	v *big.Int
}

// NewScalar reduces v modulo Order.
func NewScalar(v *big.Int) Scalar {
	return Scalar{v: new(big.Int).Mod(v, Order)}
}

// NewHashScalar reduces v modulo HashOrder.
func NewHashScalar(v *big.Int) HashScalar {
	return HashScalar{v: new(big.Int).Mod(v, HashOrder)}
}

// ScalarFromBytes interprets b as a big-endian integer and reduces it mod
// Order.
func ScalarFromBytes(b []byte) Scalar {
	return NewScalar(new(big.Int).SetBytes(b))
}

// Int returns the scalar's representative in [0, Order).
func (s Scalar) Int() *big.Int { return new(big.Int).Set(s.v) }

// Int returns the hash-scalar's representative in [0, HashOrder).
func (s HashScalar) Int() *big.Int { return new(big.Int).Set(s.v) }

// Bytes encodes the scalar as a 32-byte big-endian integer, zero-padded.
func (s Scalar) Bytes() [32]byte {
	var out [32]byte
	s.v.FillBytes(out[:])
	return out
}

// Bytes encodes the hash-scalar as a 34-byte big-endian integer (265 bits
// rounds up to 34 bytes), zero-padded.
func (s HashScalar) Bytes() [34]byte {
	var out [34]byte
	s.v.FillBytes(out[:])
	return out
}

// IsZero reports whether s is the additive identity.
func (s Scalar) IsZero() bool { return s.v.Sign() == 0 }

// ScalarAdd returns (a+b) mod Order.
func ScalarAdd(a, b Scalar) Scalar {
	return NewScalar(new(big.Int).Add(a.v, b.v))
}

// ScalarSub returns (a-b) mod Order.
func ScalarSub(a, b Scalar) Scalar {
	return NewScalar(new(big.Int).Sub(a.v, b.v))
}

// ScalarMul returns (a*b) mod Order.
func ScalarMul(a, b Scalar) Scalar {
	return NewScalar(new(big.Int).Mul(a.v, b.v))
}

// ScalarInv returns the multiplicative inverse of a mod Order. Panics if a
// is zero, matching the source's behavior of never inverting a
// zero share (such a share indicates a protocol failure upstream).
func ScalarInv(a Scalar) Scalar {
	if a.IsZero() {
		panic("field: inverse of zero scalar")
	}
	return NewScalar(new(big.Int).ModInverse(a.v, Order))
}

// ScalarRand returns a uniformly random non-zero element of Z_Order.
func ScalarRand() (Scalar, error) {
	for {
		v, err := rand.Int(rand.Reader, Order)
		if err != nil {
			return Scalar{}, err
		}
		if v.Sign() != 0 {
			return NewScalar(v), nil
		}
	}
}

// HashScalarAdd returns (a+b) mod HashOrder.
func HashScalarAdd(a, b HashScalar) HashScalar {
	return NewHashScalar(new(big.Int).Add(a.v, b.v))
}
