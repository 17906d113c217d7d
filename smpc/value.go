// Package smpc implements CoinParty's secret-sharing value algebra: every
// quantity a mixnet peer touches during escrow-key generation and threshold
// signing (secret exponents, commitment randomness, intermediate products)
// is represented as a Value whose secret share no single peer ever
// reconstructs alone. Grounded on
// original_source/communication/protocols/low/smpc/.
package smpc

import (
	"context"
	"math/big"

	"github.com/coinparty/mixpeer/transport"
)

// Value is a secret-shared quantity. Combinators (Add, CMul, Mul) build new
// Values out of existing ones; SecretShare blocks until this peer's share of
// the result is known, which may require running a sub-protocol with the
// rest of the mixnet.
type Value interface {
	ID() string
	Index() uint32
	SecretShare(ctx context.Context) (*big.Int, error)
}

// baseValue is embedded by every Value implementation and provides the
// bookkeeping SmpcValue.py's base class provides: party count, threshold,
// field order and the promise the secret share resolves through.
type baseValue struct {
	id    string
	index uint32
	n, t  int
	order *big.Int
	share *transport.Promise[*big.Int]
}

func newBaseValue(id string, index uint32, n, t int, order *big.Int) baseValue {
	return baseValue{
		id:    id,
		index: index,
		n:     n,
		t:     t,
		order: order,
		share: transport.NewPromise[*big.Int](),
	}
}

func (b *baseValue) ID() string    { return b.id }
func (b *baseValue) Index() uint32 { return b.index }

func (b *baseValue) SecretShare(ctx context.Context) (*big.Int, error) {
	return b.share.Wait(ctx)
}

// resolve sets this value's secret share. Like Promise.Resolve, calling it
// more than once is a no-op.
func (b *baseValue) resolve(share *big.Int) {
	b.share.Resolve(new(big.Int).Mod(share, b.order))
}

func (b *baseValue) resolved() bool { return b.share.Resolved() }
