package smpc

import (
	"context"
	"math/big"
)

// AddValue computes the secret share of left+right from shares of left and
// right with no peer communication: Shamir shares add homomorphically under
// the same sharing polynomial degree. Grounded on AdditionSmpcValue.py.
type AddValue struct {
	baseValue
	left, right Value
}

// NewAddValue starts computing left+right in the background; the result is
// available through SecretShare once both operands have resolved.
func NewAddValue(id string, index uint32, n, t int, order *big.Int, left, right Value) *AddValue {
	a := &AddValue{baseValue: newBaseValue(id, index, n, t, order), left: left, right: right}
	go a.run()
	return a
}

func (a *AddValue) run() {
	ctx := context.Background()
	l, err := a.left.SecretShare(ctx)
	if err != nil {
		return
	}
	r, err := a.right.SecretShare(ctx)
	if err != nil {
		return
	}
	a.resolve(new(big.Int).Add(l, r))
}

// SumValues folds values left-to-right through AddValue, producing the
// secret share of their total. Grounded on the repeated `reduce(lambda x,
// y: (x + y) % order, shares)` pattern NewDkgSmpcValue.py uses to combine
// per-dealer shares into a joint one.
func SumValues(id string, n, t int, order *big.Int, values []Value) Value {
	if len(values) == 0 {
		return NewWrapValue(id, 0, n, t, order, big.NewInt(0))
	}
	acc := values[0]
	for i := 1; i < len(values); i++ {
		acc = NewAddValue(id, uint32(i), n, t, order, acc, values[i])
	}
	return acc
}

// ConstMulValue computes the secret share of constant*operand with no peer
// communication: scaling a Shamir share by a public constant scales the
// whole shared secret by that constant. Grounded on
// ConstantMultiplicationSmpcValue.py.
type ConstMulValue struct {
	baseValue
	constant *big.Int
	operand  Value
}

// NewConstMulValue starts computing constant*operand in the background.
func NewConstMulValue(id string, index uint32, n, t int, order *big.Int, constant *big.Int, operand Value) *ConstMulValue {
	c := &ConstMulValue{
		baseValue: newBaseValue(id, index, n, t, order),
		constant:  new(big.Int).Mod(constant, order),
		operand:   operand,
	}
	go c.run()
	return c
}

func (c *ConstMulValue) run() {
	share, err := c.operand.SecretShare(context.Background())
	if err != nil {
		return
	}
	c.resolve(new(big.Int).Mul(c.constant, share))
}
