package smpc

import "math/big"

// WrapValue lifts an already-known scalar (freshly generated randomness, a
// value recovered from elsewhere in the protocol) into a Value so it can be
// combined with properly secret-shared values through Add/CMul/Mul/Rec.
// Grounded on WrapperSmpcValue.py.
type WrapValue struct {
	baseValue
}

// NewWrapValue wraps share, already reduced mod order, as a resolved Value.
func NewWrapValue(id string, index uint32, n, t int, order *big.Int, share *big.Int) *WrapValue {
	w := &WrapValue{baseValue: newBaseValue(id, index, n, t, order)}
	w.resolve(share)
	return w
}
