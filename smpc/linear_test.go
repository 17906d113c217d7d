package smpc

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/coinparty/mixpeer/field"
	"github.com/stretchr/testify/require"
)

func TestAddValue(t *testing.T) {
	left := NewWrapValue("escrow-0", 0, 5, 1, field.Order, big.NewInt(11))
	right := NewWrapValue("escrow-0", 1, 5, 1, field.Order, big.NewInt(31))
	sum := NewAddValue("escrow-0", 2, 5, 1, field.Order, left, right)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	share, err := sum.SecretShare(ctx)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), share)
}

func TestSumValuesFoldsLeftToRight(t *testing.T) {
	values := []Value{
		NewWrapValue("escrow-1", 0, 5, 1, field.Order, big.NewInt(1)),
		NewWrapValue("escrow-1", 1, 5, 1, field.Order, big.NewInt(2)),
		NewWrapValue("escrow-1", 2, 5, 1, field.Order, big.NewInt(3)),
		NewWrapValue("escrow-1", 3, 5, 1, field.Order, big.NewInt(4)),
	}
	total := SumValues("escrow-1-sum", 5, 1, field.Order, values)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	share, err := total.SecretShare(ctx)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10), share)
}

func TestSumValuesEmptyIsZero(t *testing.T) {
	total := SumValues("escrow-2-sum", 5, 1, field.Order, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	share, err := total.SecretShare(ctx)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(0), share)
}

func TestConstMulValue(t *testing.T) {
	operand := NewWrapValue("escrow-3", 0, 5, 1, field.Order, big.NewInt(6))
	product := NewConstMulValue("escrow-3", 1, 5, 1, field.Order, big.NewInt(7), operand)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	share, err := product.SecretShare(ctx)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), share)
}

func TestConstMulValueReducesConstantModOrder(t *testing.T) {
	operand := NewWrapValue("escrow-4", 0, 5, 1, field.Order, big.NewInt(1))
	constant := new(big.Int).Add(field.Order, big.NewInt(5))
	product := NewConstMulValue("escrow-4", 1, 5, 1, field.Order, constant, operand)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	share, err := product.SecretShare(ctx)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5), share)
}
