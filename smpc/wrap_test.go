package smpc

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/coinparty/mixpeer/field"
	"github.com/stretchr/testify/require"
)

func TestWrapValueResolvesImmediately(t *testing.T) {
	w := NewWrapValue("escrow-0", 0, 5, 1, field.Order, big.NewInt(7))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	share, err := w.SecretShare(ctx)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(7), share)
	require.Equal(t, "escrow-0", w.ID())
	require.Equal(t, uint32(0), w.Index())
}

func TestWrapValueReducesModOrder(t *testing.T) {
	over := new(big.Int).Add(field.Order, big.NewInt(3))
	w := NewWrapValue("escrow-1", 0, 5, 1, field.Order, over)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	share, err := w.SecretShare(ctx)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(3), share)
}
