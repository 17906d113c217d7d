package smpc

import (
	"math/big"
	"testing"

	"github.com/coinparty/mixpeer/field"
	"github.com/stretchr/testify/require"
)

func TestStoreAddGet(t *testing.T) {
	s := NewStore()
	v := NewWrapValue("escrow-0", 2, 5, 1, field.Order, big.NewInt(42))
	require.NoError(t, s.Add(v))
	require.Same(t, v, s.Get("escrow-0", 2).(*WrapValue))
	require.Nil(t, s.Get("escrow-0", 3))
	require.Nil(t, s.Get("other-id", 2))
}

func TestStoreAddDuplicateFails(t *testing.T) {
	s := NewStore()
	v1 := NewWrapValue("escrow-0", 0, 5, 1, field.Order, big.NewInt(1))
	v2 := NewWrapValue("escrow-0", 0, 5, 1, field.Order, big.NewInt(2))
	require.NoError(t, s.Add(v1))
	require.Error(t, s.Add(v2))
}
