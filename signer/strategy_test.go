package signer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coinparty/mixpeer/escrow"
)

func TestSplitMixingAmountSumsToOriginal(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, amount := range []int64{1, 7, 42, 1000, 1234, 5000} {
		pieces := SplitMixingAmount(amount, rng)
		var sum int64
		for _, p := range pieces {
			sum += p
			require.Contains(t, splitValues, p)
		}
		require.Equal(t, amount, sum, "pieces must sum back to the original amount")
	}
}

func TestSplitMixingAmountDeterministicFromSeed(t *testing.T) {
	a := SplitMixingAmount(1234, rand.New(rand.NewSource(99)))
	b := SplitMixingAmount(1234, rand.New(rand.NewSource(99)))
	require.Equal(t, a, b, "same seed must reproduce the same split")
}

func TestSplitMixingAmountZero(t *testing.T) {
	require.Empty(t, SplitMixingAmount(0, rand.New(rand.NewSource(1))))
}

func TestStreamingScheduleAscending(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	offsets := StreamingSchedule(10, time.Hour, rng)
	require.Len(t, offsets, 10)
	for i := 1; i < len(offsets); i++ {
		require.LessOrEqual(t, offsets[i-1], offsets[i])
	}
	for _, o := range offsets {
		require.GreaterOrEqual(t, o, time.Duration(0))
		require.Less(t, o, time.Hour)
	}
}

func TestStreamingScheduleZeroWindow(t *testing.T) {
	offsets := StreamingSchedule(3, 0, rand.New(rand.NewSource(1)))
	require.Equal(t, []time.Duration{0, 0, 0}, offsets)
}

func TestBuildScheduleGloballySorted(t *testing.T) {
	payouts := []*Payout{
		{DepositValue: 2000 * MilliUnit, Destination: "a"},
		{DepositValue: 500 * MilliUnit, Destination: "b"},
	}
	// distinguish escrow indices so scheduleSeed differs per payout
	for i, p := range payouts {
		p.Escrow = &escrow.Escrow{Index: uint32(i)}
	}
	queue := BuildSchedule(payouts, time.Hour, []byte("fixed-checksum"))
	require.NotEmpty(t, queue)
	for i := 1; i < len(queue); i++ {
		require.LessOrEqual(t, queue[i-1].offset, queue[i].offset)
	}

	again := BuildSchedule(payouts, time.Hour, []byte("fixed-checksum"))
	require.Equal(t, queue, again, "same checksum must reproduce the same global schedule")
}
