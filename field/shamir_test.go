package field

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSplitRecombineFastRoundTrip(t *testing.T) {
	secret := big.NewInt(123456789)
	shares, _, err := Split(secret, 5, 2, Order)
	require.NoError(t, err)

	got, err := RecombineFast(shares[:3], 2, nil, Order)
	require.NoError(t, err)
	require.Equal(t, 0, secret.Cmp(got))
}

func TestSplitRecombineFastTooFewShares(t *testing.T) {
	secret := big.NewInt(42)
	shares, _, err := Split(secret, 5, 2, Order)
	require.NoError(t, err)

	_, err = RecombineFast(shares[:2], 2, nil, Order)
	require.ErrorIs(t, err, ErrTooFewShares)
}

func TestRecombineRobustTolerates1Of5(t *testing.T) {
	secret := big.NewInt(987654321)
	shares, _, err := Split(secret, 5, 1, Order)
	require.NoError(t, err)

	// Corrupt one share; t=1 should still recover.
	corrupted := make([]Share, len(shares))
	copy(corrupted, shares)
	corrupted[2].Value = new(big.Int).Add(corrupted[2].Value, big.NewInt(1))

	got, err := RecombineRobust(corrupted, 1, Order)
	require.NoError(t, err)
	require.Equal(t, 0, secret.Cmp(got))
}

func TestRecombineRobustTreatsMissingAsCorrupted(t *testing.T) {
	secret := big.NewInt(777)
	shares, _, err := Split(secret, 4, 1, Order)
	require.NoError(t, err)

	missing := make([]Share, len(shares))
	copy(missing, shares)
	missing[3].Value = nil

	got, err := RecombineRobust(missing, 1, Order)
	require.NoError(t, err)
	require.Equal(t, 0, secret.Cmp(got))
}

// TestShamirRoundTripProperty is R1: for every secret in [0,order) split
// with degree t over n players, recombining any t+1 shares returns the
// secret.
func TestShamirRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(3, 8).Draw(rt, "n")
		tt := rapid.IntRange(1, n-1).Draw(rt, "t")
		secretBits := rapid.IntRange(1, 250).Draw(rt, "bits")
		secret, err := randBits(secretBits)
		require.NoError(rt, err)

		shares, _, err := Split(secret, n, tt, Order)
		require.NoError(rt, err)

		got, err := RecombineFast(shares[:tt+1], tt, nil, Order)
		require.NoError(rt, err)
		require.Equal(rt, 0, secret.Cmp(got))
	})
}

func randBits(bits int) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	return rand.Int(rand.Reader, limit)
}

func TestPointSerializeRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		kBytes := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(rt, "k")
		k := ScalarFromBytes(kBytes)
		if k.IsZero() {
			rt.Skip("zero scalar has no well-defined point serialization")
		}
		p := ScalarBaseMul(k)

		ser, err := p.SerializeUncompressed()
		require.NoError(rt, err)
		got, err := DeserializeUncompressed(ser)
		require.NoError(rt, err)
		require.True(rt, p.Equal(got))
	})
}

func TestPointAddCommutes(t *testing.T) {
	a, err := ScalarRand()
	require.NoError(t, err)
	b, err := ScalarRand()
	require.NoError(t, err)

	pa := ScalarBaseMul(a)
	pb := ScalarBaseMul(b)

	require.True(t, PointAdd(pa, pb).Equal(PointAdd(pb, pa)))
	require.True(t, PointAdd(pa, pb).Equal(ScalarBaseMul(ScalarAdd(a, b))))
}
