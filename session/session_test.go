package session

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coinparty/mixpeer/config"
	"github.com/coinparty/mixpeer/field"
	"github.com/coinparty/mixpeer/smpc"
	"github.com/coinparty/mixpeer/transport"
	"github.com/coinparty/mixpeer/wire"
)

func testIdentity(t *testing.T, scalar byte) *Identity {
	t.Helper()
	raw := make([]byte, 32)
	raw[31] = scalar
	id, err := LoadIdentity(config.PeerConfig{PrivateKeyHex: hex.EncodeToString(raw)})
	require.NoError(t, err)
	return id
}

func TestDispatchRejectsBadSignature(t *testing.T) {
	self := testIdentity(t, 1)
	peer := testIdentity(t, 2)

	sess, err := New(0, 2, 0, nil, self, []transport.Peer{
		{Rank: 1, Verifier: &PeerVerifier{pub: peer.Pub}},
	})
	require.NoError(t, err)

	operand := smpc.NewWrapValue("rt", 0, 2, 0, field.Order, big.NewInt(7))
	rec := smpc.NewRecValue(sess, "rt", 0, field.Order, operand)
	require.NoError(t, sess.values.Add(rec))

	payload := make([]byte, (field.Order.BitLen()+7)/8)
	big.NewInt(11).FillBytes(payload)
	msg, err := wire.EncodeMPCP(1, 0, self /* wrong signer: self instead of peer */, wire.MPCP{
		SMPCHeader: wire.SMPCHeader{Algorithm: wire.AlgRec, ID: "rt", Index: 0},
		Value:      payload,
	})
	require.NoError(t, err)

	sess.Dispatch(1, msg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rec.PublicValue(ctx)
	require.Error(t, err, "a badly signed share must never be routed to the Value")
}

func TestDispatchRoutesVerifiedShareToRegisteredValue(t *testing.T) {
	self := testIdentity(t, 1)
	peer := testIdentity(t, 2)

	sess, err := New(0, 2, 0, nil, self, []transport.Peer{
		{Rank: 1, Verifier: &PeerVerifier{pub: peer.Pub}},
	})
	require.NoError(t, err)

	operand := smpc.NewWrapValue("rt", 0, 2, 0, field.Order, big.NewInt(7))
	rec := smpc.NewRecValue(sess, "rt", 0, field.Order, operand)
	require.NoError(t, sess.values.Add(rec))

	payload := make([]byte, (field.Order.BitLen()+7)/8)
	big.NewInt(7).FillBytes(payload)
	msg, err := wire.EncodeMPCP(1, 0, peer, wire.MPCP{
		SMPCHeader: wire.SMPCHeader{Algorithm: wire.AlgRec, ID: "rt", Index: 0},
		Value:      payload,
	})
	require.NoError(t, err)

	sess.Dispatch(1, msg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	secret, err := rec.PublicValue(ctx)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(7), secret)
}

func TestDispatchFromUnknownRankDropped(t *testing.T) {
	self := testIdentity(t, 1)
	sess, err := New(0, 1, 0, nil, self, nil)
	require.NoError(t, err)

	msg, err := wire.EncodeMPCP(9, 0, self, wire.MPCP{
		SMPCHeader: wire.SMPCHeader{Algorithm: wire.AlgRec, ID: "x", Index: 0},
		Value:      []byte{0x01},
	})
	require.NoError(t, err)

	// Must not panic despite no matching Value or Peer being registered.
	sess.Dispatch(9, msg)
}

func TestIdentitySignVerifyRoundTrip(t *testing.T) {
	id := testIdentity(t, 3)
	verifier := &PeerVerifier{pub: id.Pub}

	msg := []byte("committee message")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.True(t, verifier.Verify(sig, msg))
	require.False(t, verifier.Verify(sig, []byte("tampered")))
}
