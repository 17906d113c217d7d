package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"github.com/coinparty/mixpeer/wire"
	"github.com/stretchr/testify/require"
)

// hmacSigner/hmacVerifier stand in for real secp256k1 signatures in these
// protocol-level tests, where only "does the receiver accept the same
// signature the sender produced" matters, not signature unforgeability.
type hmacSigner struct{ key []byte }

func (h hmacSigner) Sign(msg []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, h.key)
	mac.Write(msg)
	return mac.Sum(nil), nil
}

type hmacVerifier struct{ key []byte }

func (h hmacVerifier) Verify(sig, msg []byte) bool {
	mac := hmac.New(sha256.New, h.key)
	mac.Write(msg)
	return hmac.Equal(sig, mac.Sum(nil))
}

// routedLink delivers every Send synchronously to the named recipient's
// transaction, looked up lazily so construction order doesn't matter.
type routedLink struct {
	to      uint16
	dispatch func(to, from uint16, msg []byte)
}

func (l *routedLink) Send(msg []byte) error {
	hdr, err := wire.DecodeHeader(msg)
	if err != nil {
		return err
	}
	l.dispatch(l.to, hdr.Rank, msg)
	return nil
}

func TestConsistentBroadcastDeliversSameMessageToAll(t *testing.T) {
	const n, thresh = 4, 1
	keys := make(map[uint16][]byte, n)
	for r := 0; r < n; r++ {
		keys[uint16(r)] = []byte(fmt.Sprintf("key-%d", r))
	}
	nodes := make(map[uint16]*ConsistentBroadcastTransaction, n)
	dispatch := func(to, from uint16, msg []byte) {
		nodes[to].ReceivedResponse(from, msg)
	}

	peersFor := func(self uint16) []Peer {
		var ps []Peer
		for r := uint16(0); r < n; r++ {
			if r == self {
				continue
			}
			ps = append(ps, Peer{
				Rank:     r,
				Link:     &routedLink{to: r, dispatch: dispatch},
				Verifier: hmacVerifier{key: keys[r]},
			})
		}
		return ps
	}

	for r := uint16(1); r < n; r++ {
		nodes[r] = NewConsistentBroadcastReceiver(1, r, n, thresh, peersFor(r), hmacSigner{key: keys[r]}, hmacVerifier{key: keys[r]}, nil)
	}
	sender := NewConsistentBroadcastSender(1, 0, n, thresh, peersFor(0), hmacSigner{key: keys[0]}, hmacVerifier{key: keys[0]}, nil, []byte("shuffled-addresses"))
	nodes[0] = sender

	require.NoError(t, sender.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for r := uint16(0); r < n; r++ {
		v, err := nodes[r].Promise().Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte("shuffled-addresses"), v)
	}
}

func TestReliableBroadcastDeliversSameMessageToAll(t *testing.T) {
	const n, thresh = 4, 1
	keys := make(map[uint16][]byte, n)
	for r := 0; r < n; r++ {
		keys[uint16(r)] = []byte(fmt.Sprintf("key-%d", r))
	}
	nodes := make(map[uint16]*ReliableBroadcastTransaction, n)
	dispatch := func(to, from uint16, msg []byte) {
		nodes[to].ReceivedResponse(from, msg)
	}

	peersFor := func(self uint16) []Peer {
		var ps []Peer
		for r := uint16(0); r < n; r++ {
			if r == self {
				continue
			}
			ps = append(ps, Peer{Rank: r, Link: &routedLink{to: r, dispatch: dispatch}})
		}
		return ps
	}

	for r := uint16(1); r < n; r++ {
		nodes[r] = NewReliableBroadcastReceiver(1, r, n, thresh, peersFor(r), hmacSigner{key: keys[r]}, nil)
	}
	sender := NewReliableBroadcastSender(1, 0, n, thresh, peersFor(0), hmacSigner{key: keys[0]}, nil, []byte("bracha-payload"))
	nodes[0] = sender

	require.NoError(t, sender.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for r := uint16(0); r < n; r++ {
		v, err := nodes[r].Promise().Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte("bracha-payload"), v)
	}
}
