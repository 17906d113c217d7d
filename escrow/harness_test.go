package escrow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/coinparty/mixpeer/smpc"
	"github.com/coinparty/mixpeer/transport"
	"github.com/coinparty/mixpeer/wire"
)

// hmacSigner/hmacVerifier stand in for real secp256k1 signatures, mirroring
// transport's and smpc's own test style.
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

// routedLink delivers every Send synchronously to the named recipient's node.
type routedLink struct {
	to    uint16
	nodes map[uint16]*fakeNode
}

func (l *routedLink) Send(msg []byte) error {
	hdr, err := wire.DecodeHeader(msg)
	if err != nil {
		return err
	}
	l.nodes[l.to].receive(hdr.Rank, msg)
	return nil
}

// fakeNode is an in-memory smpc.Network that routes every incoming message
// to whichever Value is registered under its (id, index) in this node's own
// smpc.Store -- the same job session.Dispatch performs in
// production, generalized here (unlike smpc's own per-test harness) because
// one escrow runs several concurrent Values (d, k, e, us, u, ki, kid) that
// must be told apart by identity, not just by algorithm.
type fakeNode struct {
	rank   uint16
	nPeers int
	tPeers int

	signer   hmacSigner
	verifier hmacVerifier
	peers    []transport.Peer
	txStore  *transport.Store
	delay    *transport.DelayQueue
	values   *smpc.Store
}

func newFakeNode(rank uint16, n, t int) *fakeNode {
	txStore, err := transport.NewStore()
	if err != nil {
		panic(err)
	}
	return &fakeNode{
		rank:     rank,
		nPeers:   n,
		tPeers:   t,
		signer:   hmacSigner{key: []byte(fmt.Sprintf("key-%d", rank))},
		verifier: hmacVerifier{key: []byte(fmt.Sprintf("key-%d", rank))},
		txStore:  txStore,
		delay:    transport.NewDelayQueue(),
		values:   smpc.NewStore(),
	}
}

func (f *fakeNode) Rank() uint16                 { return f.rank }
func (f *fakeNode) N() int                       { return f.nPeers }
func (f *fakeNode) T() int                       { return f.tPeers }
func (f *fakeNode) Signer() wire.Signer          { return f.signer }
func (f *fakeNode) SelfVerifier() wire.Verifier  { return f.verifier }
func (f *fakeNode) Peers() []transport.Peer      { return f.peers }
func (f *fakeNode) Store() *transport.Store      { return f.txStore }
func (f *fakeNode) Delay() *transport.DelayQueue { return f.delay }

// makeNetwork wires n fakeNodes into a fully connected in-memory mixnet.
func makeNetwork(n, t int) map[uint16]*fakeNode {
	nodes := make(map[uint16]*fakeNode, n)
	for r := 0; r < n; r++ {
		nodes[uint16(r)] = newFakeNode(uint16(r), n, t)
	}
	for self, node := range nodes {
		var peers []transport.Peer
		for r := uint16(0); r < uint16(n); r++ {
			if r == self {
				continue
			}
			peers = append(peers, transport.Peer{
				Rank:     r,
				Link:     &routedLink{to: r, nodes: nodes},
				Verifier: nodes[r].verifier,
			})
		}
		node.peers = peers
	}
	return nodes
}

func (f *fakeNode) receive(from uint16, msg []byte) {
	switch wire.GetMessageType(msg) {
	case wire.MPCS:
		m, err := wire.DecodeMPCS(msg)
		if err != nil {
			return
		}
		f.routeShare(from, m.ID, m.Index, m.Share)
	case wire.MPCP:
		m, err := wire.DecodeMPCP(msg)
		if err != nil {
			return
		}
		f.routePublic(from, m.ID, m.Index, m.Value)
	case wire.CBRC:
		f.receiveCBRC(from, msg)
	}
}

// lookupValue polls for (id, index) to appear in this node's Value store.
// A message for this node's own share of escrow index i can arrive from a
// faster peer before this node's own Generate call has reached the point
// of constructing that Value; session.Dispatch's own lookupValue polls
// for such early messages the same way. Bounded to avoid hanging forever on a
// genuinely unknown id.
func (f *fakeNode) lookupValue(id string, index uint32) smpc.Value {
	for i := 0; i < 500; i++ {
		if v := f.values.Get(id, index); v != nil {
			return v
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// routeShare dispatches an incoming MPCS payload (a DKG dealt share or a
// Mul re-share) to the Value registered under (id, index).
func (f *fakeNode) routeShare(from uint16, id string, index uint32, payload []byte) {
	v := f.lookupValue(id, index)
	if v == nil {
		return
	}
	switch val := v.(type) {
	case *smpc.DKGValue:
		val.ReceivedShare(from, payload)
	case *smpc.MulValue:
		val.ReceivedSubshare(from, payload)
	}
}

// routePublic dispatches an incoming MPCP payload (a Rec broadcast) to the
// Value registered under (id, index).
func (f *fakeNode) routePublic(from uint16, id string, index uint32, payload []byte) {
	v := f.lookupValue(id, index)
	if v == nil {
		return
	}
	if rec, ok := v.(*smpc.RecValue); ok {
		rec.ReceivedShare(from, payload)
	}
}

// receiveCBRC routes an incoming consistent-broadcast wire message through
// this node's transaction Store, lazily spinning up a receiver the first
// time a SEND arrives for an unseen sequence number. Once the broadcast
// resolves, its payload's own (id, index) header -- not the sequence
// number, which different dealers can collide on -- picks the DKGValue to
// deliver the commitment to.
func (f *fakeNode) receiveCBRC(from uint16, raw []byte) {
	hdr, err := wire.DecodeHeader(raw)
	if err != nil {
		return
	}
	if err := f.txStore.Dispatch(from, hdr.Seq, raw); err == nil {
		return
	}
	t := transport.NewConsistentBroadcastReceiver(hdr.Seq, f.rank, f.nPeers, f.tPeers, f.peers, f.signer, f.verifier, f.delay)
	f.txStore.Add(t, t.Promise().Done())
	dealer := from
	go func() {
		payload, err := t.Promise().Wait(context.Background())
		if err != nil {
			return
		}
		_, id, index, err := smpc.DecodeCommitmentRoute(payload)
		if err != nil {
			return
		}
		v := f.lookupValue(id, index)
		if v == nil {
			return
		}
		if dkg, ok := v.(*smpc.DKGValue); ok {
			dkg.ReceivedCommitment(dealer, payload)
		}
	}()
	t.ReceivedResponse(from, raw)
}
