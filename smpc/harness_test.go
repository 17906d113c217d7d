package smpc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/coinparty/mixpeer/transport"
	"github.com/coinparty/mixpeer/wire"
)

// hmacSigner/hmacVerifier stand in for real secp256k1 signatures in these
// tests, mirroring transport's own broadcast tests.
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

// msgHandler reacts to a decoded MPCS/MPCP payload addressed to some smpc
// algorithm. Tests set it per node to route into whichever Value under test
// cares about that algorithm.
type msgHandler func(from uint16, msgType wire.MessageType, alg wire.Algorithm, payload []byte)

// fakeNode is a minimal in-memory stand-in for Network, with just enough
// consistent-broadcast plumbing (reactive receiver construction keyed by
// sequence number, the job session.Session's dispatchCBRC does in
// production) to exercise DKGValue's commitment broadcast end to end.
type fakeNode struct {
	rank     uint16
	nPeers   int
	tPeers   int
	signer   hmacSigner
	verifier hmacVerifier
	peers    []transport.Peer
	store    *transport.Store
	delay    *transport.DelayQueue

	handle       msgHandler
	onCommitment func(dealer uint16, payload []byte)
}

func newFakeNode(rank uint16, n, t int) *fakeNode {
	store, err := transport.NewStore()
	if err != nil {
		panic(err)
	}
	return &fakeNode{
		rank:     rank,
		nPeers:   n,
		tPeers:   t,
		signer:   hmacSigner{key: []byte(fmt.Sprintf("key-%d", rank))},
		verifier: hmacVerifier{key: []byte(fmt.Sprintf("key-%d", rank))},
		store:    store,
		delay:    transport.NewDelayQueue(),
	}
}

func (f *fakeNode) Rank() uint16             { return f.rank }
func (f *fakeNode) N() int                   { return f.nPeers }
func (f *fakeNode) T() int                   { return f.tPeers }
func (f *fakeNode) Signer() wire.Signer      { return f.signer }
func (f *fakeNode) SelfVerifier() wire.Verifier { return f.verifier }
func (f *fakeNode) Peers() []transport.Peer  { return f.peers }
func (f *fakeNode) Store() *transport.Store  { return f.store }
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
		if err != nil || f.handle == nil {
			return
		}
		f.handle(from, wire.MPCS, m.Algorithm, m.Share)
	case wire.MPCP:
		m, err := wire.DecodeMPCP(msg)
		if err != nil || f.handle == nil {
			return
		}
		f.handle(from, wire.MPCP, m.Algorithm, m.Value)
	case wire.CBRC:
		f.receiveCBRC(from, msg)
	}
}

// receiveCBRC routes an incoming consistent-broadcast wire message through
// this node's Store, lazily spinning up a receiver transaction the first
// time a SEND arrives for an unseen sequence number -- the same reactive
// construction a production session router performs.
func (f *fakeNode) receiveCBRC(from uint16, raw []byte) {
	hdr, err := wire.DecodeHeader(raw)
	if err != nil {
		return
	}
	if err := f.store.Dispatch(from, hdr.Seq, raw); err == nil {
		return
	}
	t := transport.NewConsistentBroadcastReceiver(hdr.Seq, f.rank, f.nPeers, f.tPeers, f.peers, f.signer, f.verifier, f.delay)
	f.store.Add(t, t.Promise().Done())
	dealer := from
	go func() {
		v, err := t.Promise().Wait(context.Background())
		if err == nil && f.onCommitment != nil {
			f.onCommitment(dealer, v)
		}
	}()
	t.ReceivedResponse(from, raw)
}

// waitAll blocks on fn for every node, failing the test if any errors.
func waitAll(ctx context.Context, n int, fn func(r uint16) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r uint16) {
			defer wg.Done()
			errs[r] = fn(r)
		}(uint16(r))
	}
	wg.Wait()
	return errs
}
