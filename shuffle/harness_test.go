package shuffle

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

// hmacSigner/hmacVerifier stand in for real secp256k1 signatures, matching
// package escrow's and package smpc's own test style.
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

// routedLink delivers every Send asynchronously to the named recipient's
// node, so a deeply recursive shuffle cascade (one ADDR triggering the next
// peer's decrypt-and-broadcast, and so on) never nests inside the sender's
// own call stack.
type routedLink struct {
	to    uint16
	nodes map[uint16]*fakeNode
}

func (l *routedLink) Send(msg []byte) error {
	hdr, err := wire.DecodeHeader(msg)
	if err != nil {
		return err
	}
	node := l.nodes[l.to]
	go node.receive(hdr.Rank, msg)
	return nil
}

// fakeNode is an in-memory smpc.Network that also owns the Round under
// test, routing incoming MPCP traffic to the checksum chain's RecValues
// and incoming ADDR broadcasts into the Round's state machine.
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

	round *Round
	errs  chan error
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
		errs:     make(chan error, 64),
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

// lookupValue polls for (id, index) to appear in this node's Value store.
// A checksum share can arrive from a faster peer before this node has
// itself processed the ADDR broadcast that creates the matching RecValue;
// session.Dispatch's lookupValue polls for such early messages the same
// way (see escrow/harness_test.go's own lookupValue, which notes the
// same race). Bounded to avoid hanging on a genuinely unknown id.
func (f *fakeNode) lookupValue(id string, index uint32) smpc.Value {
	for i := 0; i < 2000; i++ {
		if v := f.values.Get(id, index); v != nil {
			return v
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (f *fakeNode) receive(from uint16, msg []byte) {
	switch wire.GetMessageType(msg) {
	case wire.MPCP:
		m, err := wire.DecodeMPCP(msg)
		if err != nil {
			return
		}
		v := f.lookupValue(m.ID, m.Index)
		if rec, ok := v.(*smpc.RecValue); ok {
			rec.ReceivedShare(from, m.Value)
		}
	case wire.ADDR:
		m, err := wire.DecodeAddr(msg)
		if err != nil {
			return
		}
		if f.round == nil {
			return
		}
		if err := f.round.ReceivedAddr(context.Background(), int(from), m.Outputs); err != nil {
			select {
			case f.errs <- err:
			default:
			}
		}
	}
}
