package transport

import (
	"sync"

	"github.com/coinparty/mixpeer/wire"
)

// ConsistentBroadcastTransaction implements Cachin-Kursawe consistent
// broadcast: the sender SENDs a payload to everyone, each receiver ECHOes a
// signature over it back to the sender alone, and once the sender collects
// ceil((n+t+1)/2) valid echoes it broadcasts a FINL certificate that lets
// every peer deliver the same payload. Grounded on Transaction.py's
// ConsistentBroadcastTransaction and Requests.py's cbrc message.
type ConsistentBroadcastTransaction struct {
	mu sync.Mutex

	seq        uint32
	rank       uint16
	n, t       int
	tEcho      int
	peers      []Peer
	selfSigner wire.Signer
	selfVerify wire.Verifier
	delay      *DelayQueue

	msg        []byte
	senderRank *uint16
	echos      map[uint16][]byte // rank -> signature, sender-side only

	promise *Promise[[]byte]
}

func ceilHalf(a int) int {
	return (a + 1) / 2
}

// consistentBroadcastThreshold returns ceil((n+t+1)/2), the number of valid
// echoes a sender needs before issuing FINL.
func consistentBroadcastThreshold(n, t int) int {
	sum := n + t + 1
	return (sum + 1) / 2
}

func newConsistentBroadcastTransaction(seq uint32, rank uint16, n, t int, peers []Peer, signer wire.Signer, selfVerify wire.Verifier, delay *DelayQueue) *ConsistentBroadcastTransaction {
	return &ConsistentBroadcastTransaction{
		seq:        seq,
		rank:       rank,
		n:          n,
		t:          t,
		tEcho:      consistentBroadcastThreshold(n, t),
		peers:      peers,
		selfSigner: signer,
		selfVerify: selfVerify,
		delay:      delay,
		echos:      make(map[uint16][]byte),
		promise:    NewPromise[[]byte](),
	}
}

// NewConsistentBroadcastSender prepares a consistent broadcast of msg from
// this peer (rank) to peers. The transaction is registered but nothing is
// sent until Start is called -- this lets a caller register the
// transaction with its Store (so responses racing the initial SEND aren't
// dropped) before any network I/O happens.
func NewConsistentBroadcastSender(seq uint32, rank uint16, n, t int, peers []Peer, signer wire.Signer, selfVerify wire.Verifier, delay *DelayQueue, msg []byte) *ConsistentBroadcastTransaction {
	c := newConsistentBroadcastTransaction(seq, rank, n, t, peers, signer, selfVerify, delay)
	c.msg = msg
	c.senderRank = &rank
	return c
}

// Start sends the initial SEND message to every peer and records this
// sender's own echo. It must be called exactly once, and only on a
// transaction built by NewConsistentBroadcastSender.
func (c *ConsistentBroadcastTransaction) Start() error {
	send := wire.CBRCMessage{Step: wire.StepSend, Inner: c.msg}
	sendMsg, err := wire.EncodeCBRC(c.rank, c.seq, c.selfSigner, send)
	if err != nil {
		return err
	}
	if err := c.broadcast(sendMsg); err != nil {
		return err
	}

	sig, err := c.selfSigner.Sign(c.msg)
	if err != nil {
		return err
	}
	c.echos[c.rank] = sig
	return nil
}

// NewConsistentBroadcastReceiver starts a passive consistent-broadcast
// participant that waits for a SEND message before doing anything.
func NewConsistentBroadcastReceiver(seq uint32, rank uint16, n, t int, peers []Peer, signer wire.Signer, selfVerify wire.Verifier, delay *DelayQueue) *ConsistentBroadcastTransaction {
	return newConsistentBroadcastTransaction(seq, rank, n, t, peers, signer, selfVerify, delay)
}

func (c *ConsistentBroadcastTransaction) SequenceNumber() uint32 { return c.seq }

func (c *ConsistentBroadcastTransaction) Promise() *Promise[[]byte] { return c.promise }

// broadcast fans out msg to every peer concurrently. Peers are reached over
// independent links, so nothing should make one peer's delivery wait on
// another's -- a sequential loop here would let a slow peer's synchronous
// reaction (e.g. an immediate echo back to us) delay SEND from ever reaching
// a later peer in the list.
func (c *ConsistentBroadcastTransaction) broadcast(msg []byte) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(c.peers))
	for _, p := range c.peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			if err := sendOrDelay(p, msg, c.delay); err != nil {
				errs <- err
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

func (c *ConsistentBroadcastTransaction) singlecast(rank uint16, msg []byte) error {
	for _, p := range c.peers {
		if p.Rank == rank {
			return sendOrDelay(p, msg, c.delay)
		}
	}
	return nil
}

func (c *ConsistentBroadcastTransaction) verifierFor(rank uint16) wire.Verifier {
	if rank == c.rank {
		return c.selfVerify
	}
	for _, p := range c.peers {
		if p.Rank == rank {
			return p.Verifier
		}
	}
	return nil
}

// ReceivedResponse decodes raw as a CBRC message and advances the protocol
// state machine.
func (c *ConsistentBroadcastTransaction) ReceivedResponse(rank uint16, raw []byte) {
	decoded, err := wire.DecodeCBRC(raw)
	if err != nil {
		return
	}
	switch decoded.Step {
	case wire.StepSend:
		c.receivedSend(rank, decoded.Inner)
	case wire.StepEcho:
		c.receivedEcho(rank, decoded.EchoSig)
	case wire.StepFinal:
		c.receivedFinal(decoded.Certificate)
	}
}

func (c *ConsistentBroadcastTransaction) receivedSend(rank uint16, msg []byte) {
	c.mu.Lock()
	if c.senderRank != nil {
		c.mu.Unlock()
		return // sender already fixed, ignore subsequent SENDs
	}
	c.msg = msg
	c.senderRank = &rank
	c.mu.Unlock()

	sig, err := c.selfSigner.Sign(msg)
	if err != nil {
		return
	}
	echo := wire.CBRCMessage{Step: wire.StepEcho, EchoSig: sig}
	echoMsg, err := wire.EncodeCBRC(c.rank, c.seq, c.selfSigner, echo)
	if err != nil {
		return
	}
	c.singlecast(rank, echoMsg)
}

func (c *ConsistentBroadcastTransaction) receivedEcho(rank uint16, sig []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.promise.Resolved() || c.senderRank == nil || *c.senderRank != c.rank {
		return // only the original sender collects echoes
	}
	verifier := c.verifierFor(rank)
	if verifier == nil || !verifier.Verify(sig, c.msg) {
		return
	}
	c.echos[rank] = sig
	if len(c.echos) != c.tEcho {
		return
	}

	cert := make([]wire.RankSig, 0, len(c.echos))
	for r, s := range c.echos {
		cert = append(cert, wire.RankSig{Rank: r, Sig: s})
	}
	final := wire.CBRCMessage{Step: wire.StepFinal, Certificate: cert}
	finalMsg, err := wire.EncodeCBRC(c.rank, c.seq, c.selfSigner, final)
	if err != nil {
		return
	}
	go func(msg []byte) { _ = c.broadcast(msg) }(finalMsg)
	c.deliverLocked(cert)
}

func (c *ConsistentBroadcastTransaction) receivedFinal(cert []wire.RankSig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.promise.Resolved() {
		return
	}
	c.deliverLocked(cert)
}

// deliverLocked validates the certificate has enough correctly-verifying
// signatures and, if so, resolves the promise. Caller must hold c.mu.
func (c *ConsistentBroadcastTransaction) deliverLocked(cert []wire.RankSig) {
	if len(cert) < c.tEcho {
		return
	}
	for _, rs := range cert {
		verifier := c.verifierFor(rs.Rank)
		if verifier == nil || !verifier.Verify(rs.Sig, c.msg) {
			return
		}
	}
	c.promise.Resolve(c.msg)
}
