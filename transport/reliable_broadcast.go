package transport

import (
	"sync"

	"github.com/coinparty/mixpeer/wire"
)

// ReliableBroadcastTransaction implements Bracha reliable broadcast: the
// sender SENDs a payload to everyone, each receiver ECHOes it to everyone,
// a peer that sees ceil((n+t+1)/2) matching echoes (or t+1 matching readies)
// broadcasts READY, and once a peer sees 2t+1 matching readies it delivers.
// This tolerates up to t Byzantine peers but, per O3 (§9), does not
// implement the stricter two-thirds-adversary hardening some Bracha
// variants add -- it follows the source's own ceil((n+t+1)/2)/t+1/2t+1
// thresholds exactly.
//
// Grounded on Transaction.py's ReliableBroadcastTransaction.
type ReliableBroadcastTransaction struct {
	mu sync.Mutex

	seq        uint32
	rank       uint16
	n, t       int
	tEcho      int
	peers      []Peer
	selfSigner wire.Signer
	delay      *DelayQueue

	msg         []byte
	sendReceived bool
	readySent   bool
	echos       []messageVote // indexed by rank
	readys      []messageVote

	promise *Promise[[]byte]
}

type messageVote struct {
	present bool
	msg     []byte
}

func newReliableBroadcastTransaction(seq uint32, rank uint16, n, t int, peers []Peer, signer wire.Signer, delay *DelayQueue) *ReliableBroadcastTransaction {
	return &ReliableBroadcastTransaction{
		seq:        seq,
		rank:       rank,
		n:          n,
		t:          t,
		tEcho:      consistentBroadcastThreshold(n, t),
		peers:      peers,
		selfSigner: signer,
		delay:      delay,
		echos:      make([]messageVote, n),
		readys:     make([]messageVote, n),
		promise:    NewPromise[[]byte](),
	}
}

// NewReliableBroadcastSender prepares a Bracha broadcast of msg from this
// peer to peers. Nothing is sent until Start is called, so the caller can
// register the transaction with its Store first.
func NewReliableBroadcastSender(seq uint32, rank uint16, n, t int, peers []Peer, signer wire.Signer, delay *DelayQueue, msg []byte) *ReliableBroadcastTransaction {
	r := newReliableBroadcastTransaction(seq, rank, n, t, peers, signer, delay)
	r.msg = msg
	return r
}

// Start sends the initial SEND message and begins this sender's own
// SEND/ECHO cascade. It must be called exactly once, and only on a
// transaction built by NewReliableBroadcastSender.
func (r *ReliableBroadcastTransaction) Start() error {
	return r.sendSend()
}

// NewReliableBroadcastReceiver starts a passive Bracha broadcast
// participant awaiting a SEND message.
func NewReliableBroadcastReceiver(seq uint32, rank uint16, n, t int, peers []Peer, signer wire.Signer, delay *DelayQueue) *ReliableBroadcastTransaction {
	return newReliableBroadcastTransaction(seq, rank, n, t, peers, signer, delay)
}

func (r *ReliableBroadcastTransaction) SequenceNumber() uint32 { return r.seq }

func (r *ReliableBroadcastTransaction) Promise() *Promise[[]byte] { return r.promise }

// broadcast fans out msg to every peer concurrently; see the identical
// comment on ConsistentBroadcastTransaction.broadcast for why a sequential
// loop would race SEND/ECHO/READY delivery order across peers.
func (r *ReliableBroadcastTransaction) broadcast(msg []byte) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(r.peers))
	for _, p := range r.peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			if err := sendOrDelay(p, msg, r.delay); err != nil {
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

func (r *ReliableBroadcastTransaction) sendSend() error {
	encoded, err := wire.EncodeRBRC(r.rank, r.seq, r.selfSigner, wire.RBRCMessage{Step: wire.StepSend, Inner: r.msg})
	if err != nil {
		return err
	}
	if err := r.broadcast(encoded); err != nil {
		return err
	}
	r.receivedSend(r.rank, r.msg)
	return nil
}

// ReceivedResponse decodes raw as an RBRC message and advances the Bracha
// state machine.
func (r *ReliableBroadcastTransaction) ReceivedResponse(rank uint16, raw []byte) {
	decoded, err := wire.DecodeRBRC(raw)
	if err != nil {
		return
	}
	switch decoded.Step {
	case wire.StepSend:
		r.receivedSend(rank, decoded.Inner)
	case wire.StepEcho:
		r.receivedEcho(rank, decoded.Inner)
	case wire.StepFinal: // READY
		r.receivedReady(rank, decoded.Inner)
	}
}

func (r *ReliableBroadcastTransaction) receivedSend(rank uint16, msg []byte) {
	r.mu.Lock()
	if r.sendReceived {
		r.mu.Unlock()
		return
	}
	r.sendReceived = true
	r.msg = msg
	r.mu.Unlock()

	encoded, err := wire.EncodeRBRC(r.rank, r.seq, r.selfSigner, wire.RBRCMessage{Step: wire.StepEcho, Inner: msg})
	if err != nil {
		return
	}
	if err := r.broadcast(encoded); err != nil {
		return
	}
	r.receivedEcho(r.rank, msg)
}

func (r *ReliableBroadcastTransaction) receivedEcho(rank uint16, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(rank) >= len(r.echos) {
		return
	}
	r.echos[rank] = messageVote{present: true, msg: msg}
	count, majority := voteMajority(r.echos)
	if count == r.tEcho && !r.readySent {
		r.msg = majority
		r.sendReadyLocked()
	}
}

func (r *ReliableBroadcastTransaction) sendReadyLocked() {
	if r.readySent {
		return
	}
	r.readySent = true
	encoded, err := wire.EncodeRBRC(r.rank, r.seq, r.selfSigner, wire.RBRCMessage{Step: wire.StepFinal, Inner: r.msg})
	if err != nil {
		return
	}
	go func(msg []byte) { _ = r.broadcast(msg) }(encoded)
	r.applyReadyLocked(r.rank, r.msg)
}

func (r *ReliableBroadcastTransaction) receivedReady(rank uint16, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyReadyLocked(rank, msg)
}

func (r *ReliableBroadcastTransaction) applyReadyLocked(rank uint16, msg []byte) {
	if int(rank) >= len(r.readys) {
		return
	}
	r.readys[rank] = messageVote{present: true, msg: msg}
	count, majority := voteMajority(r.readys)
	if count == r.t+1 && !r.readySent {
		r.msg = majority
		r.sendReadyLocked()
		return
	}
	if count == 2*r.t+1 {
		r.promise.Resolve(majority)
	}
}

// voteMajority returns the size and content of the most common non-empty
// vote in votes, mirroring ReliableBroadcastTransaction._hist.
func voteMajority(votes []messageVote) (int, []byte) {
	type bucket struct {
		msg   []byte
		count int
	}
	var buckets []bucket
	for _, v := range votes {
		if !v.present {
			continue
		}
		found := false
		for i := range buckets {
			if string(buckets[i].msg) == string(v.msg) {
				buckets[i].count++
				found = true
				break
			}
		}
		if !found {
			buckets = append(buckets, bucket{msg: v.msg, count: 1})
		}
	}
	best := bucket{}
	for _, b := range buckets {
		if b.count > best.count {
			best = b
		}
	}
	return best.count, best.msg
}
