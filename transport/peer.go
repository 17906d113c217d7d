package transport

import "github.com/coinparty/mixpeer/wire"

// Link is the outbound half of a peer connection: a transport-layer session
// (typically TLS, see session.Dial/session.Listen) that a Transaction writes framed wire
// messages to. A nil Link means the peer is not currently connected, in
// which case the transaction must queue the message for later delivery
// (see DelayQueue) instead of dropping it, mirroring Transaction.py's
// "delay_deferred" mechanism for messages that arrive before a connection
// exists.
type Link interface {
	Send(msg []byte) error
}

// Peer is one other mix peer a Transaction addresses messages to or expects
// responses from.
type Peer struct {
	Rank     uint16
	Link     Link
	Verifier wire.Verifier
}

// DelayQueue buffers sends addressed to peers without an established Link
// yet, and flushes them once the link becomes available -- the Go
// equivalent of Transaction.py's delay_deferred parameter.
type DelayQueue struct {
	pending map[uint16][][]byte
}

// NewDelayQueue returns an empty delay queue.
func NewDelayQueue() *DelayQueue {
	return &DelayQueue{pending: make(map[uint16][][]byte)}
}

// Enqueue buffers msg for delivery to rank once Flush(rank, link) is called.
func (q *DelayQueue) Enqueue(rank uint16, msg []byte) {
	q.pending[rank] = append(q.pending[rank], msg)
}

// Flush sends every message queued for rank over link, in arrival order,
// and clears the queue for that rank. The first send error aborts the
// flush, leaving the remaining messages queued for a future attempt.
func (q *DelayQueue) Flush(rank uint16, link Link) error {
	msgs := q.pending[rank]
	for i, msg := range msgs {
		if err := link.Send(msg); err != nil {
			q.pending[rank] = msgs[i:]
			return err
		}
	}
	delete(q.pending, rank)
	return nil
}

// sendOrDelay sends msg to peer if it has a live Link, otherwise queues it
// in delay for later delivery. delay may be nil, in which case an
// unreachable peer simply never receives the message (matching
// Transaction.py's behavior of logging an error when no delay_deferred was
// supplied).
func sendOrDelay(peer Peer, msg []byte, delay *DelayQueue) error {
	if peer.Link != nil {
		return peer.Link.Send(msg)
	}
	if delay != nil {
		delay.Enqueue(peer.Rank, msg)
	}
	return nil
}
