package transport

import "sync"

// Result is what a Transaction ultimately resolves to: the aggregated
// response value and whether the exchange concluded positively (an ACKN
// with no error, a delivered broadcast payload, etc). Grounded on
// Transaction.py's result_fetcher contract (`{'is_positive':..., 'value':
// ...}`).
type Result struct {
	Value    []byte
	Positive bool
}

// ResultFetcher folds one peer's response into the transaction's running
// result. It mirrors Transaction.py's result_fetcher callback: given the
// raw response body, the previous aggregate value/positivity, it returns
// the updated aggregate.
type ResultFetcher func(rank uint16, response []byte, prevValue []byte, prevPositive bool) (value []byte, positive bool)

// Transaction is anything the Store can route an incoming (rank, seq, msg)
// triple to. Grounded on Transaction.py's base Transaction class.
type Transaction interface {
	SequenceNumber() uint32
	ReceivedResponse(rank uint16, msg []byte)
}

// SinglecastTransaction awaits exactly one response, from a single named
// peer. Grounded on Transaction.py's SingleRequestTransaction.
type SinglecastTransaction struct {
	seq      uint32
	peerRank uint16
	fetch    ResultFetcher
	promise  *Promise[Result]
}

// NewSinglecastTransaction sends msg to peer and returns a transaction that
// resolves once peer's response arrives.
func NewSinglecastTransaction(seq uint32, peer Peer, msg []byte, fetch ResultFetcher, delay *DelayQueue) (*SinglecastTransaction, error) {
	t := &SinglecastTransaction{
		seq:      seq,
		peerRank: peer.Rank,
		fetch:    fetch,
		promise:  NewPromise[Result](),
	}
	if err := sendOrDelay(peer, msg, delay); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *SinglecastTransaction) SequenceNumber() uint32 { return t.seq }

func (t *SinglecastTransaction) Promise() *Promise[Result] { return t.promise }

func (t *SinglecastTransaction) ReceivedResponse(rank uint16, msg []byte) {
	if t.promise.Resolved() || rank != t.peerRank {
		return
	}
	value, positive := t.fetch(rank, msg, nil, false)
	t.promise.Resolve(Result{Value: value, Positive: positive})
}

// BroadcastTransaction sends the same message to every peer and awaits one
// response from each, folding them through fetch in arrival order. Grounded
// on Transaction.py's BroadcastTransaction.
type BroadcastTransaction struct {
	seq       uint32
	fetch     ResultFetcher
	promise   *Promise[Result]
	mu        sync.Mutex
	remaining map[uint16]struct{}
	value     []byte
	positive  bool
}

// NewBroadcastTransaction sends msg to every peer and returns a transaction
// that resolves once all of them have responded.
func NewBroadcastTransaction(seq uint32, peers []Peer, msg []byte, fetch ResultFetcher, delay *DelayQueue) (*BroadcastTransaction, error) {
	t := &BroadcastTransaction{
		seq:       seq,
		fetch:     fetch,
		promise:   NewPromise[Result](),
		remaining: make(map[uint16]struct{}, len(peers)),
	}
	for _, p := range peers {
		t.remaining[p.Rank] = struct{}{}
	}
	for _, p := range peers {
		if err := sendOrDelay(p, msg, delay); err != nil {
			return nil, err
		}
	}
	if len(peers) == 0 {
		t.promise.Resolve(Result{Positive: true})
	}
	return t, nil
}

func (t *BroadcastTransaction) SequenceNumber() uint32 { return t.seq }

func (t *BroadcastTransaction) Promise() *Promise[Result] { return t.promise }

func (t *BroadcastTransaction) ReceivedResponse(rank uint16, msg []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.promise.Resolved() {
		return
	}
	if _, ok := t.remaining[rank]; !ok {
		return // unexpected or duplicate responder, ignore
	}
	delete(t.remaining, rank)
	t.value, t.positive = t.fetch(rank, msg, t.value, t.positive)
	if len(t.remaining) == 0 {
		t.promise.Resolve(Result{Value: t.value, Positive: t.positive})
	}
}

// EachcastTransaction sends a distinct message to each peer (e.g. each
// peer's own encrypted secret share) and awaits one response from each.
// Grounded on Transaction.py's EachcastTransaction.
type EachcastTransaction struct {
	*BroadcastTransaction
}

// NewEachcastTransaction sends msgs[i] to peers[i] for each i and returns a
// transaction that resolves once every peer has responded. len(msgs) must
// equal len(peers).
func NewEachcastTransaction(seq uint32, peers []Peer, msgs [][]byte, fetch ResultFetcher, delay *DelayQueue) (*EachcastTransaction, error) {
	if len(peers) != len(msgs) {
		return nil, ErrMessageCountMismatch
	}
	t := &BroadcastTransaction{
		seq:       seq,
		fetch:     fetch,
		promise:   NewPromise[Result](),
		remaining: make(map[uint16]struct{}, len(peers)),
	}
	for _, p := range peers {
		t.remaining[p.Rank] = struct{}{}
	}
	for i, p := range peers {
		if err := sendOrDelay(p, msgs[i], delay); err != nil {
			return nil, err
		}
	}
	if len(peers) == 0 {
		t.promise.Resolve(Result{Positive: true})
	}
	return &EachcastTransaction{BroadcastTransaction: t}, nil
}
