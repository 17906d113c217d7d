package smpc

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/coinparty/mixpeer/field"
	"github.com/coinparty/mixpeer/transport"
	"github.com/coinparty/mixpeer/wire"
)

// RecValue deliberately reveals an otherwise-secret value: every peer
// broadcasts its own share of the wrapped value and, once all n shares have
// arrived, recombines them robustly and publishes the result. It has no
// secret output of its own -- its SecretShare is the operand's, inherited
// unchanged -- only a PublicValue. Grounded on RecombinationSmpcValue.py.
type RecValue struct {
	baseValue
	net     Network
	operand Value

	public *transport.Promise[*big.Int]

	mu       sync.Mutex
	received map[uint16]*big.Int
}

// NewRecValue starts reconstructing operand's wrapped value in the
// background and publishing it for every peer to read.
func NewRecValue(net Network, id string, index uint32, order *big.Int, operand Value) *RecValue {
	r := &RecValue{
		baseValue: newBaseValue(id, index, net.N(), net.T(), order),
		net:       net,
		operand:   operand,
		public:    transport.NewPromise[*big.Int](),
		received:  make(map[uint16]*big.Int, net.N()),
	}
	go r.run(context.Background())
	return r
}

// PublicValue blocks until the value has been reconstructed from the n
// broadcast shares. Reconstruction starts only once all n shares have
// arrived and then tolerates up to t corrupted ones via Berlekamp-Welch
// decoding; there is no collection timeout, so a share that never arrives
// leaves PublicValue blocked until ctx is done.
func (r *RecValue) PublicValue(ctx context.Context) (*big.Int, error) {
	return r.public.Wait(ctx)
}

func (r *RecValue) run(ctx context.Context) {
	share, err := r.operand.SecretShare(ctx)
	if err != nil {
		return
	}
	r.resolve(share) // RecValue's own "secret" is just the wrapped share, unchanged

	if err := r.sendShare(share); err != nil {
		return
	}
	r.receivedShare(r.net.Rank(), share)

	if !r.waitUntilReady(ctx) {
		return
	}
	r.recombine()
}

// shareWireLen is the fixed encoded width of a share of a value mod r.order:
// ceil(bitlen(order)/8), wide enough for both the secp256k1 scalar field
// (32 bytes) and the wider 265-bit HashOrder used for hash-checksum
// reconstruction during shuffling (34 bytes).
func (r *RecValue) shareWireLen() int {
	return (r.order.BitLen() + 7) / 8
}

func (r *RecValue) sendShare(share *big.Int) error {
	peers := r.net.Peers()
	payload := make([]byte, r.shareWireLen())
	new(big.Int).Mod(share, r.order).FillBytes(payload)
	msg, err := wire.EncodeMPCP(r.net.Rank(), r.net.Store().NextSequenceNumber(), r.net.Signer(), wire.MPCP{
		SMPCHeader: wire.SMPCHeader{Algorithm: wire.AlgRec, ID: r.id, Index: r.index},
		Value:      payload,
	})
	if err != nil {
		return err
	}
	_, err = transport.NewBroadcastTransaction(r.net.Store().NextSequenceNumber(), peers, msg, ackFetcher, r.net.Delay())
	return err
}

// ReceivedShare feeds an incoming MPCP share broadcast from rank into
// reconstruction.
func (r *RecValue) ReceivedShare(rank uint16, payload []byte) {
	if len(payload) != r.shareWireLen() {
		return
	}
	r.receivedShare(rank, new(big.Int).SetBytes(payload))
}

func (r *RecValue) receivedShare(rank uint16, share *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.received[rank]; ok { // ignore late/duplicate shares, mirrors receivedPublicValue
		return
	}
	r.received[rank] = share
}

func (r *RecValue) waitUntilReady(ctx context.Context) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		ready := len(r.received) == r.n
		r.mu.Unlock()
		if ready {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (r *RecValue) recombine() {
	r.mu.Lock()
	shares := make([]field.Share, 0, len(r.received))
	for rank, v := range r.received {
		shares = append(shares, field.Share{Index: uint8(rank + 1), Value: v})
	}
	r.mu.Unlock()

	secret, err := field.RecombineRobust(shares, r.t, r.order)
	if err != nil {
		return
	}
	r.public.Resolve(secret)
}
