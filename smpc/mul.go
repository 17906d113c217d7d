package smpc

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/coinparty/mixpeer/field"
	"github.com/coinparty/mixpeer/transport"
	"github.com/coinparty/mixpeer/wire"
)

// MulValue computes the secret share of left*right given shares of left and
// right. Multiplying two degree-t Shamir shares locally yields a point on a
// degree-2t polynomial, which this peer's own share alone cannot safely
// reveal (it would leak information about both operands); instead each peer
// re-shares its local product at degree t and every peer recombines the
// re-shares back down. FIXME (mirrors MultiplicationSmpcValue.py's own
// header comment): this degree-reduction step is not hardened against an
// actively malicious 1/3 of the committee -- a corrupted peer can submit an
// inconsistent re-share and this code will not detect it.
type MulValue struct {
	baseValue
	net Network

	left, right Value

	mu      sync.Mutex
	subshare []*big.Int // index by rank: my re-share destined for that rank
	received map[uint16]*big.Int
}

// NewMulValue starts computing left*right in the background.
func NewMulValue(net Network, id string, index uint32, order *big.Int, left, right Value) *MulValue {
	m := &MulValue{
		baseValue: newBaseValue(id, index, net.N(), net.T(), order),
		net:       net,
		left:      left,
		right:     right,
		received:  make(map[uint16]*big.Int, net.N()),
	}
	go m.run(context.Background())
	return m
}

func (m *MulValue) run(ctx context.Context) {
	l, err := m.left.SecretShare(ctx)
	if err != nil {
		return
	}
	r, err := m.right.SecretShare(ctx)
	if err != nil {
		return
	}
	product := new(big.Int).Mul(l, r)
	product.Mod(product, m.order)

	shares, _, err := field.Split(product, m.n, m.t, m.order)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.subshare = make([]*big.Int, m.n)
	for i, s := range shares {
		m.subshare[i] = s.Value
	}
	m.mu.Unlock()

	if err := m.sendSubshares(); err != nil {
		return
	}
	m.receivedSubshare(m.net.Rank(), m.subshare[m.net.Rank()])

	if !m.waitUntilReady(ctx) {
		return
	}
	m.recombine()
}

func (m *MulValue) sendSubshares() error {
	peers := m.net.Peers()
	msgs := make([][]byte, len(peers))
	for i, p := range peers {
		share := field.NewScalar(m.subshare[p.Rank]).Bytes()
		msg, err := wire.EncodeMPCS(m.net.Rank(), m.net.Store().NextSequenceNumber(), m.net.Signer(), wire.MPCS{
			SMPCHeader: wire.SMPCHeader{Algorithm: wire.AlgMul, ID: m.id, Index: m.index},
			Share:      share[:],
		})
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	_, err := transport.NewEachcastTransaction(m.net.Store().NextSequenceNumber(), peers, msgs, ackFetcher, m.net.Delay())
	return err
}

// ReceivedSubshare feeds an incoming MPCS re-share from rank into the
// recombination step.
func (m *MulValue) ReceivedSubshare(rank uint16, payload []byte) {
	if len(payload) != 32 {
		return
	}
	m.receivedSubshare(rank, new(big.Int).SetBytes(payload))
}

func (m *MulValue) receivedSubshare(rank uint16, share *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.received[rank]; ok {
		return
	}
	m.received[rank] = share
}

func (m *MulValue) waitUntilReady(ctx context.Context) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		ready := len(m.received) == m.n
		m.mu.Unlock()
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

// recombine reconstructs the degree-2t product polynomial at x=0. The local
// product of two degree-t shares lands on a degree-2t polynomial (not
// degree-t), so recombination needs all n = 2t+1 re-shares and degree-2t
// Lagrange weights -- recombining at t would only reconstruct the correct
// product when the two operands' leading-degree terms happen to cancel.
// field.RecombineFast truncates its input to the first t+1 shares it sees,
// so shares is sorted by rank first: map iteration order is randomized and
// would otherwise make the kept subset nondeterministic.
func (m *MulValue) recombine() {
	m.mu.Lock()
	shares := make([]field.Share, 0, len(m.received))
	for rank, v := range m.received {
		shares = append(shares, field.Share{Index: uint8(rank + 1), Value: v})
	}
	m.mu.Unlock()

	sort.Slice(shares, func(i, j int) bool { return shares[i].Index < shares[j].Index })

	secret, err := field.RecombineFast(shares, 2*m.t, big.NewInt(0), m.order)
	if err != nil {
		return
	}
	m.resolve(secret)
}
