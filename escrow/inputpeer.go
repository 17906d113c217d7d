package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/coinparty/mixpeer/transport"
)

// PeerID identifies an input peer's escrow slot, id ∈ [0, E).
type PeerID uint32

// TxMetadata records the deposit transaction an input peer's escrow
// address received, once the commitment poller (§4.E) finds it.
type TxMetadata struct {
	Txid          string
	Vout          uint32
	ValueSatoshis int64
	Confirmations int
}

// InputPeer is one user slot owning a single escrow (§3 GLOSSARY).
type InputPeer struct {
	ID                  PeerID
	SessionID           string
	BitcoinAddress      string
	EscrowPubkey        []byte
	RefundAddress       string // recorded at registration for a future refund path (O1); unused on the happy path
	EncryptedOutputAddr []byte
	// HashShare is this committee member's own additive share, one scalar
	// per onion layer, of the input user's output-address hash checksum
	// chain (§4.A). It is delivered directly by the user over the
	// out-of-scope web boundary, not peer-to-peer, so no DKG is needed to
	// produce it -- only Rec to later reconstruct the per-layer sum.
	HashShare *transport.Promise[[]*big.Int]
	TX        TxMetadata
	Confirmed           bool
	Acks                map[uint16]bool // per-peer ACK vector, keyed by rank
}

// State tracks every input peer registered in one mixing session. The
// bookkeeping idiom -- typed ID, map[ID]*T, Generate/Get/Validate free
// functions against a shared state struct -- is adapted from
// settlement/channels/channel.go's ChannelState/ChannelID, repurposed from
// payment-channel bookkeeping to escrow/input-peer bookkeeping (CoinParty
// has no payment channels).
type State struct {
	mu        sync.Mutex
	peers     map[PeerID]*InputPeer
	byAddress map[string]PeerID
	frozen    bool
}

// NewState returns an empty input-peer bookkeeping state for one mixing
// session.
func NewState() *State {
	return &State{
		peers:     make(map[PeerID]*InputPeer),
		byAddress: make(map[string]PeerID),
	}
}

var (
	// ErrPeerExists is returned by RegisterPeer for an already-registered id.
	ErrPeerExists = errors.New("escrow: input peer already registered")
	// ErrPeerNotFound is returned when looking up an unknown PeerID.
	ErrPeerNotFound = errors.New("escrow: input peer not found")
	// ErrFrozen is returned by RegisterPeer once the peer set has been frozen.
	ErrFrozen = errors.New("escrow: input peer set is frozen")
)

// RegisterPeer assigns a newly generated escrow to input peer id. Fails
// once the peer set has been frozen (§4.E: "the set of assigned escrows
// becomes immutable").
func (s *State) RegisterPeer(id PeerID, sessionID string, escrow *Escrow, refundAddress string) (*InputPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return nil, ErrFrozen
	}
	if _, exists := s.peers[id]; exists {
		return nil, fmt.Errorf("%w: %d", ErrPeerExists, id)
	}
	peer := &InputPeer{
		ID:             id,
		SessionID:      sessionID,
		BitcoinAddress: escrow.BitcoinAddress,
		EscrowPubkey:   escrow.PublicKey,
		RefundAddress:  refundAddress,
		HashShare:      transport.NewPromise[[]*big.Int](),
		Acks:           make(map[uint16]bool),
	}
	s.peers[id] = peer
	s.byAddress[escrow.BitcoinAddress] = id
	return peer, nil
}

// FindByAddress looks up the input peer whose escrow received the given
// Bitcoin address, the way the commitment poller (§4.E) matches a
// discovered deposit transaction back to its owner.
func (s *State) FindByAddress(addr string) (*InputPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAddress[addr]
	if !ok {
		return nil, fmt.Errorf("%w: address %s", ErrPeerNotFound, addr)
	}
	return s.peers[id], nil
}

// Peers returns a snapshot of every registered input peer in no
// particular order. Callers needing the canonical shuffle order must use
// Freeze's return value instead.
func (s *State) Peers() []*InputPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*InputPeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// FoundTransaction records that addr's escrow received a deposit, before
// it has accrued any confirmations.
func (s *State) FoundTransaction(addr string, tx TxMetadata) (*InputPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAddress[addr]
	if !ok {
		return nil, fmt.Errorf("%w: address %s", ErrPeerNotFound, addr)
	}
	peer := s.peers[id]
	peer.TX = tx
	return peer, nil
}

// MarkConfirmedByTxid finds the input peer whose deposit is txid and
// marks it confirmed with the given confirmation count. The poller
// decides when the §4.E threshold (confirmations >= 6) is crossed; this
// just records the outcome once it has.
func (s *State) MarkConfirmedByTxid(txid string, confirmations int) (*InputPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p.TX.Txid == txid {
			p.TX.Confirmations = confirmations
			p.Confirmed = true
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: txid %s", ErrPeerNotFound, txid)
}

// Get retrieves the input peer registered under id.
func (s *State) Get(id PeerID) (*InputPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, exists := s.peers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrPeerNotFound, id)
	}
	return peer, nil
}

// Count returns the number of registered input peers.
func (s *State) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Frozen reports whether the input peer set has been frozen.
func (s *State) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Freeze marks the input peer set immutable, per §4.E's freeze trigger
// (peer count reaches max, or the commitment window elapses with peer
// count >= min). It returns the peers in the canonical, lexicographically
// sorted-by-address order every committee member must agree on for
// shuffling.
func (s *State) Freeze() []*InputPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
	return s.sortedLocked()
}

func (s *State) sortedLocked() []*InputPeer {
	out := make([]*InputPeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BitcoinAddress < out[j].BitcoinAddress })
	return out
}

// MarkConfirmed records that id's deposit reached the confirmation
// threshold (§4.E: confirmations >= 6).
func (s *State) MarkConfirmed(id PeerID, tx TxMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, exists := s.peers[id]
	if !exists {
		return fmt.Errorf("%w: %d", ErrPeerNotFound, id)
	}
	peer.TX = tx
	peer.Confirmed = true
	return nil
}

// AllConfirmed reports whether the frozen peer set's exit condition holds:
// every registered escrow has a confirmed deposit.
func (s *State) AllConfirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.frozen || len(s.peers) == 0 {
		return false
	}
	for _, p := range s.peers {
		if !p.Confirmed {
			return false
		}
	}
	return true
}

// Ack records that committee member `from` has acknowledged input peer
// id's registration or deposit, contributing to its per-peer ACK vector.
func (s *State) Ack(id PeerID, from uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, exists := s.peers[id]
	if !exists {
		return fmt.Errorf("%w: %d", ErrPeerNotFound, id)
	}
	peer.Acks[from] = true
	return nil
}
