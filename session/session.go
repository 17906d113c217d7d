// Package session implements the per-mixnet reactor (§5): the single
// owner of one mixnet run's mutable state, the error-promise channel of
// §7/§9, and the routing of every inbound wire message to the live
// smpc.Value, transport.Transaction, or shuffle.Round instance it belongs
// to.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coinparty/mixpeer/chaincfg"
	"github.com/coinparty/mixpeer/escrow"
	"github.com/coinparty/mixpeer/internal/clog"
	"github.com/coinparty/mixpeer/shuffle"
	"github.com/coinparty/mixpeer/smpc"
	"github.com/coinparty/mixpeer/transport"
	"github.com/coinparty/mixpeer/wire"
)

var log = clog.NewSubsystem("SESS")

var errUserFacingDisabled = errors.New("session: no user-facing endpoint configured")

// Session is one mixnet run's single-owner reactor: every mutable data
// structure below is confined to callers that already hold mu, matching
// §5's single-owner-per-session discipline (the Go stand-in for "exactly
// one logical task per network connection plus timers").
type Session struct {
	rank   uint16
	n, t   int
	params *chaincfg.Params

	identity *Identity
	peers    []transport.Peer

	values     *smpc.Store
	txStore    *transport.Store
	delay      *transport.DelayQueue
	inputPeers *escrow.State

	mu          sync.Mutex
	escrows     []*escrow.Escrow
	activeRound *shuffle.Round

	// ErrCh is this session's one-shot error promise (§7/§9): any
	// component signals a session-fatal condition by sending on it
	// (non-blocking, buffered 1) and the top-level handler tears this
	// session down without affecting any other session or the peer
	// transport itself.
	ErrCh chan error
}

// New builds a session reactor for one mixnet, given the committee roster
// already resolved into live transport.Peer entries (see Dial/NetLink).
func New(rank uint16, n, t int, params *chaincfg.Params, identity *Identity, peers []transport.Peer) (*Session, error) {
	txStore, err := transport.NewStore()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &Session{
		rank:       rank,
		n:          n,
		t:          t,
		params:     params,
		identity:   identity,
		peers:      peers,
		values:     smpc.NewStore(),
		txStore:    txStore,
		delay:      transport.NewDelayQueue(),
		inputPeers: escrow.NewState(),
		ErrCh:      make(chan error, 1),
	}, nil
}

// fail signals this session's error promise with err, dropping err if the
// promise has already fired -- a promise fires at most once (§5).
func (s *Session) fail(err error) {
	select {
	case s.ErrCh <- err:
	default:
	}
}

// The methods below satisfy smpc.Network.
func (s *Session) Rank() uint16                 { return s.rank }
func (s *Session) N() int                       { return s.n }
func (s *Session) T() int                       { return s.t }
func (s *Session) Signer() wire.Signer          { return s.identity }
func (s *Session) SelfVerifier() wire.Verifier  { return &PeerVerifier{pub: s.identity.Pub} }
func (s *Session) Peers() []transport.Peer      { return s.peers }
func (s *Session) Store() *transport.Store      { return s.txStore }
func (s *Session) Delay() *transport.DelayQueue { return s.delay }

// InputPeers exposes the frozen-or-filling input peer roster for the
// commitment poller and the shuffle round.
func (s *Session) InputPeers() *escrow.State { return s.inputPeers }

// Values exposes the SharedValue store every escrow/signer/shuffle
// operation this session drives registers its Values into.
func (s *Session) Values() *smpc.Store { return s.values }

// GenerateEscrows runs the full DKG pipeline for count escrow addresses
// and stores the result, fatal-ing the session on error per §7's
// "Configuration"/"Threshold breach" taxonomy (a failed escrow batch
// leaves the session with nothing useful to do).
func (s *Session) GenerateEscrows(ctx context.Context, count int, opts ...smpc.DKGOption) ([]*escrow.Escrow, error) {
	escrows, err := escrow.GenerateAll(ctx, s, s.values, count, s.params, opts...)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	s.mu.Lock()
	s.escrows = escrows
	s.mu.Unlock()
	return escrows, nil
}

// Escrows returns the escrow batch this session generated, if any.
func (s *Session) Escrows() []*escrow.Escrow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escrows
}

// SetActiveRound records round as this session's live shuffle round, so
// Dispatch has somewhere to route incoming ADDR broadcasts. RunMixingRound
// calls this right after constructing its shuffle.Round and before Start,
// since other ranks' ADDR traffic can arrive as soon as rank 0 peels the
// first layer.
func (s *Session) SetActiveRound(round *shuffle.Round) {
	s.mu.Lock()
	s.activeRound = round
	s.mu.Unlock()
}

// ActiveRound returns this session's live shuffle round, or nil if none has
// started yet.
func (s *Session) ActiveRound() *shuffle.Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRound
}

// Dispatch routes one already-verified inbound message to whatever it
// belongs to: a registered smpc.Value (MPCS/MPCP), a pending broadcast
// transaction (RBRC/CBRC), a DKG complaint handler (COMP/CMPR/NCMP), or
// the active shuffle round (ADDR). HELO and ACKN frames have no handler
// and are dropped.
// lookup resolves a not-yet-delivered message's target by polling with a
// bounded retry budget rather than a true buffer-and-replay queue --
// session.Dispatch's reductions of §5's "lazy creation... parked until its
// initiator attaches a callback" guidance, grounded on (and identical in
// shape to) the harness test files' own lookupValue/receive pattern in
// escrow, shuffle, and signer.
func (s *Session) Dispatch(from uint16, raw []byte) {
	verifier := s.verifierFor(from)
	if verifier == nil {
		log.Warnf("message from unknown rank %d dropped", from)
		return
	}
	if !wire.VerifySignature(raw, verifier) {
		log.Warnf("protocol violation: bad signature from rank %d, frame dropped", from)
		return
	}

	switch wire.GetMessageType(raw) {
	case wire.MPCS:
		m, err := wire.DecodeMPCS(raw)
		if err != nil {
			log.Warnf("malformed MPCS from rank %d: %v", from, err)
			return
		}
		s.routeShare(from, m.ID, m.Index, m.Share)
	case wire.MPCP:
		m, err := wire.DecodeMPCP(raw)
		if err != nil {
			log.Warnf("malformed MPCP from rank %d: %v", from, err)
			return
		}
		s.routePublic(from, m.ID, m.Index, m.Value)
	case wire.COMP:
		m, err := wire.DecodeComp(raw)
		if err != nil {
			log.Warnf("malformed COMP from rank %d: %v", from, err)
			return
		}
		s.routeDKG(from, m.ID, m.Index, func(dkg *smpc.DKGValue) { dkg.ReceivedComp(from, raw) })
	case wire.CMPR:
		m, err := wire.DecodeCmpr(raw)
		if err != nil {
			log.Warnf("malformed CMPR from rank %d: %v", from, err)
			return
		}
		s.routeDKG(from, m.ID, m.Index, func(dkg *smpc.DKGValue) { dkg.ReceivedCmpr(from, raw) })
	case wire.NCMP:
		m, err := wire.DecodeNcmp(raw)
		if err != nil {
			log.Warnf("malformed NCMP from rank %d: %v", from, err)
			return
		}
		s.routeDKG(from, m.ID, m.Index, func(dkg *smpc.DKGValue) { dkg.ReceivedNcmp(from, raw) })
	case wire.ADDR:
		m, err := wire.DecodeAddr(raw)
		if err != nil {
			log.Warnf("malformed ADDR from rank %d: %v", from, err)
			return
		}
		s.routeAddr(from, m.Outputs)
	case wire.RBRC:
		hdr, err := wire.DecodeHeader(raw)
		if err != nil {
			log.Warnf("malformed broadcast header from rank %d: %v", from, err)
			return
		}
		if err := s.txStore.Dispatch(from, hdr.Seq, raw); err != nil {
			log.Debugf("broadcast seq %d from rank %d has no pending transaction yet: %v", hdr.Seq, from, err)
		}
	case wire.CBRC:
		s.dispatchCBRC(from, raw)
	default:
		log.Debugf("no session-level handler for %s from rank %d", wire.GetMessageType(raw), from)
	}
}

// dispatchCBRC routes an incoming consistent-broadcast frame to its open
// transaction, or -- if this is the opening SEND of a broadcast no local
// call has registered yet -- synthesizes a receiver for it, exactly as
// smpc's own test harness's fakeNode.receiveCBRC does for the DKG
// commitment broadcasts every dealer starts without any prior coordination
// with its recipients (§4.B).
func (s *Session) dispatchCBRC(from uint16, raw []byte) {
	hdr, err := wire.DecodeHeader(raw)
	if err != nil {
		log.Warnf("malformed broadcast header from rank %d: %v", from, err)
		return
	}
	if err := s.txStore.Dispatch(from, hdr.Seq, raw); err == nil {
		return
	}

	cbrc, err := wire.DecodeCBRC(raw)
	if err != nil || cbrc.Step != wire.StepSend {
		log.Debugf("cbrc seq %d from rank %d has no pending transaction yet", hdr.Seq, from)
		return
	}
	alg, id, index, err := smpc.DecodeCommitmentRoute(cbrc.Inner)
	if err != nil {
		log.Warnf("cbrc seq %d from rank %d: undecodable commitment route: %v", hdr.Seq, from, err)
		return
	}

	receiver := transport.NewConsistentBroadcastReceiver(hdr.Seq, s.rank, s.n, s.t, s.peers, s.identity, s.SelfVerifier(), s.delay)
	s.txStore.Add(receiver, receiver.Promise().Done())
	dealer := from
	go func() {
		payload, err := receiver.Promise().Wait(context.Background())
		if err != nil {
			return
		}
		s.routeDKG(dealer, id, index, func(dkg *smpc.DKGValue) { dkg.ReceivedCommitment(dealer, payload) })
	}()
	log.Debugf("synthesized cbrc receiver for seq %d (%s %s#%d) dealt by rank %d", hdr.Seq, alg, id, index, dealer)
	receiver.ReceivedResponse(from, raw)
}

// routeDKG looks up the DKGValue registered under (id, index) and hands it
// to apply, dropping the frame if no such value is registered or it isn't
// a DKGValue.
func (s *Session) routeDKG(from uint16, id string, index uint32, apply func(*smpc.DKGValue)) {
	v := lookupValue(s.values, id, index)
	if v == nil {
		log.Warnf("value for unregistered DKG %s#%d from rank %d dropped", id, index, from)
		return
	}
	dkg, ok := v.(*smpc.DKGValue)
	if !ok {
		log.Warnf("value %s#%d is not a DKGValue", id, index)
		return
	}
	apply(dkg)
}

// routeAddr hands an incoming ADDR broadcast to this session's active
// shuffle round, if one has started.
func (s *Session) routeAddr(from uint16, outputs [][]byte) {
	round := s.ActiveRound()
	if round == nil {
		log.Debugf("ADDR from rank %d dropped: no active shuffle round", from)
		return
	}
	go func() {
		if err := round.ReceivedAddr(context.Background(), int(from), outputs); err != nil {
			log.Warnf("shuffle: %v", err)
		}
	}()
}

// verifierFor returns the configured Verifier for rank, or nil if rank is
// not a known committee member of this session.
func (s *Session) verifierFor(rank uint16) wire.Verifier {
	for _, p := range s.peers {
		if p.Rank == rank {
			return p.Verifier
		}
	}
	return nil
}

func (s *Session) routeShare(from uint16, id string, index uint32, payload []byte) {
	v := lookupValue(s.values, id, index)
	if v == nil {
		log.Warnf("share for unregistered value %s#%d from rank %d dropped", id, index, from)
		return
	}
	switch val := v.(type) {
	case *smpc.DKGValue:
		val.ReceivedShare(from, payload)
	case *smpc.MulValue:
		val.ReceivedSubshare(from, payload)
	default:
		log.Warnf("value %s#%d does not accept shares", id, index)
	}
}

func (s *Session) routePublic(from uint16, id string, index uint32, payload []byte) {
	v := lookupValue(s.values, id, index)
	if v == nil {
		log.Warnf("public value for unregistered value %s#%d from rank %d dropped", id, index, from)
		return
	}
	if rec, ok := v.(*smpc.RecValue); ok {
		rec.ReceivedShare(from, payload)
		return
	}
	log.Warnf("value %s#%d does not accept public-value shares", id, index)
}
