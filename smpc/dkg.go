package smpc

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/coinparty/mixpeer/field"
	"github.com/coinparty/mixpeer/transport"
	"github.com/coinparty/mixpeer/wire"
)

// defaultComplaintWindow bounds how long DKG waits for complaints once every
// dealer's commitments have verified (or failed to), mirroring
// NewDkgSmpcValue.py's ActiveSmpcValue._timeout_duration. A caller can
// shorten this per-instance via WithComplaintWindow (tests do).
const defaultComplaintWindow = 60 * time.Second

// DKGOption configures a DKGValue at construction time.
type DKGOption func(*DKGValue)

// WithComplaintWindow overrides how long DKG waits for complaints after
// verification before finalizing, instead of defaultComplaintWindow.
func WithComplaintWindow(d time.Duration) DKGOption {
	return func(v *DKGValue) { v.complaintWindow = d }
}

type dkgState int

const (
	dkgInit dkgState = iota
	dkgDistributing
	dkgVerifying
	dkgComplaining
	dkgFinalizing
	dkgResolved
	dkgFailed
)

// DKGValue runs CoinParty's joint distributed key generation: every peer
// acts as its own dealer, Shamir-sharing a freshly chosen random secret to
// every other peer and broadcasting a verifiable commitment to its sharing
// polynomial, and the joint secret is the (additively homomorphic) sum of
// every qualified dealer's contribution. Grounded on NewDkgSmpcValue.py.
//
// When h is non-nil this runs the Pedersen variant: each dealer's
// commitment hides its polynomial behind a second, independently chosen
// generator, so the joint secret stays information-theoretically hidden
// even from other peers (used for the random nonce in threshold signing).
// When h is nil this runs plain Feldman VSS (AlgJFDKG): commitments are
// publicly verifiable against G alone, appropriate when the joint secret's
// public counterpart (the escrow address's public key) must become known.
type DKGValue struct {
	baseValue
	net         Network
	h           *field.Point
	publicValue *transport.Promise[field.Point] // resolved only when h == nil

	complaintWindow time.Duration

	mu    sync.Mutex
	state dkgState

	myShare1, myShare2 []*big.Int // per-recipient-rank shares of my own dealt secret
	myCommit           []field.Point

	dealtShare1, dealtShare2 map[uint16]*big.Int      // dealer rank -> share I received from it
	commitments              map[uint16][]field.Point // dealer rank -> its published commitment vector
	complainers              map[uint16]map[uint16]bool // blamed rank -> set of ranks that have blamed it
	cleared                  map[uint16]bool            // blamed rank -> a valid CMPR reaction refuted every complaint against it
	disqualified             map[uint16]bool

	// ncmpAck tracks which ranks have signaled they're done with the
	// complaint phase (either by broadcasting NCMP with nothing to
	// complain about, or by broadcasting at least one COMP): once every
	// rank has been heard from, run can finalize without waiting out the
	// rest of complaintWindow. Closed exactly once, by recordAck.
	ncmpAck            map[uint16]bool
	complaintsDone     chan struct{}
	complaintsDoneOnce sync.Once
}

// NewDKGValue constructs a DKG run. Call Start to begin dealing shares; net
// must already know every peer's rank, link and verifier.
func NewDKGValue(net Network, id string, index uint32, order *big.Int, h *field.Point, opts ...DKGOption) *DKGValue {
	n, t := net.N(), net.T()
	d := &DKGValue{
		baseValue:       newBaseValue(id, index, n, t, order),
		net:             net,
		h:               h,
		complaintWindow: defaultComplaintWindow,
		dealtShare1:     make(map[uint16]*big.Int, n),
		dealtShare2:     make(map[uint16]*big.Int, n),
		commitments:     make(map[uint16][]field.Point, n),
		complainers:     make(map[uint16]map[uint16]bool),
		cleared:         make(map[uint16]bool),
		disqualified:    make(map[uint16]bool),
		ncmpAck:         make(map[uint16]bool, n),
		complaintsDone:  make(chan struct{}),
	}
	if h == nil {
		d.publicValue = transport.NewPromise[field.Point]()
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PublicValue returns the joint public key G*secret, available only for a
// plain-Feldman (AlgJFDKG) run -- a Pedersen run (h != nil) never reveals one.
func (d *DKGValue) PublicValue(ctx context.Context) (field.Point, error) {
	if d.publicValue == nil {
		return field.Point{}, errNoPublicValue
	}
	return d.publicValue.Wait(ctx)
}

// Start deals this peer's own secret to every other peer and broadcasts the
// commitment to its sharing polynomial(s), then waits in the background for
// the rest of the mixnet before resolving the secret (and, in Feldman mode,
// public) share.
func (d *DKGValue) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != dkgInit {
		d.mu.Unlock()
		return nil
	}
	d.state = dkgDistributing
	d.mu.Unlock()

	secret, err := field.ScalarRand()
	if err != nil {
		return err
	}
	shares1, coeffs1, err := field.Split(secret.Int(), d.n, d.t, d.order)
	if err != nil {
		return err
	}
	var shares2 []field.Share
	var coeffs2 []*big.Int
	if d.h != nil {
		blind, err := field.ScalarRand()
		if err != nil {
			return err
		}
		shares2, coeffs2, err = field.Split(blind.Int(), d.n, d.t, d.order)
		if err != nil {
			return err
		}
	}

	d.myShare1 = make([]*big.Int, d.n)
	d.myShare2 = make([]*big.Int, d.n)
	d.myCommit = make([]field.Point, d.t+1)
	for k := 0; k <= d.t; k++ {
		commit := field.ScalarBaseMul(field.NewScalar(coeffs1[k]))
		if d.h != nil {
			commit = field.PointAdd(commit, field.PointScalarMul(field.NewScalar(coeffs2[k]), *d.h))
		}
		d.myCommit[k] = commit
	}
	for i := 0; i < d.n; i++ {
		d.myShare1[i] = shares1[i].Value
		if d.h != nil {
			d.myShare2[i] = shares2[i].Value
		}
	}

	if err := d.sendShares(); err != nil {
		return err
	}
	if err := d.sendCommitment(); err != nil {
		return err
	}
	d.receivedShare(d.net.Rank(), d.myShare1[d.net.Rank()], valueOrNil(d.myShare2, d.net.Rank(), d.h != nil))
	d.receivedCommitment(d.net.Rank(), d.myCommit)

	go d.run(ctx)
	return nil
}

func valueOrNil(shares []*big.Int, i uint16, keep bool) *big.Int {
	if !keep {
		return nil
	}
	return shares[i]
}

func (d *DKGValue) sendShares() error {
	peers := d.net.Peers()
	msgs := make([][]byte, len(peers))
	for i, p := range peers {
		share2 := big.NewInt(0)
		if d.h != nil {
			share2 = d.myShare2[p.Rank]
		}
		payload := encodeSharePair(d.myShare1[p.Rank], share2)
		msg, err := wire.EncodeMPCS(d.net.Rank(), d.net.Store().NextSequenceNumber(), d.net.Signer(), wire.MPCS{
			SMPCHeader: wire.SMPCHeader{Algorithm: d.algorithm(), ID: d.id, Index: d.index},
			Share:      payload,
		})
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	_, err := transport.NewEachcastTransaction(d.net.Store().NextSequenceNumber(), peers, msgs, ackFetcher, d.net.Delay())
	return err
}

func (d *DKGValue) sendCommitment() error {
	points, err := field.SerializePoints(d.myCommit)
	if err != nil {
		return err
	}
	payload := encodeCommitmentHeader(d.algorithm(), d.id, d.index, points)
	seq := d.net.Store().NextSequenceNumber()
	sender := transport.NewConsistentBroadcastSender(seq, d.net.Rank(), d.n, d.t, d.net.Peers(), d.net.Signer(), d.net.SelfVerifier(), d.net.Delay(), payload)
	d.net.Store().Add(sender, sender.Promise().Done())
	return sender.Start()
}

// encodeCommitmentHeader prefixes a commitment broadcast with enough to
// route it to the right DKGValue: a consistent broadcast's sequence number
// is chosen independently by each node's own Store, so two dealers running
// different DKG instances (d, k, e all broadcast concurrently within one
// escrow, §4.D) can pick the same sequence number by chance, leaving a
// receiver unable to tell the broadcasts apart without looking inside the
// payload. Same (algorithm, id, index) identification MPCS/MPCP already
// carry, reapplied here with its own tiny encoding since CBRC's inner
// payload has no fixed leading envelope to anchor SMPCHeader's
// offset-from-HeaderLength decoding against.
func encodeCommitmentHeader(alg wire.Algorithm, id string, index uint32, points []byte) []byte {
	out := make([]byte, 0, 6+len(id)+len(points))
	out = append(out, byte(alg))
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, index)
	out = append(out, idx...)
	out = append(out, byte(len(id)))
	out = append(out, []byte(id)...)
	out = append(out, points...)
	return out
}

func decodeCommitmentHeader(payload []byte) (wire.Algorithm, string, uint32, []byte, error) {
	if len(payload) < 6 {
		return 0, "", 0, nil, errMalformedShare
	}
	alg := wire.Algorithm(payload[0])
	index := binary.BigEndian.Uint32(payload[1:5])
	idlen := int(payload[5])
	if len(payload)-6 < idlen {
		return 0, "", 0, nil, errMalformedShare
	}
	id := string(payload[6 : 6+idlen])
	rest := payload[6+idlen:]
	return alg, id, index, rest, nil
}

// DecodeCommitmentRoute parses just the routing header of a DKG commitment
// broadcast payload (algorithm, id, index), letting a router find the
// right DKGValue via a Store lookup before handing the full payload to its
// ReceivedCommitment.
func DecodeCommitmentRoute(payload []byte) (wire.Algorithm, string, uint32, error) {
	alg, id, index, _, err := decodeCommitmentHeader(payload)
	return alg, id, index, err
}

func (d *DKGValue) algorithm() wire.Algorithm {
	if d.h != nil {
		return wire.AlgDKG
	}
	return wire.AlgJFDKG
}

// ReceivedShare feeds an incoming MPCS share from dealer into the protocol.
func (d *DKGValue) ReceivedShare(dealer uint16, payload []byte) {
	s1, s2, err := decodeSharePair(payload)
	if err != nil {
		return
	}
	d.receivedShare(dealer, s1, s2)
}

func (d *DKGValue) receivedShare(dealer uint16, s1, s2 *big.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dealtShare1[dealer]; ok {
		return
	}
	d.dealtShare1[dealer] = s1
	if d.h != nil {
		d.dealtShare2[dealer] = s2
	}
}

// ReceivedCommitment feeds an incoming commitment broadcast from dealer,
// once a router has used DecodeCommitmentRoute to confirm payload belongs
// to this DKGValue's (algorithm, id, index).
func (d *DKGValue) ReceivedCommitment(dealer uint16, payload []byte) {
	_, _, _, pointBytes, err := decodeCommitmentHeader(payload)
	if err != nil {
		return
	}
	points, err := field.DeserializePoints(pointBytes)
	if err != nil {
		return
	}
	d.receivedCommitment(dealer, points)
}

func (d *DKGValue) receivedCommitment(dealer uint16, points []field.Point) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.commitments[dealer]; ok {
		return
	}
	d.commitments[dealer] = points
}

// ReceivedComp feeds an incoming COMP broadcast into this dealer's
// complaint tally and, if this peer is the one being blamed, reacts with a
// CMPR revealing the exact share it dealt the complainant so every other
// peer can judge the complaint for itself (B2).
func (d *DKGValue) ReceivedComp(blamer uint16, payload []byte) {
	c, err := wire.DecodeComp(payload)
	if err != nil {
		return
	}
	d.recordComplaint(blamer, c.BlamedPeer)
	d.recordAck(blamer)
	if c.BlamedPeer == d.net.Rank() {
		d.reactToComplaint(blamer)
	}
}

// ReceivedCmpr feeds an incoming CMPR reaction into this peer's own
// judgment of whether the complaint it justifies was warranted: if the
// revealed share matches dealer's commitment at blamer's index, dealer is
// cleared of every outstanding complaint against it, regardless of how
// many peers had joined the complaint.
func (d *DKGValue) ReceivedCmpr(dealer uint16, payload []byte) {
	c, err := wire.DecodeCmpr(payload)
	if err != nil {
		return
	}
	s1, s2, err := decodeSharePair(c.Justification)
	if err != nil {
		return
	}
	d.judgeReaction(dealer, c.BlamingPeer, s1, s2)
}

// ReceivedNcmp records that rank has nothing to complain about, one of the
// two ways (§9) a rank signals it's done with the complaint phase.
func (d *DKGValue) ReceivedNcmp(rank uint16, payload []byte) {
	if _, err := wire.DecodeNcmp(payload); err != nil {
		return
	}
	d.recordAck(rank)
}

func (d *DKGValue) recordComplaint(blamer, blamed uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.complainers[blamed] == nil {
		d.complainers[blamed] = make(map[uint16]bool)
	}
	d.complainers[blamed][blamer] = true
}

// recordAck marks rank as done with the complaint phase and, once every
// rank has been heard from, closes complaintsDone so run's wait in the
// complaint window can return early instead of idling out the rest of
// complaintWindow.
func (d *DKGValue) recordAck(rank uint16) {
	d.mu.Lock()
	d.ncmpAck[rank] = true
	ready := len(d.ncmpAck) == d.n
	d.mu.Unlock()
	if ready {
		d.complaintsDoneOnce.Do(func() { close(d.complaintsDone) })
	}
}

// reactToComplaint broadcasts the CMPR justifying (or failing to justify)
// the share this peer dealt to blamer, and judges its own reaction exactly
// as every other peer will -- a CMPR broadcast never delivers a copy back
// to its own sender over the network (the same asymmetry shuffle.broadcast
// works around).
func (d *DKGValue) reactToComplaint(blamer uint16) {
	d.mu.Lock()
	s1 := d.myShare1[blamer]
	s2 := big.NewInt(0)
	if d.h != nil {
		s2 = d.myShare2[blamer]
	}
	d.mu.Unlock()

	msg, err := wire.EncodeCmpr(d.net.Rank(), d.net.Store().NextSequenceNumber(), d.net.Signer(), wire.Cmpr{
		SMPCHeader:    wire.SMPCHeader{Algorithm: d.algorithm(), ID: d.id, Index: d.index},
		BlamingPeer:   blamer,
		Justification: encodeSharePair(s1, s2),
	})
	if err != nil {
		return
	}
	_, _ = transport.NewBroadcastTransaction(d.net.Store().NextSequenceNumber(), d.net.Peers(), msg, ackFetcher, d.net.Delay())
	d.judgeReaction(d.net.Rank(), blamer, s1, s2)
}

// judgeReaction checks a dealer's CMPR justification against its own
// published commitment at blamer's index and, if it verifies, clears the
// dealer of every complaint against it.
func (d *DKGValue) judgeReaction(dealer, blamer uint16, s1, s2 *big.Int) {
	d.mu.Lock()
	commit, ok := d.commitments[dealer]
	d.mu.Unlock()
	if !ok {
		return
	}
	x := big.NewInt(int64(blamer) + 1)
	if len(commit) != d.t+1 || !d.verifyCommitment(commit, x, s1, s2) {
		return
	}
	d.mu.Lock()
	d.cleared[dealer] = true
	d.mu.Unlock()
}

// broadcastComp announces a complaint against blamed to the rest of the
// mixnet; ReceivedComp applied locally would just duplicate recordComplaint
// and recordAck, already done by verify's own loop.
func (d *DKGValue) broadcastComp(blamed uint16) error {
	msg, err := wire.EncodeComp(d.net.Rank(), d.net.Store().NextSequenceNumber(), d.net.Signer(), wire.Comp{
		SMPCHeader: wire.SMPCHeader{Algorithm: d.algorithm(), ID: d.id, Index: d.index},
		BlamedPeer: blamed,
	})
	if err != nil {
		return err
	}
	_, err = transport.NewBroadcastTransaction(d.net.Store().NextSequenceNumber(), d.net.Peers(), msg, ackFetcher, d.net.Delay())
	return err
}

// broadcastNcmp announces that this peer has nothing to complain about,
// letting the rest of the mixnet count it toward the NCMP shortcut (§9).
func (d *DKGValue) broadcastNcmp() error {
	msg, err := wire.EncodeNcmp(d.net.Rank(), d.net.Store().NextSequenceNumber(), d.net.Signer(), wire.Ncmp{
		SMPCHeader: wire.SMPCHeader{Algorithm: d.algorithm(), ID: d.id, Index: d.index},
	})
	if err != nil {
		return err
	}
	_, err = transport.NewBroadcastTransaction(d.net.Store().NextSequenceNumber(), d.net.Peers(), msg, ackFetcher, d.net.Delay())
	return err
}

func (d *DKGValue) run(ctx context.Context) {
	if !d.waitUntilReady(ctx) {
		d.fail()
		return
	}
	d.verify()

	complaintCtx, cancel := context.WithTimeout(ctx, d.complaintWindow)
	select {
	case <-complaintCtx.Done():
	case <-d.complaintsDone:
	}
	cancel()

	d.finalize()
}

// waitUntilReady blocks until every peer's share and commitment have
// arrived, or ctx is done.
func (d *DKGValue) waitUntilReady(ctx context.Context) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		ready := len(d.dealtShare1) == d.n && len(d.commitments) == d.n
		d.mu.Unlock()
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

// verify checks every dealer's share against its published commitment and
// broadcasts a COMP against anyone who fails, so every peer -- not just
// this one -- learns of the complaint and the blamed dealer gets a chance
// to react. A dealer who passes for everyone gets an NCMP instead, letting
// the mixnet shortcut the complaint window once every rank has been heard
// from one way or the other.
func (d *DKGValue) verify() {
	d.mu.Lock()
	d.state = dkgVerifying
	myRank := d.net.Rank()
	x := big.NewInt(int64(myRank) + 1)
	var toBlame []uint16
	for dealer, commit := range d.commitments {
		ok := len(commit) == d.t+1 && d.verifyCommitment(commit, x, d.dealtShare1[dealer], d.dealtShare2[dealer])
		if !ok {
			toBlame = append(toBlame, dealer)
		}
	}
	d.state = dkgComplaining
	d.mu.Unlock()

	if len(toBlame) == 0 {
		_ = d.broadcastNcmp()
	}
	for _, dealer := range toBlame {
		d.recordComplaint(myRank, dealer)
		_ = d.broadcastComp(dealer)
	}
	d.recordAck(myRank)
}

func (d *DKGValue) verifyCommitment(commit []field.Point, x *big.Int, s1, s2 *big.Int) bool {
	if s1 == nil {
		return false
	}
	check1 := field.ScalarBaseMul(field.NewScalar(s1))
	if d.h != nil {
		if s2 == nil {
			return false
		}
		check1 = field.PointAdd(check1, field.PointScalarMul(field.NewScalar(s2), *d.h))
	}

	check2 := field.InfinityPoint()
	xk := big.NewInt(1)
	for k := 0; k <= d.t; k++ {
		check2 = field.PointAdd(check2, field.PointScalarMul(field.NewScalar(xk), commit[k]))
		xk = new(big.Int).Mul(xk, x)
	}
	return check1.Equal(check2)
}

// finalize disqualifies any dealer with more than t outstanding complaints
// and sums the remaining qualified dealers' contributions into this peer's
// joint secret share (and, in Feldman mode, its public value).
func (d *DKGValue) finalize() {
	d.mu.Lock()
	d.state = dkgFinalizing
	for dealer, blamers := range d.complainers {
		if len(blamers) > d.t && !d.cleared[dealer] {
			d.disqualified[dealer] = true
		}
	}
	qualified := make([]uint16, 0, d.n)
	for r := uint16(0); r < uint16(d.n); r++ {
		if !d.disqualified[r] {
			qualified = append(qualified, r)
		}
	}
	if len(qualified) <= d.t {
		d.state = dkgFailed
		d.mu.Unlock()
		return
	}

	secret := big.NewInt(0)
	pub := field.InfinityPoint()
	for _, r := range qualified {
		s := d.dealtShare1[r]
		if s == nil {
			continue
		}
		secret.Add(secret, s)
		secret.Mod(secret, d.order)
		if d.h == nil {
			pub = field.PointAdd(pub, d.commitments[r][0])
		}
	}
	d.state = dkgResolved
	d.mu.Unlock()

	d.resolve(secret)
	if d.h == nil {
		d.publicValue.Resolve(pub)
	}
}

func (d *DKGValue) fail() {
	d.mu.Lock()
	d.state = dkgFailed
	d.mu.Unlock()
}

func encodeSharePair(s1, s2 *big.Int) []byte {
	b1 := field.NewScalar(s1).Bytes()
	b2 := field.NewScalar(s2).Bytes()
	out := make([]byte, 0, 64)
	out = append(out, b1[:]...)
	out = append(out, b2[:]...)
	return out
}

func decodeSharePair(payload []byte) (*big.Int, *big.Int, error) {
	if len(payload) != 64 {
		return nil, nil, errMalformedShare
	}
	s1 := new(big.Int).SetBytes(payload[:32])
	s2 := new(big.Int).SetBytes(payload[32:])
	return s1, s2, nil
}
