package smpc

import (
	"github.com/coinparty/mixpeer/transport"
	"github.com/coinparty/mixpeer/wire"
)

// Network is the subset of mixnet/session facilities an active Value needs
// to run its sub-protocol: this peer's own rank and signing key, the rest
// of the committee (with per-peer links and verifiers), and the
// transaction store new transactions register with. Grounded on the
// `state` object ActiveSmpcValue.py threads through every active value
// (state.mixnet, state.crypto, state.transactions).
type Network interface {
	Rank() uint16
	N() int
	T() int
	Signer() wire.Signer
	SelfVerifier() wire.Verifier
	Peers() []transport.Peer
	Store() *transport.Store
	Delay() *transport.DelayQueue
}
