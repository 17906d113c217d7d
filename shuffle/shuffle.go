// Package shuffle implements CoinParty's decryption-and-shuffle phase
// (§4.A): once every input peer's deposit is confirmed, the committee
// peels one AES-256-CBC onion layer per member off the registered output
// addresses, in rank order, reshuffling at every step and checking each
// intermediate broadcast against a publicly reconstructed hash-checksum
// chain before the next member may act. Grounded on
// original_source/communication/protocols/ShufflingProtocol.py.
package shuffle

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"sort"

	"github.com/coinparty/mixpeer/escrow"
	"github.com/coinparty/mixpeer/internal/clog"
	"github.com/coinparty/mixpeer/smpc"
	"github.com/coinparty/mixpeer/transport"
	"github.com/coinparty/mixpeer/wire"
)

var log = clog.NewSubsystem("SHUF")

// Round runs one mixing session's decryption-and-shuffle phase from this
// peer's point of view. One Round serves one mixing session's frozen input
// peer set.
type Round struct {
	net   smpc.Network
	store *smpc.Store
	peers []*escrow.InputPeer // escrow.State.Freeze's output; every peer must agree on this order

	// key is this peer's own AES-256-CBC onion-layer decryption key, as
	// given to NewRound (session.RunMixingRound passes
	// session.Identity.LayerKey).
	key [32]byte

	result *transport.Promise[[][]byte]

	// finalChecksum is the last layer's agreed checksum, set once in
	// finalize before result resolves -- the seed signer.BuildSchedule
	// derives every escrow's payout split/timing from (P6: deterministic
	// given the last checksum).
	finalChecksum string
}

// Checksum returns the final layer's checksum the round agreed on. Only
// meaningful after Result has returned successfully.
func (r *Round) Checksum() string {
	return r.finalChecksum
}

// NewRound prepares a shuffle round over peers, the canonical frozen input
// peer order every committee member computed identically from
// escrow.State.Freeze.
func NewRound(net smpc.Network, store *smpc.Store, peers []*escrow.InputPeer, key [32]byte) *Round {
	return &Round{
		net:    net,
		store:  store,
		peers:  peers,
		key:    key,
		result: transport.NewPromise[[][]byte](),
	}
}

// Result blocks until every layer has been peeled and every peer has
// converged on the same final output-address permutation.
func (r *Round) Result(ctx context.Context) ([][]byte, error) {
	return r.result.Wait(ctx)
}

// Start kicks off the round. Only rank 0 calls Start (§4.A: "mix peer 0
// peels the first layer"); every other peer reacts entirely through
// ReceivedAddr as broadcasts arrive.
func (r *Round) Start(ctx context.Context) error {
	if r.net.Rank() != 0 {
		return fmt.Errorf("shuffle: Start must only be called by rank 0, got rank %d", r.net.Rank())
	}
	return r.receivedAddrBroadcast(ctx, -1, r.encryptedAddresses())
}

// ReceivedAddr feeds an incoming ADDR broadcast from senderRank into the
// round's state machine. Grounded on receivedAddrBroadcast/decideAction.
func (r *Round) ReceivedAddr(ctx context.Context, senderRank int, addrs [][]byte) error {
	return r.receivedAddrBroadcast(ctx, senderRank, addrs)
}

func (r *Round) encryptedAddresses() [][]byte {
	out := make([][]byte, len(r.peers))
	for i, p := range r.peers {
		out[i] = p.EncryptedOutputAddr
	}
	return out
}

// receivedAddrBroadcast is the single state-machine entry point every
// incoming ADDR (and Start's own synthetic first call, senderRank -1)
// drives. senderRank -1 means "no prior layer to verify" (the very first
// broadcast, rank 0 peeling its own layer off the raw registration data).
func (r *Round) receivedAddrBroadcast(ctx context.Context, senderRank int, addrs [][]byte) error {
	var checksum string
	if senderRank >= 0 {
		c, err := r.verifyChecksum(ctx, senderRank, addrs)
		if err != nil {
			return err
		}
		checksum = c
	}

	myRank := int(r.net.Rank())
	n := r.net.N()

	if senderRank == myRank-1 {
		decrypted, err := r.decryptLayer(addrs)
		if err != nil {
			return fmt.Errorf("shuffle: decrypting layer %d: %w", myRank, err)
		}
		shuffled := shuffleAddresses(decrypted)
		if err := r.broadcast(shuffled); err != nil {
			return fmt.Errorf("shuffle: broadcasting layer %d: %w", myRank, err)
		}
		// Propagate to ourselves too: a BroadcastTransaction's sender
		// never delivers a copy of its own message back to itself over
		// the network, so without this every peer but the one acting
		// would see isLastMixpeer fire -- including the actual last
		// mixpeer, who'd never finalize its own round.
		if err := r.receivedAddrBroadcast(ctx, myRank, shuffled); err != nil {
			return err
		}
	}

	if senderRank == n-1 {
		return r.finalize(addrs, checksum)
	}
	return nil
}

func (r *Round) verifyChecksum(ctx context.Context, layer int, addrs [][]byte) (string, error) {
	recombined, err := recombineLayerChecksum(ctx, r.net, r.store, r.peers, layer)
	if err != nil {
		return "", fmt.Errorf("shuffle: recombining layer %d checksum: %w", layer, err)
	}
	reference := referenceChecksum(addrs)
	if !compareChecksums(reference, recombined) {
		return "", fmt.Errorf("shuffle: checksum mismatch at layer %d: got %s, want %s", layer, reference, recombined)
	}
	log.Debugf("layer %d checksum verified", layer)
	return recombined, nil
}

func (r *Round) broadcast(addrs [][]byte) error {
	peers := r.net.Peers()
	msg, err := wire.EncodeAddr(r.net.Rank(), r.net.Store().NextSequenceNumber(), r.net.Signer(), wire.Addr{Outputs: addrs})
	if err != nil {
		return err
	}
	_, err = transport.NewBroadcastTransaction(r.net.Store().NextSequenceNumber(), peers, msg, ackFetcher, r.net.Delay())
	return err
}

// ackFetcher discards the broadcast's response payload -- an ADDR
// broadcast's only purpose here is dissemination, not aggregation; the
// checksum chain (S3), not the transaction's fold, is what verifies it.
func ackFetcher(rank uint16, response []byte, prevValue []byte, prevPositive bool) ([]byte, bool) {
	return response, true
}

func (r *Round) finalize(addrs [][]byte, seed string) error {
	ordered := orderLexicographically(addrs)
	final := computeFinalPermutation(ordered, seed)
	r.finalChecksum = seed
	r.result.Resolve(final)
	log.Infof("shuffle finalized, %d addresses", len(final))
	return nil
}

// decryptLayer peels this peer's own AES-256-CBC onion layer off every
// address, in place order (the caller reshuffles afterward).
func (r *Round) decryptLayer(ciphertexts [][]byte) ([][]byte, error) {
	block, err := aes.NewCipher(r.key[:])
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(ciphertexts))
	for i, ct := range ciphertexts {
		pt, err := decryptCBC(block, ct)
		if err != nil {
			return nil, fmt.Errorf("address %d: %w", i, err)
		}
		out[i] = pt
	}
	return out, nil
}

// decryptCBC reverses AES-256-CBC encryption where the ciphertext's first
// block is the IV and the remainder is PKCS#7-padded, matching PyCrypto's
// ciphername='aes-256-cbc' convention that ShufflingProtocol.py's
// state.crypto.getCrypter().decrypt call relies on.
func decryptCBC(block cipher.Block, ct []byte) ([]byte, error) {
	if len(ct) < 2*aes.BlockSize || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext has invalid length %d", len(ct))
	}
	iv, body := ct[:aes.BlockSize], ct[aes.BlockSize:]
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	return pkcs7Unpad(out)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > len(b) {
		return nil, fmt.Errorf("invalid PKCS#7 padding")
	}
	return b[:len(b)-n], nil
}

// shuffleAddresses returns a uniformly random permutation of addrs using a
// CSPRNG, one Fisher-Yates swap per crypto/rand draw -- the intermediate
// shuffle each peeling peer performs before broadcasting (§4.A). Unlike the
// final permutation, no other peer needs to reproduce this one; only its
// output, carried in the broadcast, matters.
func shuffleAddresses(addrs [][]byte) [][]byte {
	out := make([][]byte, len(addrs))
	copy(out, addrs)
	for i := len(out) - 1; i > 0; i-- {
		j, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		jv := int(j.Int64())
		out[i], out[jv] = out[jv], out[i]
	}
	return out
}

// orderLexicographically sorts addrs byte-wise, giving every peer the same
// starting order to apply the final, seeded permutation against. Grounded
// on orderLexicographically.
func orderLexicographically(addrs [][]byte) [][]byte {
	out := make([][]byte, len(addrs))
	copy(out, addrs)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

// computeFinalPermutation applies a Fisher-Yates shuffle seeded
// deterministically from the last onion layer's agreed checksum, so every
// committee member -- having independently reconstructed the identical
// checksum via Rec -- converges on the identical final order without
// further communication. Grounded on computeFinalPermutation's own
// Fortuna-seeded StrongRandom.shuffle; math/rand's Fisher-Yates gives the
// same determinism-from-seed property without depending on Fortuna's exact
// byte-for-byte output, which no peer needs to reproduce across languages.
func computeFinalPermutation(addrs [][]byte, seed string) [][]byte {
	out := make([][]byte, len(addrs))
	copy(out, addrs)

	var seedInt int64
	if raw, err := hex.DecodeString(seed); err == nil && len(raw) >= 8 {
		seedInt = int64(binary.BigEndian.Uint64(raw[:8]))
	}

	rng := mathrand.New(mathrand.NewSource(seedInt))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
