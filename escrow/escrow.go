// Package escrow precomputes the per-input escrow keys a mixing session
// needs before it can accept deposits: for each escrow index, a
// threshold-shared Bitcoin keypair plus the nonce material the signer will
// later combine into a signature without any single peer ever learning the
// private key. Grounded on
// original_source/communication/protocols/EscrowAddresses.py.
package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/coinparty/mixpeer/chaincfg"
	"github.com/coinparty/mixpeer/field"
	"github.com/coinparty/mixpeer/internal/clog"
	"github.com/coinparty/mixpeer/smpc"
)

var log = clog.NewSubsystem("ESCR")

// Escrow is one precomputed escrow key (§4.D): a threshold-shared private
// key d, a nonce k whose public point doubles as the signing R_point, and
// the two derived values the signer combines into a signature share
// (ki = k⁻¹, kid = k⁻¹·d) without ever reconstructing d or k. Consumed
// exactly once, at signing time; never re-used across mixing rounds.
type Escrow struct {
	Index uint32

	D   *smpc.DKGValue   // private key share; public value is the escrow pubkey
	K   *smpc.DKGValue   // nonce share; public value is R_point = k·G
	Ki  *smpc.ConstMulValue // k⁻¹
	Kid *smpc.MulValue   // k⁻¹·d

	PublicKey      []byte      // uncompressed d·G, 65 bytes (0x04||X||Y)
	BitcoinAddress string      // base58check P2PKH address derived from PublicKey
	RPoint         field.Point // k·G, supplies r = RPoint.X at signing time
}

// Generate runs the full pipeline for one escrow index and blocks until
// every sub-value and the derived Bitcoin address are ready. Callers
// generating multiple escrows must call Generate sequentially, index by
// index (§4.D: "All E escrows are generated sequentially to bound
// concurrent DKG load"); Generate itself only parallelizes within a single
// index, the way EscrowAddresses.py's create_escrow races d, k and the
// e/us/u side-computation behind one DeferredList. opts forwards to every
// DKG run this escrow starts (d, k, e), letting tests shrink the complaint
// window instead of waiting out smpc's default.
func Generate(ctx context.Context, net smpc.Network, store *smpc.Store, index uint32, params *chaincfg.Params, opts ...smpc.DKGOption) (*Escrow, error) {
	d := smpc.NewJFDKGValue(net, "d", index, field.Order, opts...)
	if err := store.Add(d); err != nil {
		return nil, fmt.Errorf("escrow %d: registering d: %w", index, err)
	}
	if err := d.Start(ctx); err != nil {
		return nil, fmt.Errorf("escrow %d: starting d: %w", index, err)
	}

	k := smpc.NewJFDKGValue(net, "k", index, field.Order, opts...)
	if err := store.Add(k); err != nil {
		return nil, fmt.Errorf("escrow %d: registering k: %w", index, err)
	}
	if err := k.Start(ctx); err != nil {
		return nil, fmt.Errorf("escrow %d: starting k: %w", index, err)
	}

	ki, err := computeKInverse(ctx, net, store, index, k, opts...)
	if err != nil {
		return nil, fmt.Errorf("escrow %d: computing k inverse: %w", index, err)
	}

	kid := smpc.NewMulValue(net, "kid", index, field.Order, ki, d)
	if err := store.Add(kid); err != nil {
		return nil, fmt.Errorf("escrow %d: registering kid: %w", index, err)
	}
	if _, err := kid.SecretShare(ctx); err != nil {
		return nil, fmt.Errorf("escrow %d: resolving kid: %w", index, err)
	}

	dPoint, err := d.PublicValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow %d: resolving d's public value: %w", index, err)
	}
	pubkey, err := dPoint.SerializeUncompressed()
	if err != nil {
		return nil, fmt.Errorf("escrow %d: serializing escrow pubkey: %w", index, err)
	}
	address := field.PubkeyToBitcoinAddress(pubkey, params.PubKeyHashAddrID)

	rPoint, err := k.PublicValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow %d: resolving k's public value: %w", index, err)
	}

	log.Debugf("escrow %d address %s", index, address)

	return &Escrow{
		Index:          index,
		D:              d,
		K:              k,
		Ki:             ki,
		Kid:            kid,
		PublicKey:      pubkey,
		BitcoinAddress: address,
		RPoint:         rPoint,
	}, nil
}

// computeKInverse runs the e/us/u side-computation of §4.D step 3: a fresh
// Pedersen-hidden blinding value e masks k so its inverse can be revealed
// publicly (u = e·k) without exposing k itself, then ki = u⁻¹·e = k⁻¹
// because (e·k)⁻¹·e = k⁻¹. e never needs a public value -- it is
// consumed only through Mul/Rec's SecretShare -- so it runs Pedersen-hidden
// rather than plain Feldman.
func computeKInverse(ctx context.Context, net smpc.Network, store *smpc.Store, index uint32, k *smpc.DKGValue, opts ...smpc.DKGOption) (*smpc.ConstMulValue, error) {
	h := field.PedersenH()
	e := smpc.NewPedersenDKGValue(net, "e", index, field.Order, h, opts...)
	if err := store.Add(e); err != nil {
		return nil, fmt.Errorf("registering e: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting e: %w", err)
	}

	us := smpc.NewMulValue(net, "us", index, field.Order, e, k)
	if err := store.Add(us); err != nil {
		return nil, fmt.Errorf("registering us: %w", err)
	}

	u := smpc.NewRecValue(net, "u", index, field.Order, us)
	if err := store.Add(u); err != nil {
		return nil, fmt.Errorf("registering u: %w", err)
	}

	uPublic, err := u.PublicValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving u: %w", err)
	}
	if uPublic.Sign() == 0 {
		return nil, fmt.Errorf("u resolved to zero, cannot invert")
	}
	uInv := new(big.Int).ModInverse(uPublic, field.Order)

	ki := smpc.NewConstMulValue("ki", index, net.N(), net.T(), field.Order, uInv, e)
	if err := store.Add(ki); err != nil {
		return nil, fmt.Errorf("registering ki: %w", err)
	}
	return ki, nil
}
