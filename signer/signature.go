// Package signer implements CoinParty's transaction-signing phase (§4.F):
// once an escrow's deposit is confirmed and the shuffle has produced its
// final output address, the committee jointly computes a threshold ECDSA
// signature spending that escrow without any single peer ever holding its
// private key, then streams the payout to its destination as a sequence of
// denomination-sized fragments released at randomized times. Grounded on
// original_source/communication/protocols/TransactionProtocol.py and
// TransactionStrategies.py.
package signer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/coinparty/mixpeer/escrow"
	"github.com/coinparty/mixpeer/field"
	"github.com/coinparty/mixpeer/internal/clog"
	"github.com/coinparty/mixpeer/smpc"
)

var log = clog.NewSubsystem("SIGN")

// halfOrder is field.Order/2: a signature's s component above this must be
// negated (s' = order - s) to satisfy Bitcoin's low-S standardness rule,
// which CoinParty's threshold combination has no other opportunity to
// enforce since no single peer ever computes s alone.
var halfOrder = new(big.Int).Rsh(field.Order, 1)

// Broadcaster is the slice of commitment.Poller's surface the signer needs
// to relay a finished transaction, narrowed the same way
// commitment.RPCClient narrows *rpcclient.Client so tests can fake bitcoind
// without a commitment package import cycle.
type Broadcaster interface {
	SendRawTransaction(tx *btcwire.MsgTx) (*chainhash.Hash, error)
}

// SignInput computes the committee's threshold ECDSA signature over tx's
// input idx, spending esc's escrow output, and writes the resulting
// scriptSig in place. seq distinguishes repeated signings of the same
// escrow (one per streaming fragment in its payout chain, see
// dispatch.go) so each signing's intermediate smpc.Values get distinct
// store keys. Grounded on createTransaction's
// _computeSignatureShare/_signatureToDER/_computeTransaction: every peer
// locally computes its own additive share of s = e·k⁻¹ + r·k⁻¹d, then Rec
// reconstructs s without any single peer ever holding esc's private key d
// or nonce k.
func SignInput(ctx context.Context, net smpc.Network, store *smpc.Store, esc *escrow.Escrow, seq int, tx *btcwire.MsgTx, idx int, prevPkScript []byte, prevValue int64) error {
	sigHash, err := txscript.CalcSignatureHash(prevPkScript, txscript.SigHashAll, tx, idx)
	if err != nil {
		return fmt.Errorf("signer: computing sighash: %w", err)
	}
	e := new(big.Int).Mod(new(big.Int).SetBytes(sigHash), field.Order)

	if esc.RPoint.Infinity {
		return fmt.Errorf("signer: escrow %d's R point is the point at infinity", esc.Index)
	}
	r := new(big.Int).Mod(esc.RPoint.X, field.Order)
	if r.Sign() == 0 {
		return fmt.Errorf("signer: escrow %d's r is zero", esc.Index)
	}

	eTerm := smpc.NewConstMulValue(fmt.Sprintf("sig-e-%d", seq), esc.Index, net.N(), net.T(), field.Order, e, esc.Ki)
	if err := store.Add(eTerm); err != nil {
		return fmt.Errorf("signer: registering e-term: %w", err)
	}
	rTerm := smpc.NewConstMulValue(fmt.Sprintf("sig-r-%d", seq), esc.Index, net.N(), net.T(), field.Order, r, esc.Kid)
	if err := store.Add(rTerm); err != nil {
		return fmt.Errorf("signer: registering r-term: %w", err)
	}
	sShare := smpc.NewAddValue(fmt.Sprintf("sig-s-%d", seq), esc.Index, net.N(), net.T(), field.Order, eTerm, rTerm)
	if err := store.Add(sShare); err != nil {
		return fmt.Errorf("signer: registering s share: %w", err)
	}
	sRec := smpc.NewRecValue(net, fmt.Sprintf("sig-%d", seq), esc.Index, field.Order, sShare)
	if err := store.Add(sRec); err != nil {
		return fmt.Errorf("signer: registering signature reconstruction: %w", err)
	}

	s, err := sRec.PublicValue(ctx)
	if err != nil {
		return fmt.Errorf("signer: reconstructing signature: %w", err)
	}
	if s.Sign() == 0 {
		return fmt.Errorf("signer: escrow %d's signature resolved to s=0", esc.Index)
	}
	if s.Cmp(halfOrder) > 0 {
		s = new(big.Int).Sub(field.Order, s)
	}

	sig, err := derSignature(r, s)
	if err != nil {
		return fmt.Errorf("signer: DER-encoding signature: %w", err)
	}

	scriptSig, err := txscript.NewScriptBuilder().
		AddData(append(sig, byte(txscript.SigHashAll))).
		AddData(esc.PublicKey).
		Script()
	if err != nil {
		return fmt.Errorf("signer: assembling scriptSig: %w", err)
	}
	tx.TxIn[idx].SignatureScript = scriptSig

	if err := verifyInput(tx, idx, prevPkScript, prevValue); err != nil {
		return fmt.Errorf("signer: locally verifying escrow %d's signature: %w", esc.Index, err)
	}
	log.Debugf("escrow %d signed input %d (seq %d)", esc.Index, idx, seq)
	return nil
}

// derSignature encodes (r, s) as the DER bytes createTransaction's
// _signatureToDER produces via ecdsa.der.encode_integer/encode_sequence;
// btcec's Signature.Serialize does the equivalent for a secp256k1 point.
func derSignature(r, s *big.Int) ([]byte, error) {
	var rBuf, sBuf [32]byte
	r.FillBytes(rBuf[:])
	s.FillBytes(sBuf[:])
	var rs, ss btcec.ModNScalar
	if rs.SetBytes(&rBuf) != 0 {
		return nil, fmt.Errorf("signer: r does not fit the curve order")
	}
	if ss.SetBytes(&sBuf) != 0 {
		return nil, fmt.Errorf("signer: s does not fit the curve order")
	}
	return ecdsa.NewSignature(&rs, &ss).Serialize(), nil
}

// verifyInput replays tx's input idx through a scripting engine against
// prevPkScript, mirroring createTransaction's own VerifyScript call before
// broadcasting -- catching a bad combination locally instead of letting
// bitcoind's mempool reject it.
func verifyInput(tx *btcwire.MsgTx, idx int, prevPkScript []byte, prevValue int64) error {
	const verifyFlags = txscript.ScriptBip16 |
		txscript.ScriptVerifyDERSignatures |
		txscript.ScriptVerifyStrictEncoding |
		txscript.ScriptVerifyLowS |
		txscript.ScriptVerifyNullFail

	fetcher := txscript.NewCannedPrevOutputFetcher(prevPkScript, prevValue)
	hashCache := txscript.NewTxSigHashes(tx, fetcher)
	engine, err := txscript.NewEngine(prevPkScript, tx, idx, verifyFlags, nil, hashCache, prevValue, fetcher)
	if err != nil {
		return err
	}
	return engine.Execute()
}
