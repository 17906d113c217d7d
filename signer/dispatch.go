package signer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/coinparty/mixpeer/chaincfg"
	"github.com/coinparty/mixpeer/escrow"
	"github.com/coinparty/mixpeer/smpc"
)

// Fee is the flat per-link miner fee every streaming fragment sets aside
// from its chain's running balance.
const Fee = btcutil.Amount(1000)

// Payout is one escrow's confirmed deposit and the shuffled destination
// address it must eventually pay out to in full.
type Payout struct {
	Escrow       *escrow.Escrow
	Destination  string
	DepositTxid  string
	DepositVout  uint32
	DepositValue btcutil.Amount
}

// dispatch is one scheduled fragment of one escrow's streaming payout.
type dispatch struct {
	payout *Payout
	amount btcutil.Amount
	offset time.Duration
}

// BuildSchedule splits every payout's deposited amount into denomination
// fragments (SplitMixingAmount), assigns each fragment a random release
// time within window (StreamingSchedule), and flattens every escrow's
// (fragment, offset) pairs into one globally time-sorted dispatch queue --
// the single chronological order transaction_phase's serialize_schedules
// produces before scheduling any reactor.callLater call. seed
// determinizes the whole draw from the shuffle round's final checksum, so
// every committee member -- having independently reconstructed that
// checksum -- computes the identical schedule without further
// coordination, the same trick shuffle.computeFinalPermutation uses for
// the final address order.
func BuildSchedule(payouts []*Payout, window time.Duration, checksum []byte) []dispatch {
	var all []dispatch
	for _, p := range payouts {
		rng := mathrand.New(mathrand.NewSource(scheduleSeed(checksum, p.Escrow.Index)))
		milliUnits := int64(p.DepositValue) / MilliUnit
		amounts := SplitMixingAmount(milliUnits, rng)
		offsets := StreamingSchedule(len(amounts), window, rng)
		for i, a := range amounts {
			all = append(all, dispatch{payout: p, amount: btcutil.Amount(a * MilliUnit), offset: offsets[i]})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].offset < all[j].offset })
	return all
}

// scheduleSeed derives a per-escrow PRNG seed from the shuffle round's
// checksum, folding in the escrow index so every escrow's draw is
// independent even though all draws trace back to the same checksum.
func scheduleSeed(checksum []byte, escrowIndex uint32) int64 {
	h := sha256.New()
	h.Write(checksum)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], escrowIndex)
	h.Write(idx[:])
	digest := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(digest[:8]))
}

// chainState tracks one escrow's running spendable UTXO as its streaming
// payout advances link by link: each fragment spends the prior link's
// change output back to the escrow's own address -- still controlled by
// the same threshold key for the lifetime of the round -- so no single
// on-chain transaction ever reveals the escrow's full split at once.
type chainState struct {
	txid  string
	vout  uint32
	value btcutil.Amount
	seq   int
}

// RunSchedule executes queue in order, sleeping out each fragment's offset
// from start before signing and broadcasting its chain link. Every
// committee member computes the identical queue and runs it: SignInput's
// Rec needs every member's signature share, and every member ends up
// with, and broadcasts, the same signed transaction.
func RunSchedule(ctx context.Context, net smpc.Network, store *smpc.Store, bc Broadcaster, params *chaincfg.Params, start time.Time, queue []dispatch) error {
	chains := make(map[uint32]*chainState)
	for _, d := range queue {
		cs := chains[d.payout.Escrow.Index]
		if cs == nil {
			cs = &chainState{
				txid:  d.payout.DepositTxid,
				vout:  d.payout.DepositVout,
				value: d.payout.DepositValue,
			}
			chains[d.payout.Escrow.Index] = cs
		}

		if wait := time.Until(start.Add(d.offset)); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := cs.spendFragment(ctx, net, store, d.payout, d.amount, params, bc); err != nil {
			return fmt.Errorf("signer: escrow %d: %w", d.payout.Escrow.Index, err)
		}
	}
	return nil
}

func (cs *chainState) spendFragment(ctx context.Context, net smpc.Network, store *smpc.Store, p *Payout, amount btcutil.Amount, params *chaincfg.Params, bc Broadcaster) error {
	hash, err := chainhash.NewHashFromStr(cs.txid)
	if err != nil {
		return fmt.Errorf("parsing chain input txid %s: %w", cs.txid, err)
	}

	remaining := cs.value - amount - Fee
	if remaining < 0 {
		return fmt.Errorf("fragment %s exceeds remaining balance %s (after fee)", amount, cs.value)
	}

	destScript, err := payToAddrScript(p.Destination, params)
	if err != nil {
		return err
	}
	prevPkScript, err := payToAddrScript(p.Escrow.BitcoinAddress, params)
	if err != nil {
		return err
	}

	tx := btcwire.NewMsgTx(btcwire.TxVersion)
	tx.AddTxIn(btcwire.NewTxIn(btcwire.NewOutPoint(hash, cs.vout), nil, nil))
	tx.AddTxOut(btcwire.NewTxOut(int64(amount), destScript))
	if remaining > 0 {
		tx.AddTxOut(btcwire.NewTxOut(int64(remaining), prevPkScript))
	}

	if err := SignInput(ctx, net, store, p.Escrow, cs.seq, tx, 0, prevPkScript, int64(cs.value)); err != nil {
		return err
	}
	cs.seq++

	result, err := bc.SendRawTransaction(tx)
	if err != nil {
		return fmt.Errorf("broadcasting fragment: %w", err)
	}
	if result != nil {
		cs.txid = result.String()
	} else {
		cs.txid = tx.TxHash().String()
	}
	cs.vout = 0
	cs.value = remaining
	log.Infof("escrow %d streamed %s to %s", p.Escrow.Index, amount, p.Destination)
	return nil
}
