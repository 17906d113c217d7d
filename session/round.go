package session

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/coinparty/mixpeer/commitment"
	"github.com/coinparty/mixpeer/escrow"
	"github.com/coinparty/mixpeer/shuffle"
	"github.com/coinparty/mixpeer/signer"
	"github.com/coinparty/mixpeer/smpc"
)

// RoundConfig bundles the knobs one mixing round needs beyond what the
// Session already owns.
type RoundConfig struct {
	ExpectedValue btcutil.Amount
	Fee           btcutil.Amount
	StreamWindow  time.Duration
}

// RunMixingRound drives one mixing session end to end in the phase order
// §2/§4 describe, starting from after registration has closed: wait for
// every registered input peer's deposit to clear RequiredConfirmations,
// shuffle the registered output addresses, then split and stream each
// escrow's payout to its shuffled destination.
//
// escrows is the batch sess.GenerateEscrows produced and the UserFacing
// boundary (out of scope here, per §1/§6) already handed out one-by-one
// via escrow.State.RegisterPeer as input peers registered -- registration
// assigns an escrow at arrival time, not in a final batch, so by the time
// RunMixingRound is called every frozen input peer's BitcoinAddress
// already names one of these escrows. RunMixingRound itself only owns the
// phases from freeze onward.
func RunMixingRound(ctx context.Context, sess *Session, escrows []*escrow.Escrow, rpc commitment.RPCClient, db *leveldb.DB, cfg RoundConfig) error {
	frozen := sess.InputPeers().Freeze()
	if len(frozen) == 0 {
		return fmt.Errorf("session: cannot run a mixing round with no registered input peers")
	}

	byAddress := make(map[string]*escrow.Escrow, len(escrows))
	for _, e := range escrows {
		byAddress[e.BitcoinAddress] = e
	}
	ordered := make([]*escrow.Escrow, len(frozen))
	for i, p := range frozen {
		e, ok := byAddress[p.BitcoinAddress]
		if !ok {
			return fmt.Errorf("session: input peer %d's escrow address %s not in this round's escrow batch", p.ID, p.BitcoinAddress)
		}
		ordered[i] = e
	}

	poller := commitment.NewPoller(rpc, sess.InputPeers(), db, cfg.ExpectedValue, cfg.Fee)
	pollCtx, cancelPoll := context.WithCancel(ctx)
	pollErrCh := make(chan error, 1)
	go func() { pollErrCh <- poller.Run(pollCtx) }()

	if err := waitAllConfirmed(ctx, sess.InputPeers()); err != nil {
		cancelPoll()
		return fmt.Errorf("session: waiting for deposits: %w", err)
	}
	cancelPoll()
	<-pollErrCh

	round := shuffle.NewRound(sess, sess.values, frozen, sess.identity.LayerKey())
	sess.SetActiveRound(round)
	if sess.Rank() == 0 {
		if err := round.Start(ctx); err != nil {
			return fmt.Errorf("session: starting shuffle: %w", err)
		}
	}
	destinations, err := round.Result(ctx)
	if err != nil {
		return fmt.Errorf("session: shuffle round: %w", err)
	}
	if len(destinations) != len(ordered) {
		return fmt.Errorf("session: shuffle produced %d destinations for %d escrows", len(destinations), len(ordered))
	}

	payouts := make([]*signer.Payout, 0, len(ordered))
	for i, e := range ordered {
		p := frozen[i]
		payouts = append(payouts, &signer.Payout{
			Escrow:       e,
			Destination:  string(destinations[i]),
			DepositTxid:  p.TX.Txid,
			DepositVout:  p.TX.Vout,
			DepositValue: btcutil.Amount(p.TX.ValueSatoshis),
		})
	}

	checksum := []byte(round.Checksum())
	queue := signer.BuildSchedule(payouts, cfg.StreamWindow, checksum)
	return signer.RunSchedule(ctx, sess, sess.values, poller, sess.params, time.Now(), queue)
}

// waitAllConfirmed blocks until state reports every frozen peer confirmed
// to RequiredConfirmations, or ctx is cancelled.
func waitAllConfirmed(ctx context.Context, state *escrow.State) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if state.AllConfirmed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ smpc.Network = (*Session)(nil)
