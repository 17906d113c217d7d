// Package commitment implements CoinParty's deposit-polling phase (§4.E):
// once a mixing session's escrow addresses are generated, it watches the
// Bitcoin chain for matching deposits and waits out a confirmation
// threshold before the mixnet may proceed to shuffling. Grounded on
// original_source/communication/protocols/CommitmentProtocol.py.
package commitment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/btcutil"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/coinparty/mixpeer/escrow"
	"github.com/coinparty/mixpeer/internal/clog"
	"github.com/coinparty/mixpeer/transport"
)

var log = clog.NewSubsystem("CMIT")

// RequiredConfirmations is the confirmation depth CommitmentProtocol.py
// hardcodes (§4.E: "Confirmed means confirmations >= 6").
const RequiredConfirmations = 6

// DefaultInterval is the poller's default tick (§4.E: "a periodic task
// (default 10 s)").
const DefaultInterval = 10 * time.Second

const lastBlockHashKey = "commitment/last_block_hash"

// RPCClient is the slice of *rpcclient.Client's surface the poller needs.
// Narrowing it to an interface lets tests fake bitcoind with a fixture
// chain instead of standing up a real JSON-RPC server.
type RPCClient interface {
	GetBestBlockHash() (*chainhash.Hash, error)
	GetBlockVerboseTx(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	SendRawTransaction(tx *btcwire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
}

// Poller watches the chain for deposits to a session's escrow addresses
// and tracks them through to RequiredConfirmations. One Poller serves one
// mixing session's escrow.State.
type Poller struct {
	rpc      RPCClient
	state    *escrow.State
	db       *leveldb.DB
	interval time.Duration

	expectedValue btcutil.Amount
	fee           btcutil.Amount

	done *transport.Promise[struct{}]
}

// NewPoller returns a poller for state, expecting each deposit to equal
// exactly expectedValue+fee (§4.E: "if the value is wrong ... try and
// repair this" -- the repair path itself is the refund/error-reversion
// path called out as out of scope; this poller only detects the
// mismatch and logs it). db may be nil, in which case the last-seen block
// hash is not persisted across restarts.
func NewPoller(rpc RPCClient, state *escrow.State, db *leveldb.DB, expectedValue, fee btcutil.Amount) *Poller {
	return &Poller{
		rpc:           rpc,
		state:         state,
		db:            db,
		interval:      DefaultInterval,
		expectedValue: expectedValue,
		fee:           fee,
		done:          transport.NewPromise[struct{}](),
	}
}

// Done resolves once every registered input peer's deposit has reached
// RequiredConfirmations and the input-peer set has been frozen (§4.E's
// exit condition).
func (p *Poller) Done() <-chan struct{} {
	return p.done.Done()
}

// Run starts polling every p.interval until ctx is cancelled or the exit
// condition fires. It blocks the calling goroutine; callers typically run
// it with `go p.Run(ctx)`.
func (p *Poller) Run(ctx context.Context) error {
	lastHash, err := p.loadLastBlockHash()
	if err != nil {
		return fmt.Errorf("commitment: loading last block hash: %w", err)
	}
	if lastHash == nil {
		best, err := p.rpc.GetBestBlockHash()
		if err != nil {
			return fmt.Errorf("commitment: fetching initial block hash: %w", err)
		}
		lastHash = best
		log.Infof("initial block hash %s", lastHash)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			next, err := p.poll(lastHash)
			if err != nil {
				log.Warnf("poll error: %v", err)
				continue
			}
			lastHash = next
			if err := p.saveLastBlockHash(lastHash); err != nil {
				log.Warnf("persisting last block hash: %v", err)
			}
			if p.state.AllConfirmed() {
				p.done.Resolve(struct{}{})
				return nil
			}
		}
	}
}

// poll runs one pass: scan new blocks for deposits to unseen escrow
// addresses, then recheck confirmation depth for every deposit found so
// far. Returns the new last-seen block hash.
func (p *Poller) poll(lastHash *chainhash.Hash) (*chainhash.Hash, error) {
	log.Debugf("polling from %s", lastHash)

	unseen := p.unseenAddresses()
	newHash := lastHash
	if len(unseen) > 0 {
		found, advanced, err := p.scanNewBlocks(unseen, lastHash)
		if err != nil {
			return lastHash, err
		}
		newHash = advanced
		for _, tx := range found {
			p.recordDeposit(tx)
		}
	}

	if err := p.recheckConfirmations(); err != nil {
		return newHash, err
	}
	return newHash, nil
}

// foundTx is one filtered deposit-candidate output, matching the fields
// CommitmentProtocol.py's _filter_transaction extracts.
type foundTx struct {
	txid  string
	vout  uint32
	addr  string
	value btcutil.Amount
}

func (p *Poller) unseenAddresses() map[string]bool {
	out := make(map[string]bool)
	for _, peer := range p.state.Peers() {
		if peer.TX.Txid == "" {
			out[peer.BitcoinAddress] = true
		}
	}
	return out
}

// scanNewBlocks walks forward from lastHash through the best chain,
// filtering transaction outputs against the unseen address set, mirroring
// _poll_new_transactions.
func (p *Poller) scanNewBlocks(unseen map[string]bool, lastHash *chainhash.Hash) ([]foundTx, *chainhash.Hash, error) {
	var found []foundTx
	current, err := p.rpc.GetBlockVerboseTx(lastHash)
	if err != nil {
		return nil, lastHash, fmt.Errorf("fetching block %s: %w", lastHash, err)
	}

	for current.NextHash != "" {
		log.Infof("checking block %s", current.Hash)
		for _, tx := range current.Tx {
			for _, out := range filterOutputs(tx, unseen) {
				found = append(found, out)
			}
		}
		nextHash, err := chainhash.NewHashFromStr(current.NextHash)
		if err != nil {
			return found, lastHash, fmt.Errorf("parsing next block hash: %w", err)
		}
		current, err = p.rpc.GetBlockVerboseTx(nextHash)
		if err != nil {
			return found, lastHash, fmt.Errorf("fetching block %s: %w", nextHash, err)
		}
	}

	finalHash, err := chainhash.NewHashFromStr(current.Hash)
	if err != nil {
		return found, lastHash, fmt.Errorf("parsing final block hash: %w", err)
	}
	return found, finalHash, nil
}

func filterOutputs(tx btcjson.TxRawResult, unseen map[string]bool) []foundTx {
	var out []foundTx
	for _, vout := range tx.Vout {
		if len(vout.ScriptPubKey.Addresses) == 0 {
			continue
		}
		addr := vout.ScriptPubKey.Addresses[0]
		if !unseen[addr] {
			continue
		}
		value, err := btcutil.NewAmount(vout.Value)
		if err != nil {
			continue
		}
		out = append(out, foundTx{txid: tx.Txid, vout: vout.N, addr: addr, value: value})
	}
	return out
}

// recordDeposit attaches a found transaction to its owning input peer,
// flagging a value mismatch the way _found_transaction's "Wrong input.
// Refunding." branch does -- without actually attempting the refund,
// which is out of scope (O1).
func (p *Poller) recordDeposit(tx foundTx) {
	peer, err := p.state.FoundTransaction(tx.addr, escrow.TxMetadata{
		Txid:          tx.txid,
		Vout:          tx.vout,
		ValueSatoshis: int64(tx.value),
	})
	if err != nil {
		log.Warnf("found deposit to unknown address %s: %v", tx.addr, err)
		return
	}
	log.Debugf("found transaction %s assigned to peer %d", tx.txid, peer.ID)

	expected := p.expectedValue + p.fee
	if tx.value != expected {
		log.Warnf("peer %d deposited %s, expected %s; refund address on file is %q",
			peer.ID, tx.value, expected, peer.RefundAddress)
	}
}

// recheckConfirmations polls bitcoind's view of every deposit that has
// been seen but not yet confirmed, mirroring _poll_tx_confirmations.
func (p *Poller) recheckConfirmations() error {
	for _, peer := range p.state.Peers() {
		if peer.TX.Txid == "" || peer.Confirmed {
			continue
		}
		hash, err := chainhash.NewHashFromStr(peer.TX.Txid)
		if err != nil {
			return fmt.Errorf("parsing txid %s: %w", peer.TX.Txid, err)
		}
		raw, err := p.rpc.GetRawTransactionVerbose(hash)
		if err != nil {
			return fmt.Errorf("fetching tx %s: %w", peer.TX.Txid, err)
		}
		if int(raw.Confirmations) >= RequiredConfirmations {
			if _, err := p.state.MarkConfirmedByTxid(peer.TX.Txid, int(raw.Confirmations)); err != nil {
				return err
			}
			log.Infof("peer %d's deposit %s confirmed (%d confirmations)", peer.ID, peer.TX.Txid, raw.Confirmations)
		}
	}
	return nil
}

func (p *Poller) loadLastBlockHash() (*chainhash.Hash, error) {
	if p.db == nil {
		return nil, nil
	}
	value, err := p.db.Get([]byte(lastBlockHashKey), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return chainhash.NewHash(value)
}

func (p *Poller) saveLastBlockHash(hash *chainhash.Hash) error {
	if p.db == nil {
		return nil
	}
	return p.db.Put([]byte(lastBlockHashKey), hash[:], nil)
}

// SendRawTransaction broadcasts a signed transaction, absorbing Bitcoin
// Core's -25 ("missing inputs"/already-known) error code the way §6
// specifies rather than surfacing it as a poller failure.
func (p *Poller) SendRawTransaction(tx *btcwire.MsgTx) (*chainhash.Hash, error) {
	hash, err := p.rpc.SendRawTransaction(tx, false)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == -25 {
			log.Debugf("absorbed rpc error -25 broadcasting transaction")
			return nil, nil
		}
		return nil, err
	}
	return hash, nil
}
