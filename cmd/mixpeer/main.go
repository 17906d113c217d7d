// mixpeer is one committee member of a CoinParty mixing network: it loads
// its identity and the static committee roster, links up to its peers over
// TLS, and runs the reactor (§5) for every mixnet
// instance its configured rank takes part in.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/jessevdk/go-flags"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/coinparty/mixpeer/chaincfg"
	"github.com/coinparty/mixpeer/commitment"
	"github.com/coinparty/mixpeer/config"
	"github.com/coinparty/mixpeer/internal/clog"
	"github.com/coinparty/mixpeer/session"
	"github.com/coinparty/mixpeer/transport"
)

var log = clog.NewSubsystem("MAIN")

// cliOptions is mixpeer's command line: `mixpeer <rank_id> [-c
// mixnets.conf]` per §6, parsed with go-flags the way a btcsuite-style
// daemon parses its own.
type cliOptions struct {
	ConfigPath string `short:"c" long:"config" description:"path to the static committee config file" default:"mixnets.conf"`
	DataDir    string `long:"datadir" description:"directory for this peer's deposit-tracking databases and rotated logs" default:"."`
	DebugLevel string `long:"debuglevel" description:"logging level (trace|debug|info|warn|error|critical|off)" default:"info"`
	Mixnet     string `long:"mixnet" description:"run only this mixnet id instead of every configured network this rank belongs to"`

	Positional struct {
		Rank uint16 `positional-arg-name:"rank_id" description:"this process's committee rank"`
	} `positional-args:"yes" required:"yes"`
}

func main() {
	os.Exit(run())
}

// run implements §6's exit codes: 0 clean shutdown, 1 config error, 2
// crypto-key load error.
func run() int {
	var opts cliOptions
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "mixpeer: creating data directory: %v\n", err)
		return 1
	}
	if err := clog.InitLogRotator(filepath.Join(opts.DataDir, "mixpeer.log")); err != nil {
		fmt.Fprintf(os.Stderr, "mixpeer: initializing log rotation: %v\n", err)
		return 1
	}
	if err := clog.SetLevel(opts.DebugLevel); err != nil {
		fmt.Fprintf(os.Stderr, "mixpeer: %v\n", err)
		return 1
	}

	cfg, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}

	rank := opts.Positional.Rank
	peerCfg, ok := cfg.Peer(rank)
	if !ok {
		log.Errorf("rank %d is not a configured mixing peer", rank)
		return 1
	}

	identity, err := session.LoadIdentity(peerCfg)
	if err != nil {
		log.Errorf("%v", err)
		return 2
	}

	params := &chaincfg.MainNetParams
	if cfg.Global.Testnet {
		params = &chaincfg.TestNet3Params
	}

	rpc, err := dialBitcoind(cfg.Global)
	if err != nil {
		log.Errorf("connecting to bitcoind: %v", err)
		return 1
	}
	defer rpc.Shutdown()

	mixnetIDs, err := selectedMixnets(cfg, rank, opts.Mixnet)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("signal received, shutting down")
		cancel()
	}()

	var wg sync.WaitGroup
	for _, mixnetID := range mixnetIDs {
		mixnetID := mixnetID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runMixnet(ctx, cfg, rank, identity, params, rpc, opts.DataDir, mixnetID); err != nil && ctx.Err() == nil {
				log.Errorf("mixnet %s: %v", mixnetID, err)
			}
		}()
	}
	wg.Wait()
	return 0
}

// selectedMixnets resolves which mixnet ids rank should run: every network
// listing it as a member, or just the one named by -mixnet if given.
func selectedMixnets(cfg *config.Config, rank uint16, only string) ([]string, error) {
	if only != "" {
		net, ok := cfg.Network(only)
		if !ok {
			return nil, fmt.Errorf("mixnet %q is not configured", only)
		}
		if _, ok := net.Peers[rank]; !ok {
			return nil, fmt.Errorf("rank %d is not a member of mixnet %q", rank, only)
		}
		return []string{only}, nil
	}

	var ids []string
	for id, net := range cfg.MixingNetworks {
		if _, ok := net.Peers[rank]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("rank %d belongs to no configured mixnet", rank)
	}
	return ids, nil
}

// dialBitcoind connects to the Bitcoin node commitment.Poller polls,
// narrowed at the call site to commitment.RPCClient.
func dialBitcoind(g config.GlobalConfig) (*rpcclient.Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         g.RPCHost,
		User:         g.RPCUser,
		Pass:         g.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   g.RPCCert == "",
	}
	if g.RPCCert != "" {
		cert, err := os.ReadFile(g.RPCCert)
		if err != nil {
			return nil, fmt.Errorf("reading RPC certificate: %w", err)
		}
		connCfg.Certificates = cert
	}
	return rpcclient.New(connCfg, nil)
}

// runMixnet links up to every other member of mixnetID and runs this
// rank's reactor for it until ctx is cancelled or the session's error
// promise fires.
func runMixnet(ctx context.Context, cfg *config.Config, rank uint16, identity *session.Identity, params *chaincfg.Params, rpc commitment.RPCClient, dataDir, mixnetID string) error {
	net, ok := cfg.Network(mixnetID)
	if !ok {
		return fmt.Errorf("mixnet not configured")
	}
	self, ok := net.Peers[rank]
	if !ok {
		return fmt.Errorf("rank %d is not a member of this mixnet", rank)
	}

	tlsCfg, err := session.SelfSignedTLSConfig()
	if err != nil {
		return err
	}

	listener, err := session.Listen(self.P2PAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", self.P2PAddr, err)
	}
	defer listener.Close()

	peers, err := dialPeers(ctx, cfg, net, rank, tlsCfg)
	if err != nil {
		return err
	}

	sess, err := session.New(rank, len(net.Peers), net.Threshold, params, identity, peers)
	if err != nil {
		return err
	}

	go func() {
		if err := listener.Serve(sess.Dispatch); err != nil && ctx.Err() == nil {
			log.Warnf("mixnet %s: listener stopped: %v", mixnetID, err)
		}
	}()

	db, err := leveldb.OpenFile(filepath.Join(dataDir, "mixnet-"+mixnetID), nil)
	if err != nil {
		return fmt.Errorf("opening deposit database: %w", err)
	}
	defer db.Close()

	// rpc and db are handed to session.RunMixingRound once this mixnet's
	// out-of-scope UserFacing front end reports enough registered input
	// peers to start a round; until then this rank just serves the
	// reactor, ready to answer ADDR/MPCS/MPCP/broadcast traffic.
	log.Infof("mixnet %s: rank %d serving on %s, %d peers", mixnetID, rank, self.P2PAddr, len(peers))

	select {
	case <-ctx.Done():
		return nil
	case err := <-sess.ErrCh:
		return err
	}
}

// dialPeers opens an outbound link to every other member of net, retrying
// with exponential backoff until ctx is cancelled -- committee members
// start independently, so a peer that hasn't come up yet is expected, not
// an error.
func dialPeers(ctx context.Context, cfg *config.Config, net *config.Network, selfRank uint16, tlsCfg *tls.Config) ([]transport.Peer, error) {
	var peers []transport.Peer
	for rank, member := range net.Peers {
		if rank == selfRank {
			continue
		}
		peerCfg, ok := cfg.Peer(rank)
		if !ok {
			return nil, fmt.Errorf("mixnet member rank %d has no [mixing_peers] entry", rank)
		}
		verifier, err := session.VerifierFromHex(peerCfg.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("rank %d: %w", rank, err)
		}
		link, err := dialWithRetry(ctx, member.P2PAddr, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("dialing rank %d at %s: %w", rank, member.P2PAddr, err)
		}
		peers = append(peers, transport.Peer{Rank: rank, Link: link, Verifier: verifier})
	}
	return peers, nil
}

func dialWithRetry(ctx context.Context, addr string, tlsCfg *tls.Config) (*session.NetLink, error) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for {
		link, err := session.Dial(addr, tlsCfg)
		if err == nil {
			return link, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
