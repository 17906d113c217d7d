package signer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/coinparty/mixpeer/chaincfg"
	"github.com/coinparty/mixpeer/escrow"
	"github.com/coinparty/mixpeer/field"
	"github.com/coinparty/mixpeer/smpc"
)

// TestSignInputConvergesAcrossPeers runs the full escrow pipeline (d, k,
// e/us/u/ki, kid), then has every peer independently compute the
// threshold signature for a transaction spending that escrow. Every peer
// must reach the identical, locally-verifiable scriptSig without ever
// assembling the escrow's private key.
func TestSignInputConvergesAcrossPeers(t *testing.T) {
	const n, thresh = 3, 1
	nodes := makeNetwork(n, thresh)
	params := &chaincfg.Params{PubKeyHashAddrID: field.TestNetVersion}
	opt := smpc.WithComplaintWindow(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	escrows := make([]*escrow.Escrow, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r, node := range nodes {
		wg.Add(1)
		go func(r uint16, node *fakeNode) {
			defer wg.Done()
			escrows[r], errs[r] = escrow.Generate(ctx, node, node.values, 0, params, opt)
		}(r, node)
	}
	wg.Wait()
	for r := 0; r < n; r++ {
		require.NoError(t, errs[r], "peer %d escrow generation", r)
	}

	destination := field.PubkeyToBitcoinAddress([]byte("test-destination-pubkey"), field.TestNetVersion)
	destScript, err := payToAddrScript(destination, params)
	require.NoError(t, err)
	prevPkScript, err := payToAddrScript(escrows[0].BitcoinAddress, params)
	require.NoError(t, err)

	const depositValue = int64(50_000_000)
	fakeHash, err := chainhash.NewHash(make([]byte, 32))
	require.NoError(t, err)

	baseTx := btcwire.NewMsgTx(btcwire.TxVersion)
	baseTx.AddTxIn(btcwire.NewTxIn(btcwire.NewOutPoint(fakeHash, 0), nil, nil))
	baseTx.AddTxOut(btcwire.NewTxOut(depositValue-int64(Fee), destScript))

	signed := make([]*btcwire.MsgTx, n)
	signErrs := make([]error, n)
	var wg2 sync.WaitGroup
	for r, node := range nodes {
		wg2.Add(1)
		go func(r uint16, node *fakeNode) {
			defer wg2.Done()
			tx := baseTx.Copy()
			signErrs[r] = SignInput(ctx, node, node.values, escrows[r], 0, tx, 0, prevPkScript, depositValue)
			signed[r] = tx
		}(r, node)
	}
	wg2.Wait()

	for r := 0; r < n; r++ {
		require.NoError(t, signErrs[r], "peer %d signing", r)
	}
	for r := 1; r < n; r++ {
		require.Equal(t, signed[0].TxIn[0].SignatureScript, signed[r].TxIn[0].SignatureScript,
			"every peer must converge on the identical scriptSig")
	}
}
