package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coinparty/mixpeer/escrow"
)

func TestWaitAllConfirmedReturnsOnceConfirmed(t *testing.T) {
	state := escrow.NewState()
	e := &escrow.Escrow{BitcoinAddress: "addr-0"}
	_, err := state.RegisterPeer(0, "sess-0", e, "refund-0")
	require.NoError(t, err)
	state.Freeze()

	done := make(chan error, 1)
	go func() {
		done <- waitAllConfirmed(context.Background(), state)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("waitAllConfirmed returned before the peer was confirmed")
	default:
	}

	require.NoError(t, state.MarkConfirmed(0, escrow.TxMetadata{Txid: "tx0", Vout: 0, ValueSatoshis: 1000}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waitAllConfirmed did not return after confirmation")
	}
}

func TestWaitAllConfirmedRespectsContextCancellation(t *testing.T) {
	state := escrow.NewState()
	e := &escrow.Escrow{BitcoinAddress: "addr-0"}
	_, err := state.RegisterPeer(0, "sess-0", e, "refund-0")
	require.NoError(t, err)
	state.Freeze()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = waitAllConfirmed(ctx, state)
	require.Error(t, err)
}
