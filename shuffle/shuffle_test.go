package shuffle

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coinparty/mixpeer/escrow"
	"github.com/coinparty/mixpeer/field"
	"github.com/coinparty/mixpeer/transport"
	"github.com/stretchr/testify/require"
)

// pkcs7Pad/encryptCBC build the fixture's onion-encrypted addresses; the
// inverse of shuffle.go's own pkcs7Unpad/decryptCBC.
func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func encryptCBC(key [32]byte, pt []byte) []byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	padded := pkcs7Pad(pt, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		panic(err)
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return append(iv, ct...)
}

// splitAdditive returns n shares summing to digest mod field.HashOrder,
// the way the input user's registration-time client splits its own
// per-layer checksum across the committee (§4.A).
func splitAdditive(digest *big.Int, n int) []*big.Int {
	shares := make([]*big.Int, n)
	sum := new(big.Int)
	for i := 0; i < n-1; i++ {
		v, err := rand.Int(rand.Reader, field.HashOrder)
		if err != nil {
			panic(err)
		}
		shares[i] = v
		sum.Add(sum, v)
	}
	last := new(big.Int).Sub(digest, sum)
	last.Mod(last, field.HashOrder)
	shares[n-1] = last
	return shares
}

// fixtureAddress builds one input peer's onion-encrypted address plus,
// for every committee rank, this peer's own per-layer hash-share vector.
// Layer L's share vector entry corresponds to the SHA-256 digest of the
// address state once peers 0..L have all peeled their own layer --
// exactly the content layer L's ADDR broadcast carries.
func fixtureAddress(plaintext []byte, keys [][32]byte) (encrypted []byte, hashShares [][]*big.Int) {
	n := len(keys)
	states := make([][]byte, n+1)
	states[0] = plaintext
	for i := 1; i <= n; i++ {
		states[i] = encryptCBC(keys[n-i], states[i-1])
	}
	encrypted = states[n]

	hashShares = make([][]*big.Int, n) // [layer][peerRank]
	for layer := 0; layer < n; layer++ {
		stateAfterLayer := states[n-layer-1]
		digest := sha256.Sum256(stateAfterLayer)
		hashShares[layer] = splitAdditive(new(big.Int).SetBytes(digest[:]), n)
	}
	return encrypted, hashShares
}

// TestRoundConvergesOnSamePermutation covers S4: every committee peer
// independently peels its onion layer, verifies the hash-checksum chain
// (S3), and converges on an identical final output-address permutation
// without further communication once the last layer's checksum is known.
func TestRoundConvergesOnSamePermutation(t *testing.T) {
	const n, thresh = 3, 1
	const numAddrs = 2

	keys := make([][32]byte, n)
	for i := range keys {
		if _, err := rand.Read(keys[i][:]); err != nil {
			t.Fatal(err)
		}
	}

	plaintexts := make([][]byte, numAddrs)
	for i := range plaintexts {
		plaintexts[i] = []byte(fmt.Sprintf("output-address-%d", i))
	}

	encrypted := make([][]byte, numAddrs)
	// perAddrShares[a][layer][rank]
	perAddrShares := make([][][]*big.Int, numAddrs)
	for a, pt := range plaintexts {
		enc, shares := fixtureAddress(pt, keys)
		encrypted[a] = enc
		perAddrShares[a] = shares
	}

	nodes := makeNetwork(n, thresh)
	for rank, node := range nodes {
		peers := make([]*escrow.InputPeer, numAddrs)
		for a := 0; a < numAddrs; a++ {
			layerShares := make([]*big.Int, n)
			for layer := 0; layer < n; layer++ {
				layerShares[layer] = perAddrShares[a][layer][rank]
			}
			p := &escrow.InputPeer{
				ID:                  escrow.PeerID(a),
				BitcoinAddress:      fmt.Sprintf("addr-%d", a),
				EncryptedOutputAddr: encrypted[a],
			}
			p.HashShare = transport.NewPromise[[]*big.Int]()
			p.HashShare.Resolve(layerShares)
			peers[a] = p
		}
		node.round = NewRound(node, node.values, peers, keys[rank])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make(map[uint16][][]byte)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for rank, node := range nodes {
		wg.Add(1)
		go func(rank uint16, node *fakeNode) {
			defer wg.Done()
			final, err := node.round.Result(ctx)
			require.NoError(t, err, "rank %d", rank)
			mu.Lock()
			results[rank] = final
			mu.Unlock()
		}(rank, node)
	}

	require.NoError(t, nodes[0].round.Start(ctx))

	wg.Wait()

	for rank, node := range nodes {
		select {
		case err := <-node.errs:
			t.Fatalf("rank %d: %v", rank, err)
		default:
		}
	}

	require.Len(t, results, n)
	first := results[0]
	require.Len(t, first, numAddrs)
	for rank := uint16(1); rank < uint16(n); rank++ {
		require.Equal(t, first, results[rank], "rank %d must converge on the same permutation", rank)
	}

	got := make([]string, len(first))
	for i, b := range first {
		got[i] = string(b)
	}
	sort.Strings(got)
	want := make([]string, len(plaintexts))
	for i, b := range plaintexts {
		want[i] = string(b)
	}
	sort.Strings(want)
	require.Equal(t, want, got, "final set must be exactly the registered plaintext addresses")
}
