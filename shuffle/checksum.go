package shuffle

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/coinparty/mixpeer/escrow"
	"github.com/coinparty/mixpeer/field"
	"github.com/coinparty/mixpeer/smpc"
)

// checksumHex renders v as a fixed-width, zero-padded hex string spanning
// the full byte width of field.HashOrder (34 bytes / 68 hex digits),
// matching ShufflingProtocol.py's checksumToString.
func checksumHex(v *big.Int) string {
	var buf [34]byte
	new(big.Int).Mod(v, field.HashOrder).FillBytes(buf[:])
	return fmt.Sprintf("%x", buf[:])
}

// referenceChecksum computes the checksum a layer's broadcast addresses
// must reproduce: the SHA-256 digest of each address, summed mod
// field.HashOrder. Grounded on computeReferenceChecksum.
func referenceChecksum(addrs [][]byte) string {
	sum := new(big.Int)
	for _, a := range addrs {
		d := sha256.Sum256(a)
		sum.Add(sum, new(big.Int).SetBytes(d[:]))
	}
	sum.Mod(sum, field.HashOrder)
	return checksumHex(sum)
}

// compareChecksums reports whether two checksum strings match (S3: every
// peer must refuse to proceed past a layer whose broadcast addresses don't
// reproduce the publicly agreed checksum).
func compareChecksums(reference, recombined string) bool {
	return reference == recombined
}

// recombineLayerChecksum reconstructs layer's publicly-agreed checksum by
// summing every input peer's own additive hash-share for that layer and
// running Rec over field.HashOrder, which waits for every committee
// member's contribution and tolerates up to t corrupted ones. Grounded on
// recombineChecksum. Unlike the distributed-generation values in package
// smpc (DKGValue and friends), no DKG runs here: each committee member
// already directly holds its own share of this sum, delivered by the
// input user over the out-of-scope web registration boundary rather than
// peer-to-peer, so WrapValue lifts the already-known local sum and Rec
// only needs to reconstruct, not generate.
func recombineLayerChecksum(ctx context.Context, net smpc.Network, store *smpc.Store, peers []*escrow.InputPeer, layer int) (string, error) {
	sum := new(big.Int)
	for _, p := range peers {
		shares, err := p.HashShare.Wait(ctx)
		if err != nil {
			return "", fmt.Errorf("waiting for peer %d's hash share: %w", p.ID, err)
		}
		if layer >= len(shares) {
			return "", fmt.Errorf("peer %d's hash share vector too short for layer %d", p.ID, layer)
		}
		sum.Add(sum, shares[layer])
	}
	sum.Mod(sum, field.HashOrder)

	id := fmt.Sprintf("checksum-%d", layer)
	wrapped := smpc.NewWrapValue(id+"-share", uint32(layer), net.N(), net.T(), field.HashOrder, sum)
	checksum := smpc.NewRecValue(net, id, uint32(layer), field.HashOrder, wrapped)
	if err := store.Add(checksum); err != nil {
		return "", fmt.Errorf("registering layer %d checksum: %w", layer, err)
	}

	public, err := checksum.PublicValue(ctx)
	if err != nil {
		return "", fmt.Errorf("reconstructing layer %d checksum: %w", layer, err)
	}
	return checksumHex(public), nil
}
