// Package chaincfg holds the one piece of Bitcoin network configuration
// this module's address/script code actually reads: the P2PKH version
// byte. Trimmed down from a full consensus-parameter package (checkpoints,
// deployments, DNS seeds, genesis blocks, HD key magics -- none of it
// consulted by any mixpeer component, since escrow/signer only ever encode
// with field.PubkeyToBitcoinAddress and decode with base58.CheckDecode
// against params.PubKeyHashAddrID).
package chaincfg

import "github.com/coinparty/mixpeer/field"

// Params is the address-decoding configuration every escrow/signer call
// site needs: which version byte identifies a P2PKH address on this
// network.
type Params struct {
	// Name is a human-readable identifier for the network.
	Name string

	// PubKeyHashAddrID is the first byte of a base58check-encoded P2PKH
	// address on this network.
	PubKeyHashAddrID byte
}

// MainNetParams are the parameters for the production Bitcoin network.
var MainNetParams = Params{
	Name:             "mainnet",
	PubKeyHashAddrID: field.MainNetVersion,
}

// TestNet3Params are the parameters for the Bitcoin test network.
var TestNet3Params = Params{
	Name:             "testnet3",
	PubKeyHashAddrID: field.TestNetVersion,
}

var registeredPubKeyHashAddrIDs = map[byte]struct{}{}

// Register makes params' address version known to IsPubKeyHashAddrID.
// Idempotent: registering the same version byte twice is not an error,
// since both default networks may legitimately share config under a
// custom deployment.
func Register(params *Params) error {
	registeredPubKeyHashAddrIDs[params.PubKeyHashAddrID] = struct{}{}
	return nil
}

// IsPubKeyHashAddrID reports whether id prefixes a P2PKH address on any
// registered network.
func IsPubKeyHashAddrID(id byte) bool {
	_, ok := registeredPubKeyHashAddrIDs[id]
	return ok
}

func init() {
	_ = Register(&MainNetParams)
	_ = Register(&TestNet3Params)
}
