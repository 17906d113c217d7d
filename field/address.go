package field

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //lint:ignore SA1019 ripemd160 is required for Bitcoin's hash160
)

// MainNetVersion and TestNetVersion are the P2PKH address version bytes
// Bitcoin (and therefore CoinParty escrow addresses) use. Grounded on
// original_source/communication/protocols/low/Bitcoin.py's
// get_version_byte.
const (
	MainNetVersion byte = 0x00
	TestNetVersion byte = 0x6F
)

// Hash160 computes ripemd160(sha256(b)), the Bitcoin "hash160" used to turn
// a serialized public key into a P2PKH pubkey hash.
func Hash160(b []byte) []byte {
	sum := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sum[:])
	return h.Sum(nil)
}

// PubkeyToBitcoinAddress derives the base58check P2PKH address for an
// uncompressed public key, using versionByte to select mainnet (0x00) or
// testnet (0x6F). Grounded on Bitcoin.py's computeBitcoinAddress:
// base58check(version || ripemd160(sha256(pubkey))).
func PubkeyToBitcoinAddress(pubkey []byte, versionByte byte) string {
	hash := Hash160(pubkey)
	payload := make([]byte, 0, 21)
	payload = append(payload, versionByte)
	payload = append(payload, hash...)
	return base58.CheckEncode(payload[1:], payload[0])
}
