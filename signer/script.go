package signer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/txscript"

	"github.com/coinparty/mixpeer/chaincfg"
)

// payToAddrScript builds the standard P2PKH script for a base58check
// address, the inverse of field.PubkeyToBitcoinAddress. CoinParty addresses
// are never decoded through btcutil.Address: the committee's own chaincfg
// network isn't one btcutil recognizes, so the version byte is checked
// against params directly instead.
func payToAddrScript(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, version, err := base58.CheckDecode(addr)
	if err != nil {
		return nil, fmt.Errorf("signer: decoding address %q: %w", addr, err)
	}
	if version != params.PubKeyHashAddrID {
		return nil, fmt.Errorf("signer: address %q has version 0x%02x, want 0x%02x", addr, version, params.PubKeyHashAddrID)
	}
	if len(decoded) != 20 {
		return nil, fmt.Errorf("signer: address %q decodes to a %d-byte hash, want 20", addr, len(decoded))
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(decoded).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}
