// Package config loads the static committee configuration a mixpeer
// instance starts from: the global network mode, the roster of mixing
// peers (web address and identity keys), and the per-mixnet rank/address
// tables peers use to dial each other.
package config

import "github.com/coinparty/mixpeer/field"

// GlobalConfig is the [global] table: the network-mode switch plus the
// bitcoind JSON-RPC endpoint commitment.Poller needs (§6's Bitcoin RPC
// interface names the calls; connecting to the node making them is ambient
// configuration the distilled spec is silent on).
type GlobalConfig struct {
	Testnet bool   `long:"testnet" description:"use the Bitcoin testnet address version and RPC port"`
	RPCHost string `long:"rpchost" description:"bitcoind JSON-RPC host:port"`
	RPCUser string `long:"rpcuser" description:"bitcoind JSON-RPC username"`
	RPCPass string `long:"rpcpass" description:"bitcoind JSON-RPC password"`
	RPCCert string `long:"rpccert" description:"path to bitcoind's RPC TLS certificate; empty disables TLS on the RPC connection"`
}

// VersionByte returns the base58check address version byte implied by
// Testnet, matching field.MainNetVersion/field.TestNetVersion.
func (g GlobalConfig) VersionByte() byte {
	if g.Testnet {
		return field.TestNetVersion
	}
	return field.MainNetVersion
}

// PeerConfig is one entry of the [mixing_peers] table: a committee
// member's HTTP front-end address and secp256k1 identity keypair.
// PrivateKeyHex is local-only -- never shipped in a config a peer
// distributes to anyone but itself.
type PeerConfig struct {
	WebAddr       string
	PublicKeyHex  string
	PrivateKeyHex string
}

// NetworkPeer is one entry of a [mixing_networks.<id>] table: the rank a
// peer plays within that particular mixnet instance and the TCP address
// the rest of the committee dials to reach it.
type NetworkPeer struct {
	Rank    uint16
	P2PAddr string
}

// Network is one [mixing_networks.<id>] table: the threshold t this mixnet
// instance runs at (§2's "threshold t and holder count n") plus the
// rank/address entry for every committee member taking part in it. n is
// implied by len(Peers), not stored separately.
type Network struct {
	Threshold int
	Peers     map[uint16]NetworkPeer
}

// Config is the fully loaded static configuration: one global mode, the
// roster of known peers, and the rank/address table for every mixnet the
// committee currently runs.
type Config struct {
	Global         GlobalConfig
	MixingPeers    map[uint16]PeerConfig
	MixingNetworks map[string]*Network
}

// Network returns the threshold/rank/address table for a given mixnet id,
// or false if the configuration never mentions it.
func (c *Config) Network(mixnetID string) (*Network, bool) {
	net, ok := c.MixingNetworks[mixnetID]
	return net, ok
}

// Peer returns the roster entry for a peer id, or false if unknown.
func (c *Config) Peer(id uint16) (PeerConfig, bool) {
	p, ok := c.MixingPeers[id]
	return p, ok
}
