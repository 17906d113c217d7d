package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jessevdk/go-flags"
)

// iniOptions is the thin struct go-flags' ini parser walks for the
// [global] section -- the one part of the config table with a fixed,
// known shape. mixing_peers and mixing_networks are dynamic, arbitrarily
// sized tables keyed by peer/mixnet id; go-flags' struct-tag-driven
// parser has no way to express "N sections of unknown count and name",
// so those two are read by readTables below instead.
type iniOptions struct {
	Global GlobalConfig `group:"Global Options" namespace:"global" ini-name:"global"`
}

// LoadFile reads the static mixnets.conf config file named in §6: a
// [global] section parsed by go-flags' struct-tag INI parser, plus the
// [mixing_peers] and [mixing_networks.<id>] tables read by a small
// dotted-key scanner (id.field = value, one line per field).
func LoadFile(path string) (*Config, error) {
	opts := &iniOptions{}
	parser := flags.NewParser(opts, flags.IgnoreUnknown)
	ini := flags.NewIniParser(parser)
	if err := ini.ParseFile(path); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	peers, networks, err := readTables(path)
	if err != nil {
		return nil, err
	}

	return &Config{
		Global:         opts.Global,
		MixingPeers:    peers,
		MixingNetworks: networks,
	}, nil
}

// readTables scans path for the [mixing_peers] section and any number of
// [mixing_networks.<mixnet_id>] sections. Each mixing_networks section holds
// one bare "threshold = <t>" line plus dotted keys of the form
// "<id>.<field> = <value>" for every member peer.
func readTables(path string) (map[uint16]PeerConfig, map[string]*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	peers := make(map[uint16]PeerConfig)
	networks := make(map[string]*Network)

	var section string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}

		switch {
		case section == "mixing_peers":
			if err := setPeerField(peers, line); err != nil {
				return nil, nil, fmt.Errorf("config: %s: %w", path, err)
			}
		case strings.HasPrefix(section, "mixing_networks."):
			mixnetID := strings.TrimPrefix(section, "mixing_networks.")
			net := networks[mixnetID]
			if net == nil {
				net = &Network{Peers: make(map[uint16]NetworkPeer)}
				networks[mixnetID] = net
			}
			if err := setNetworkField(net, line); err != nil {
				return nil, nil, fmt.Errorf("config: %s: %w", path, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return peers, networks, nil
}

func setPeerField(peers map[uint16]PeerConfig, line string) error {
	id, field, value, err := splitDottedKey(line)
	if err != nil {
		return err
	}
	p := peers[id]
	switch field {
	case "web_addr":
		p.WebAddr = value
	case "pubkey_hex":
		p.PublicKeyHex = value
	case "prvkey_hex":
		p.PrivateKeyHex = value
	default:
		return fmt.Errorf("unknown mixing_peers field %q", field)
	}
	peers[id] = p
	return nil
}

// setNetworkField dispatches one line of a [mixing_networks.<id>] section:
// either the section-wide "threshold = <t>" (no dot, since it names no
// individual peer) or a per-peer "<id>.<field> = <value>" entry.
func setNetworkField(net *Network, line string) error {
	if !strings.Contains(strings.SplitN(line, "=", 2)[0], ".") {
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return fmt.Errorf("malformed line %q (expected key = value)", line)
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if key != "threshold" {
			return fmt.Errorf("unknown mixing_networks key %q", key)
		}
		t, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parsing threshold %q: %w", value, err)
		}
		net.Threshold = t
		return nil
	}

	id, field, value, err := splitDottedKey(line)
	if err != nil {
		return err
	}
	p := net.Peers[id]
	switch field {
	case "rank":
		rank, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("parsing rank %q: %w", value, err)
		}
		p.Rank = uint16(rank)
	case "p2p_addr":
		p.P2PAddr = value
	default:
		return fmt.Errorf("unknown mixing_networks field %q", field)
	}
	net.Peers[id] = p
	return nil
}

// splitDottedKey parses "<id>.<field> = <value>" into its three parts.
func splitDottedKey(line string) (id uint16, field, value string, err error) {
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return 0, "", "", fmt.Errorf("malformed line %q (expected key = value)", line)
	}
	key := strings.TrimSpace(line[:eq])
	value = strings.TrimSpace(line[eq+1:])

	dot := strings.IndexByte(key, '.')
	if dot < 0 {
		return 0, "", "", fmt.Errorf("malformed key %q (expected id.field)", key)
	}
	parsed, err := strconv.ParseUint(key[:dot], 10, 16)
	if err != nil {
		return 0, "", "", fmt.Errorf("parsing id in %q: %w", key, err)
	}
	return uint16(parsed), key[dot+1:], value, nil
}
