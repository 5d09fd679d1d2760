package state

import (
	"fmt"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/encodeous/nbns/protocol"
)

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func BindValidator(s string) error {
	_, err := netip.ParseAddrPort(s)
	return err
}

func ModeValidator(s string) error {
	_, err := protocol.ParseNodeType(s)
	return err
}

// ConfigValidator should be run after ApplyDefaults
func ConfigValidator(cfg *LocalCfg) error {
	if err := ModeValidator(cfg.Mode); err != nil {
		return err
	}
	if !cfg.BindAddress.Is4() {
		return fmt.Errorf("bind_address %s must be an ipv4 address", cfg.BindAddress)
	}
	if !cfg.LocalAddress.Is4() {
		return fmt.Errorf("local_address %s must be an ipv4 address", cfg.LocalAddress)
	}
	if !cfg.BroadcastAddress.Is4() {
		return fmt.Errorf("broadcast_address %s must be an ipv4 address", cfg.BroadcastAddress)
	}
	if cfg.PeerPort == 0 {
		return fmt.Errorf("peer_port must not be 0")
	}
	if cfg.DefaultTtl == 0 {
		return fmt.Errorf("default_ttl must be positive")
	}
	if cfg.Scope != "" {
		if err := (protocol.Name{Base: "SCOPE", Scope: cfg.Scope}).Validate(); err != nil {
			return fmt.Errorf("scope: %w", err)
		}
	}
	for _, p := range cfg.AllowedPrefixes {
		if !p.IsValid() {
			return fmt.Errorf("allowed_prefixes contains an invalid prefix")
		}
	}
	names, err := cfg.ParsedNames()
	if err != nil {
		return err
	}
	seen := make([]string, 0, len(names))
	for _, n := range names {
		if slices.Contains(seen, n.String()) {
			return fmt.Errorf("duplicate name: %s", n)
		}
		seen = append(seen, n.String())
	}
	if cfg.LogPath != "" {
		if err := PathValidator(cfg.LogPath); err != nil {
			return fmt.Errorf("log_path: %w", err)
		}
	}
	if cfg.DebugAddr != "" {
		if err := BindValidator(cfg.DebugAddr); err != nil {
			return fmt.Errorf("debug_addr: %w", err)
		}
	}
	return nil
}
