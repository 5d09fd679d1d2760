package state

import (
	"net"
	"net/netip"

	"github.com/encodeous/nbns/protocol"
)

// NameCfg is a name claimed when the service starts
type NameCfg struct {
	Name   string `yaml:"name"`
	Suffix uint8  `yaml:"suffix,omitempty"`
	Group  bool   `yaml:"group,omitempty"`
	Ttl    uint32 `yaml:"ttl,omitempty"` // defaults to LocalCfg.DefaultTtl
}

// LocalCfg represents local node-level configuration
type LocalCfg struct {
	Id               string         `yaml:"id,omitempty"`        // shown in log output, defaults to the first configured name
	Mode             string         `yaml:"mode,omitempty"`      // broadcast, point or hybrid. only broadcast is implemented
	BindAddress      netip.Addr     `yaml:"bind_address"`        // address the sockets bind to, defaults to 0.0.0.0
	LocalAddress     netip.Addr     `yaml:"local_address"`       // address advertised for our names, defaults to the first non-loopback ipv4 address
	BroadcastAddress netip.Addr     `yaml:"broadcast_address"`   // defaults to 255.255.255.255
	UdpPort          uint16         `yaml:"udp_port,omitempty"`  // port we listen on
	PeerPort         uint16         `yaml:"peer_port,omitempty"` // port broadcasts and unicast requests are sent to
	TcpPort          uint16         `yaml:"tcp_port,omitempty"`
	DisableTcp       bool           `yaml:"disable_tcp,omitempty"`
	DefaultTtl       uint32         `yaml:"default_ttl,omitempty"`
	Scope            string         `yaml:"scope,omitempty"`            // scope appended to configured names that have none
	AllowedPrefixes  []netip.Prefix `yaml:"allowed_prefixes,omitempty"` // if not empty, packets from other sources are dropped
	Names            []NameCfg      `yaml:"names,omitempty"`
	LogPath          string         `yaml:"log_path,omitempty"`   // if not empty, nbns will write to this file
	DebugAddr        string         `yaml:"debug_addr,omitempty"` // if not empty, serves metrics and inspect output over http
}

func DefaultConfig() LocalCfg {
	cfg := LocalCfg{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in every unset field that has a protocol default
func (c *LocalCfg) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = protocol.NodeBroadcast.String()
	}
	if !c.BindAddress.IsValid() {
		c.BindAddress = netip.IPv4Unspecified()
	}
	if !c.LocalAddress.IsValid() {
		c.LocalAddress = DefaultLocalAddress()
	}
	if !c.BroadcastAddress.IsValid() {
		c.BroadcastAddress = netip.MustParseAddr(DefaultBroadcastAddress)
	}
	if c.UdpPort == 0 {
		c.UdpPort = NbnsPort
	}
	if c.PeerPort == 0 {
		c.PeerPort = NbnsPort
	}
	if c.TcpPort == 0 {
		c.TcpPort = NbnsPort
	}
	if c.DefaultTtl == 0 {
		c.DefaultTtl = DefaultTtl
	}
	if c.Id == "" && len(c.Names) > 0 {
		c.Id = c.Names[0].Name
	}
}

// ParsedNames resolves the configured names, applying the default scope
func (c *LocalCfg) ParsedNames() ([]protocol.Name, error) {
	names := make([]protocol.Name, 0, len(c.Names))
	for _, n := range c.Names {
		name, err := protocol.ParseName(n.Name, n.Suffix)
		if err != nil {
			return nil, err
		}
		if name.Scope == "" && c.Scope != "" {
			name.Scope = c.Scope
			if err = name.Validate(); err != nil {
				return nil, err
			}
		}
		names = append(names, name)
	}
	return names, nil
}

// DefaultLocalAddress picks the first non-loopback ipv4 interface address.
func DefaultLocalAddress() netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.IPv4Unspecified()
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
			return addr
		}
	}
	return netip.IPv4Unspecified()
}
