package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/encodeous/nbns/core"
	"github.com/encodeous/nbns/protocol"
	"github.com/encodeous/nbns/state"
	"github.com/stretchr/testify/require"
)

// PacketFilter returns true to drop a message travelling from src to dst
type PacketFilter func(src, dst netip.Addr, msg *protocol.Message) bool

// InMemoryNetwork is a single broadcast domain. Every message is packed and unpacked on
// the way, and delivered on its own goroutine.
type InMemoryNetwork struct {
	sync.Mutex
	ports   map[netip.Addr]*virtualPort
	wg      sync.WaitGroup
	filter  atomic.Pointer[PacketFilter]
	Latency time.Duration
}

func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{ports: make(map[netip.Addr]*virtualPort)}
}

type virtualPort struct {
	net     *InMemoryNetwork
	addr    netip.Addr
	handler core.InboundHandler
	closed  atomic.Bool
}

func (i *InMemoryNetwork) SetFilter(f PacketFilter) {
	i.filter.Store(&f)
}

// Attach connects a handler to the network at addr, for peers that do not run nbns.
func (i *InMemoryNetwork) Attach(addr netip.Addr, handler core.InboundHandler) (core.Transport, error) {
	i.Lock()
	defer i.Unlock()
	if _, ok := i.ports[addr]; ok {
		return nil, fmt.Errorf("address %s is already in use", addr)
	}
	p := &virtualPort{net: i, addr: addr, handler: handler}
	i.ports[addr] = p
	return p, nil
}

// Factory builds a node's transport at the node's local address.
func (i *InMemoryNetwork) Factory() core.TransportFactory {
	return func(s *state.State, handler core.InboundHandler) (core.Transport, error) {
		return i.Attach(s.LocalAddress, handler)
	}
}

func (i *InMemoryNetwork) send(src, dst netip.Addr, msg *protocol.Message) error {
	b, err := protocol.Pack(msg)
	if err != nil {
		return err
	}
	if len(b) > state.MaxDatagramSize {
		return core.ErrMessageTooLarge
	}
	i.Lock()
	var targets []*virtualPort
	if dst == netip.IPv4Unspecified() {
		for _, p := range i.ports {
			targets = append(targets, p)
		}
	} else if p, ok := i.ports[dst]; ok {
		targets = append(targets, p)
	}
	// Add under the lock so Wait never races a send
	i.wg.Add(len(targets))
	i.Unlock()

	for _, p := range targets {
		go func() {
			defer i.wg.Done()
			if i.Latency != 0 {
				time.Sleep(i.Latency)
			}
			if p.closed.Load() {
				return
			}
			in, err := protocol.Unpack(b)
			if err != nil {
				panic(err)
			}
			if f := i.filter.Load(); f != nil && (*f)(src, p.addr, in) {
				return
			}
			from := netip.AddrPortFrom(src, state.NbnsPort)
			p.handler(in, from, func(res *protocol.Message) error {
				return i.send(p.addr, src, res)
			})
		}()
	}
	return nil
}

// Wait blocks until every message in flight is delivered or dropped.
func (i *InMemoryNetwork) Wait() {
	i.wg.Wait()
}

func (p *virtualPort) Broadcast(msg *protocol.Message) error {
	if p.closed.Load() {
		return net.ErrClosed
	}
	return p.net.send(p.addr, netip.IPv4Unspecified(), msg)
}

func (p *virtualPort) Unicast(addr netip.Addr, msg *protocol.Message) error {
	if p.closed.Load() {
		return net.ErrClosed
	}
	return p.net.send(p.addr, addr, msg)
}

func (p *virtualPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.net.Lock()
	delete(p.net.ports, p.addr)
	p.net.Unlock()
	return nil
}

type VirtualHarness struct {
	t      *testing.T
	Net    *InMemoryNetwork
	Local  []state.LocalCfg
	States []*state.State
	done   []chan error
}

func NewVirtualHarness(t *testing.T) *VirtualHarness {
	return &VirtualHarness{t: t, Net: NewInMemoryNetwork()}
}

// NewNode adds a node that claims the given names when it starts. It returns the node's index.
func (v *VirtualHarness) NewNode(id, addr string, names ...string) int {
	cfg := state.LocalCfg{
		Id:           id,
		LocalAddress: netip.MustParseAddr(addr),
	}
	for _, n := range names {
		cfg.Names = append(cfg.Names, state.NameCfg{Name: n, Suffix: 0x20})
	}
	cfg.ApplyDefaults()
	require.NoError(v.t, state.ConfigValidator(&cfg))
	v.Local = append(v.Local, cfg)
	return len(v.Local) - 1
}

func (v *VirtualHarness) Start() {
	v.States = make([]*state.State, len(v.Local))
	for idx, cfg := range v.Local {
		ready := make(chan *state.State, 1)
		done := make(chan error, 1)
		v.done = append(v.done, done)
		go func() {
			labels := pprof.Labels("nbns node", cfg.Id)
			pprof.Do(context.Background(), labels, func(_ context.Context) {
				done <- core.Start(cfg, slog.LevelInfo, "", map[string]any{
					"transport": v.Net.Factory(),
				}, ready)
			})
		}()
		select {
		case s := <-ready:
			v.States[idx] = s
		case err := <-done:
			v.t.Fatalf("node %s failed to start: %v", cfg.Id, err)
		case <-time.After(5 * time.Second):
			v.t.Fatalf("node %s did not start", cfg.Id)
		}
	}
}

func (v *VirtualHarness) Service(idx int) *core.NameService {
	return core.Get[*core.NameService](v.States[idx])
}

func (v *VirtualHarness) Stop() {
	for idx, s := range v.States {
		if s == nil {
			continue
		}
		s.Cancel(errors.New("stopping harness"))
		select {
		case err := <-v.done[idx]:
			require.NoError(v.t, err)
		case <-time.After(5 * time.Second):
			v.t.Errorf("node %s did not stop", s.Id)
		}
	}
	v.Net.Wait()
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustName(t *testing.T, name string) protocol.Name {
	n, err := protocol.ParseName(name, 0x20)
	require.NoError(t, err)
	return n
}
