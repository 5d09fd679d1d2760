package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/encodeous/nbns/perf"
	"github.com/encodeous/nbns/protocol"
	"github.com/encodeous/nbns/state"
	"github.com/gaissmai/bart"
	"golang.org/x/net/ipv4"
)

var ErrMessageTooLarge = errors.New("message does not fit in a datagram")

// InboundHandler receives every decoded message. reply answers the sender over the same
// transport. It may be called from any goroutine.
type InboundHandler func(msg *protocol.Message, from netip.AddrPort, reply SendFunc)

type Transport interface {
	Broadcast(msg *protocol.Message) error
	Unicast(addr netip.Addr, msg *protocol.Message) error
	Close() error
}

// TransportFactory builds the transport for a service. A factory stored in
// AuxConfig["transport"] replaces the default udp transport.
type TransportFactory func(s *state.State, handler InboundHandler) (Transport, error)

// UdpTransport speaks the name service over udp datagrams, and optionally accepts
// framed messages over tcp.
type UdpTransport struct {
	log       *slog.Logger
	conn      *net.UDPConn
	pc        *ipv4.PacketConn
	tcp       net.Listener
	broadcast netip.AddrPort
	peerPort  uint16
	allowed   *bart.Table[struct{}]
	handler   InboundHandler

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed atomic.Bool
}

// ListenUdp is the default TransportFactory.
func ListenUdp(s *state.State, handler InboundHandler) (Transport, error) {
	return NewUdpTransport(s.Context, s.LocalCfg, s.Log, handler)
}

func NewUdpTransport(ctx context.Context, cfg state.LocalCfg, log *slog.Logger, handler InboundHandler) (*UdpTransport, error) {
	u := &UdpTransport{
		log:       log,
		broadcast: netip.AddrPortFrom(cfg.BroadcastAddress, cfg.PeerPort),
		peerPort:  cfg.PeerPort,
		handler:   handler,
		conns:     make(map[net.Conn]struct{}),
	}
	if len(cfg.AllowedPrefixes) != 0 {
		u.allowed = &bart.Table[struct{}]{}
		for _, pfx := range cfg.AllowedPrefixes {
			u.allowed.Insert(pfx.Masked(), struct{}{})
		}
	}

	lc := net.ListenConfig{Control: socketControl}
	bind := netip.AddrPortFrom(cfg.BindAddress, cfg.UdpPort)
	pconn, err := lc.ListenPacket(ctx, "udp4", bind.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on udp %s: %w", bind, err)
	}
	u.conn = pconn.(*net.UDPConn)
	u.pc = ipv4.NewPacketConn(u.conn)
	if err = u.pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		log.Debug("packet control messages are unavailable", "error", err)
	}

	if !cfg.DisableTcp {
		tbind := netip.AddrPortFrom(cfg.BindAddress, cfg.TcpPort)
		u.tcp, err = lc.Listen(ctx, "tcp4", tbind.String())
		if err != nil {
			_ = u.conn.Close()
			return nil, fmt.Errorf("failed to listen on tcp %s: %w", tbind, err)
		}
		u.wg.Add(1)
		go u.acceptLoop()
	}

	u.wg.Add(1)
	go u.readLoop()
	log.Info("listening", "udp", u.conn.LocalAddr(), "broadcast", u.broadcast)
	return u, nil
}

// LocalAddr is the address the udp socket is bound to.
func (u *UdpTransport) LocalAddr() netip.AddrPort {
	ap := u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// StreamAddr is the address of the tcp listener, if there is one.
func (u *UdpTransport) StreamAddr() (netip.AddrPort, bool) {
	if u.tcp == nil {
		return netip.AddrPort{}, false
	}
	ap := u.tcp.Addr().(*net.TCPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

func (u *UdpTransport) Broadcast(msg *protocol.Message) error {
	return u.sendTo(u.broadcast, msg)
}

func (u *UdpTransport) Unicast(addr netip.Addr, msg *protocol.Message) error {
	return u.sendTo(netip.AddrPortFrom(addr, u.peerPort), msg)
}

func (u *UdpTransport) sendTo(to netip.AddrPort, msg *protocol.Message) error {
	if u.closed.Load() {
		return net.ErrClosed
	}
	b, err := protocol.Pack(msg)
	if err != nil {
		return err
	}
	if len(b) > state.MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrMessageTooLarge, len(b), state.MaxDatagramSize)
	}
	if state.DBG_log_packets {
		u.log.Debug("send", "to", to, "msg", msg)
	}
	if _, err = u.conn.WriteToUDPAddrPort(b, to); err != nil {
		return err
	}
	perf.SentPacketPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(b)))
	return nil
}

func (u *UdpTransport) allow(addr netip.Addr) bool {
	if u.allowed == nil {
		return true
	}
	_, ok := u.allowed.Lookup(addr)
	return ok
}

func (u *UdpTransport) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, cm, src, err := u.pc.ReadFrom(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.Debug("udp read failed", "error", err)
			continue
		}
		udpAddr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		from := udpAddr.AddrPort()
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if !u.allow(from.Addr()) {
			perf.DroppedPerSecond.Add(1)
			continue
		}
		perf.RecvPacketPerSecond.Add(1)
		perf.RecvBytesPerSecond.Add(float64(n))

		msg, err := protocol.Unpack(slices.Clone(buf[:n]))
		if err != nil {
			perf.DecodeErrors.Add(1)
			u.log.Debug("dropping malformed packet", "from", from, "error", err)
			continue
		}
		if state.DBG_log_packets {
			args := []any{"from", from, "msg", msg}
			if cm != nil {
				args = append(args, "dst", cm.Dst, "ifindex", cm.IfIndex)
			}
			u.log.Debug("recv", args...)
		}
		u.handler(msg, from, func(res *protocol.Message) error {
			return u.sendTo(from, res)
		})
	}
}

func (u *UdpTransport) acceptLoop() {
	defer u.wg.Done()
	for {
		c, err := u.tcp.Accept()
		if err != nil {
			if !u.closed.Load() && !errors.Is(err, net.ErrClosed) {
				u.log.Warn("tcp accept failed", "error", err)
			}
			return
		}
		from, err := netip.ParseAddrPort(c.RemoteAddr().String())
		if err != nil || !u.allow(from.Addr().Unmap()) {
			perf.DroppedPerSecond.Add(1)
			_ = c.Close()
			continue
		}
		u.mu.Lock()
		if u.closed.Load() {
			u.mu.Unlock()
			_ = c.Close()
			return
		}
		u.conns[c] = struct{}{}
		u.mu.Unlock()

		u.wg.Add(1)
		go u.serveStream(c, from)
	}
}

func (u *UdpTransport) serveStream(c net.Conn, from netip.AddrPort) {
	defer u.wg.Done()
	defer func() {
		u.mu.Lock()
		delete(u.conns, c)
		u.mu.Unlock()
		_ = c.Close()
	}()
	var wmu sync.Mutex
	reply := func(res *protocol.Message) error {
		wmu.Lock()
		defer wmu.Unlock()
		return protocol.WriteFrame(c, res)
	}
	for {
		msg, err := protocol.ReadFrame(c)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), u.closed.Load():
			case errors.Is(err, protocol.ErrTruncated), errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrUnsupported):
				perf.DecodeErrors.Add(1)
				u.log.Debug("closing stream after malformed message", "from", from, "error", err)
			default:
				u.log.Debug("stream read failed", "from", from, "error", err)
			}
			return
		}
		perf.RecvPacketPerSecond.Add(1)
		if state.DBG_log_packets {
			u.log.Debug("recv stream", "from", from, "msg", msg)
		}
		u.handler(msg, from, reply)
	}
}

func (u *UdpTransport) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	err := u.conn.Close()
	if u.tcp != nil {
		err = errors.Join(err, u.tcp.Close())
	}
	u.mu.Lock()
	for c := range u.conns {
		_ = c.Close()
	}
	u.mu.Unlock()
	u.wg.Wait()
	return err
}
