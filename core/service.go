package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/encodeous/nbns/protocol"
	"github.com/encodeous/nbns/state"
	"github.com/jellydator/ttlcache/v3"
)

var ErrNameInUse = errors.New("name is owned by another node")

type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventError
	EventCached
	EventEvicted
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventError:
		return "error"
	case EventCached:
		return "cached"
	case EventEvicted:
		return "evicted"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event reports a change to the names this node owns (added, removed, error) or to the
// names it has learned about from other nodes (cached, evicted).
type Event struct {
	Kind    EventKind
	Name    protocol.Name
	Address netip.Addr
	Group   bool
	Err     error
}

// NameService owns the local and remote name maps and drives the node's mode over a transport.
type NameService struct {
	env       *state.Env
	Local     *state.NameMap
	Remote    *state.NameMap
	mode      Mode
	transport Transport
	conflicts *ttlcache.Cache[string, netip.Addr]
	nextId    uint16

	subMu       sync.Mutex
	subscribers []func(Event)
}

func (n *NameService) Init(s *state.State) error {
	n.env = s.Env
	n.nextId = uint16(time.Now().UnixMilli())
	n.conflicts = ttlcache.New[string, netip.Addr](
		ttlcache.WithTTL[string, netip.Addr](state.ConflictMemory),
		ttlcache.WithDisableTouchOnHit[string, netip.Addr](),
	)

	n.Local = state.NewNameMap(s.Env, true)
	n.Remote = state.NewNameMap(s.Env, true)
	n.Local.OnAdded(func(r state.Record) {
		if state.DBG_log_maps {
			s.Log.Debug("local name added", "name", r.Name, "address", r.Address, "ttl", r.MaxTtl)
		}
		n.emit(Event{Kind: EventAdded, Name: r.Name, Address: r.Address, Group: r.Group})
	})
	n.Local.OnRemoved(func(r state.Record) {
		if state.DBG_log_maps {
			s.Log.Debug("local name removed", "name", r.Name)
		}
		n.emit(Event{Kind: EventRemoved, Name: r.Name, Address: r.Address, Group: r.Group})
	})
	n.Remote.OnAdded(func(r state.Record) {
		if state.DBG_log_maps {
			s.Log.Debug("remote name cached", "name", r.Name, "address", r.Address, "ttl", r.MaxTtl)
		}
		n.emit(Event{Kind: EventCached, Name: r.Name, Address: r.Address, Group: r.Group})
	})
	n.Remote.OnRemoved(func(r state.Record) {
		if state.DBG_log_maps {
			s.Log.Debug("remote name evicted", "name", r.Name)
		}
		n.emit(Event{Kind: EventEvicted, Name: r.Name, Address: r.Address, Group: r.Group})
	})
	// cached names are forgotten rather than refreshed
	n.Remote.OnTimeout(func(name protocol.Name) {
		if state.DBG_log_maps {
			s.Log.Debug("remote name expired", "name", name)
		}
		n.Remote.Remove(name)
	})

	nodeType, err := protocol.ParseNodeType(s.Mode)
	if err != nil {
		return err
	}
	factory := TransportFactory(ListenUdp)
	if f, ok := s.AuxConfig["transport"].(TransportFactory); ok {
		factory = f
	}
	n.transport, err = factory(s, n.deliver)
	if err != nil {
		return err
	}
	if nodeType == protocol.NodeBroadcast {
		n.mode, err = NewBroadcastMode(BroadcastOptions{
			Broadcast:         n.transport.Broadcast,
			Unicast:           n.transport.Unicast,
			NextTransactionId: n.allocateId,
			Local:             n.Local,
			Remote:            n.Remote,
			Scheduler:         s.Env,
			Log:               s.Log,
			OnConflict:        n.recordConflict,
		})
		if err != nil {
			return err
		}
	} else {
		s.Log.Warn("node type is not supported, every operation will fail", "mode", nodeType)
		n.mode = NewUnsupportedMode(nodeType)
	}

	s.RepeatTask(func(s *state.State) error {
		n.conflicts.DeleteExpired()
		return nil
	}, state.GcDelay)

	return n.claimConfigured(s)
}

func (n *NameService) claimConfigured(s *state.State) error {
	names, err := s.ParsedNames()
	if err != nil {
		return err
	}
	for i, name := range names {
		cfg := s.Names[i]
		ttl := cfg.Ttl
		if ttl == 0 {
			ttl = s.DefaultTtl
		}
		n.mode.Add(AddRequest{Name: name, Group: cfg.Group, Address: s.LocalAddress, Ttl: ttl}, func(res AddResult) {
			switch {
			case res.Err != nil:
				s.Log.Error("failed to claim name", "name", name, "error", res.Err)
				n.emit(Event{Kind: EventError, Name: name, Err: res.Err})
			case !res.Claimed:
				s.Log.Warn("name is already in use", "name", name, "owner", res.Conflict)
				n.emit(Event{Kind: EventError, Name: name, Address: res.Conflict, Err: ErrNameInUse})
			}
		})
	}
	return nil
}

func (n *NameService) Cleanup(s *state.State) error {
	if n.mode != nil {
		n.mode.Close()
	}
	var err error
	if n.transport != nil {
		err = n.transport.Close()
	}
	if n.Local != nil {
		n.Local.Detach()
		n.Remote.Detach()
		n.Local.Clear()
		n.Remote.Clear()
	}
	if n.conflicts != nil {
		n.conflicts.DeleteAll()
	}
	return err
}

// Subscribe registers fn for every future Event. fn runs on the main goroutine and must not block.
func (n *NameService) Subscribe(fn func(Event)) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	n.subscribers = append(n.subscribers, fn)
}

func (n *NameService) emit(e Event) {
	n.subMu.Lock()
	subs := n.subscribers
	n.subMu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (n *NameService) allocateId() uint16 {
	n.nextId++
	return n.nextId
}

func (n *NameService) recordConflict(name protocol.Name, other netip.Addr) {
	n.conflicts.Set(name.String(), other, ttlcache.DefaultTTL)
	if n.Local.Contains(name) {
		n.emit(Event{Kind: EventError, Name: name, Address: other, Err: ErrNameInUse})
	}
}

// deliver hands a message from the transport to the main goroutine.
func (n *NameService) deliver(msg *protocol.Message, from netip.AddrPort, reply SendFunc) {
	n.env.Dispatch(func(s *state.State) error {
		if err := HandleMessage(n.mode, msg, reply); err != nil {
			s.Log.Debug("failed to handle message", "from", from, "op", msg.Op, "error", err)
		}
		return nil
	})
}

// Add claims name for this node, blocking until the claim settles. A ttl of 0 uses the
// configured default.
func (n *NameService) Add(ctx context.Context, name protocol.Name, group bool, ttl uint32) AddResult {
	ret := make(chan AddResult, 1)
	n.env.Dispatch(func(s *state.State) error {
		if ttl == 0 {
			ttl = s.DefaultTtl
		}
		n.mode.Add(AddRequest{Name: name, Group: group, Address: s.LocalAddress, Ttl: ttl}, func(res AddResult) {
			ret <- res
		})
		return nil
	})
	select {
	case res := <-ret:
		return res
	case <-ctx.Done():
		return AddResult{Err: ctx.Err()}
	case <-n.env.Context.Done():
		return AddResult{Err: ErrClosed}
	}
}

func (n *NameService) Remove(ctx context.Context, name protocol.Name) error {
	ret := make(chan error, 1)
	n.env.Dispatch(func(s *state.State) error {
		n.mode.Remove(name, func(err error) {
			ret <- err
		})
		return nil
	})
	select {
	case err := <-ret:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.env.Context.Done():
		return ErrClosed
	}
}

func (n *NameService) Find(ctx context.Context, name protocol.Name) FindResult {
	ret := make(chan FindResult, 1)
	n.env.Dispatch(func(s *state.State) error {
		n.mode.Find(name, func(res FindResult) {
			ret <- res
		})
		return nil
	})
	select {
	case res := <-ret:
		return res
	case <-ctx.Done():
		return FindResult{Err: ctx.Err()}
	case <-n.env.Context.Done():
		return FindResult{Err: ErrClosed}
	}
}

// Inspect renders the service state as text.
func (n *NameService) Inspect(ctx context.Context) (string, error) {
	ret := make(chan string, 1)
	n.env.Dispatch(func(s *state.State) error {
		ret <- n.inspect(s)
		return nil
	})
	select {
	case res := <-ret:
		return res, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-n.env.Context.Done():
		return "", ErrClosed
	}
}

func (n *NameService) inspect(s *state.State) string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("Node: %s (%s, %s)\n", s.Id, s.Mode, s.LocalAddress))

	writeMap := func(title string, m *state.NameMap) {
		sb.WriteString("\n" + title + ":\n")
		recs := m.Records()
		if len(recs) == 0 {
			sb.WriteString(" (none)\n")
		}
		for _, r := range recs {
			kind := "unique"
			if r.Group {
				kind = "group"
			}
			if r.MaxTtl == 0 {
				sb.WriteString(fmt.Sprintf(" - %s %s %s ttl never\n", r.Name, r.Address, kind))
			} else {
				sb.WriteString(fmt.Sprintf(" - %s %s %s ttl %d/%d\n", r.Name, r.Address, kind, r.Ttl, r.MaxTtl))
			}
		}
	}
	writeMap("Local Names", n.Local)
	writeMap("Remote Names", n.Remote)

	sb.WriteString("\nConflicts:\n")
	items := n.conflicts.Items()
	if len(items) == 0 {
		sb.WriteString(" (none)\n")
	}
	for _, key := range slices.Sorted(maps.Keys(items)) {
		it := items[key]
		sb.WriteString(fmt.Sprintf(" - %s claimed by %s, forgotten in %.0fs\n", key, it.Value(), time.Until(it.ExpiresAt()).Seconds()))
	}

	if b, ok := n.mode.(*BroadcastMode); ok {
		sb.WriteString(fmt.Sprintf("\nPending Transactions: %d\n", b.Pending()))
	}
	return sb.String()
}
