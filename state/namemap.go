package state

import (
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"

	"github.com/encodeous/nbns/protocol"
)

var ErrNoEntries = errors.New("record has no nb entries")

// Record is a name to address binding held by a NameMap. A MaxTtl of 0 never expires.
type Record struct {
	Name     protocol.Name
	Address  netip.Addr
	NodeType protocol.NodeType
	Group    bool
	Ttl      uint32
	MaxTtl   uint32
}

// NB converts the record into its wire form.
func (r Record) NB() protocol.ResourceRecord {
	return protocol.ResourceRecord{
		Name: r.Name,
		Type: protocol.TypeNB,
		Ttl:  r.MaxTtl,
		NB: []protocol.NBEntry{{
			Address:  r.Address,
			Group:    r.Group,
			NodeType: r.NodeType,
		}},
	}
}

// NameMap holds names with a ttl that counts down once a second. When a ttl runs out it is
// reset to its maximum and timeout listeners are told; they decide whether to refresh or
// drop the name. NameMap must only be used from the goroutine its Scheduler runs callbacks on.
type NameMap struct {
	sched          Scheduler
	enableTimeouts bool
	entries        map[string]*Record
	timer          Timer

	onAdded   []func(Record)
	onRemoved []func(Record)
	onTimeout []func(protocol.Name)
}

func NewNameMap(sched Scheduler, enableTimeouts bool) *NameMap {
	return &NameMap{
		sched:          sched,
		enableTimeouts: enableTimeouts,
		entries:        make(map[string]*Record),
	}
}

func (m *NameMap) OnAdded(fn func(Record)) {
	m.onAdded = append(m.onAdded, fn)
}

func (m *NameMap) OnRemoved(fn func(Record)) {
	m.onRemoved = append(m.onRemoved, fn)
}

func (m *NameMap) OnTimeout(fn func(protocol.Name)) {
	m.onTimeout = append(m.onTimeout, fn)
}

func (m *NameMap) Len() int {
	return len(m.entries)
}

func (m *NameMap) Contains(name protocol.Name) bool {
	_, ok := m.entries[name.String()]
	return ok
}

func (m *NameMap) Get(name protocol.Name) (Record, bool) {
	r, ok := m.entries[name.String()]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// GetNbstat builds a node status answer listing every name in the query's scope.
func (m *NameMap) GetNbstat(query protocol.Name) protocol.ResourceRecord {
	st := &protocol.NodeStatus{}
	for _, r := range m.Records() {
		if r.Name.Scope != query.Scope {
			continue
		}
		st.Nodes = append(st.Nodes, protocol.StatusNode{
			Name:     protocol.Name{Base: r.Name.Base, Suffix: r.Name.Suffix},
			NodeType: r.NodeType,
			Group:    r.Group,
			Active:   true,
		})
	}
	return protocol.ResourceRecord{
		Name:   query,
		Type:   protocol.TypeNBSTAT,
		Ttl:    0,
		Status: st,
	}
}

// Add inserts or refreshes a name. Listeners only hear about the first insert.
func (m *NameMap) Add(name protocol.Name, group bool, address netip.Addr, ttl uint32, nodeType protocol.NodeType) {
	key := name.String()
	r, exists := m.entries[key]
	if !exists {
		r = &Record{}
		m.entries[key] = r
	}
	*r = Record{
		Name:     name,
		Address:  address,
		NodeType: nodeType,
		Group:    group,
		Ttl:      ttl,
		MaxTtl:   ttl,
	}
	m.arm()
	if !exists {
		for _, fn := range m.onAdded {
			fn(*r)
		}
	}
}

// Update adds the first nb entry of a wire record.
func (m *NameMap) Update(rr protocol.ResourceRecord) error {
	if rr.Type != protocol.TypeNB || len(rr.NB) == 0 {
		return fmt.Errorf("%w: %s", ErrNoEntries, rr.String())
	}
	e := rr.NB[0]
	m.Add(rr.Name, e.Group, e.Address, rr.Ttl, e.NodeType)
	return nil
}

func (m *NameMap) Remove(name protocol.Name) {
	key := name.String()
	r, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)
	if !m.counting() {
		m.disarm()
	}
	for _, fn := range m.onRemoved {
		fn(*r)
	}
}

// Clear drops every name, telling removed listeners about each one.
func (m *NameMap) Clear() {
	removed := m.Records()
	m.disarm()
	clear(m.entries)
	for _, r := range removed {
		for _, fn := range m.onRemoved {
			fn(r)
		}
	}
}

// Detach drops every listener.
func (m *NameMap) Detach() {
	m.onAdded = nil
	m.onRemoved = nil
	m.onTimeout = nil
}

// Records returns a copy of every entry, ordered by name.
func (m *NameMap) Records() []Record {
	keys := slices.Sorted(maps.Keys(m.entries))
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, *m.entries[k])
	}
	return out
}

func (m *NameMap) arm() {
	if m.timer != nil || !m.enableTimeouts || !m.counting() {
		return
	}
	m.timer = m.sched.AfterFunc(MapTickDelay, m.tick)
}

// counting reports whether any entry has a finite ttl.
func (m *NameMap) counting() bool {
	for _, r := range m.entries {
		if r.MaxTtl != 0 {
			return true
		}
	}
	return false
}

func (m *NameMap) disarm() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *NameMap) tick() {
	m.timer = nil
	var expired []protocol.Name
	for _, k := range slices.Sorted(maps.Keys(m.entries)) {
		r := m.entries[k]
		if r.MaxTtl == 0 {
			continue
		}
		r.Ttl--
		if r.Ttl < 1 {
			r.Ttl = r.MaxTtl
			expired = append(expired, r.Name)
		}
	}
	// re-arm first so listeners may remove entries
	m.arm()
	for _, name := range expired {
		for _, fn := range m.onTimeout {
			fn(name)
		}
	}
}
