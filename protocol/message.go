package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Message is a single NBNS packet.
type Message struct {
	TransactionId uint16
	Op            Opcode
	Response      bool
	Rcode         Rcode

	Broadcast          bool
	RecursionAvailable bool
	RecursionDesired   bool
	Authoritative      bool
	Truncated          bool

	Questions  []Question
	Answers    []ResourceRecord
	Authority  []ResourceRecord
	Additional []ResourceRecord
}

type Question struct {
	Name Name
	Type RRType // TypeNB or TypeNBSTAT
}

// ResourceRecord holds exactly one of the typed bodies, selected by Type.
type ResourceRecord struct {
	Name Name
	Type RRType
	Ttl  uint32

	NB     []NBEntry   // TypeNB
	Status *NodeStatus // TypeNBSTAT
	A      netip.Addr  // TypeA
	NS     Name        // TypeNS
}

type NBEntry struct {
	Address  netip.Addr
	Group    bool
	NodeType NodeType
}

// NodeStatus is the body of a node status (nbstat) answer.
type NodeStatus struct {
	Nodes      []StatusNode
	UnitId     net.HardwareAddr
	Statistics [statisticsLen]byte
}

// StatusNode is one name in a node status answer. Names in a status answer carry no scope.
type StatusNode struct {
	Name       Name
	NodeType   NodeType
	Group      bool
	Permanent  bool
	Active     bool
	Conflict   bool
	Deregister bool
}

// FirstAddress returns the address of the first nb entry, if the record has one.
func (rr *ResourceRecord) FirstAddress() (netip.Addr, bool) {
	if rr.Type != TypeNB || len(rr.NB) == 0 {
		return netip.Addr{}, false
	}
	return rr.NB[0].Address, true
}

// ActiveNodes counts the active names in a node status record.
func (rr *ResourceRecord) ActiveNodes() int {
	if rr.Type != TypeNBSTAT || rr.Status == nil {
		return 0
	}
	n := 0
	for _, node := range rr.Status.Nodes {
		if node.Active {
			n++
		}
	}
	return n
}

func (m *Message) String() string {
	sb := strings.Builder{}
	kind := "request"
	if m.Response {
		kind = "response"
	}
	sb.WriteString(fmt.Sprintf("%s %s id=0x%04x", m.Op, kind, m.TransactionId))
	if m.Rcode != RcodeNone {
		sb.WriteString(fmt.Sprintf(" rcode=%s", m.Rcode))
	}
	flags := ""
	for _, f := range []struct {
		set bool
		s   string
	}{
		{m.Authoritative, "A"},
		{m.Truncated, "T"},
		{m.RecursionDesired, "D"},
		{m.RecursionAvailable, "R"},
		{m.Broadcast, "B"},
	} {
		if f.set {
			flags += f.s
		}
	}
	if flags != "" {
		sb.WriteString(" flags=" + flags)
	}
	for _, q := range m.Questions {
		sb.WriteString(fmt.Sprintf(" q=%s/%s", q.Name, q.Type))
	}
	for _, section := range [][]ResourceRecord{m.Answers, m.Authority, m.Additional} {
		for _, rr := range section {
			sb.WriteString(" rr=" + rr.String())
		}
	}
	return sb.String()
}

func (rr ResourceRecord) String() string {
	switch rr.Type {
	case TypeNB:
		addrs := make([]string, 0, len(rr.NB))
		for _, e := range rr.NB {
			addrs = append(addrs, e.Address.String())
		}
		return fmt.Sprintf("%s/nb[%s]", rr.Name, strings.Join(addrs, ","))
	case TypeNBSTAT:
		if rr.Status == nil {
			return fmt.Sprintf("%s/nbstat[]", rr.Name)
		}
		return fmt.Sprintf("%s/nbstat[%d]", rr.Name, len(rr.Status.Nodes))
	case TypeA:
		return fmt.Sprintf("%s/a[%s]", rr.Name, rr.A)
	case TypeNS:
		return fmt.Sprintf("%s/ns[%s]", rr.Name, rr.NS)
	}
	return fmt.Sprintf("%s/%s", rr.Name, rr.Type)
}
