package core

import (
	"net/netip"
	"testing"

	"github.com/encodeous/nbns/mock"
	"github.com/encodeous/nbns/protocol"
	"github.com/encodeous/nbns/state"
	"github.com/stretchr/testify/require"
)

type HarnessEvent struct {
	Message string
	To      string
	Msg     *protocol.Message
}

func MakeEvent(msg string, to string, m *protocol.Message) HarnessEvent {
	return HarnessEvent{
		Message: msg,
		To:      to,
		Msg:     m,
	}
}

// EngineHarness runs a BroadcastMode against a virtual clock and records everything it sends.
type EngineHarness struct {
	t         *testing.T
	clock     *mock.Clock
	local     *state.NameMap
	remote    *state.NameMap
	mode      *BroadcastMode
	events    []HarnessEvent
	conflicts []string
	nextId    uint16
	sendErr   error
}

func NewEngineHarness(t *testing.T) *EngineHarness {
	h := &EngineHarness{
		t:      t,
		clock:  &mock.Clock{},
		nextId: 0x100,
	}
	h.local = state.NewNameMap(h.clock, true)
	h.remote = state.NewNameMap(h.clock, true)
	var err error
	h.mode, err = NewBroadcastMode(BroadcastOptions{
		Broadcast: func(msg *protocol.Message) error {
			return h.record("BROADCAST", "*", msg)
		},
		Unicast: func(addr netip.Addr, msg *protocol.Message) error {
			return h.record("UNICAST", addr.String(), msg)
		},
		NextTransactionId: func() uint16 {
			h.nextId++
			return h.nextId
		},
		Local:     h.local,
		Remote:    h.remote,
		Scheduler: h.clock,
		OnConflict: func(name protocol.Name, other netip.Addr) {
			h.conflicts = append(h.conflicts, name.String()+"@"+other.String())
		},
	})
	require.NoError(t, err)
	return h
}

func (h *EngineHarness) record(kind, to string, msg *protocol.Message) error {
	if h.sendErr != nil {
		return h.sendErr
	}
	// everything the engine sends must survive the wire
	if _, err := protocol.Pack(msg); err != nil {
		return err
	}
	h.events = append(h.events, MakeEvent(kind, to, msg))
	return nil
}

// Reply is the reply func the transport would hand the engine for a packet from peer.
func (h *EngineHarness) Reply(peer string) SendFunc {
	return func(msg *protocol.Message) error {
		return h.record("REPLY", peer, msg)
	}
}

// Sent returns the messages of one kind, in order.
func (h *EngineHarness) Sent(kind string) []*protocol.Message {
	var out []*protocol.Message
	for _, e := range h.events {
		if e.Message == kind {
			out = append(out, e.Msg)
		}
	}
	return out
}

func (h *EngineHarness) Last(kind string) HarnessEvent {
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Message == kind {
			return h.events[i]
		}
	}
	h.t.Fatalf("no %s event recorded", kind)
	return HarnessEvent{}
}

func nbRecord(name protocol.Name, addr string, group bool) protocol.ResourceRecord {
	return protocol.ResourceRecord{
		Name: name,
		Type: protocol.TypeNB,
		Ttl:  300,
		NB:   []protocol.NBEntry{{Address: netip.MustParseAddr(addr), Group: group}},
	}
}

func respond(req *protocol.Message, rcode protocol.Rcode, answers ...protocol.ResourceRecord) *protocol.Message {
	return &protocol.Message{
		TransactionId: req.TransactionId,
		Op:            req.Op,
		Response:      true,
		Authoritative: true,
		Rcode:         rcode,
		Answers:       answers,
	}
}

func statusAnswer(req *protocol.Message, nodes ...protocol.StatusNode) *protocol.Message {
	return respond(req, protocol.RcodeNone, protocol.ResourceRecord{
		Name:   req.Questions[0].Name,
		Type:   protocol.TypeNBSTAT,
		Status: &protocol.NodeStatus{Nodes: nodes},
	})
}
