package core

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/encodeous/nbns/protocol"
)

var (
	ErrUnsupported = errors.New("node type is not supported")
	ErrClosed      = errors.New("name service closed")
)

// SendFunc delivers a message to one fixed destination.
type SendFunc func(msg *protocol.Message) error

// UnicastFunc delivers a message to the name service port of addr.
type UnicastFunc func(addr netip.Addr, msg *protocol.Message) error

type AddRequest struct {
	Name    protocol.Name
	Group   bool
	Address netip.Addr
	Ttl     uint32
}

type AddResult struct {
	Claimed bool
	// Conflict is the address of the node that defended the name, if one did
	Conflict netip.Addr
	Err      error
}

type FindResult struct {
	Found   bool
	Address netip.Addr
	Err     error
}

// Mode is a node type's resolution strategy. All methods are called from the service's
// main goroutine, and callbacks are invoked on it as well.
type Mode interface {
	Add(req AddRequest, done func(AddResult))
	Remove(name protocol.Name, done func(error))
	Find(name protocol.Name, done func(FindResult))

	OnResponse(msg *protocol.Message, reply SendFunc)
	OnQuery(req *protocol.Message) *protocol.Message
	OnRegistration(req *protocol.Message) *protocol.Message
	OnRelease(req *protocol.Message)
	OnRefresh(req *protocol.Message)
	OnWack(req *protocol.Message)

	// Close abandons every pending transaction, failing its callback with ErrClosed
	Close()
}

// HandleMessage routes an inbound message to the mode and sends the reply it produces, if any.
func HandleMessage(m Mode, msg *protocol.Message, reply SendFunc) error {
	if msg.Response {
		m.OnResponse(msg, reply)
		return nil
	}
	var res *protocol.Message
	switch msg.Op {
	case protocol.OpQuery:
		res = m.OnQuery(msg)
	case protocol.OpRegistration:
		res = m.OnRegistration(msg)
	case protocol.OpRelease:
		m.OnRelease(msg)
	case protocol.OpRefresh:
		m.OnRefresh(msg)
	case protocol.OpWack:
		m.OnWack(msg)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnsupported, msg.Op)
	}
	if res == nil {
		return nil
	}
	return reply(res)
}

// unsupportedMode stands in for point and hybrid nodes, which need a name server.
type unsupportedMode struct {
	nodeType protocol.NodeType
}

func NewUnsupportedMode(nodeType protocol.NodeType) Mode {
	return &unsupportedMode{nodeType: nodeType}
}

func (u *unsupportedMode) err() error {
	return fmt.Errorf("%w: %s", ErrUnsupported, u.nodeType)
}

func (u *unsupportedMode) Add(_ AddRequest, done func(AddResult)) {
	done(AddResult{Err: u.err()})
}

func (u *unsupportedMode) Remove(_ protocol.Name, done func(error)) {
	done(u.err())
}

func (u *unsupportedMode) Find(_ protocol.Name, done func(FindResult)) {
	done(FindResult{Err: u.err()})
}

func (u *unsupportedMode) OnResponse(*protocol.Message, SendFunc) {}
func (u *unsupportedMode) OnQuery(*protocol.Message) *protocol.Message { return nil }
func (u *unsupportedMode) OnRegistration(*protocol.Message) *protocol.Message { return nil }
func (u *unsupportedMode) OnRelease(*protocol.Message) {}
func (u *unsupportedMode) OnRefresh(*protocol.Message) {}
func (u *unsupportedMode) OnWack(*protocol.Message) {}
func (u *unsupportedMode) Close() {}
