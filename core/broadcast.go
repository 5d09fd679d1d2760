package core

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/encodeous/nbns/protocol"
	"github.com/encodeous/nbns/state"
)

type BroadcastOptions struct {
	Broadcast SendFunc
	// Unicast reaches a specific node, used to verify query answers. When nil the
	// verification is sent to whoever answered the query.
	Unicast           UnicastFunc
	NextTransactionId func() uint16
	Local             *state.NameMap
	Remote            *state.NameMap
	Scheduler         state.Scheduler
	Log               *slog.Logger
	// OnConflict is told about every node found contesting a name
	OnConflict func(name protocol.Name, other netip.Addr)
}

// BroadcastMode resolves names the way a b-node does: claims are broadcast and succeed
// unless another node objects, and lookups are broadcast and then verified with a node
// status request to the answering node.
type BroadcastMode struct {
	opts   BroadcastOptions
	log    *slog.Logger
	txns   *transactionTable
	claims map[string][]func(AddResult)
}

func NewBroadcastMode(opts BroadcastOptions) (*BroadcastMode, error) {
	switch {
	case opts.Broadcast == nil:
		return nil, errors.New("broadcast mode requires a broadcast func")
	case opts.NextTransactionId == nil:
		return nil, errors.New("broadcast mode requires a transaction id source")
	case opts.Local == nil || opts.Remote == nil:
		return nil, errors.New("broadcast mode requires local and remote name maps")
	case opts.Scheduler == nil:
		return nil, errors.New("broadcast mode requires a scheduler")
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	b := &BroadcastMode{
		opts:   opts,
		log:    opts.Log,
		txns:   newTransactionTable(opts.Scheduler, opts.NextTransactionId),
		claims: make(map[string][]func(AddResult)),
	}
	opts.Local.OnTimeout(b.refresh)
	return b, nil
}

// Pending counts live transactions.
func (b *BroadcastMode) Pending() int {
	return b.txns.len()
}

func (b *BroadcastMode) Close() {
	b.txns.close()
}

func (b *BroadcastMode) Add(req AddRequest, done func(AddResult)) {
	done = once(done)
	if err := req.Name.Validate(); err != nil {
		done(AddResult{Err: err})
		return
	}
	if !req.Address.Is4() {
		done(AddResult{Err: fmt.Errorf("cannot claim %s for non-ipv4 address %s", req.Name, req.Address)})
		return
	}
	if b.opts.Local.Contains(req.Name) {
		done(AddResult{Claimed: true})
		return
	}
	key := req.Name.String()
	if waiters, ok := b.claims[key]; ok {
		b.claims[key] = append(waiters, done)
		return
	}
	b.claims[key] = []func(AddResult){done}
	resolve := func(res AddResult) {
		waiters := b.claims[key]
		delete(b.claims, key)
		for _, w := range waiters {
			w(res)
		}
	}

	rr := protocol.ResourceRecord{
		Name: req.Name,
		Type: protocol.TypeNB,
		Ttl:  req.Ttl,
		NB: []protocol.NBEntry{{
			Address:  req.Address,
			Group:    req.Group,
			NodeType: protocol.NodeBroadcast,
		}},
	}
	b.log.Debug("claiming name", "name", req.Name, "address", req.Address, "group", req.Group)
	b.txns.start(&transaction{
		request: announcement(protocol.OpRegistration, rr),
		send:    b.opts.Broadcast,
		retries: state.BcastRetryCount,
		onResponse: func(t *transaction, res *protocol.Message, _ SendFunc) {
			// only a negative response contests a broadcast claim
			if res.Rcode == protocol.RcodeNone {
				return
			}
			b.txns.finish(t)
			owner := responseOwner(res)
			b.log.Info("name claim refused", "name", req.Name, "owner", owner, "rcode", res.Rcode)
			b.conflict(req.Name, owner)
			resolve(AddResult{Conflict: owner})
		},
		onTimeout: func(t *transaction) {
			b.opts.Local.Add(req.Name, req.Group, req.Address, req.Ttl, protocol.NodeBroadcast)
			b.refresh(req.Name)
			b.log.Info("claimed name", "name", req.Name, "address", req.Address)
			resolve(AddResult{Claimed: true})
		},
		onError: func(t *transaction, err error) {
			resolve(AddResult{Err: fmt.Errorf("claim %s: %w", req.Name, err)})
		},
	})
}

// Remove forgets the name right away, then announces the release.
func (b *BroadcastMode) Remove(name protocol.Name, done func(error)) {
	done = once(done)
	r, ok := b.opts.Local.Get(name)
	if !ok {
		done(nil)
		return
	}
	b.opts.Local.Remove(name)
	b.log.Info("releasing name", "name", name)
	b.txns.start(&transaction{
		request:    announcement(protocol.OpRelease, r.NB()),
		send:       b.opts.Broadcast,
		retries:    state.BcastRetryCount,
		onResponse: func(*transaction, *protocol.Message, SendFunc) {},
		onTimeout: func(*transaction) {
			done(nil)
		},
		onError: func(_ *transaction, err error) {
			done(fmt.Errorf("release %s: %w", name, err))
		},
	})
}

func (b *BroadcastMode) Find(name protocol.Name, done func(FindResult)) {
	done = once(done)
	if err := name.Validate(); err != nil {
		done(FindResult{Err: err})
		return
	}
	if r, ok := b.opts.Local.Get(name); ok {
		done(FindResult{Found: true, Address: r.Address})
		return
	}
	if r, ok := b.opts.Remote.Get(name); ok {
		done(FindResult{Found: true, Address: r.Address})
		return
	}
	b.txns.start(&transaction{
		request: &protocol.Message{
			Op:               protocol.OpQuery,
			Broadcast:        true,
			RecursionDesired: true,
			Questions:        []protocol.Question{{Name: name, Type: protocol.TypeNB}},
		},
		send:    b.opts.Broadcast,
		retries: state.BcastRetryCount,
		onResponse: func(t *transaction, res *protocol.Message, reply SendFunc) {
			answer, ok := positiveAnswer(res, name)
			if !ok {
				return
			}
			switch t.state {
			case txnSent:
				b.txns.await(t)
				b.verify(t, name, answer, reply, done)
			case txnAwaitingResponse:
				if t.contender == nil && !sameOwner(answer, t.accepted) {
					t.contender = &answer
					t.contenderReply = reply
				}
			}
		},
		onTimeout: func(*transaction) {
			done(FindResult{})
		},
		onError: func(_ *transaction, err error) {
			done(FindResult{Err: fmt.Errorf("find %s: %w", name, err)})
		},
	})
}

// verify asks the node that answered a query for its status, and only trusts the answer
// once the node confirms it is up.
func (b *BroadcastMode) verify(parent *transaction, name protocol.Name, answer protocol.ResourceRecord, reply SendFunc, done func(FindResult)) {
	owner, _ := answer.FirstAddress()
	parent.accepted = &answer
	send := reply
	if b.opts.Unicast != nil {
		send = func(msg *protocol.Message) error {
			return b.opts.Unicast(owner, msg)
		}
	}
	b.txns.start(&transaction{
		request: &protocol.Message{
			Op:        protocol.OpQuery,
			Questions: []protocol.Question{{Name: name, Type: protocol.TypeNBSTAT}},
		},
		send:    send,
		retries: state.BcastRetryCount,
		onResponse: func(t *transaction, res *protocol.Message, _ SendFunc) {
			if res.Rcode != protocol.RcodeNone || len(res.Answers) == 0 || res.Answers[0].Type != protocol.TypeNBSTAT {
				return
			}
			b.txns.finish(t)
			if res.Answers[0].ActiveNodes() == 0 {
				b.log.Debug("answer failed verification", "name", name, "owner", owner)
				b.txns.finish(parent)
				done(FindResult{})
				return
			}
			if err := b.opts.Remote.Update(answer); err != nil {
				b.txns.finish(parent)
				done(FindResult{Err: err})
				return
			}
			b.log.Debug("found name", "name", name, "owner", owner)
			done(FindResult{Found: true, Address: owner})

			if parent.contender != nil {
				b.contest(name, answer, *parent.contender, parent.contenderReply)
			}
			b.txns.watch(parent, state.ConflictDelay, func(_ *transaction, res *protocol.Message, reply SendFunc) {
				if late, ok := positiveAnswer(res, name); ok {
					b.contest(name, answer, late, reply)
				}
			})
		},
		onTimeout: func(*transaction) {
			b.log.Debug("answer was not verified", "name", name, "owner", owner)
			b.txns.finish(parent)
			done(FindResult{})
		},
		onError: func(_ *transaction, err error) {
			b.txns.finish(parent)
			done(FindResult{Err: fmt.Errorf("verify %s: %w", name, err)})
		},
	})
}

// contest handles a second answer for a name we already resolved. A different owner means
// the name is in conflict: the cached entry is dropped and the second owner is told.
func (b *BroadcastMode) contest(name protocol.Name, accepted, other protocol.ResourceRecord, reply SendFunc) {
	first, _ := accepted.FirstAddress()
	second, _ := other.FirstAddress()
	if first == second {
		return
	}
	b.log.Warn("name claimed by two nodes", "name", name, "first", first, "second", second)
	b.opts.Remote.Remove(name)
	b.conflict(name, second)

	id, err := b.txns.allocate()
	if err != nil {
		b.log.Warn("failed to send conflict demand", "name", name, "error", err)
		return
	}
	demand := &protocol.Message{
		TransactionId:    id,
		Op:               protocol.OpRegistration,
		Response:         true,
		Rcode:            protocol.RcodeConflict,
		Authoritative:    true,
		RecursionDesired: true,
		Answers:          []protocol.ResourceRecord{accepted},
	}
	if err = reply(demand); err != nil {
		b.log.Warn("failed to send conflict demand", "name", name, "to", second, "error", err)
	}
}

func (b *BroadcastMode) conflict(name protocol.Name, other netip.Addr) {
	if b.opts.OnConflict != nil {
		b.opts.OnConflict(name, other)
	}
}

// refresh re-announces a name we own. It is sent once and expects no answer.
func (b *BroadcastMode) refresh(name protocol.Name) {
	r, ok := b.opts.Local.Get(name)
	if !ok {
		return
	}
	msg := announcement(protocol.OpRefresh, r.NB())
	id, err := b.txns.allocate()
	if err != nil {
		b.log.Warn("failed to send refresh", "name", name, "error", err)
		return
	}
	msg.TransactionId = id
	if err = b.opts.Broadcast(msg); err != nil {
		b.log.Warn("failed to send refresh", "name", name, "error", err)
	}
}

func (b *BroadcastMode) OnResponse(msg *protocol.Message, reply SendFunc) {
	if !b.txns.deliver(msg, reply) {
		b.log.Debug("dropping unsolicited response", "msg", msg)
	}
}

func (b *BroadcastMode) OnQuery(req *protocol.Message) *protocol.Message {
	if len(req.Questions) == 0 {
		return nil
	}
	q := req.Questions[0]
	var answer protocol.ResourceRecord
	switch q.Type {
	case protocol.TypeNB:
		r, ok := b.opts.Local.Get(q.Name)
		if !ok {
			return nil
		}
		answer = r.NB()
	case protocol.TypeNBSTAT:
		answer = b.opts.Local.GetNbstat(q.Name)
		if answer.ActiveNodes() == 0 {
			return nil
		}
	default:
		return nil
	}
	return &protocol.Message{
		TransactionId:    req.TransactionId,
		Op:               req.Op,
		Response:         true,
		Authoritative:    true,
		RecursionDesired: req.RecursionDesired,
		Answers:          []protocol.ResourceRecord{answer},
	}
}

// OnRegistration defends names we own. Group names may be shared by any number of nodes.
func (b *BroadcastMode) OnRegistration(req *protocol.Message) *protocol.Message {
	rr, ok := requestRecord(req)
	if !ok {
		return nil
	}
	local, ok := b.opts.Local.Get(rr.Name)
	if !ok {
		return nil
	}
	entry := rr.NB[0]
	if local.Address == entry.Address || (local.Group && entry.Group) {
		return nil
	}
	b.log.Info("defending name", "name", rr.Name, "challenger", entry.Address)
	return &protocol.Message{
		TransactionId:      req.TransactionId,
		Op:                 protocol.OpRegistration,
		Response:           true,
		Rcode:              protocol.RcodeActive,
		Authoritative:      true,
		RecursionDesired:   true,
		RecursionAvailable: true,
		Answers:            []protocol.ResourceRecord{local.NB()},
	}
}

func (b *BroadcastMode) OnRelease(req *protocol.Message) {
	if rr, ok := requestRecord(req); ok {
		b.opts.Remote.Remove(rr.Name)
	} else if len(req.Questions) > 0 {
		b.opts.Remote.Remove(req.Questions[0].Name)
	}
}

func (b *BroadcastMode) OnRefresh(req *protocol.Message) {
	rr, ok := requestRecord(req)
	if !ok || b.opts.Local.Contains(rr.Name) {
		return
	}
	if err := b.opts.Remote.Update(rr); err != nil {
		b.log.Debug("ignoring refresh", "name", rr.Name, "error", err)
	}
}

func (b *BroadcastMode) OnWack(req *protocol.Message) {
	b.log.Debug("ignoring wait for acknowledgement", "msg", req)
}

// announcement builds a registration, release or refresh request for rr.
func announcement(op protocol.Opcode, rr protocol.ResourceRecord) *protocol.Message {
	return &protocol.Message{
		Op:               op,
		Broadcast:        true,
		Authoritative:    true,
		RecursionDesired: true,
		Questions:        []protocol.Question{{Name: rr.Name, Type: protocol.TypeNB}},
		Additional:       []protocol.ResourceRecord{rr},
	}
}

// requestRecord returns the nb record a registration, release or refresh carries.
func requestRecord(req *protocol.Message) (protocol.ResourceRecord, bool) {
	if len(req.Additional) == 0 {
		return protocol.ResourceRecord{}, false
	}
	rr := req.Additional[0]
	if rr.Type != protocol.TypeNB || len(rr.NB) == 0 {
		return protocol.ResourceRecord{}, false
	}
	return rr, true
}

func positiveAnswer(res *protocol.Message, name protocol.Name) (protocol.ResourceRecord, bool) {
	if res.Rcode != protocol.RcodeNone || len(res.Answers) == 0 {
		return protocol.ResourceRecord{}, false
	}
	rr := res.Answers[0]
	if rr.Type != protocol.TypeNB || len(rr.NB) == 0 || rr.Name != name {
		return protocol.ResourceRecord{}, false
	}
	return rr, true
}

func responseOwner(res *protocol.Message) netip.Addr {
	if len(res.Answers) == 0 {
		return netip.Addr{}
	}
	addr, _ := res.Answers[0].FirstAddress()
	return addr
}

func sameOwner(answer protocol.ResourceRecord, accepted *protocol.ResourceRecord) bool {
	if accepted == nil {
		return false
	}
	a, _ := answer.FirstAddress()
	b, _ := accepted.FirstAddress()
	return a == b
}
