package core

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/encodeous/nbns/protocol"
	"github.com/encodeous/nbns/state"
)

var ErrTransactionIds = errors.New("no free transaction id")

type txnState int

const (
	// txnSent: the request is on the wire and the retry timer is armed
	txnSent txnState = iota
	// txnAwaitingResponse: a response was accepted and a follow-up step is in flight
	txnAwaitingResponse
	// txnConflictWatch: the result was delivered, late responses are checked for conflicts
	txnConflictWatch
	txnDone
)

func (s txnState) String() string {
	switch s {
	case txnSent:
		return "sent"
	case txnAwaitingResponse:
		return "awaiting-response"
	case txnConflictWatch:
		return "conflict-watch"
	case txnDone:
		return "done"
	}
	return fmt.Sprintf("txnState(%d)", int(s))
}

type transaction struct {
	id       uint16
	state    txnState
	request  *protocol.Message
	send     SendFunc
	attempts int
	retries  int
	timer    state.Timer

	onResponse func(t *transaction, msg *protocol.Message, reply SendFunc)
	onTimeout  func(t *transaction)
	onError    func(t *transaction, err error)

	// answer being verified, and the first conflicting answer seen meanwhile
	accepted       *protocol.ResourceRecord
	contender      *protocol.ResourceRecord
	contenderReply SendFunc
}

// transactionTable tracks outstanding requests by transaction id and drives their retries.
type transactionTable struct {
	sched   state.Scheduler
	nextId  func() uint16
	pending map[uint16]*transaction
}

func newTransactionTable(sched state.Scheduler, nextId func() uint16) *transactionTable {
	return &transactionTable{
		sched:   sched,
		nextId:  nextId,
		pending: make(map[uint16]*transaction),
	}
}

// allocate returns an id that no live transaction is using.
func (tt *transactionTable) allocate() (uint16, error) {
	for range 1 << 16 {
		id := tt.nextId()
		if _, used := tt.pending[id]; !used {
			return id, nil
		}
	}
	return 0, ErrTransactionIds
}

// start assigns an id to t, registers it and sends the first attempt. Errors are reported
// through t.onError.
func (tt *transactionTable) start(t *transaction) {
	id, err := tt.allocate()
	if err != nil {
		t.state = txnDone
		t.onError(t, err)
		return
	}
	t.id = id
	t.request.TransactionId = id
	t.state = txnSent
	tt.pending[id] = t
	tt.attempt(t)
}

func (tt *transactionTable) attempt(t *transaction) {
	t.timer = nil
	if err := t.send(t.request); err != nil {
		tt.finish(t)
		t.onError(t, err)
		return
	}
	t.attempts++
	if t.attempts < t.retries {
		t.timer = tt.sched.AfterFunc(state.BcastRetryDelay, func() { tt.attempt(t) })
	} else {
		// leave the last attempt as long to be answered as the others
		t.timer = tt.sched.AfterFunc(state.BcastRetryDelay, func() { tt.expire(t) })
	}
}

func (tt *transactionTable) expire(t *transaction) {
	t.timer = nil
	tt.finish(t)
	t.onTimeout(t)
}

// deliver hands a response to the transaction it answers. It returns false if no live
// transaction has the response's id.
func (tt *transactionTable) deliver(msg *protocol.Message, reply SendFunc) bool {
	t, ok := tt.pending[msg.TransactionId]
	if !ok || t.state == txnDone {
		return false
	}
	t.onResponse(t, msg, reply)
	return true
}

func (tt *transactionTable) stopTimer(t *transaction) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// await stops retrying t while keeping it registered for further responses.
func (tt *transactionTable) await(t *transaction) {
	tt.stopTimer(t)
	t.state = txnAwaitingResponse
}

// watch keeps t registered for window, routing late responses to handler.
func (tt *transactionTable) watch(t *transaction, window time.Duration, handler func(t *transaction, msg *protocol.Message, reply SendFunc)) {
	tt.stopTimer(t)
	if t.state == txnDone {
		return
	}
	t.state = txnConflictWatch
	t.onResponse = handler
	t.timer = tt.sched.AfterFunc(window, func() {
		t.timer = nil
		tt.finish(t)
	})
}

func (tt *transactionTable) finish(t *transaction) {
	tt.stopTimer(t)
	if tt.pending[t.id] == t {
		delete(tt.pending, t.id)
	}
	t.state = txnDone
}

func (tt *transactionTable) len() int {
	return len(tt.pending)
}

// close abandons every live transaction.
func (tt *transactionTable) close() {
	ids := slices.Sorted(maps.Keys(tt.pending))
	for _, id := range ids {
		t, ok := tt.pending[id]
		if !ok {
			continue
		}
		tt.finish(t)
		t.onError(t, ErrClosed)
	}
}
