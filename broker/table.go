package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mnehpets/flowrpc/jsonrpc"
)

// DefaultTimeout bounds a call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

type entry struct {
	id        string
	owner     string
	method    string
	pending   *Pending
	timer     *time.Timer
	allocated time.Time
}

// Table holds the pending calls of one registration (bound topology) or of a
// whole broker (shared topology).
//
// An entry is present exactly while its call is pending. Removal and
// settlement happen together: whoever removes an entry under the lock is the
// only one allowed to settle it.
type Table struct {
	mu       sync.Mutex
	entries  map[string]*entry
	closed   bool
	closeErr error

	observer Observer
	logger   logrus.FieldLogger
	newID    func() string
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithObserver attaches an observer to the table.
func WithObserver(o Observer) TableOption {
	return func(t *Table) {
		t.observer = o
	}
}

// WithLogger sets the table logger.
func WithLogger(l logrus.FieldLogger) TableOption {
	return func(t *Table) {
		t.logger = l
	}
}

// WithIDFunc replaces the correlation id generator.
func WithIDFunc(fn func() string) TableOption {
	return func(t *Table) {
		t.newID = fn
	}
}

func newCorrelationID() string {
	return "rpc_" + uuid.NewString()
}

// NewTable returns an empty, open table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		entries:  make(map[string]*entry),
		observer: Observers(),
		logger:   logrus.StandardLogger(),
		newID:    newCorrelationID,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.observer == nil {
		t.observer = Observers()
	}
	return t
}

// Allocate inserts a new pending call and schedules its reaper. The id is
// resolvable by Settle as soon as Allocate returns. timeout <= 0 means
// DefaultTimeout.
func (t *Table) Allocate(owner, method string, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		return nil, err
	}
	id := t.newID()
	for t.entries[id] != nil {
		id = t.newID()
	}
	now := time.Now()
	e := &entry{
		id:        id,
		owner:     owner,
		method:    method,
		pending:   newPending(id, method, now.Add(timeout), t.logger),
		allocated: now,
	}
	t.entries[id] = e
	// The reaper takes the lock, so it cannot observe e before timer is set.
	e.timer = time.AfterFunc(timeout, func() {
		t.Settle(id, Reject(ErrMethodTimeout))
	})
	// Under the lock, so no drain or settle can report e first.
	t.observer.OnAllocate(id, method)
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{"id": id, "method": method}).Debug("broker: call allocated")
	return e.pending, nil
}

type settleResult int

const (
	settledOK settleResult = iota
	settleNotPending
	settleOwnerMismatch
)

// take removes the entry for id, if present and (when checkOwner is set)
// owned by owner.
func (t *Table) take(id, owner string, checkOwner bool) (*entry, settleResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, settleNotPending
	}
	if checkOwner && e.owner != owner {
		return nil, settleOwnerMismatch
	}
	delete(t.entries, id)
	e.timer.Stop()
	return e, settledOK
}

// deliver notifies the observer before waking the waiter, so anything the
// caller does after its result arrives already sees the settlement.
func (t *Table) deliver(e *entry, o Outcome) {
	kind := kindOf(o)
	t.observer.OnSettle(Settlement{
		ID:        e.id,
		Method:    e.method,
		Owner:     e.owner,
		Kind:      kind,
		Allocated: e.allocated,
		At:        time.Now(),
		Error:     jsonrpc.AsError(o.Err()),
	})
	e.pending.settle(o)
	t.logger.WithFields(logrus.Fields{"id": e.id, "method": e.method, "outcome": kind}).Debug("broker: call settled")
}

func (t *Table) settle(id, owner string, checkOwner bool, o Outcome) settleResult {
	e, res := t.take(id, owner, checkOwner)
	if res != settledOK {
		return res
	}
	t.deliver(e, o)
	return settledOK
}

// Settle removes and settles the call id. It returns false, and does
// nothing, if id is not pending.
func (t *Table) Settle(id string, o Outcome) bool {
	return t.settle(id, "", false, o) == settledOK
}

// SettleOwned is Settle restricted to calls allocated by owner.
func (t *Table) SettleOwned(id, owner string, o Outcome) bool {
	return t.settle(id, owner, true, o) == settledOK
}

// drain removes the entries accepted by match under the lock.
func (t *Table) drain(match func(*entry) bool, closing bool, err error) []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if closing {
		if t.closed {
			return nil
		}
		t.closed = true
		t.closeErr = err
	}
	var out []*entry
	for id, e := range t.entries {
		if match(e) {
			delete(t.entries, id)
			e.timer.Stop()
			out = append(out, e)
		}
	}
	return out
}

func (t *Table) failAll(entries []*entry, err error) int {
	for _, e := range entries {
		t.deliver(e, Reject(err))
	}
	return len(entries)
}

func all(*entry) bool { return true }

// ForceFailAll rejects every pending call with err and returns how many were
// rejected.
func (t *Table) ForceFailAll(err error) int {
	return t.failAll(t.drain(all, false, nil), err)
}

// FailOwner rejects the pending calls allocated by owner.
func (t *Table) FailOwner(owner string, err error) int {
	return t.failAll(t.drain(func(e *entry) bool { return e.owner == owner }, false, nil), err)
}

// Close rejects every pending call with err and makes later Allocate calls
// fail with err. Closing twice is a no-op. A nil err means ErrServerClosed.
func (t *Table) Close(err error) int {
	if err == nil {
		err = ErrServerClosed
	}
	return t.failAll(t.drain(all, true, err), err)
}

// Len returns the number of pending calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
