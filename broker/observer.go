package broker

import (
	"errors"
	"time"

	"github.com/mnehpets/flowrpc/jsonrpc"
)

// SettleKind classifies how a call ended.
type SettleKind string

const (
	KindResolved     SettleKind = "resolved"
	KindRejected     SettleKind = "rejected"
	KindTimeout      SettleKind = "timeout"
	KindUnregistered SettleKind = "unregistered"
	KindClosed       SettleKind = "closed"
)

func kindOf(o Outcome) SettleKind {
	switch err := o.Err(); {
	case err == nil:
		return KindResolved
	case errors.Is(err, ErrMethodTimeout):
		return KindTimeout
	case errors.Is(err, ErrHandlerUnregistered):
		return KindUnregistered
	case errors.Is(err, ErrServerClosed):
		return KindClosed
	default:
		return KindRejected
	}
}

// Settlement describes a call that left the table.
type Settlement struct {
	ID        string     `json:"id"`
	Method    string     `json:"method"`
	Owner     string     `json:"owner"`
	Kind      SettleKind `json:"kind"`
	Allocated time.Time  `json:"allocated"`
	At        time.Time  `json:"at"`
	// Error is what the caller was rejected with; nil when resolved.
	Error *jsonrpc.JSONRPCError `json:"error,omitempty"`
}

// UnknownReason says why a completion matched no pending call.
type UnknownReason string

const (
	ReasonMissingID     UnknownReason = "missing id"
	ReasonMissingRef    UnknownReason = "missing method ref"
	ReasonUnknownRef    UnknownReason = "unknown method ref"
	ReasonNotPending    UnknownReason = "not pending"
	ReasonOwnerMismatch UnknownReason = "owner mismatch"
)

// Observer is told about table and dispatcher activity. OnAllocate runs
// under the table lock, so it always precedes the OnSettle of the same id;
// it must not call back into the table. OnSettle and OnUnknown run outside
// the lock. No method may block.
type Observer interface {
	OnAllocate(id, method string)
	OnSettle(s Settlement)
	OnUnknown(id string, reason UnknownReason)
}

// Recall looks up what became of a correlation id that is no longer pending.
type Recall interface {
	Recall(id string) (Settlement, bool)
}

type multiObserver []Observer

func (m multiObserver) OnAllocate(id, method string) {
	for _, o := range m {
		o.OnAllocate(id, method)
	}
}

func (m multiObserver) OnSettle(s Settlement) {
	for _, o := range m {
		o.OnSettle(s)
	}
}

func (m multiObserver) OnUnknown(id string, reason UnknownReason) {
	for _, o := range m {
		o.OnUnknown(id, reason)
	}
}

// Observers fans out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}
