package broker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome is the single result delivered to a pending call: a value or an
// error, never both.
type Outcome struct {
	Value any
	Error error
}

// Resolve returns a successful Outcome carrying v.
func Resolve(v any) Outcome {
	return Outcome{Value: v}
}

// Reject returns a failed Outcome carrying err.
func Reject(err error) Outcome {
	return Outcome{Error: err}
}

// Err returns the rejection error, or nil for a resolved outcome.
func (o Outcome) Err() error {
	return o.Error
}

// Pending is the caller's handle on an in-flight call. It is settled exactly
// once, by a completion, the reaper or teardown.
type Pending struct {
	id       string
	method   string
	deadline time.Time
	logger   logrus.FieldLogger

	done chan struct{}

	mu      sync.Mutex
	settled bool
	outcome Outcome
}

func newPending(id, method string, deadline time.Time, logger logrus.FieldLogger) *Pending {
	return &Pending{
		id:       id,
		method:   method,
		deadline: deadline,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// ID returns the correlation id.
func (p *Pending) ID() string { return p.id }

// Method returns the method name the call was made to.
func (p *Pending) Method() string { return p.method }

// Deadline returns the instant the reaper fires.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Done is closed once the call is settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the call is settled or ctx ends. A ctx error leaves the
// call pending.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		o, _ := p.Result()
		return o.Value, o.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome and whether the call has been settled.
func (p *Pending) Result() (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, p.settled
}

// settle records o. A second settle is ignored and logged; it means an entry
// escaped the table's check-and-remove.
func (p *Pending) settle(o Outcome) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		p.logger.WithFields(logrus.Fields{"id": p.id, "method": p.method}).Error("broker: pending call settled twice")
		return false
	}
	p.settled = true
	p.outcome = o
	close(p.done)
	p.mu.Unlock()
	return true
}
