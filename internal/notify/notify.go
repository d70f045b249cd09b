// Package notify delivers lifecycle events (payment received, window opened,
// dispute escalated, ...) to the parties involved. Delivery itself (email,
// push) is someone else's job; this package publishes the events to the
// configured sinks.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/trustline/internal/idgen"
	"github.com/mbd888/trustline/internal/logging"
	"github.com/mbd888/trustline/internal/metrics"
)

// Kind identifies what happened.
type Kind string

const (
	TransactionCreated     Kind = "transaction.created"
	TransactionJoined      Kind = "transaction.joined"
	TransactionPaid        Kind = "transaction.paid"
	TransactionDelivered   Kind = "transaction.delivered"
	ValidationWindowOpened Kind = "transaction.validation_window_opened"
	TransactionValidated   Kind = "transaction.validated"
	TransactionAutoValid   Kind = "transaction.auto_validated"
	TransactionExpired     Kind = "transaction.expired"
	TransactionRefunded    Kind = "transaction.refunded"
	TransactionDisputed    Kind = "transaction.disputed"
	TransactionSettled     Kind = "transaction.settled"
	FeeRatioChanged        Kind = "transaction.fee_ratio_changed"
	DateChangeProposed     Kind = "transaction.date_change_proposed"
	DateChangeAccepted     Kind = "transaction.date_change_accepted"
	DateChangeRejected     Kind = "transaction.date_change_rejected"

	DisputeOpened      Kind = "dispute.opened"
	DisputeResponded   Kind = "dispute.responded"
	DisputeProposal    Kind = "dispute.proposal"
	DisputeProposalEnd Kind = "dispute.proposal_closed"
	DisputeMessage     Kind = "dispute.message"
	DisputeEscalated   Kind = "dispute.escalated"
	DisputeResolved    Kind = "dispute.resolved"
)

// Event is one notification.
type Event struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	TransactionID string         `json:"transactionId,omitempty"`
	DisputeID     string         `json:"disputeId,omitempty"`
	Recipients    []string       `json:"recipients"`
	Data          map[string]any `json:"data,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// New builds an event addressed to the non-empty recipients.
func New(kind Kind, transactionID string, recipients ...string) Event {
	ev := Event{
		ID:            idgen.New(),
		Kind:          kind,
		TransactionID: transactionID,
		OccurredAt:    time.Now().UTC(),
	}
	for _, r := range recipients {
		if r != "" {
			ev.Recipients = append(ev.Recipients, r)
		}
	}
	return ev
}

// With returns a copy of ev with key set in Data.
func (ev Event) With(key string, value any) Event {
	data := make(map[string]any, len(ev.Data)+1)
	for k, v := range ev.Data {
		data[k] = v
	}
	data[key] = value
	ev.Data = data
	return ev
}

// For reports whether userID is a recipient.
func (ev Event) For(userID string) bool {
	for _, r := range ev.Recipients {
		if r == userID {
			return true
		}
	}
	return false
}

// Notifier publishes events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop drops every event.
var Nop Notifier = Func(func(context.Context, Event) error { return nil })

// Emit publishes ev and logs, rather than returns, a failure. State changes
// have already been persisted when events are emitted, so a lost
// notification must not turn a successful operation into an error.
func Emit(ctx context.Context, n Notifier, ev Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, ev); err != nil {
		logging.L(ctx).Warn("notification failed",
			"kind", ev.Kind, "transaction_id", ev.TransactionID, "error", err)
	}
}

// LogNotifier writes events to a slog logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, ev Event) error {
	l.logger.InfoContext(ctx, "event",
		"kind", ev.Kind,
		"transaction_id", ev.TransactionID,
		"dispute_id", ev.DisputeID,
		"recipients", ev.Recipients,
	)
	return nil
}

type sink struct {
	name string
	n    Notifier
}

// Fanout publishes each event to every sink and joins their errors.
type Fanout struct {
	mu    sync.RWMutex
	sinks []sink
}

func NewFanout() *Fanout {
	return &Fanout{}
}

// Add registers a sink under name, used as the metrics label.
func (f *Fanout) Add(name string, n Notifier) *Fanout {
	f.mu.Lock()
	f.sinks = append(f.sinks, sink{name: name, n: n})
	f.mu.Unlock()
	return f
}

func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	f.mu.RLock()
	sinks := make([]sink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.n.Notify(ctx, ev); err != nil {
			metrics.NotificationsTotal.WithLabelValues(s.name, "error").Inc()
			errs = append(errs, err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(s.name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// Has reports whether an event of kind was recorded.
func (r *Recorder) Has(kind Kind) bool {
	for _, k := range r.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}
