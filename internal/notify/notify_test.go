package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestNew_SkipsEmptyRecipients(t *testing.T) {
	ev := New(TransactionPaid, "txn_1", "seller_1", "", "buyer_1")
	if len(ev.Recipients) != 2 {
		t.Fatalf("expected 2 recipients, got %v", ev.Recipients)
	}
	if !ev.For("buyer_1") || ev.For("someone") {
		t.Error("For returned the wrong answer")
	}
}

func TestEvent_WithDoesNotMutate(t *testing.T) {
	a := New(TransactionPaid, "txn_1").With("amount", "10")
	b := a.With("method", "card")
	if _, ok := a.Data["method"]; ok {
		t.Error("With must copy Data")
	}
	if b.Data["amount"] != "10" || b.Data["method"] != "card" {
		t.Errorf("unexpected data %v", b.Data)
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("broker down")
	f := NewFanout().
		Add("recorder", rec).
		Add("broken", Func(func(context.Context, Event) error { return boom }))

	err := f.Notify(context.Background(), New(TransactionExpired, "txn_1"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !rec.Has(TransactionExpired) {
		t.Error("healthy sinks must still receive the event")
	}
}

func TestEmit_SwallowsErrors(t *testing.T) {
	called := false
	Emit(context.Background(), Func(func(context.Context, Event) error {
		called = true
		return errors.New("nope")
	}), New(DisputeEscalated, "txn_1"))
	if !called {
		t.Fatal("notifier not called")
	}
	Emit(context.Background(), nil, New(DisputeEscalated, "txn_1"))
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublish_KeysByTransaction(t *testing.T) {
	w := &fakeWriter{}
	ev := New(DisputeOpened, "txn_42", "seller_1")
	ev.DisputeID = "dsp_1"

	if err := publish(context.Background(), w, time.Second, ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "txn_42" {
		t.Errorf("key = %q, want txn_42", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(DisputeOpened) {
		t.Errorf("unexpected headers %v", msg.Headers)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if decoded.DisputeID != "dsp_1" || decoded.Kind != DisputeOpened {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestPublish_WrapsWriterError(t *testing.T) {
	boom := errors.New("leader not available")
	err := publish(context.Background(), &fakeWriter{err: boom}, time.Second, New(TransactionPaid, "txn_1"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
}
