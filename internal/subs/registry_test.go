package subs

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"marketpipe/internal/model"
)

// fakeSender records control messages and simulates connection state.
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []model.ControlMessage
	sendErr   error
}

func (f *fakeSender) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v.(model.ControlMessage))
	return nil
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) messages() []model.ControlMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ControlMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestRegistry(connected bool) (*Registry, *fakeSender) {
	s := &fakeSender{connected: connected}
	return NewRegistry(s, slog.Default()), s
}

func TestSendFailure_ReportedToHook(t *testing.T) {
	r, s := newTestRegistry(true)
	s.mu.Lock()
	s.sendErr = errors.New("broken pipe")
	s.mu.Unlock()

	var sends, fails int
	r.OnSend = func(string, int) { sends++ }
	r.OnSendFail = func(action string) {
		if action != "subscribe" {
			t.Errorf("failed action = %s, want subscribe", action)
		}
		fails++
	}

	r.Subscribe(Symbol("AAPL"))

	if fails != 1 {
		t.Errorf("fail hook fired %d times, want 1", fails)
	}
	if sends != 0 {
		t.Errorf("send hook fired %d times on a failed write, want 0", sends)
	}
	// The reference is still held; the next connect replays it.
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestSubscribe_FirstReferenceSends(t *testing.T) {
	r, s := newTestRegistry(true)

	r.Subscribe(Symbol("AAPL"))
	r.Subscribe(Symbol("AAPL")) // second reference, no wire traffic

	msgs := s.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].Type != "subscribe" || msgs[0].Symbols[0] != "AAPL" {
		t.Errorf("unexpected message %+v", msgs[0])
	}
}

func TestUnsubscribe_RefCounted(t *testing.T) {
	r, s := newTestRegistry(true)

	r.Subscribe(Symbol("AAPL"))
	r.Subscribe(Symbol("AAPL"))
	r.Unsubscribe(Symbol("AAPL"))

	if got := len(s.messages()); got != 1 {
		t.Fatalf("unsubscribe sent early: %d messages, want 1", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	r.Unsubscribe(Symbol("AAPL"))
	msgs := s.messages()
	if len(msgs) != 2 || msgs[1].Type != "unsubscribe" {
		t.Fatalf("last reference did not send unsubscribe: %+v", msgs)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestUnsubscribe_UnknownTopicNoOp(t *testing.T) {
	r, s := newTestRegistry(true)
	r.Unsubscribe(Symbol("GHOST"))
	if len(s.messages()) != 0 {
		t.Error("unsubscribe of unknown topic sent traffic")
	}
}

func TestSubscribe_DeferredWhileDisconnected(t *testing.T) {
	r, s := newTestRegistry(false)

	r.Subscribe(Symbol("AAPL"))
	r.Subscribe(Symbol("MSFT"))
	if len(s.messages()) != 0 {
		t.Fatal("sent control messages while disconnected")
	}

	// Connected event arrives: replay the desired set in one bulk message.
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	r.Resubscribe()

	msgs := s.messages()
	if len(msgs) != 1 {
		t.Fatalf("resubscribe sent %d messages, want 1", len(msgs))
	}
	if len(msgs[0].Symbols) != 2 {
		t.Errorf("resubscribe carried %d symbols, want 2", len(msgs[0].Symbols))
	}
}

func TestSubscribeMany_BulksFreshOnly(t *testing.T) {
	r, s := newTestRegistry(true)

	r.Subscribe(Symbol("AAPL"))
	r.SubscribeMany([]Topic{Symbol("AAPL"), Symbol("MSFT"), Symbol("BTC-USD")})

	msgs := s.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	if len(msgs[1].Symbols) != 2 {
		t.Errorf("bulk carried %d symbols, want 2 (AAPL already held)", len(msgs[1].Symbols))
	}
}

func TestTopics_SortedSnapshot(t *testing.T) {
	r, _ := newTestRegistry(true)
	r.Subscribe(Symbol("MSFT"))
	r.Subscribe(Symbol("AAPL"))
	r.Subscribe(Topic{Kind: KindNews, Key: "markets"})

	topics := r.Topics()
	if len(topics) != 3 {
		t.Fatalf("Topics len = %d, want 3", len(topics))
	}
	// newsCategory < symbol lexically
	if topics[0].Kind != KindNews {
		t.Errorf("first topic kind = %s, want %s", topics[0].Kind, KindNews)
	}
	if topics[1].Key != "AAPL" || topics[2].Key != "MSFT" {
		t.Errorf("symbols not sorted: %v", topics)
	}
}

func TestTopic_WireNames(t *testing.T) {
	tests := []struct {
		topic Topic
		want  string
	}{
		{Symbol("AAPL"), "AAPL"},
		{Topic{Kind: KindModel, Key: "gpt"}, "model:gpt"},
		{Topic{Kind: KindNews, Key: "markets"}, "news:markets"},
		{Topic{Kind: KindUserChannel, Key: "u1"}, "user:u1"},
	}
	for _, tt := range tests {
		if got := tt.topic.Wire(); got != tt.want {
			t.Errorf("Wire(%+v) = %s, want %s", tt.topic, got, tt.want)
		}
	}
}

func TestClear_DropsWithoutTraffic(t *testing.T) {
	r, s := newTestRegistry(true)
	r.Subscribe(Symbol("AAPL"))
	before := len(s.messages())

	r.Clear()
	if r.Len() != 0 {
		t.Error("Clear left topics behind")
	}
	if len(s.messages()) != before {
		t.Error("Clear sent wire traffic")
	}
}

func TestView_ReconcileDeltas(t *testing.T) {
	r, s := newTestRegistry(true)
	v := r.NewView()

	v.Reconcile([]Topic{Symbol("AAPL"), Symbol("MSFT")})
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	// Swap one symbol: expect one subscribe and one unsubscribe, not churn.
	before := len(s.messages())
	v.Reconcile([]Topic{Symbol("AAPL"), Symbol("BTC-USD")})
	msgs := s.messages()[before:]
	if len(msgs) != 2 {
		t.Fatalf("swap produced %d messages, want 2: %+v", len(msgs), msgs)
	}

	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestView_SharedTopicSurvivesOtherViewClose(t *testing.T) {
	r, _ := newTestRegistry(true)
	v1 := r.NewView()
	v2 := r.NewView()

	v1.Reconcile([]Topic{Symbol("AAPL")})
	v2.Reconcile([]Topic{Symbol("AAPL")})

	v1.Close()
	if r.Len() != 1 {
		t.Errorf("shared topic dropped while v2 still holds it: Len = %d", r.Len())
	}
	v2.Close()
	if r.Len() != 0 {
		t.Errorf("Len = %d after both views closed, want 0", r.Len())
	}
}
