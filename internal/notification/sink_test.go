package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketpipe/internal/model"
)

type fakeSink struct {
	sent []model.Notification
	err  error
}

func (f *fakeSink) Send(_ context.Context, n model.Notification) error {
	f.sent = append(f.sent, n)
	return f.err
}

func notif(priority model.NotificationPriority) model.Notification {
	return model.Notification{
		ID:       "n1",
		Type:     model.NotifPriceAlert,
		Title:    "AAPL above 190",
		Message:  "AAPL crossed 190.50",
		Priority: priority,
	}
}

func TestForward_PriorityFilter(t *testing.T) {
	tests := []struct {
		name     string
		min      model.NotificationPriority
		priority model.NotificationPriority
		want     bool
	}{
		{"no floor delivers low", "", model.PriorityLow, true},
		{"below floor dropped", model.PriorityHigh, model.PriorityMedium, false},
		{"at floor delivered", model.PriorityHigh, model.PriorityHigh, true},
		{"above floor delivered", model.PriorityMedium, model.PriorityCritical, true},
		{"unknown priority ranks low", model.PriorityMedium, "whatever", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			listener := Forward(sink, tt.min, time.Second)
			if err := listener(notif(tt.priority)); err != nil {
				t.Fatalf("listener: %v", err)
			}
			if got := len(sink.sent) == 1; got != tt.want {
				t.Errorf("delivered = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestForward_SinkErrorPropagates(t *testing.T) {
	sink := &fakeSink{err: errors.New("unreachable")}
	listener := Forward(sink, "", time.Second)
	if err := listener(notif(model.PriorityHigh)); err == nil {
		t.Error("sink error swallowed")
	}
}

func TestWebhookSink_PostsJSON(t *testing.T) {
	var got model.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	n := notif(model.PriorityHigh)
	if err := sink.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.ID != n.ID || got.Title != n.Title {
		t.Errorf("delivered %+v, want %+v", got, n)
	}
}

func TestWebhookSink_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	if err := sink.Send(context.Background(), notif(model.PriorityHigh)); err == nil {
		t.Error("502 response reported as success")
	}
}

func TestEscapeMarkdown(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"AAPL > 190.50", "AAPL \\> 190\\.50"},
		{"a*b_c", "a\\*b\\_c"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := escapeMarkdown(tt.in); got != tt.want {
			t.Errorf("escapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
