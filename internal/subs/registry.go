// Package subs tracks the set of topics interest has been expressed in and
// reconciles it against the transport on connect, reconnect, and on demand.
// Topics are reference-counted: two subscribers to the same topic require two
// unsubscribes before interest is dropped on the wire.
package subs

import (
	"log/slog"
	"sort"
	"sync"

	"marketpipe/internal/model"
)

// TopicKind addresses the stream family a topic belongs to.
type TopicKind string

const (
	KindSymbol      TopicKind = "symbol"
	KindModel       TopicKind = "model"
	KindNews        TopicKind = "newsCategory"
	KindUserChannel TopicKind = "userChannel"
)

// Topic is one addressable stream of interest.
type Topic struct {
	Kind TopicKind
	Key  string
}

// Symbol is shorthand for the common case.
func Symbol(key string) Topic { return Topic{Kind: KindSymbol, Key: key} }

// Wire returns the name sent in control messages. Plain symbols go bare so
// the feed protocol stays compatible; other kinds carry a prefix.
func (t Topic) Wire() string {
	switch t.Kind {
	case KindSymbol:
		return t.Key
	case KindModel:
		return "model:" + t.Key
	case KindNews:
		return "news:" + t.Key
	case KindUserChannel:
		return "user:" + t.Key
	}
	return string(t.Kind) + ":" + t.Key
}

// Sender is the slice of the transport the registry needs.
type Sender interface {
	Send(v interface{}) error
	IsConnected() bool
}

// Registry reference-counts desired topics and keeps the remote side in sync.
// Subscriptions do not survive a transport drop remotely, so Resubscribe must
// be wired to the transport's connected event.
type Registry struct {
	conn Sender
	log  *slog.Logger

	// OnSend fires after each control message goes out. Used for metrics.
	OnSend func(action string, n int)
	// OnSendFail fires when a control message cannot be written.
	OnSendFail func(action string)

	mu   sync.Mutex
	refs map[Topic]int
}

// NewRegistry creates a registry bound to a transport sender.
func NewRegistry(conn Sender, log *slog.Logger) *Registry {
	return &Registry{
		conn: conn,
		log:  log,
		refs: make(map[Topic]int),
	}
}

// Subscribe adds interest in a topic. The first reference sends a subscribe
// message if the transport is up; otherwise the send is deferred until the
// next connected event. Further references are counted but send nothing.
func (r *Registry) Subscribe(topic Topic) {
	r.mu.Lock()
	r.refs[topic]++
	first := r.refs[topic] == 1
	r.mu.Unlock()

	if first {
		r.sendControl("subscribe", []Topic{topic})
	}
}

// SubscribeMany adds interest in several topics, bulking newly-referenced
// ones into a single control message.
func (r *Registry) SubscribeMany(topics []Topic) {
	var fresh []Topic
	r.mu.Lock()
	for _, t := range topics {
		r.refs[t]++
		if r.refs[t] == 1 {
			fresh = append(fresh, t)
		}
	}
	r.mu.Unlock()

	if len(fresh) > 0 {
		r.sendControl("subscribe", fresh)
	}
}

// Unsubscribe drops one reference. Interest leaves the wire only when the
// last reference is gone. Unsubscribing an unknown topic is a no-op.
func (r *Registry) Unsubscribe(topic Topic) {
	r.mu.Lock()
	n, ok := r.refs[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	n--
	last := n == 0
	if last {
		delete(r.refs, topic)
	} else {
		r.refs[topic] = n
	}
	r.mu.Unlock()

	if last {
		r.sendControl("unsubscribe", []Topic{topic})
	}
}

// Resubscribe re-issues every desired topic in one bulk subscribe. Wire this
// to the transport's connected event: the remote side forgets subscriptions
// across a drop.
func (r *Registry) Resubscribe() {
	topics := r.Topics()
	if len(topics) == 0 {
		return
	}
	r.sendControl("subscribe", topics)
}

// Topics returns a sorted snapshot of all desired topics.
func (r *Registry) Topics() []Topic {
	r.mu.Lock()
	topics := make([]Topic, 0, len(r.refs))
	for t := range r.refs {
		topics = append(topics, t)
	}
	r.mu.Unlock()

	sort.Slice(topics, func(i, j int) bool {
		if topics[i].Kind != topics[j].Kind {
			return topics[i].Kind < topics[j].Kind
		}
		return topics[i].Key < topics[j].Key
	})
	return topics
}

// Len returns the number of distinct desired topics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// Clear drops all bookkeeping without sending unsubscribes. Called on
// explicit transport disconnect, where the remote state is gone anyway.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.refs = make(map[Topic]int)
	r.mu.Unlock()
}

func (r *Registry) sendControl(action string, topics []Topic) {
	if !r.conn.IsConnected() {
		// Deferred: Resubscribe replays the desired set on the next connect.
		return
	}
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.Wire()
	}
	msg := model.ControlMessage{Type: action, Symbols: names}
	if err := r.conn.Send(msg); err != nil {
		r.log.Warn("control send failed",
			slog.String("action", action),
			slog.Int("topics", len(names)),
			slog.Any("err", err))
		if r.OnSendFail != nil {
			r.OnSendFail(action)
		}
		return
	}
	if r.OnSend != nil {
		r.OnSend(action, len(names))
	}
}
