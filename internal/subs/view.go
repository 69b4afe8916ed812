package subs

import "sync"

// View tracks one caller's complete desired set so that handing in a new set
// issues only the deltas. A watchlist screen that swaps one symbol causes one
// subscribe and one unsubscribe, not a full churn.
type View struct {
	reg *Registry

	mu      sync.Mutex
	current map[Topic]struct{}
}

// NewView creates an empty per-caller view over the registry.
func (r *Registry) NewView() *View {
	return &View{
		reg:     r,
		current: make(map[Topic]struct{}),
	}
}

// Reconcile replaces the view's desired set with topics, subscribing the
// additions and unsubscribing the removals through the shared registry.
func (v *View) Reconcile(topics []Topic) {
	next := make(map[Topic]struct{}, len(topics))
	for _, t := range topics {
		next[t] = struct{}{}
	}

	v.mu.Lock()
	var added, removed []Topic
	for t := range next {
		if _, ok := v.current[t]; !ok {
			added = append(added, t)
		}
	}
	for t := range v.current {
		if _, ok := next[t]; !ok {
			removed = append(removed, t)
		}
	}
	v.current = next
	v.mu.Unlock()

	if len(added) > 0 {
		v.reg.SubscribeMany(added)
	}
	for _, t := range removed {
		v.reg.Unsubscribe(t)
	}
}

// Close releases everything the view holds.
func (v *View) Close() {
	v.Reconcile(nil)
}
