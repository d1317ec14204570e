// Package fanout implements the Watcher Fan-out (spec §4.G): a single
// notification hook that the File Registry calls on every mutation,
// fanning the event out to subscribed sessions while suppressing only
// the originating handle.
//
// Subscriber is the capability spec §9 describes instead of an
// inheritance hierarchy: any type that can route a (name, content)
// event to its own locally-subscribed handles. The Hub holds
// subscribers in a plain map, not an owning reference — a session
// unregisters itself on teardown, so nothing here prevents garbage
// collection or blocks disconnect cleanup (spec §9 "avoid pointer
// cycles").
package fanout

import "sync"

// Subscriber receives a change to name. excludeHandle/hasExclude
// identify the single handle that originated the change (if any) —
// the subscriber must still notify every *other* locally-subscribed
// handle for name, including other handles on the same connection.
type Subscriber interface {
	Deliver(name, content, excludeHandle string, hasExclude bool)
}

// Source identifies the origin of a Registry mutation: the
// subscriber that made it, and which of its handles. A write_file
// triggered by a client carries a Source; internal engine edits and
// external changes pass a nil Source, which delivers to every handle
// of every subscriber.
type Source struct {
	Subscriber Subscriber
	Handle     string
}

// Hub is the Registry-wide subscriber list.
type Hub struct {
	mu   sync.Mutex
	subs map[Subscriber]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[Subscriber]struct{})}
}

// Register adds s to the subscriber list.
func (h *Hub) Register(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
}

// Unregister removes s. Safe to call during an in-flight Notify.
func (h *Hub) Unregister(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

// Notify delivers (name, content) to every subscriber, excluding only
// the handle named in source when the subscriber is source's own.
// Iteration is over a snapshot so that a subscriber disconnecting
// mid-fan-out (Unregister racing with Notify) cannot corrupt the
// traversal — spec §5 "the subscriber list... must tolerate removal".
func (h *Hub) Notify(name, content string, source *Source) {
	h.mu.Lock()
	snapshot := make([]Subscriber, 0, len(h.subs))
	for s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	for _, s := range snapshot {
		if source != nil && s == source.Subscriber {
			s.Deliver(name, content, source.Handle, true)
		} else {
			s.Deliver(name, content, "", false)
		}
	}
}
