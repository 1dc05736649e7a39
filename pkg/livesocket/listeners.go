package livesocket

import "sync"

// Listener receives decoded messages.
type Listener func(Message)

// SubscriptionID identifies a registered listener. Zero is never a valid id.
type SubscriptionID uint64

type listenerEntry struct {
	id SubscriptionID
	fn Listener
}

type listenerRegistry struct {
	mu      sync.Mutex
	nextID  SubscriptionID
	entries []listenerEntry
}

func (r *listenerRegistry) add(fn Listener) SubscriptionID {
	if fn == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries = append(r.entries, listenerEntry{id: r.nextID, fn: fn})
	return r.nextID
}

func (r *listenerRegistry) remove(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id != id {
			continue
		}
		// copy so that snapshots taken before removal stay intact
		entries := make([]listenerEntry, 0, len(r.entries)-1)
		entries = append(entries, r.entries[:i]...)
		entries = append(entries, r.entries[i+1:]...)
		r.entries = entries
		return true
	}
	return false
}

func (r *listenerRegistry) snapshot() []listenerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries
}

func (r *listenerRegistry) dispatch(msg Message) {
	for _, e := range r.snapshot() {
		e.fn(msg)
	}
}
