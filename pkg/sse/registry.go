package sse

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// UnknownChannel buckets subscriptions that did not name a channel. It is a
// literal channel name, not a wildcard: notifying "*" reaches only those
// subscribers.
const UnknownChannel = "*"

const (
	defaultSlots   = 2
	growMultiplier = 2
	growBuffer     = 20
)

// slotList is a grow-only array of subscription slots. A slot is either a
// live subscription or nil. Publishers iterate it without any shared lock;
// writers claim and clear slots with per-slot compare-and-swap, which folds
// the re-check-then-write step into one atomic operation. Lists grow but
// never shrink: removal leaves a hole.
type slotList struct {
	slots []atomic.Pointer[Subscription]
}

func newSlotList(n int) *slotList {
	return &slotList{slots: make([]atomic.Pointer[Subscription], n)}
}

// claim stores sub in the first empty slot, scanning left to right.
func (l *slotList) claim(sub *Subscription) bool {
	for i := range l.slots {
		if l.slots[i].CompareAndSwap(nil, sub) {
			return true
		}
	}
	return false
}

// each calls fn for every non-nil slot.
func (l *slotList) each(fn func(*Subscription)) {
	for i := range l.slots {
		if sub := l.slots[i].Load(); sub != nil {
			fn(sub)
		}
	}
}

// subIndex is one of the registry's concurrent maps from key to slot list.
// The map value is swapped wholesale when a list grows, conditional on the
// previously observed list, so readers never see a partially populated array.
type subIndex struct {
	m *xsync.MapOf[string, *slotList]
}

func newSubIndex() subIndex {
	return subIndex{m: xsync.NewMapOf[string, *slotList]()}
}

// register inserts sub under key. Empty keys are skipped. A publisher that is
// already iterating the list from before a grow does not see a subscription
// placed in the grown list; it reaches that subscription from its next publish.
func (ix *subIndex) register(sub *Subscription, key string) {
	if key == "" {
		return
	}
	for {
		fresh := newSlotList(defaultSlots)
		fresh.slots[0].Store(sub)
		cur, loaded := ix.m.LoadOrStore(key, fresh)
		if !loaded {
			return
		}
		for {
			if cur.claim(sub) {
				return
			}
			// Full: copy into a larger list, place sub in the first
			// slot past the copied region, and install it only if the
			// entry still holds the list we copied from. Concurrent
			// registrants added to the old list after the copy lose
			// the race and retry against the installed list.
			next := newSlotList(len(cur.slots)*growMultiplier + growBuffer)
			for i := range cur.slots {
				next.slots[i].Store(cur.slots[i].Load())
			}
			next.slots[len(cur.slots)].Store(sub)
			installed := false
			actual, ok := ix.m.Compute(key, func(old *slotList, exists bool) (*slotList, bool) {
				if !exists {
					return old, true // entry vanished; keep it absent
				}
				if old != cur {
					return old, false // lost the race, keep the winner
				}
				installed = true
				return next, false
			})
			if installed {
				return
			}
			if !ok {
				break // reinsert from scratch
			}
			cur = actual
		}
	}
}

// unregister clears the slot holding exactly sub. Missing keys or references
// are not errors.
func (ix *subIndex) unregister(sub *Subscription, key string) {
	if key == "" {
		return
	}
	l, ok := ix.m.Load(key)
	if !ok {
		return
	}
	for i := range l.slots {
		if l.slots[i].CompareAndSwap(sub, nil) {
			return
		}
	}
}

// lookup returns the slot list for key, or nil.
func (ix *subIndex) lookup(key string) *slotList {
	l, ok := ix.m.Load(key)
	if !ok {
		return nil
	}
	return l
}

// eachAll calls fn for every non-nil slot across every key.
func (ix *subIndex) eachAll(fn func(*Subscription)) {
	ix.m.Range(func(_ string, l *slotList) bool {
		l.each(fn)
		return true
	})
}

// Registry indexes live subscriptions along five dimensions so a publish can
// address any of them. A subscription is present in all five (under its
// non-empty keys) or in none; the broker's per-subscription registration lock
// guarantees those are the only observable states.
type Registry struct {
	bySubID    subIndex
	byChannel  subIndex
	byUserID   subIndex
	byUserName subIndex
	bySession  subIndex
}

func newRegistry() Registry {
	return Registry{
		bySubID:    newSubIndex(),
		byChannel:  newSubIndex(),
		byUserID:   newSubIndex(),
		byUserName: newSubIndex(),
		bySession:  newSubIndex(),
	}
}

func (r *Registry) insert(sub *Subscription) {
	r.bySubID.register(sub, sub.ID)
	r.byChannel.register(sub, sub.Channel)
	r.byUserID.register(sub, sub.UserID)
	r.byUserName.register(sub, sub.UserName)
	r.bySession.register(sub, sub.SessionID)
}

func (r *Registry) remove(sub *Subscription) {
	r.bySubID.unregister(sub, sub.ID)
	r.byChannel.unregister(sub, sub.Channel)
	r.byUserID.unregister(sub, sub.UserID)
	r.byUserName.unregister(sub, sub.UserName)
	r.bySession.unregister(sub, sub.SessionID)
}

// GetSubscription finds a subscription by id. Administrative path: it scans
// the flattened id index rather than assuming one live entry per key.
func (r *Registry) GetSubscription(id string) *Subscription {
	var found *Subscription
	r.bySubID.eachAll(func(sub *Subscription) {
		if found == nil && sub.ID == id {
			found = sub
		}
	})
	return found
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	n := 0
	r.bySubID.eachAll(func(*Subscription) { n++ })
	return n
}

// Snapshot returns the metadata of every live subscription, optionally
// filtered by channel. Channel "" means no filter.
func (r *Registry) Snapshot(channel string) []map[string]string {
	out := make([]map[string]string, 0)
	r.bySubID.eachAll(func(sub *Subscription) {
		if channel != "" && sub.Channel != channel {
			return
		}
		out = append(out, sub.MetaCopy())
	})
	return out
}
