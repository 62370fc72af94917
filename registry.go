package chatlink

import (
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// subscription is the live binding between a destination and a handler.
// Handles belong to exactly one session; a session teardown invalidates
// all of them at once.
type subscription struct {
	id          string
	destination string
	handler     FrameHandler
}

// subscriptionRegistry holds at most one live subscription per
// destination. It is safe for concurrent use; the client mutates it
// while the read pump dispatches against it.
type subscriptionRegistry struct {
	mu            sync.RWMutex
	byDestination map[string]*subscription
	byID          map[string]*subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		byDestination: make(map[string]*subscription),
		byID:          make(map[string]*subscription),
	}
}

// add binds a handler to a destination. When a handle already exists the
// existing one is returned and created is false; the caller must not
// issue a second SUBSCRIBE frame for it.
func (r *subscriptionRegistry) add(destination string, handler FrameHandler) (sub *subscription, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byDestination[destination]; ok {
		return existing, false
	}

	sub = &subscription{
		id:          uuid.New().String(),
		destination: destination,
		handler:     handler,
	}
	r.byDestination[destination] = sub
	r.byID[sub.id] = sub
	return sub, true
}

// remove releases the handle for destination, returning it so the caller
// can send UNSUBSCRIBE. Removing an absent destination returns nil.
func (r *subscriptionRegistry) remove(destination string) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byDestination[destination]
	if !ok {
		return nil
	}
	delete(r.byDestination, destination)
	delete(r.byID, sub.id)
	return sub
}

// clear drops every handle. Called whenever the session is invalidated;
// handles tied to a dead session are meaningless, so no UNSUBSCRIBE
// frames are sent.
func (r *subscriptionRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDestination = make(map[string]*subscription)
	r.byID = make(map[string]*subscription)
}

func (r *subscriptionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDestination)
}

// dispatch routes an inbound MESSAGE frame to its handler, matching by
// subscription id first and destination as a fallback.
func (r *subscriptionRegistry) dispatch(f *frame) {
	r.mu.RLock()
	sub := r.byID[f.header(hdrSubscription)]
	if sub == nil {
		sub = r.byDestination[f.header(hdrDestination)]
	}
	r.mu.RUnlock()

	if sub == nil {
		glog.V(1).Infof("chatlink: no subscription for message on %s", f.header(hdrDestination))
		return
	}
	sub.handler(f.body)
}
