// Package notify keeps the table of change subscribers and fans out
// notifications to them without ever blocking the caller.
package notify

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
)

type subscriber struct {
	id     string
	signal int
	ch     chan v1.Notification
}

// Registry is a bounded set of subscribers keyed by ID. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.Mutex
	max        int
	bufferSize int
	subs       map[string]*subscriber
}

// New creates a registry holding at most max subscribers, each with a
// notification queue of bufferSize entries.
func New(max, bufferSize int) *Registry {
	if max <= 0 {
		max = v1.DefaultMaxSubscribers
	}
	if bufferSize <= 0 {
		bufferSize = v1.DefaultNotifyBuffer
	}
	return &Registry{
		max:        max,
		bufferSize: bufferSize,
		subs:       make(map[string]*subscriber),
	}
}

// Subscribe registers id for change notifications carrying signal. An empty
// id is replaced with a generated one. Subscribing an existing id updates its
// signal and returns the existing channel.
func (r *Registry) Subscribe(id string, signal int) (*v1.Subscription, error) {
	if signal <= 0 {
		return nil, fmt.Errorf("%w: signal must be positive, got %d", kverrors.ErrInvalidArgument, signal)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if sub, ok := r.subs[id]; ok {
		sub.signal = signal
		return &v1.Subscription{ID: id, Signal: signal, C: sub.ch}, nil
	}
	if len(r.subs) >= r.max {
		return nil, fmt.Errorf("%w: %d subscribers registered", kverrors.ErrCapacityExceeded, r.max)
	}
	sub := &subscriber{id: id, signal: signal, ch: make(chan v1.Notification, r.bufferSize)}
	r.subs[id] = sub
	return &v1.Subscription{ID: id, Signal: signal, C: sub.ch}, nil
}

// Unsubscribe removes id and closes its channel.
func (r *Registry) Unsubscribe(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("%w: subscriber %q", kverrors.ErrNotFound, id)
	}
	delete(r.subs, id)
	close(sub.ch)
	return nil
}

// Notify queues a notification for every subscriber, in subscriber ID order.
// Subscribers whose queue is full miss this notification; their IDs are
// returned in dropped.
func (r *Registry) Notify(key string, hash uint32, at time.Time) (delivered int, dropped []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sub := r.subs[id]
		n := v1.Notification{SubscriberID: id, Signal: sub.signal, Key: key, Hash: hash, Time: at}
		select {
		case sub.ch <- n:
			delivered++
		default:
			dropped = append(dropped, id)
		}
	}
	return delivered, dropped
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close removes every subscriber and closes their channels.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.subs {
		close(sub.ch)
		delete(r.subs, id)
	}
}
