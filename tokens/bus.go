package tokens

import (
	"sort"
	"sync"

	evbus "github.com/asaskevich/EventBus"
)

const topicReceipt = "tx:receipt"

// ReceiptBus broadcasts receipts to every observer. Handlers run synchronously
// in the publishing goroutine and must not publish themselves.
//
// Subscribers are kept by id behind a single bus handler: the event bus tells
// handlers apart by code pointer, which is shared by all method values of one
// method, so unsubscribing through it could drop another subscriber.
type ReceiptBus struct {
	bus evbus.Bus

	mtx  sync.RWMutex
	next uint64
	subs map[uint64]func(*Receipt)
}

func NewReceiptBus() *ReceiptBus {
	b := &ReceiptBus{bus: evbus.New(), subs: make(map[uint64]func(*Receipt))}
	// dispatch is a func(*Receipt), Subscribe can't fail on it
	b.bus.Subscribe(topicReceipt, b.dispatch)
	return b
}

func (b *ReceiptBus) Publish(r *Receipt) {
	b.bus.Publish(topicReceipt, r)
}

// Subscribe registers fn and returns the function that removes exactly this
// registration.
func (b *ReceiptBus) Subscribe(fn func(*Receipt)) (func(), error) {
	b.mtx.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mtx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mtx.Lock()
			delete(b.subs, id)
			b.mtx.Unlock()
		})
	}, nil
}

// dispatch calls the subscribers in subscription order.
func (b *ReceiptBus) dispatch(r *Receipt) {
	b.mtx.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(*Receipt), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mtx.RUnlock()

	for _, fn := range fns {
		fn(r)
	}
}
