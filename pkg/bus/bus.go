// Package bus is a small keyed publish/subscribe hub. Publishing never blocks the publisher:
// messages that do not fit the queue or a subscriber buffer are dropped and logged.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type key interface {
	comparable
}

type message interface {
	any
}

type Message[K key, M message] struct {
	Key     K
	Message M
}

type Publisher[M message] func(ctx context.Context, msg M)
type Subscriber[K key, M message] func(ctx context.Context) <-chan Message[K, M]

type Bus[K key, M message] struct {
	log        *zap.Logger
	bufferSize int
	ready      chan struct{}
	dropped    *atomic.Int64

	// held for reading while delivering, for writing while closing a subscriber channel
	mu         sync.RWMutex
	ch         chan Message[K, M]
	keySubs    *xsync.MapOf[K, map[chan Message[K, M]]struct{}]
	globalSubs *xsync.MapOf[chan Message[K, M], struct{}]
}

func NewBus[K key, M message](logger *zap.Logger, bufferSize int) *Bus[K, M] {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus[K, M]{
		log:        logger,
		bufferSize: bufferSize,
		ready:      make(chan struct{}),
		dropped:    atomic.NewInt64(0),

		ch:         make(chan Message[K, M], bufferSize),
		keySubs:    xsync.NewMapOf[K, map[chan Message[K, M]]struct{}](),
		globalSubs: xsync.NewMapOf[chan Message[K, M], struct{}](),
	}
}

// Start runs the dispatch worker until ctx is done.
func (b *Bus[K, M]) Start(ctx context.Context) error {
	select {
	case <-b.ready:
		return fmt.Errorf("bus already started")
	default:
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-b.ch:
				b.process(msg)
			}
		}
	}()
	close(b.ready)
	return nil
}

func (b *Bus[K, M]) Ready() <-chan struct{} {
	return b.ready
}

// Dropped counts messages lost to full buffers.
func (b *Bus[K, M]) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus[K, M]) Publish(ctx context.Context, key K, msg M) {
	select {
	case <-ctx.Done():
	case b.ch <- Message[K, M]{key, msg}:
	default:
		b.dropped.Inc()
		b.log.Warn("Dropped bus message, queue full", zap.Any("key", key))
	}
}

func (b *Bus[K, M]) CreatePublisher(key K) Publisher[M] {
	return func(ctx context.Context, msg M) {
		b.Publish(ctx, key, msg)
	}
}

func (b *Bus[K, M]) CreateSubscriber(key ...K) Subscriber[K, M] {
	return func(ctx context.Context) <-chan Message[K, M] {
		return b.Subscribe(ctx, key...)
	}
}

func (b *Bus[K, M]) process(msg Message[K, M]) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.globalSubs.Range(func(sub chan Message[K, M], _ struct{}) bool {
		b.deliver(sub, msg)
		return true
	})
	subs, ok := b.keySubs.Load(msg.Key)
	if !ok {
		return
	}
	for sub := range subs {
		b.deliver(sub, msg)
	}
}

func (b *Bus[K, M]) deliver(sub chan Message[K, M], msg Message[K, M]) {
	select {
	case sub <- msg:
	default:
		b.dropped.Inc()
		b.log.Warn("Dropped bus message, subscriber too slow", zap.Any("key", msg.Key))
	}
}

// Subscribe returns a channel receiving messages for the given keys, or every message when no key is given.
// The channel is closed once ctx is done.
func (b *Bus[K, M]) Subscribe(ctx context.Context, key ...K) <-chan Message[K, M] {
	ch := make(chan Message[K, M], b.bufferSize)
	if len(key) == 0 {
		b.globalSubs.Store(ch, struct{}{})
		go func() {
			<-ctx.Done()
			b.mu.Lock()
			defer b.mu.Unlock()
			b.globalSubs.Delete(ch)
			close(ch)
		}()
		return ch
	}
	b.mu.Lock()
	for _, k := range key {
		b.keySubs.Compute(k, func(val map[chan Message[K, M]]struct{}, ok bool) (map[chan Message[K, M]]struct{}, bool) {
			if !ok {
				val = make(map[chan Message[K, M]]struct{}, 8)
			}
			val[ch] = struct{}{}
			return val, false
		})
	}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, k := range key {
			b.keySubs.Compute(k, func(val map[chan Message[K, M]]struct{}, ok bool) (map[chan Message[K, M]]struct{}, bool) {
				delete(val, ch)
				return val, len(val) == 0
			})
		}
		close(ch)
	}()
	return ch
}
