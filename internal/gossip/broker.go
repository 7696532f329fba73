// Package gossip implements C6: block/tx propagation and cross-site
// chain sync (spec.md §4.6). Two interchangeable transports satisfy the
// same Broker contract — an in-process pub/sub table for a single
// deployment, and a Kafka-backed broker (grounded on the teacher's
// datasync/chaindatafetcher/event/kafka package) for multi-site gossip.
package gossip

import (
	"sync"
	"sync/atomic"

	"github.com/oib/aitbc/internal/logging"
)

var log = logging.NewModuleLogger(logging.ModuleGossip)

const (
	TopicBlock = "block"
	TopicTx    = "tx"
)

// Message is the envelope gossiped on either transport. Seq lets a
// subscriber on the external-broker transport detect loss and trigger a
// resync (spec.md §4.6).
type Message struct {
	Topic string
	Seq   uint64
	Data  []byte
}

// Broker is the transport-agnostic contract both transports satisfy.
type Broker interface {
	Publish(topic string, data []byte) error
	Subscribe(topic string) (sub *Subscription, cancel func())
	Close() error
}

// Subscription is a non-blocking per-subscriber queue (spec.md §4.6's "a
// pub/sub topic table with non-blocking per-subscriber queues; overflow
// drops with a counter increment").
type Subscription struct {
	C       chan Message
	Dropped *uint64 // atomic counter of messages dropped due to a full queue
}

func newSubscription(bufSize int) *Subscription {
	var dropped uint64
	return &Subscription{C: make(chan Message, bufSize), Dropped: &dropped}
}

func (s *Subscription) deliver(m Message) {
	select {
	case s.C <- m:
	default:
		atomic.AddUint64(s.Dropped, 1)
	}
}

// InProcessBroker is the single-deployment transport: a topic table of
// non-blocking per-subscriber channels, held entirely in memory.
type InProcessBroker struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
	seq  uint64
	buf  int
}

func NewInProcessBroker(subscriberBuf int) *InProcessBroker {
	if subscriberBuf <= 0 {
		subscriberBuf = 64
	}
	return &InProcessBroker{subs: map[string][]*Subscription{}, buf: subscriberBuf}
}

func (b *InProcessBroker) Publish(topic string, data []byte) error {
	b.mu.Lock()
	b.seq++
	msg := Message{Topic: topic, Seq: b.seq, Data: data}
	subs := append([]*Subscription{}, b.subs[topic]...)
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(msg)
	}
	return nil
}

func (b *InProcessBroker) Subscribe(topic string) (*Subscription, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newSubscription(b.buf)
	b.subs[topic] = append(b.subs[topic], sub)
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s == sub {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return sub, cancel
}

func (b *InProcessBroker) Close() error { return nil }
