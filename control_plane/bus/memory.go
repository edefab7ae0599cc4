package bus

import (
	"context"
	"strings"
	"sync"
)

// MemoryBus is the in-process test double. Publishes are recorded and
// delivered synchronously to matching subscribers so tests stay deterministic.
type MemoryBus struct {
	mu       sync.Mutex
	subs     []memorySub
	messages map[string][][]byte
}

type memorySub struct {
	filter  string
	handler Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{messages: make(map[string][][]byte)}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	cp := append([]byte(nil), payload...)
	b.messages[topic] = append(b.messages[topic], cp)
	subs := append([]memorySub(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		if topicMatches(sub.filter, topic) {
			sub.handler(topic, cp)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, memorySub{filter: topic, handler: handler})
	return nil
}

func (b *MemoryBus) Close() error { return nil }

// Messages returns everything published to a topic, oldest first.
func (b *MemoryBus) Messages(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.messages[topic]...)
}

// LastMessage returns the newest payload on a topic, or nil.
func (b *MemoryBus) LastMessage(topic string) []byte {
	msgs := b.Messages(topic)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// topicMatches implements MQTT single-level (+) and trailing multi-level (#)
// wildcard matching, which is all the control plane uses.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range fp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
