package transport

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryBus is an in-process Bus used by tests and local development. Like
// core NATS it fans out to every subscriber on the subject, including
// subscribers owned by the publisher, so echo suppression gets exercised.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]*memorySubscription

	// dropNext and dupNext count publishes per subject to swallow or
	// deliver twice, for tests that simulate lossy or re-delivering
	// transports.
	dropNext map[string]int
	dupNext  map[string]int
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:     make(map[string][]*memorySubscription),
		dropNext: make(map[string]int),
		dupNext:  make(map[string]int),
	}
}

// Publish fans data out to all current subscribers of subject.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if n := b.dropNext[subject]; n > 0 {
		b.dropNext[subject] = n - 1
		b.mu.Unlock()
		return nil
	}
	copies := 1
	if n := b.dupNext[subject]; n > 0 {
		b.dupNext[subject] = n - 1
		copies = 2
	}
	targets := make([]*memorySubscription, len(b.subs[subject]))
	copy(targets, b.subs[subject])
	b.mu.Unlock()

	for i := 0; i < copies; i++ {
		for _, sub := range targets {
			select {
			case sub.ch <- Message{Subject: subject, Data: data}:
			default:
				log.Warn().Str("subject", subject).Msg("memory inbox full, dropping message")
			}
		}
	}
	return nil
}

// Subscribe opens a buffered inbox on subject.
func (b *MemoryBus) Subscribe(subject string) (<-chan Message, Subscription, error) {
	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		ch:      make(chan Message, inboxBuffer),
	}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return sub.ch, sub, nil
}

// DropNext makes the bus silently swallow the next n publishes on subject.
func (b *MemoryBus) DropNext(subject string, n int) {
	b.mu.Lock()
	b.dropNext[subject] += n
	b.mu.Unlock()
}

// DuplicateNext makes the bus deliver the next n publishes on subject twice.
func (b *MemoryBus) DuplicateNext(subject string, n int) {
	b.mu.Lock()
	b.dupNext[subject] += n
	b.mu.Unlock()
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	ch      chan Message
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}
