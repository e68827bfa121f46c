// Package transport wraps the real-time publish/subscribe channel the duel
// coordinator rides on. Delivery is best-effort, at-most-once, and
// unordered; the coordinator is built to tolerate loss and duplication.
package transport

// Message is one datagram received on a subject.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is a live subscription handle.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the channel primitive consumed by duel sessions. Publish never
// blocks on delivery; Subscribe returns a buffered inbox that drops when the
// consumer falls too far behind.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string) (<-chan Message, Subscription, error)
}
