// Package rbus is a type-safe publish/subscribe event bus used by demo host
// binaries to observe reactor diagnostics (EventSource state transitions,
// MQTT broker lifecycle events). It is not imported by any core reactor
// package: the core stays callback-based, and rbus is strictly a
// demo-and-watchdog concern layered on top.
package rbus

import "github.com/cskr/pubsub"

// Bus is a type-safe wrapper around cskr/pubsub's untyped channel bus. It
// provides the raw Sub/Pub/Unsub API that mirrors cskr/pubsub directly, plus
// a typed generic API (Publish[T]/Topic[T]) that catches publisher type
// mismatches at compile time.
type Bus struct {
	ps *pubsub.PubSub
}

// New creates a new Bus with the given per-subscriber channel capacity.
func New(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{ps: pubsub.New(capacity)}
}

// Sub subscribes to one or more topics and returns a channel that receives
// messages published to any of those topics.
func (b *Bus) Sub(topics ...string) chan any {
	return b.ps.Sub(topics...)
}

// Pub publishes msg to all subscribers of the given topics.
func (b *Bus) Pub(msg any, topics ...string) {
	b.ps.Pub(msg, topics...)
}

// Unsub removes ch from the given topics. If no topics are specified, ch is
// removed from all topics.
func (b *Bus) Unsub(ch chan any, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		return
	}
	b.ps.Unsub(ch, topics...)
}

// Shutdown closes every subscriber channel and stops the bus.
func (b *Bus) Shutdown() {
	b.ps.Shutdown()
}

// ---------------------------------------------------------------------------
// Typed generic API
// ---------------------------------------------------------------------------

// Topic is a typed topic identifier. The type parameter T documents (and
// enforces at compile time) what Go type is published on this topic.
type Topic[T any] struct {
	Name string
}

// NewTopic creates a typed topic with the given name.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{Name: name}
}

// Publish sends typed data to all subscribers of topic.
func Publish[T any](bus *Bus, topic Topic[T], data T) {
	bus.Pub(data, topic.Name)
}

// topicNamer is satisfied by any Topic[T] and allows accepting mixed generic
// topic types in a single variadic argument list.
type topicNamer interface{ TopicName() string }

// TopicName returns the string name of the topic (implements topicNamer).
func (t Topic[T]) TopicName() string { return t.Name }

// SubTopics subscribes to one or more typed topics, extracting the string
// name from each Topic[T] automatically.
func (b *Bus) SubTopics(topics ...topicNamer) chan any {
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.TopicName()
	}
	return b.Sub(names...)
}
