package ingest

import "errors"

// ErrSourceClosed is returned by the scheduler when the event stream ends.
var ErrSourceClosed = errors.New("ingest: source closed")

// EventKind distinguishes the events a source emits.
type EventKind int

const (
	// EventMessage carries a raw payload.
	EventMessage EventKind = iota + 1
	// EventConnectionError reports a transport connection failure.
	EventConnectionError
)

// Event is one item of the subscription stream.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	Err     error
}

// MessageEvent builds a message event.
func MessageEvent(topic string, payload []byte) Event {
	return Event{Kind: EventMessage, Topic: topic, Payload: payload}
}

// ConnectionErrorEvent builds a connection failure event.
func ConnectionErrorEvent(err error) Event {
	return Event{Kind: EventConnectionError, Err: err}
}

// Source surfaces raw messages and connection failures as one ordered stream.
type Source interface {
	Events() <-chan Event
}

// ChannelSource adapts a plain channel to Source.
type ChannelSource <-chan Event

// Events returns the underlying channel.
func (c ChannelSource) Events() <-chan Event {
	return c
}
