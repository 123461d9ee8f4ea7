// Package fanout replicates channel broadcasts between server processes.
//
// A hub delivers every broadcast to its own connections first and then publishes an
// Envelope; every other process receives it from Messages and delivers it locally.
// When no adapter is configured, or the broker is down, delivery is single-process.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable is returned by Publish while the adapter has no broker connection.
var ErrUnavailable = errors.New("fan-out unavailable")

// Envelope is one broadcast crossing process boundaries.
type Envelope struct {
	// Origin identifies the publishing process; adapters drop their own envelopes.
	Origin string `json:"origin"`
	// Channel is the logical channel, e.g. "conversation:<id>", "user:<id>" or "*".
	Channel string `json:"channel"`
	// Except is a connection id that must not receive the frame.
	Except string `json:"except,omitempty"`
	// Frame is the encoded server-to-client frame.
	Frame json.RawMessage `json:"frame"`
}

// Adapter publishes envelopes and yields envelopes published by other processes.
type Adapter interface {
	Publish(ctx context.Context, env Envelope) error
	// Messages yields remote envelopes. It is closed by Close.
	Messages() <-chan Envelope
	// Available reports whether publishes currently reach other processes.
	Available() bool
	// Origin returns this process's identifier.
	Origin() string
	Close() error
}

// None is the single-process adapter: it never publishes and never receives.
type None struct {
	ch     chan Envelope
	origin string
}

// NewNone returns a disabled adapter.
func NewNone(origin string) *None {
	return &None{origin: origin, ch: make(chan Envelope)}
}

// Publish implements Adapter.
func (*None) Publish(context.Context, Envelope) error { return ErrUnavailable }

// Messages implements Adapter. The channel never yields.
func (n *None) Messages() <-chan Envelope { return n.ch }

// Available implements Adapter.
func (*None) Available() bool { return false }

// Origin implements Adapter.
func (n *None) Origin() string { return n.origin }

// Close implements Adapter.
func (*None) Close() error { return nil }

const messageBuffer = 1024
