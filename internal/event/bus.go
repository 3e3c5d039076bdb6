// Package event implements the typed publish/subscribe fan-out consumed by
// the UI layer and other frontends.
package event

import "sync"

// Channel names published by the protocol engine.
const (
	ConnectionEstablished = "connection.established"
	ConnectionLost        = "connection.lost"
	Reconnecting          = "connection.reconnecting"
	MessageReceived       = "message.received"
	MessageReceipt        = "message.receipt"
	RosterReceived        = "roster.received"
	RosterUpdated         = "roster.updated"
	RoomJoined            = "room.joined"
	RoomLeft              = "room.left"
)

// Channels lists every channel the engine publishes on.
var Channels = []string{
	ConnectionEstablished,
	ConnectionLost,
	Reconnecting,
	MessageReceived,
	MessageReceipt,
	RosterReceived,
	RosterUpdated,
	RoomJoined,
	RoomLeft,
}

// Handler receives one published payload.
type Handler func(payload any)

type registration struct {
	fn Handler
}

// Bus is a per-channel fan-out. Emission is synchronous: Publish invokes
// every handler registered on the channel, in registration order, before it
// returns.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*registration
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]*registration)}
}

// Subscribe registers a handler on a channel and returns a cancellation
// handle. Calling the handle removes exactly that handler; calling it again
// is a no-op.
func (b *Bus) Subscribe(channel string, fn Handler) func() {
	reg := &registration{fn: fn}

	b.mu.Lock()
	b.handlers[channel] = append(b.handlers[channel], reg)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		regs := b.handlers[channel]
		for i, r := range regs {
			if r == reg {
				b.handlers[channel] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the payload to every handler currently registered on the
// channel, in registration order.
func (b *Bus) Publish(channel string, payload any) {
	b.mu.Lock()
	regs := make([]*registration, len(b.handlers[channel]))
	copy(regs, b.handlers[channel])
	b.mu.Unlock()

	for _, r := range regs {
		r.fn(payload)
	}
}
