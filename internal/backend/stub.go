package backend

import (
	"context"
	"time"

	"github.com/warbler-im/warbler/internal/engine"
	"github.com/warbler-im/warbler/internal/event"
)

// stub is the disconnected backend. Every operation that needs a session
// fails with the engine's not-connected error, which lets the rest of the
// application run without any transport configured.
type stub struct {
	bus *event.Bus
}

func (s *stub) Connect(context.Context, string, string, string) error {
	return engine.ErrNotConnected
}

func (s *stub) Disconnect() error { return nil }

func (s *stub) Status() engine.Status { return engine.StatusOffline }

func (s *stub) SendMessage(context.Context, string, string, engine.SendOptions) (engine.Message, error) {
	return engine.Message{}, engine.ErrNotConnected
}

func (s *stub) GetHistory(context.Context, string, int, time.Time) ([]engine.Message, error) {
	return nil, engine.ErrNotConnected
}

func (s *stub) GetRoster(context.Context) ([]engine.RosterEntry, error) {
	return nil, engine.ErrNotConnected
}

func (s *stub) AddContact(context.Context, string) error { return engine.ErrNotConnected }

func (s *stub) RemoveContact(context.Context, string) error { return engine.ErrNotConnected }

func (s *stub) JoinRoom(context.Context, string, string) error { return engine.ErrNotConnected }

func (s *stub) CreateRoom(context.Context, string, string) error { return engine.ErrNotConnected }

func (s *stub) LeaveRoom(context.Context, string) error { return engine.ErrNotConnected }

func (s *stub) DestroyRoom(context.Context, string, string) error { return engine.ErrNotConnected }

func (s *stub) DiscoverService(context.Context) (string, error) {
	return "", engine.ErrNotConnected
}

func (s *stub) ListRooms(context.Context, string) ([]engine.RoomInfo, error) {
	return nil, engine.ErrNotConnected
}

func (s *stub) GetProfile(context.Context, string) (*engine.ProfileRecord, error) {
	return nil, engine.ErrNotConnected
}

func (s *stub) SetProfile(context.Context, engine.ProfileSetRequest) error {
	return engine.ErrNotConnected
}

func (s *stub) Subscribe(channel string, fn event.Handler) func() {
	return s.bus.Subscribe(channel, fn)
}

func (s *stub) Close() error { return nil }
