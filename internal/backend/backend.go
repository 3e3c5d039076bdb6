// Package backend selects how the application talks to the messaging
// service: an in-process protocol engine, a bridge to an engine hosted in a
// separate process, or a disconnected stub.
package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warbler-im/warbler/internal/engine"
	"github.com/warbler-im/warbler/internal/event"
)

// Backend is the full operation surface a frontend drives.
type Backend interface {
	Connect(ctx context.Context, address, password, endpoint string) error
	Disconnect() error
	Status() engine.Status

	SendMessage(ctx context.Context, recipient, body string, opts engine.SendOptions) (engine.Message, error)
	GetHistory(ctx context.Context, conversation string, limit int, before time.Time) ([]engine.Message, error)

	GetRoster(ctx context.Context) ([]engine.RosterEntry, error)
	AddContact(ctx context.Context, identifier string) error
	RemoveContact(ctx context.Context, identifier string) error

	JoinRoom(ctx context.Context, room, nickname string) error
	CreateRoom(ctx context.Context, room, nickname string) error
	LeaveRoom(ctx context.Context, room string) error
	DestroyRoom(ctx context.Context, room, reason string) error
	DiscoverService(ctx context.Context) (string, error)
	ListRooms(ctx context.Context, service string) ([]engine.RoomInfo, error)

	GetProfile(ctx context.Context, identifier string) (*engine.ProfileRecord, error)
	SetProfile(ctx context.Context, req engine.ProfileSetRequest) error

	// Subscribe registers a handler on one of the event channels and
	// returns its cancellation handle.
	Subscribe(channel string, fn event.Handler) func()

	Close() error
}

// Backend modes accepted by Select.
const (
	ModeEngine = "engine"
	ModeBridge = "bridge"
	ModeOff    = "off"
)

// Select builds the backend named by mode. An empty mode selects the
// in-process engine; ModeBridge launches the plugin binary at bridgePath.
func Select(mode, bridgePath string, cfg engine.Config, bus *event.Bus, logger *zap.Logger) (Backend, error) {
	switch mode {
	case "", ModeEngine:
		return &native{Engine: engine.New(cfg, bus, logger)}, nil
	case ModeBridge:
		if bridgePath == "" {
			return nil, fmt.Errorf("bridge backend requires a plugin path")
		}
		return NewBridge(bridgePath, bus, logger)
	case ModeOff:
		return &stub{bus: bus}, nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", mode)
	}
}

// native runs the protocol engine inside this process.
type native struct {
	*engine.Engine
}

func (n *native) Close() error {
	return n.Disconnect()
}
