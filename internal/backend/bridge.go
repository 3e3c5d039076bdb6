package backend

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/rpc"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-plugin"
	"go.uber.org/zap"

	"github.com/warbler-im/warbler/internal/engine"
	"github.com/warbler-im/warbler/internal/event"
)

// Handshake is the bridge plugin handshake config.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "WARBLER_BRIDGE",
	MagicCookieValue: "warbler",
}

// pluginMap names the single plugin a bridge binary serves.
var pluginMap = map[string]plugin.Plugin{
	"backend": &bridgePlugin{},
}

func init() {
	gob.Register(engine.Message{})
	gob.Register(engine.ConnectionEvent{})
	gob.Register(engine.ReceiptEvent{})
	gob.Register(engine.RosterEvent{})
	gob.Register(engine.RoomEvent{})
}

// Serve runs a backend as a bridge plugin process. Bridge binaries call this
// from main with the backend they host.
func Serve(impl Backend) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"backend": &bridgePlugin{Impl: impl},
		},
	})
}

// bridgePlugin is the go-plugin glue for the backend surface over net/rpc.
type bridgePlugin struct {
	Impl Backend
}

func (p *bridgePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return newBridgeServer(p.Impl), nil
}

func (p *bridgePlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &bridgeClient{client: c}, nil
}

// Bridge drives a backend hosted in a separate process. Deadlines do not
// cross the process boundary, so contexts passed to its methods only gate
// entry; the remote side applies its own timeouts.
type Bridge struct {
	client *plugin.Client
	remote *bridgeClient
	bus    *event.Bus
	log    *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewBridge launches the bridge binary at path and starts pumping its events
// onto the local bus.
func NewBridge(path string, bus *event.Bus, logger *zap.Logger) (*Bridge, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          pluginMap,
		Cmd:              exec.Command(path),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to start bridge: %w", err)
	}

	raw, err := rpcClient.Dispense("backend")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense bridge backend: %w", err)
	}
	remote, ok := raw.(*bridgeClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("bridge served an unexpected type %T", raw)
	}

	b := &Bridge{
		client: client,
		remote: remote,
		bus:    bus,
		log:    logger,
		done:   make(chan struct{}),
	}
	go b.pump()
	return b, nil
}

// pump polls the remote event queue and republishes on the local bus.
func (b *Bridge) pump() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}
		events, err := b.remote.NextEvents(64)
		if err != nil {
			select {
			case <-b.done:
			default:
				b.log.Warn("bridge event pump stopped", zap.Error(err))
			}
			return
		}
		for _, ev := range events {
			b.bus.Publish(ev.Channel, ev.Payload)
		}
	}
}

func (b *Bridge) Connect(ctx context.Context, address, password, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.remote.Connect(address, password, endpoint)
}

func (b *Bridge) Disconnect() error {
	return b.remote.Disconnect()
}

func (b *Bridge) Status() engine.Status {
	status, err := b.remote.Status()
	if err != nil {
		return engine.StatusOffline
	}
	return status
}

func (b *Bridge) SendMessage(ctx context.Context, recipient, body string, opts engine.SendOptions) (engine.Message, error) {
	if err := ctx.Err(); err != nil {
		return engine.Message{}, err
	}
	return b.remote.SendMessage(recipient, body, opts)
}

func (b *Bridge) GetHistory(ctx context.Context, conversation string, limit int, before time.Time) ([]engine.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.remote.GetHistory(conversation, limit, before)
}

func (b *Bridge) GetRoster(ctx context.Context) ([]engine.RosterEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.remote.GetRoster()
}

func (b *Bridge) AddContact(ctx context.Context, identifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.remote.AddContact(identifier)
}

func (b *Bridge) RemoveContact(ctx context.Context, identifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.remote.RemoveContact(identifier)
}

func (b *Bridge) JoinRoom(ctx context.Context, room, nickname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.remote.JoinRoom(room, nickname)
}

func (b *Bridge) CreateRoom(ctx context.Context, room, nickname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.remote.CreateRoom(room, nickname)
}

func (b *Bridge) LeaveRoom(ctx context.Context, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.remote.LeaveRoom(room)
}

func (b *Bridge) DestroyRoom(ctx context.Context, room, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.remote.DestroyRoom(room, reason)
}

func (b *Bridge) DiscoverService(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.remote.DiscoverService()
}

func (b *Bridge) ListRooms(ctx context.Context, service string) ([]engine.RoomInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.remote.ListRooms(service)
}

func (b *Bridge) GetProfile(ctx context.Context, identifier string) (*engine.ProfileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.remote.GetProfile(identifier)
}

func (b *Bridge) SetProfile(ctx context.Context, req engine.ProfileSetRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.remote.SetProfile(req)
}

func (b *Bridge) Subscribe(channel string, fn event.Handler) func() {
	return b.bus.Subscribe(channel, fn)
}

// Close stops the event pump and kills the bridge process.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() {
		close(b.done)
		b.client.Kill()
	})
	return nil
}

// restoreError maps an error that crossed the process boundary as text back
// onto the engine's sentinel errors so errors.Is keeps working. Only the
// segment before the first wrap separator is compared, so an unrelated remote
// error that merely starts with a sentinel's words passes through untouched.
func restoreError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	head, detail, wrapped := strings.Cut(msg, ": ")
	for _, sentinel := range []error{
		engine.ErrNotConnected,
		engine.ErrConnectTimeout,
		engine.ErrAuthenticationFailed,
		engine.ErrRequestTimeout,
	} {
		if head != sentinel.Error() {
			continue
		}
		if !wrapped {
			return sentinel
		}
		return fmt.Errorf("%w: %s", sentinel, detail)
	}
	return err
}
