package engine

import (
	"context"
	"fmt"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/warbler-im/warbler/internal/event"
	"github.com/warbler-im/warbler/internal/wire"
)

// JoinRoom enters a room under the given nickname, falling back to the
// account's local part when the nickname is empty. The room.joined event
// fires when the service confirms the occupant.
func (e *Engine) JoinRoom(ctx context.Context, room, nickname string) error {
	stream, self, err := e.session()
	if err != nil {
		return err
	}
	roomJID, err := jid.Parse(room)
	if err != nil {
		return fmt.Errorf("invalid room address: %w", err)
	}
	bare := roomJID.Bare().String()

	nick := nickname
	if nick == "" {
		nick = self.Localpart()
	}

	p := &wire.Presence{
		To:  bare + "/" + nick,
		MUC: &wire.MUCJoin{},
	}
	if err := stream.Send(ctx, p); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}

	e.mu.Lock()
	e.rooms[bare] = nick
	e.mu.Unlock()
	return nil
}

// CreateRoom joins a room and then accepts the service's default
// configuration, which turns a freshly created locked room into a usable one.
// The configuration request waits briefly after the join so the service has
// registered the new room before ownership is exercised.
func (e *Engine) CreateRoom(ctx context.Context, room, nickname string) error {
	if err := e.JoinRoom(ctx, room, nickname); err != nil {
		return err
	}

	select {
	case <-time.After(e.cfg.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err := e.request(ctx, &wire.IQ{
		To:       bareKey(room),
		Type:     wire.TypeSet,
		MUCOwner: &wire.MUCOwnerQuery{Form: &wire.Form{Type: "submit"}},
	})
	if err != nil {
		return fmt.Errorf("failed to accept default room configuration: %w", err)
	}
	return nil
}

// LeaveRoom exits a room, using the nickname recorded at join time and
// deriving one from the account when the room was never recorded.
func (e *Engine) LeaveRoom(ctx context.Context, room string) error {
	stream, self, err := e.session()
	if err != nil {
		return err
	}
	bare := bareKey(room)

	e.mu.Lock()
	nick := e.rooms[bare]
	delete(e.rooms, bare)
	e.mu.Unlock()
	if nick == "" {
		nick = self.Localpart()
	}

	p := &wire.Presence{To: bare + "/" + nick, Type: wire.TypeUnavailable}
	if err := stream.Send(ctx, p); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}

	e.bus.Publish(event.RoomLeft, RoomEvent{Room: bare, Nickname: nick})
	return nil
}

// DestroyRoom tears a room down. Only a room owner can do this.
func (e *Engine) DestroyRoom(ctx context.Context, room, reason string) error {
	if !e.connected() {
		return ErrNotConnected
	}
	bare := bareKey(room)

	_, err := e.request(ctx, &wire.IQ{
		To:   bare,
		Type: wire.TypeSet,
		MUCOwner: &wire.MUCOwnerQuery{
			Destroy: &wire.MUCDestroy{Reason: reason},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to destroy room: %w", err)
	}

	e.mu.Lock()
	nick, joined := e.rooms[bare]
	delete(e.rooms, bare)
	e.mu.Unlock()
	if joined {
		e.bus.Publish(event.RoomLeft, RoomEvent{Room: bare, Nickname: nick})
	}
	return nil
}

// DiscoverService finds the domain's room service by walking its advertised
// items and asking each for its identity. When discovery fails, or no item
// identifies as a conference host, it falls back to the conventional
// conference subdomain.
func (e *Engine) DiscoverService(ctx context.Context) (string, error) {
	_, self, err := e.session()
	if err != nil {
		return "", err
	}
	domain := self.Domain().String()
	fallback := "conference." + domain

	items, err := e.request(ctx, &wire.IQ{
		To:         domain,
		Type:       wire.TypeGet,
		DiscoItems: &wire.DiscoItemsQuery{},
	})
	if err != nil || items.DiscoItems == nil {
		return fallback, nil
	}

	for _, item := range items.DiscoItems.Items {
		info, err := e.request(ctx, &wire.IQ{
			To:        item.JID,
			Type:      wire.TypeGet,
			DiscoInfo: &wire.DiscoInfoQuery{},
		})
		if err != nil || info.DiscoInfo == nil {
			continue
		}
		for _, id := range info.DiscoInfo.Identities {
			if id.Category == "conference" {
				return item.JID, nil
			}
		}
	}

	return fallback, nil
}

// ListRooms returns the rooms hosted by a room service, discovering the
// service first when none is given.
func (e *Engine) ListRooms(ctx context.Context, service string) ([]RoomInfo, error) {
	if !e.connected() {
		return nil, ErrNotConnected
	}
	if service == "" {
		discovered, err := e.DiscoverService(ctx)
		if err != nil {
			return nil, err
		}
		service = discovered
	}

	resp, err := e.request(ctx, &wire.IQ{
		To:         service,
		Type:       wire.TypeGet,
		DiscoItems: &wire.DiscoItemsQuery{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	var rooms []RoomInfo
	if resp.DiscoItems != nil {
		for _, item := range resp.DiscoItems.Items {
			rooms = append(rooms, RoomInfo{JID: item.JID, Name: item.Name})
		}
	}
	return rooms, nil
}

// JoinedRooms returns the bare addresses of rooms currently joined, with the
// nickname used in each.
func (e *Engine) JoinedRooms() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.rooms))
	for room, nick := range e.rooms {
		out[room] = nick
	}
	return out
}
