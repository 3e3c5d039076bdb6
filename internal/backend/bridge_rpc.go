package backend

import (
	"context"
	"net/rpc"
	"sync"
	"time"

	"github.com/warbler-im/warbler/internal/engine"
	"github.com/warbler-im/warbler/internal/event"
)

// Event is one bus event carried across the bridge.
type Event struct {
	Channel string
	Payload any
}

// Empty is the reply type for methods that only return an error.
type Empty struct{}

type ConnectArgs struct {
	Address  string
	Password string
	Endpoint string
}

type SendMessageArgs struct {
	Recipient string
	Body      string
	Opts      engine.SendOptions
}

type SendMessageReply struct {
	Message engine.Message
}

type HistoryArgs struct {
	Conversation string
	Limit        int
	Before       time.Time
}

type HistoryReply struct {
	Messages []engine.Message
}

type RosterReply struct {
	Entries []engine.RosterEntry
}

type IdentifierArgs struct {
	Identifier string
}

type RoomArgs struct {
	Room     string
	Nickname string
}

type DestroyRoomArgs struct {
	Room   string
	Reason string
}

type ListRoomsArgs struct {
	Service string
}

type ListRoomsReply struct {
	Rooms []engine.RoomInfo
}

type DiscoverReply struct {
	Service string
}

type StatusReply struct {
	Status engine.Status
}

type ProfileReply struct {
	Profile *engine.ProfileRecord
}

type NextEventsArgs struct {
	Max int
}

type NextEventsReply struct {
	Events []Event
}

// eventQueueCap bounds the server-side event buffer; the oldest events are
// dropped when a client stops polling.
const eventQueueCap = 1024

// bridgeServer exposes a backend over net/rpc inside the plugin process. Bus
// events are buffered and handed out through NextEvents polls.
type bridgeServer struct {
	impl Backend

	mu    sync.Mutex
	queue []Event
}

func newBridgeServer(impl Backend) *bridgeServer {
	s := &bridgeServer{impl: impl}
	for _, channel := range event.Channels {
		channel := channel
		impl.Subscribe(channel, func(payload any) {
			s.enqueue(Event{Channel: channel, Payload: payload})
		})
	}
	return s
}

func (s *bridgeServer) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= eventQueueCap {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, ev)
}

func (s *bridgeServer) NextEvents(args NextEventsArgs, reply *NextEventsReply) error {
	max := args.Max
	if max <= 0 {
		max = 64
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if n > max {
		n = max
	}
	reply.Events = append([]Event(nil), s.queue[:n]...)
	s.queue = s.queue[n:]
	return nil
}

func (s *bridgeServer) Connect(args ConnectArgs, _ *Empty) error {
	return s.impl.Connect(context.Background(), args.Address, args.Password, args.Endpoint)
}

func (s *bridgeServer) Disconnect(_ Empty, _ *Empty) error {
	return s.impl.Disconnect()
}

func (s *bridgeServer) Status(_ Empty, reply *StatusReply) error {
	reply.Status = s.impl.Status()
	return nil
}

func (s *bridgeServer) SendMessage(args SendMessageArgs, reply *SendMessageReply) error {
	msg, err := s.impl.SendMessage(context.Background(), args.Recipient, args.Body, args.Opts)
	if err != nil {
		return err
	}
	reply.Message = msg
	return nil
}

func (s *bridgeServer) GetHistory(args HistoryArgs, reply *HistoryReply) error {
	msgs, err := s.impl.GetHistory(context.Background(), args.Conversation, args.Limit, args.Before)
	if err != nil {
		return err
	}
	reply.Messages = msgs
	return nil
}

func (s *bridgeServer) GetRoster(_ Empty, reply *RosterReply) error {
	entries, err := s.impl.GetRoster(context.Background())
	if err != nil {
		return err
	}
	reply.Entries = entries
	return nil
}

func (s *bridgeServer) AddContact(args IdentifierArgs, _ *Empty) error {
	return s.impl.AddContact(context.Background(), args.Identifier)
}

func (s *bridgeServer) RemoveContact(args IdentifierArgs, _ *Empty) error {
	return s.impl.RemoveContact(context.Background(), args.Identifier)
}

func (s *bridgeServer) JoinRoom(args RoomArgs, _ *Empty) error {
	return s.impl.JoinRoom(context.Background(), args.Room, args.Nickname)
}

func (s *bridgeServer) CreateRoom(args RoomArgs, _ *Empty) error {
	return s.impl.CreateRoom(context.Background(), args.Room, args.Nickname)
}

func (s *bridgeServer) LeaveRoom(args RoomArgs, _ *Empty) error {
	return s.impl.LeaveRoom(context.Background(), args.Room)
}

func (s *bridgeServer) DestroyRoom(args DestroyRoomArgs, _ *Empty) error {
	return s.impl.DestroyRoom(context.Background(), args.Room, args.Reason)
}

func (s *bridgeServer) DiscoverService(_ Empty, reply *DiscoverReply) error {
	service, err := s.impl.DiscoverService(context.Background())
	if err != nil {
		return err
	}
	reply.Service = service
	return nil
}

func (s *bridgeServer) ListRooms(args ListRoomsArgs, reply *ListRoomsReply) error {
	rooms, err := s.impl.ListRooms(context.Background(), args.Service)
	if err != nil {
		return err
	}
	reply.Rooms = rooms
	return nil
}

func (s *bridgeServer) GetProfile(args IdentifierArgs, reply *ProfileReply) error {
	profile, err := s.impl.GetProfile(context.Background(), args.Identifier)
	if err != nil {
		return err
	}
	reply.Profile = profile
	return nil
}

func (s *bridgeServer) SetProfile(args engine.ProfileSetRequest, _ *Empty) error {
	return s.impl.SetProfile(context.Background(), args)
}

// bridgeClient is the host-side net/rpc stub.
type bridgeClient struct {
	client *rpc.Client
}

func (c *bridgeClient) NextEvents(max int) ([]Event, error) {
	var reply NextEventsReply
	if err := c.client.Call("Plugin.NextEvents", NextEventsArgs{Max: max}, &reply); err != nil {
		return nil, err
	}
	return reply.Events, nil
}

func (c *bridgeClient) Connect(address, password, endpoint string) error {
	args := ConnectArgs{Address: address, Password: password, Endpoint: endpoint}
	return restoreError(c.client.Call("Plugin.Connect", args, &Empty{}))
}

func (c *bridgeClient) Disconnect() error {
	return restoreError(c.client.Call("Plugin.Disconnect", Empty{}, &Empty{}))
}

func (c *bridgeClient) Status() (engine.Status, error) {
	var reply StatusReply
	if err := c.client.Call("Plugin.Status", Empty{}, &reply); err != nil {
		return engine.StatusOffline, err
	}
	return reply.Status, nil
}

func (c *bridgeClient) SendMessage(recipient, body string, opts engine.SendOptions) (engine.Message, error) {
	args := SendMessageArgs{Recipient: recipient, Body: body, Opts: opts}
	var reply SendMessageReply
	if err := c.client.Call("Plugin.SendMessage", args, &reply); err != nil {
		return engine.Message{}, restoreError(err)
	}
	return reply.Message, nil
}

func (c *bridgeClient) GetHistory(conversation string, limit int, before time.Time) ([]engine.Message, error) {
	args := HistoryArgs{Conversation: conversation, Limit: limit, Before: before}
	var reply HistoryReply
	if err := c.client.Call("Plugin.GetHistory", args, &reply); err != nil {
		return nil, restoreError(err)
	}
	return reply.Messages, nil
}

func (c *bridgeClient) GetRoster() ([]engine.RosterEntry, error) {
	var reply RosterReply
	if err := c.client.Call("Plugin.GetRoster", Empty{}, &reply); err != nil {
		return nil, restoreError(err)
	}
	return reply.Entries, nil
}

func (c *bridgeClient) AddContact(identifier string) error {
	return restoreError(c.client.Call("Plugin.AddContact", IdentifierArgs{Identifier: identifier}, &Empty{}))
}

func (c *bridgeClient) RemoveContact(identifier string) error {
	return restoreError(c.client.Call("Plugin.RemoveContact", IdentifierArgs{Identifier: identifier}, &Empty{}))
}

func (c *bridgeClient) JoinRoom(room, nickname string) error {
	return restoreError(c.client.Call("Plugin.JoinRoom", RoomArgs{Room: room, Nickname: nickname}, &Empty{}))
}

func (c *bridgeClient) CreateRoom(room, nickname string) error {
	return restoreError(c.client.Call("Plugin.CreateRoom", RoomArgs{Room: room, Nickname: nickname}, &Empty{}))
}

func (c *bridgeClient) LeaveRoom(room string) error {
	return restoreError(c.client.Call("Plugin.LeaveRoom", RoomArgs{Room: room}, &Empty{}))
}

func (c *bridgeClient) DestroyRoom(room, reason string) error {
	return restoreError(c.client.Call("Plugin.DestroyRoom", DestroyRoomArgs{Room: room, Reason: reason}, &Empty{}))
}

func (c *bridgeClient) DiscoverService() (string, error) {
	var reply DiscoverReply
	if err := c.client.Call("Plugin.DiscoverService", Empty{}, &reply); err != nil {
		return "", restoreError(err)
	}
	return reply.Service, nil
}

func (c *bridgeClient) ListRooms(service string) ([]engine.RoomInfo, error) {
	var reply ListRoomsReply
	if err := c.client.Call("Plugin.ListRooms", ListRoomsArgs{Service: service}, &reply); err != nil {
		return nil, restoreError(err)
	}
	return reply.Rooms, nil
}

func (c *bridgeClient) GetProfile(identifier string) (*engine.ProfileRecord, error) {
	var reply ProfileReply
	if err := c.client.Call("Plugin.GetProfile", IdentifierArgs{Identifier: identifier}, &reply); err != nil {
		return nil, restoreError(err)
	}
	return reply.Profile, nil
}

func (c *bridgeClient) SetProfile(req engine.ProfileSetRequest) error {
	return restoreError(c.client.Call("Plugin.SetProfile", req, &Empty{}))
}
