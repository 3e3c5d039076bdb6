package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/warbler-im/warbler/internal/event"
	"github.com/warbler-im/warbler/internal/wire"
)

// route dispatches one inbound element. Responses to pending requests go to
// the correlator; everything else is handled by kind and anything left over
// is dropped with a log line.
func (e *Engine) route(el wire.Element) {
	switch v := el.(type) {
	case *wire.IQ:
		e.routeIQ(v)
	case *wire.Presence:
		e.routePresence(v)
	case *wire.Message:
		e.routeMessage(v)
	default:
		e.log.Debug("dropping unrecognized element")
	}
}

func (e *Engine) routeIQ(iq *wire.IQ) {
	if (iq.Type == wire.TypeResult || iq.Type == wire.TypeError) && e.resolve(iq) {
		return
	}

	if iq.Type == wire.TypeSet && iq.Roster != nil {
		// Pushes are legitimate only from the server (no from) or our own
		// bare address; anything else is a spoof attempt.
		e.mu.Lock()
		self := e.self
		e.mu.Unlock()
		if iq.From != "" && bareKey(iq.From) != self.Bare().String() {
			e.log.Warn("dropping roster push from unauthorized sender",
				zap.String("from", iq.From))
			return
		}
		e.applyRosterPush(iq.Roster)
		e.sendAsync(&wire.IQ{ID: iq.ID, To: iq.From, Type: wire.TypeResult})
		e.bus.Publish(event.RosterReceived, RosterEvent{Entries: e.roster.snapshot()})
		return
	}

	e.log.Debug("dropping unhandled iq",
		zap.String("id", iq.ID),
		zap.String("type", iq.Type),
		zap.String("from", iq.From))
}

func (e *Engine) routeMessage(m *wire.Message) {
	if m.ArchiveResult != nil {
		e.handleArchived(m.From, m.ArchiveResult)
		return
	}

	if m.Received != nil {
		e.bus.Publish(event.MessageReceipt, ReceiptEvent{
			MessageID: m.Received.ID,
			From:      bareKey(m.From),
		})
		return
	}

	if m.Body == "" {
		return
	}

	from, err := jid.Parse(m.From)
	if err != nil {
		e.log.Warn("dropping message with unparseable sender",
			zap.String("from", m.From), zap.Error(err))
		return
	}

	kind := KindDirect
	if m.Type == wire.TypeGroupChat {
		kind = KindGroup
	}

	ts := time.Now()
	if m.Delay != nil {
		if stamp, err := m.Delay.Time(); err == nil {
			ts = stamp
		}
	}

	key := from.Bare().String()
	msg := buildMessage(m, ts, kind)
	e.history.insert(key, msg)

	suppress := false
	if kind == KindGroup {
		e.mu.Lock()
		nick := e.rooms[key]
		e.mu.Unlock()
		suppress = nick != "" && from.Resourcepart() == nick
	}

	if kind == KindDirect && m.RequestReceipt != nil && m.ID != "" {
		e.sendAsync(&wire.Message{
			To:       key,
			Type:     wire.TypeChat,
			Received: &wire.ReceiptReceived{ID: m.ID},
		})
	}

	if !suppress {
		e.bus.Publish(event.MessageReceived, msg)
	}
}

func (e *Engine) routePresence(p *wire.Presence) {
	from, err := jid.Parse(p.From)
	if err != nil {
		e.log.Debug("dropping presence with unparseable sender",
			zap.String("from", p.From), zap.Error(err))
		return
	}
	bare := from.Bare().String()

	switch p.Type {
	case wire.TypeSubscribe:
		e.sendAsync(&wire.Presence{To: bare, Type: wire.TypeSubscribed})
		entry, known := e.roster.get(bare)
		if !known || (entry.Subscription != "to" && entry.Subscription != "both") {
			e.sendAsync(&wire.Presence{To: bare, Type: wire.TypeSubscribe})
		}

	case "":
		if p.MUCUser != nil && p.MUCUser.Self() {
			e.mu.Lock()
			nick, joined := e.rooms[bare]
			if joined && from.Resourcepart() != nick {
				// The service reassigned the nickname on join.
				e.rooms[bare] = from.Resourcepart()
			}
			e.mu.Unlock()
			if joined {
				e.bus.Publish(event.RoomJoined, RoomEvent{
					Room:     bare,
					Nickname: from.Resourcepart(),
				})
			}
		}

	case wire.TypeUnavailable:
		if p.MUCUser != nil && p.MUCUser.Self() {
			e.mu.Lock()
			nick, joined := e.rooms[bare]
			if joined {
				delete(e.rooms, bare)
			}
			e.mu.Unlock()
			if joined {
				e.bus.Publish(event.RoomLeft, RoomEvent{Room: bare, Nickname: nick})
			}
		}
	}
}

// sendAsync writes a fire-and-forget element off the routing goroutine so a
// slow write never stalls inbound processing.
func (e *Engine) sendAsync(el wire.Element) {
	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	if stream == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stream.Send(ctx, el); err != nil {
			e.log.Debug("failed to send element", zap.Error(err))
		}
	}()
}

// buildMessage converts a wire message into the cached representation.
func buildMessage(m *wire.Message, ts time.Time, kind Kind) Message {
	msg := Message{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Body:      m.Body,
		Timestamp: ts,
		Kind:      kind,
		ThreadID:  m.Thread,
	}
	if kind == KindDirect {
		msg.From = bareKey(m.From)
	}
	if m.OriginID != nil {
		msg.OriginID = m.OriginID.ID
	}
	if msg.ID == "" {
		if msg.OriginID != "" {
			msg.ID = msg.OriginID
		} else {
			msg.ID = wire.NewID()
		}
	}
	if m.Reply != nil {
		msg.ReplyTo = &ReplyRef{ID: m.Reply.ID, To: m.Reply.To}
	}
	if m.StanzaID != nil {
		msg.ArchiveID = &ArchiveRef{ID: m.StanzaID.ID, By: m.StanzaID.By}
	}
	for _, oob := range m.OOB {
		if oob.URL != "" {
			msg.Embeds = append(msg.Embeds, oob.URL)
		}
	}
	return msg
}
