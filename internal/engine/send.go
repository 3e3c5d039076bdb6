package engine

import (
	"context"
	"fmt"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/warbler-im/warbler/internal/wire"
)

// SendMessage sends a message and returns the local record of it. Direct
// messages carry a delivery receipt request and are inserted into the
// conversation cache immediately; group messages are not, because the room
// reflects them back and the reflected copy is authoritative.
func (e *Engine) SendMessage(ctx context.Context, recipient, body string, opts SendOptions) (Message, error) {
	stream, self, err := e.session()
	if err != nil {
		return Message{}, err
	}

	to, err := jid.Parse(recipient)
	if err != nil {
		return Message{}, fmt.Errorf("invalid recipient: %w", err)
	}
	bare := to.Bare().String()

	kind := opts.Kind
	if kind == "" {
		kind = KindDirect
	}

	id := wire.NewID()
	wm := &wire.Message{
		ID:       id,
		To:       bare,
		Type:     wire.TypeChat,
		Body:     body,
		Thread:   opts.ThreadID,
		OriginID: &wire.OriginID{ID: id},
	}
	if kind == KindGroup {
		wm.Type = wire.TypeGroupChat
	} else {
		wm.RequestReceipt = &wire.ReceiptRequest{}
	}
	if opts.ReplyTo != nil {
		wm.Reply = &wire.Reply{ID: opts.ReplyTo.ID, To: opts.ReplyTo.To}
	}

	if err := stream.Send(ctx, wm); err != nil {
		return Message{}, fmt.Errorf("failed to send message: %w", err)
	}

	msg := Message{
		ID:        id,
		From:      self.Bare().String(),
		To:        bare,
		Body:      body,
		Timestamp: time.Now(),
		Kind:      kind,
		ThreadID:  opts.ThreadID,
		ReplyTo:   opts.ReplyTo,
		OriginID:  id,
	}
	if kind == KindDirect {
		e.history.insert(bare, msg)
	}
	return msg, nil
}
