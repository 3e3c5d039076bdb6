package wire

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
)

// ErrNotAuthorized is returned by Dial when the server rejects the
// credentials during stream negotiation.
var ErrNotAuthorized = errors.New("not authorized")

// Element is one decoded inbound protocol element: *Message, *Presence, or
// *IQ.
type Element any

// Stream is an authenticated, bidirectional stanza stream. Send and Next may
// be called from different goroutines; Next must not be called concurrently
// with itself.
type Stream interface {
	// Send writes one element to the stream.
	Send(ctx context.Context, el Element) error

	// Next blocks until the next recognized inbound element arrives. It
	// returns a *MalformedElementError for elements that could not be
	// decoded; any other error means the stream is dead.
	Next(ctx context.Context) (Element, error)

	// Local returns the address bound to this stream by the server.
	Local() jid.JID

	Close() error
}

// DialFunc opens a negotiated stream for the given address and credential.
type DialFunc func(ctx context.Context, addr jid.JID, password, endpoint string, logger *zap.Logger) (Stream, error)

// Dial opens a negotiated stream to the endpoint, choosing the websocket
// transport for ws:// and wss:// endpoints and direct TCP with StartTLS
// otherwise. An empty endpoint dials the address's domain on the standard
// port.
func Dial(ctx context.Context, addr jid.JID, password, endpoint string, logger *zap.Logger) (Stream, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return dialWebSocket(ctx, addr, password, endpoint, logger)
	}
	return dialTCP(ctx, addr, password, endpoint)
}
