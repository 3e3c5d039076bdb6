package wire

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"net"
	"strings"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
)

// tcpStream carries stanzas over a negotiated mellium session.
type tcpStream struct {
	session *xmpp.Session
	dec     *xml.Decoder
}

// dialTCP dials the endpoint (host or host:port; the address's domain when
// empty) and negotiates StartTLS, SASL, and resource binding.
func dialTCP(ctx context.Context, addr jid.JID, password, endpoint string) (Stream, error) {
	host := endpoint
	if host == "" {
		host = addr.Domain().String()
	}
	if !strings.Contains(host, ":") {
		host += ":5222"
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: addr.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(ctx, addr.Domain(), addr, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "not-authorized") || strings.Contains(err.Error(), "credentials") {
			return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
		}
		return nil, fmt.Errorf("failed to negotiate session: %w", err)
	}

	return &tcpStream{
		session: session,
		dec:     xml.NewTokenDecoder(session.TokenReader()),
	}, nil
}

func (s *tcpStream) Send(ctx context.Context, el Element) error {
	return s.session.Encode(ctx, el)
}

func (s *tcpStream) Next(ctx context.Context) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nextElement(s.dec)
}

func (s *tcpStream) Local() jid.JID {
	return s.session.LocalAddr()
}

func (s *tcpStream) Close() error {
	_ = s.session.Encode(context.Background(), Presence{Type: TypeUnavailable})
	return s.session.Close()
}
