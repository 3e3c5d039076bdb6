package wire

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"mellium.im/sasl"
	"mellium.im/xmpp/jid"
)

const (
	nsClient  = "jabber:client"
	nsFraming = "urn:ietf:params:xml:ns:xmpp-framing"
	nsSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
)

// wsStream carries stanzas over a websocket connection using one complete
// element per text frame.
type wsStream struct {
	conn  *websocket.Conn
	local jid.JID
	log   *zap.Logger

	writeMu sync.Mutex
}

type openElement struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	To      string   `xml:"to,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Version string   `xml:"version,attr,omitempty"`
}

type streamFeatures struct {
	Mechanisms struct {
		Mechanism []string `xml:"mechanism"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
}

type saslAuth struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Data      string   `xml:",chardata"`
}

type saslResponse struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl response"`
	Data    string   `xml:",chardata"`
}

type saslPayload struct {
	Data string `xml:",chardata"`
}

// dialWebSocket opens a framed stanza stream over a websocket endpoint and
// negotiates SASL and resource binding frame by frame.
func dialWebSocket(ctx context.Context, addr jid.JID, password, endpoint string, logger *zap.Logger) (Stream, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"xmpp"},
		HandshakeTimeout: 30 * time.Second,
		TLSClientConfig: &tls.Config{
			ServerName: addr.Domain().String(),
			MinVersion: tls.VersionTLS12,
		},
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket endpoint: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	s := &wsStream{conn: conn, log: logger}

	features, err := s.openStream(addr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := s.authenticate(addr, password, features); err != nil {
		conn.Close()
		return nil, err
	}

	// The stream restarts after authentication.
	if _, err := s.openStream(addr); err != nil {
		conn.Close()
		return nil, err
	}

	local, err := s.bindResource(addr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.local = local

	_ = conn.SetReadDeadline(time.Time{})
	return s, nil
}

// openStream sends an open frame and reads until the server's features
// arrive.
func (s *wsStream) openStream(addr jid.JID) (*streamFeatures, error) {
	open := openElement{To: addr.Domain().String(), Version: "1.0"}
	if err := s.writeFrame(open); err != nil {
		return nil, err
	}

	for {
		name, frame, err := s.readFrame()
		if err != nil {
			return nil, err
		}
		switch name {
		case "open":
			continue
		case "features":
			var f streamFeatures
			if err := xml.Unmarshal(frame, &f); err != nil {
				return nil, fmt.Errorf("failed to parse stream features: %w", err)
			}
			return &f, nil
		case "close":
			return nil, errors.New("stream closed during negotiation")
		default:
			s.log.Debug("ignoring pre-auth frame", zap.String("name", name))
		}
	}
}

// authenticate runs the SASL exchange using the strongest mutually supported
// mechanism.
func (s *wsStream) authenticate(addr jid.JID, password string, features *streamFeatures) error {
	offered := make(map[string]bool, len(features.Mechanisms.Mechanism))
	for _, m := range features.Mechanisms.Mechanism {
		offered[m] = true
	}

	var mech sasl.Mechanism
	found := false
	for _, candidate := range []sasl.Mechanism{sasl.ScramSha256, sasl.ScramSha1, sasl.Plain} {
		if offered[candidate.Name] {
			mech = candidate
			found = true
			break
		}
	}
	if !found {
		return errors.New("no mutually supported authentication mechanism")
	}

	client := sasl.NewClient(mech, sasl.Credentials(func() ([]byte, []byte, []byte) {
		return []byte(addr.Localpart()), []byte(password), nil
	}))

	_, resp, err := client.Step(nil)
	if err != nil {
		return fmt.Errorf("failed to start authentication: %w", err)
	}
	if err := s.writeFrame(saslAuth{
		Mechanism: mech.Name,
		Data:      base64.StdEncoding.EncodeToString(resp),
	}); err != nil {
		return err
	}

	for {
		name, frame, err := s.readFrame()
		if err != nil {
			return err
		}
		switch name {
		case "challenge":
			var ch saslPayload
			if err := xml.Unmarshal(frame, &ch); err != nil {
				return fmt.Errorf("failed to parse challenge: %w", err)
			}
			data, err := base64.StdEncoding.DecodeString(ch.Data)
			if err != nil {
				return fmt.Errorf("failed to decode challenge: %w", err)
			}
			_, resp, err := client.Step(data)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
			}
			if err := s.writeFrame(saslResponse{Data: base64.StdEncoding.EncodeToString(resp)}); err != nil {
				return err
			}
		case "success":
			var final saslPayload
			if err := xml.Unmarshal(frame, &final); err == nil && final.Data != "" {
				data, err := base64.StdEncoding.DecodeString(final.Data)
				if err == nil {
					if _, _, err := client.Step(data); err != nil {
						return fmt.Errorf("%w: server verification failed: %v", ErrNotAuthorized, err)
					}
				}
			}
			return nil
		case "failure":
			return ErrNotAuthorized
		default:
			s.log.Debug("ignoring frame during authentication", zap.String("name", name))
		}
	}
}

// bindResource binds the stream to the address's resource and returns the
// server-assigned full address.
func (s *wsStream) bindResource(addr jid.JID) (jid.JID, error) {
	req := &IQ{
		ID:   NewID(),
		Type: TypeSet,
		Bind: &Bind{Resource: addr.Resourcepart()},
	}
	if err := s.Send(context.Background(), req); err != nil {
		return jid.JID{}, err
	}

	for {
		name, frame, err := s.readFrame()
		if err != nil {
			return jid.JID{}, err
		}
		if name != "iq" {
			s.log.Debug("ignoring frame during bind", zap.String("name", name))
			continue
		}
		var resp IQ
		if err := xml.Unmarshal(frame, &resp); err != nil || resp.ID != req.ID {
			continue
		}
		if resp.Type != TypeResult || resp.Bind == nil {
			if resp.Error != nil {
				return jid.JID{}, fmt.Errorf("failed to bind resource: %w", resp.Error)
			}
			return jid.JID{}, errors.New("failed to bind resource")
		}
		bound, err := jid.Parse(resp.Bind.JID)
		if err != nil {
			return jid.JID{}, fmt.Errorf("server returned invalid bound address: %w", err)
		}
		return bound, nil
	}
}

func (s *wsStream) Send(ctx context.Context, el Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := xml.Marshal(withClientNamespace(el))
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *wsStream) Next(ctx context.Context) (Element, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		dec := xml.NewDecoder(bytes.NewReader(frame))
		el, err := nextElement(dec)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Frame held something outside the stanza set.
				if frameName(frame) == "close" {
					return nil, io.EOF
				}
				continue
			}
			return nil, err
		}
		return el, nil
	}
}

func (s *wsStream) Local() jid.JID {
	return s.local
}

func (s *wsStream) Close() error {
	closeFrame := struct {
		XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
	}{}
	_ = s.writeFrame(closeFrame)
	return s.conn.Close()
}

func (s *wsStream) writeFrame(v any) error {
	data, err := xml.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *wsStream) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) readFrame() (string, []byte, error) {
	_, frame, err := s.conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	return frameName(frame), frame, nil
}

// frameName returns the local name of a frame's root element.
func frameName(frame []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(frame))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local
		}
	}
}

// withClientNamespace stamps the explicit stanza namespace required by the
// framed transport onto outgoing elements.
func withClientNamespace(el Element) any {
	switch v := el.(type) {
	case *Message:
		m := *v
		m.XMLName = xml.Name{Space: nsClient, Local: "message"}
		return &m
	case *Presence:
		p := *v
		p.XMLName = xml.Name{Space: nsClient, Local: "presence"}
		return &p
	case *IQ:
		iq := *v
		iq.XMLName = xml.Name{Space: nsClient, Local: "iq"}
		return &iq
	case Message:
		v.XMLName = xml.Name{Space: nsClient, Local: "message"}
		return v
	case Presence:
		v.XMLName = xml.Name{Space: nsClient, Local: "presence"}
		return v
	case IQ:
		v.XMLName = xml.Name{Space: nsClient, Local: "iq"}
		return v
	default:
		return el
	}
}
