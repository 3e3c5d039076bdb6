package wire

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"testing"
)

func decoderFor(s string) *xml.Decoder {
	return xml.NewDecoder(strings.NewReader(s))
}

func TestNextElementDecodesMessage(t *testing.T) {
	d := decoderFor(`<message id="m1" from="bob@example.com/phone" to="alice@example.com" type="chat">` +
		`<body>hi</body>` +
		`<request xmlns="urn:xmpp:receipts"/>` +
		`<origin-id xmlns="urn:xmpp:sid:0" id="orig-1"/>` +
		`<delay xmlns="urn:xmpp:delay" stamp="2026-02-01T09:30:00Z"/>` +
		`</message>`)

	el, err := nextElement(d)
	if err != nil {
		t.Fatalf("nextElement: %v", err)
	}
	m, ok := el.(*Message)
	if !ok {
		t.Fatalf("decoded %T, want *Message", el)
	}
	if m.ID != "m1" || m.From != "bob@example.com/phone" || m.Body != "hi" {
		t.Errorf("message = %+v", m)
	}
	if m.RequestReceipt == nil {
		t.Error("receipt request not decoded")
	}
	if m.OriginID == nil || m.OriginID.ID != "orig-1" {
		t.Errorf("origin id = %+v", m.OriginID)
	}
	if m.Delay == nil || m.Delay.Stamp != "2026-02-01T09:30:00Z" {
		t.Errorf("delay = %+v", m.Delay)
	}
}

func TestNextElementDecodesSelfPresence(t *testing.T) {
	d := decoderFor(`<presence from="room@conference.example.com/alice">` +
		`<x xmlns="http://jabber.org/protocol/muc#user">` +
		`<item affiliation="member" role="participant"/>` +
		`<status code="110"/>` +
		`</x>` +
		`</presence>`)

	el, err := nextElement(d)
	if err != nil {
		t.Fatalf("nextElement: %v", err)
	}
	p, ok := el.(*Presence)
	if !ok {
		t.Fatalf("decoded %T, want *Presence", el)
	}
	if p.MUCUser == nil || !p.MUCUser.Self() {
		t.Errorf("self status not recognized: %+v", p.MUCUser)
	}
}

func TestNextElementDecodesRosterIQ(t *testing.T) {
	d := decoderFor(`<iq id="r1" type="result">` +
		`<query xmlns="jabber:iq:roster" ver="v7">` +
		`<item jid="bob@example.com" name="Bob" subscription="both"><group>friends</group></item>` +
		`</query>` +
		`</iq>`)

	el, err := nextElement(d)
	if err != nil {
		t.Fatalf("nextElement: %v", err)
	}
	iq, ok := el.(*IQ)
	if !ok {
		t.Fatalf("decoded %T, want *IQ", el)
	}
	if iq.Roster == nil || len(iq.Roster.Items) != 1 {
		t.Fatalf("roster payload = %+v", iq.Roster)
	}
	item := iq.Roster.Items[0]
	if item.JID != "bob@example.com" || item.Subscription != "both" {
		t.Errorf("roster item = %+v", item)
	}
	if len(item.Groups) != 1 || item.Groups[0] != "friends" {
		t.Errorf("groups = %v", item.Groups)
	}
}

func TestNextElementDecodesArchiveResult(t *testing.T) {
	d := decoderFor(`<message from="alice@example.com" to="alice@example.com/client">` +
		`<result xmlns="urn:xmpp:mam:2" id="arc-9">` +
		`<forwarded xmlns="urn:xmpp:forward:0">` +
		`<delay xmlns="urn:xmpp:delay" stamp="2026-01-15T18:00:00Z"/>` +
		`<message from="bob@example.com/phone" to="alice@example.com" type="chat"><body>old</body></message>` +
		`</forwarded>` +
		`</result>` +
		`</message>`)

	el, err := nextElement(d)
	if err != nil {
		t.Fatalf("nextElement: %v", err)
	}
	m := el.(*Message)
	if m.ArchiveResult == nil {
		t.Fatal("archive result not decoded")
	}
	if m.ArchiveResult.ID != "arc-9" {
		t.Errorf("archive id = %q", m.ArchiveResult.ID)
	}
	fwd := m.ArchiveResult.Forwarded
	if fwd.Message == nil || fwd.Message.Body != "old" {
		t.Errorf("forwarded message = %+v", fwd.Message)
	}
	if fwd.Delay == nil {
		t.Error("forwarded delay missing")
	}
}

func TestNextElementSkipsUnknownElements(t *testing.T) {
	d := decoderFor(`<r xmlns="urn:xmpp:sm:3"/>` +
		`<custom><nested>ignored</nested></custom>` +
		`<presence from="bob@example.com/phone"/>`)

	el, err := nextElement(d)
	if err != nil {
		t.Fatalf("nextElement: %v", err)
	}
	p, ok := el.(*Presence)
	if !ok {
		t.Fatalf("decoded %T, want *Presence after skipping unknowns", el)
	}
	if p.From != "bob@example.com/phone" {
		t.Errorf("presence from = %q", p.From)
	}
}

func TestNextElementReportsMalformedStanza(t *testing.T) {
	d := decoderFor(`<presence><priority>high</priority></presence>`)

	_, err := nextElement(d)
	if err == nil {
		t.Fatal("no error for an undecodable stanza")
	}
	var malformed *MalformedElementError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v (%T), want *MalformedElementError", err, err)
	}
	if malformed.Name != "presence" {
		t.Errorf("malformed element name = %q", malformed.Name)
	}
}

func TestNextElementReturnsEOFAtStreamEnd(t *testing.T) {
	d := decoderFor(`<presence/>`)

	if _, err := nextElement(d); err != nil {
		t.Fatalf("nextElement: %v", err)
	}
	if _, err := nextElement(d); err != io.EOF {
		t.Errorf("error at stream end = %v, want io.EOF", err)
	}
}
