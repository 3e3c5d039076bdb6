// Package wire defines the typed protocol elements this client speaks and the
// streams that carry them. Inbound data is validated into this closed set at
// the decoding boundary; anything unrecognized is dropped before it can reach
// the rest of the engine.
package wire

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Message stanza types.
const (
	TypeChat      = "chat"
	TypeGroupChat = "groupchat"
	TypeError     = "error"
)

// Presence stanza types. The empty type means available.
const (
	TypeUnavailable  = "unavailable"
	TypeSubscribe    = "subscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribe  = "unsubscribe"
	TypeUnsubscribed = "unsubscribed"
)

// IQ stanza types.
const (
	TypeGet    = "get"
	TypeSet    = "set"
	TypeResult = "result"
)

// Message is a message stanza.
type Message struct {
	XMLName xml.Name `xml:"message"`
	ID      string   `xml:"id,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Type    string   `xml:"type,attr,omitempty"`

	Body   string `xml:"body,omitempty"`
	Thread string `xml:"thread,omitempty"`

	Delay          *Delay           `xml:"urn:xmpp:delay delay,omitempty"`
	Received       *ReceiptReceived `xml:"urn:xmpp:receipts received,omitempty"`
	RequestReceipt *ReceiptRequest  `xml:"urn:xmpp:receipts request,omitempty"`
	ArchiveResult  *ArchiveResult   `xml:"urn:xmpp:mam:2 result,omitempty"`
	OriginID       *OriginID        `xml:"urn:xmpp:sid:0 origin-id,omitempty"`
	StanzaID       *StanzaID        `xml:"urn:xmpp:sid:0 stanza-id,omitempty"`
	Reply          *Reply           `xml:"urn:xmpp:reply:0 reply,omitempty"`
	OOB            []OOB            `xml:"jabber:x:oob x,omitempty"`
	MUCUser        *MUCUser         `xml:"http://jabber.org/protocol/muc#user x,omitempty"`
}

// Presence is a presence stanza.
type Presence struct {
	XMLName xml.Name `xml:"presence"`
	ID      string   `xml:"id,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Type    string   `xml:"type,attr,omitempty"`

	Show     string `xml:"show,omitempty"`
	Status   string `xml:"status,omitempty"`
	Priority int    `xml:"priority,omitempty"`

	MUC     *MUCJoin `xml:"http://jabber.org/protocol/muc x,omitempty"`
	MUCUser *MUCUser `xml:"http://jabber.org/protocol/muc#user x,omitempty"`
}

// IQ is a request/response stanza. Exactly one payload field is set on a
// well-formed IQ.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Type    string   `xml:"type,attr"`

	Bind       *Bind            `xml:"urn:ietf:params:xml:ns:xmpp-bind bind,omitempty"`
	Roster     *RosterQuery     `xml:"jabber:iq:roster query,omitempty"`
	Archive    *ArchiveQuery    `xml:"urn:xmpp:mam:2 query,omitempty"`
	ArchiveFin *ArchiveFin      `xml:"urn:xmpp:mam:2 fin,omitempty"`
	DiscoInfo  *DiscoInfoQuery  `xml:"http://jabber.org/protocol/disco#info query,omitempty"`
	DiscoItems *DiscoItemsQuery `xml:"http://jabber.org/protocol/disco#items query,omitempty"`
	VCard      *VCard           `xml:"vcard-temp vCard,omitempty"`
	MUCOwner   *MUCOwnerQuery   `xml:"http://jabber.org/protocol/muc#owner query,omitempty"`
	Error      *StanzaError     `xml:"error,omitempty"`
}

// Bind is the resource binding payload used during websocket negotiation.
type Bind struct {
	Resource string `xml:"resource,omitempty"`
	JID      string `xml:"jid,omitempty"`
}

// Delay is a delayed-delivery marker carrying the original send time.
type Delay struct {
	From  string `xml:"from,attr,omitempty"`
	Stamp string `xml:"stamp,attr"`
}

// Time parses the delay stamp.
func (d *Delay) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, d.Stamp)
}

// ReceiptReceived acknowledges delivery of the message with the given id.
type ReceiptReceived struct {
	ID string `xml:"id,attr"`
}

// ReceiptRequest asks the recipient to send a delivery receipt.
type ReceiptRequest struct{}

// OriginID is a client-assigned id that survives rewriting by servers.
type OriginID struct {
	ID string `xml:"id,attr"`
}

// StanzaID is a server-assigned archive id.
type StanzaID struct {
	ID string `xml:"id,attr"`
	By string `xml:"by,attr,omitempty"`
}

// Reply references the message this one replies to.
type Reply struct {
	ID string `xml:"id,attr"`
	To string `xml:"to,attr,omitempty"`
}

// OOB carries an out-of-band URL attached to a message.
type OOB struct {
	URL         string `xml:"url"`
	Description string `xml:"desc,omitempty"`
}

// ArchiveResult wraps one historical message returned by an archive query.
type ArchiveResult struct {
	QueryID   string    `xml:"queryid,attr,omitempty"`
	ID        string    `xml:"id,attr,omitempty"`
	Forwarded Forwarded `xml:"urn:xmpp:forward:0 forwarded"`
}

// Forwarded is a wrapped stanza with the delay marker recording when it was
// originally sent.
type Forwarded struct {
	Delay   *Delay   `xml:"urn:xmpp:delay delay,omitempty"`
	Message *Message `xml:"message,omitempty"`
}

// ArchiveQuery requests a page of archived messages.
type ArchiveQuery struct {
	QueryID string     `xml:"queryid,attr,omitempty"`
	Form    *Form      `xml:"jabber:x:data x,omitempty"`
	Set     *ResultSet `xml:"http://jabber.org/protocol/rsm set,omitempty"`
}

// ArchiveFin terminates an archive result page.
type ArchiveFin struct {
	Complete bool `xml:"complete,attr,omitempty"`
}

// ResultSet bounds a paged query.
type ResultSet struct {
	Max    int     `xml:"max,omitempty"`
	Before *string `xml:"before,omitempty"`
}

// Form is a data form.
type Form struct {
	Type   string      `xml:"type,attr"`
	Fields []FormField `xml:"field,omitempty"`
}

// FormField is one field of a data form.
type FormField struct {
	Var    string   `xml:"var,attr,omitempty"`
	Type   string   `xml:"type,attr,omitempty"`
	Values []string `xml:"value,omitempty"`
}

// RosterQuery is the roster fetch/push payload.
type RosterQuery struct {
	Ver   string       `xml:"ver,attr,omitempty"`
	Items []RosterItem `xml:"item,omitempty"`
}

// RosterItem is one roster entry on the wire.
type RosterItem struct {
	JID          string   `xml:"jid,attr"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr,omitempty"`
	Groups       []string `xml:"group,omitempty"`
}

// DiscoInfoQuery asks for, or reports, the identities and features of an
// entity.
type DiscoInfoQuery struct {
	Node       string          `xml:"node,attr,omitempty"`
	Identities []DiscoIdentity `xml:"identity,omitempty"`
	Features   []DiscoFeature  `xml:"feature,omitempty"`
}

// DiscoIdentity classifies an entity.
type DiscoIdentity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr,omitempty"`
}

// DiscoFeature names one supported protocol feature.
type DiscoFeature struct {
	Var string `xml:"var,attr"`
}

// DiscoItemsQuery asks for, or reports, the items hosted by an entity.
type DiscoItemsQuery struct {
	Node  string      `xml:"node,attr,omitempty"`
	Items []DiscoItem `xml:"item,omitempty"`
}

// DiscoItem is one discovered item.
type DiscoItem struct {
	JID  string `xml:"jid,attr"`
	Name string `xml:"name,attr,omitempty"`
}

// VCard is a vcard-temp profile record.
type VCard struct {
	FullName    string      `xml:"FN,omitempty"`
	Nickname    string      `xml:"NICKNAME,omitempty"`
	Description string      `xml:"DESC,omitempty"`
	Photo       *VCardPhoto `xml:"PHOTO,omitempty"`
}

// VCardPhoto holds either inline encoded photo bytes or an external
// reference, never both.
type VCardPhoto struct {
	Type   string `xml:"TYPE,omitempty"`
	BinVal string `xml:"BINVAL,omitempty"`
	ExtVal string `xml:"EXTVAL,omitempty"`
}

// MUCJoin marks a presence as a room join/create request.
type MUCJoin struct {
	Password string      `xml:"password,omitempty"`
	History  *MUCHistory `xml:"history,omitempty"`
}

// MUCHistory limits the backlog replayed on join.
type MUCHistory struct {
	MaxStanzas int `xml:"maxstanzas,attr"`
}

// MUCUser carries room-side metadata on presences and messages.
type MUCUser struct {
	Statuses []MUCStatus `xml:"status,omitempty"`
	Item     *MUCItem    `xml:"item,omitempty"`
}

// Self reports whether the element refers to the receiving occupant.
func (u *MUCUser) Self() bool {
	for _, s := range u.Statuses {
		if s.Code == 110 {
			return true
		}
	}
	return false
}

// MUCStatus is a numeric room status code.
type MUCStatus struct {
	Code int `xml:"code,attr"`
}

// MUCItem describes an occupant.
type MUCItem struct {
	Affiliation string `xml:"affiliation,attr,omitempty"`
	Role        string `xml:"role,attr,omitempty"`
	JID         string `xml:"jid,attr,omitempty"`
	Nick        string `xml:"nick,attr,omitempty"`
}

// MUCOwnerQuery configures or destroys a room.
type MUCOwnerQuery struct {
	Form    *Form       `xml:"jabber:x:data x,omitempty"`
	Destroy *MUCDestroy `xml:"destroy,omitempty"`
}

// MUCDestroy tears down a room.
type MUCDestroy struct {
	JID    string `xml:"jid,attr,omitempty"`
	Reason string `xml:"reason,omitempty"`
}

// StanzaError is the error payload of an error-typed stanza.
type StanzaError struct {
	Type string `xml:"type,attr,omitempty"`
	Text string `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text,omitempty"`
	Raw  string `xml:",innerxml"`
}

// Error implements error with the human-readable reason when the server
// provided one.
func (e *StanzaError) Error() string {
	if e.Text != "" {
		return e.Text
	}
	if e.Type != "" {
		return fmt.Sprintf("stanza error (%s)", e.Type)
	}
	return "stanza error"
}
