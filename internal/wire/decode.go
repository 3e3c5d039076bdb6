package wire

import (
	"encoding/xml"
	"fmt"
)

// MalformedElementError reports an inbound element that could not be decoded
// into the typed set. Routing drops these; they never kill the stream.
type MalformedElementError struct {
	Name string
	Err  error
}

func (e *MalformedElementError) Error() string {
	return fmt.Sprintf("malformed %s element: %v", e.Name, e.Err)
}

func (e *MalformedElementError) Unwrap() error { return e.Err }

// nextElement reads from the decoder until it produces one recognized stanza.
// Elements outside the message/presence/iq set are skipped silently; elements
// inside the set that fail to decode surface as *MalformedElementError so the
// caller can drop them and keep reading.
func nextElement(d *xml.Decoder) (Element, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		el, err := decodeStart(d, start)
		if err != nil || el != nil {
			return el, err
		}
	}
}

func decodeStart(d *xml.Decoder, start xml.StartElement) (Element, error) {
	switch start.Name.Local {
	case "message":
		var m Message
		if err := d.DecodeElement(&m, &start); err != nil {
			return nil, &MalformedElementError{Name: "message", Err: err}
		}
		return &m, nil
	case "presence":
		var p Presence
		if err := d.DecodeElement(&p, &start); err != nil {
			return nil, &MalformedElementError{Name: "presence", Err: err}
		}
		return &p, nil
	case "iq":
		var iq IQ
		if err := d.DecodeElement(&iq, &start); err != nil {
			return nil, &MalformedElementError{Name: "iq", Err: err}
		}
		return &iq, nil
	default:
		if err := d.Skip(); err != nil {
			return nil, err
		}
		return nil, nil
	}
}
