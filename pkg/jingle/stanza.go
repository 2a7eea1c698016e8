package jingle

import (
	"encoding/xml"
)

// IQ is an info/query stanza. XMLName is left untagged so stanzas decode
// whether or not the server qualifies them with jabber:client.
type IQ struct {
	XMLName xml.Name
	ID      string `xml:"id,attr"`
	Type    string `xml:"type,attr"`
	From    string `xml:"from,attr,omitempty"`
	To      string `xml:"to,attr,omitempty"`

	Jingle     *Jingle      `xml:"urn:xmpp:jingle:1 jingle,omitempty"`
	Conference *Conference  `xml:"http://jitsi.org/protocol/focus conference,omitempty"`
	Bind       *Bind        `xml:"urn:ietf:params:xml:ns:xmpp-bind bind,omitempty"`
	Session    *Empty       `xml:"urn:ietf:params:xml:ns:xmpp-session session,omitempty"`
	Ping       *Empty       `xml:"urn:xmpp:ping ping,omitempty"`
	Error      *StanzaError `xml:"error,omitempty"`
}

// NewIQ builds an outgoing IQ in the client namespace.
func NewIQ(typ, to, id string) *IQ {
	return &IQ{
		XMLName: xml.Name{Space: NSClient, Local: "iq"},
		ID:      id,
		Type:    typ,
		To:      to,
	}
}

// ResultFor builds the empty acknowledgement of req.
func ResultFor(req *IQ) *IQ {
	return NewIQ(IQResult, req.From, req.ID)
}

// ErrorFor builds an error reply to req with the given condition.
func ErrorFor(req *IQ, errType, condition string) *IQ {
	iq := NewIQ(IQError, req.From, req.ID)
	iq.Error = &StanzaError{
		Type:       errType,
		Conditions: []AnyElement{{XMLName: xml.Name{Space: NSStanzas, Local: condition}}},
	}
	return iq
}

// Bind is the resource binding payload.
type Bind struct {
	Resource string `xml:"resource,omitempty"`
	JID      string `xml:"jid,omitempty"`
}

// Conference is the focus conference request.
type Conference struct {
	Room       string     `xml:"room,attr"`
	MachineUID string     `xml:"machine-uid,attr,omitempty"`
	Ready      string     `xml:"ready,attr,omitempty"`
	FocusJID   string     `xml:"focusjid,attr,omitempty"`
	Properties []Property `xml:"property"`
}

type Property struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// AnyElement captures an element by name only.
type AnyElement struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

// StanzaError is the <error/> child of a failed stanza.
type StanzaError struct {
	Type       string       `xml:"type,attr,omitempty"`
	Code       string       `xml:"code,attr,omitempty"`
	Conditions []AnyElement `xml:",any"`
}

// Condition returns the defined condition name, e.g. "conflict".
func (e *StanzaError) Condition() string {
	if e == nil {
		return ""
	}
	for _, c := range e.Conditions {
		if c.XMLName.Local != "text" {
			return c.XMLName.Local
		}
	}
	return ""
}

// Presence is a presence stanza, including MUC join and media announcements.
type Presence struct {
	XMLName xml.Name
	ID      string `xml:"id,attr,omitempty"`
	From    string `xml:"from,attr,omitempty"`
	To      string `xml:"to,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`

	MUC     *MUC           `xml:"http://jabber.org/protocol/muc x,omitempty"`
	MUCUser *MUCUser       `xml:"http://jabber.org/protocol/muc#user x,omitempty"`
	Nick    string         `xml:"http://jabber.org/protocol/nick nick,omitempty"`
	Media   *MediaPresence `xml:"http://estos.de/ns/mjs media,omitempty"`
	Error   *StanzaError   `xml:"error,omitempty"`
}

// NewPresence builds an outgoing presence in the client namespace.
func NewPresence(to string) *Presence {
	return &Presence{
		XMLName: xml.Name{Space: NSClient, Local: "presence"},
		To:      to,
	}
}

type MUC struct {
	Password string `xml:"password,omitempty"`
}

type MUCUser struct {
	Item     *MUCItem    `xml:"item,omitempty"`
	Statuses []MUCStatus `xml:"status"`
}

type MUCItem struct {
	Affiliation string `xml:"affiliation,attr,omitempty"`
	Role        string `xml:"role,attr,omitempty"`
	JID         string `xml:"jid,attr,omitempty"`
}

type MUCStatus struct {
	Code int `xml:"code,attr"`
}

// HasStatus reports whether the MUC user payload carries code.
func (p *Presence) HasStatus(code int) bool {
	if p.MUCUser == nil {
		return false
	}
	for _, s := range p.MUCUser.Statuses {
		if s.Code == code {
			return true
		}
	}
	return false
}

// MediaPresence announces the sources a participant sends.
type MediaPresence struct {
	Sources []MediaSource `xml:"source"`
}

type MediaSource struct {
	Type      string `xml:"type,attr"`
	SSRC      string `xml:"ssrc,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}
