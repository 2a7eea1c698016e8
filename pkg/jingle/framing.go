package jingle

import "encoding/xml"

// Open starts an XMPP stream over a websocket (RFC 7395).
type Open struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	To      string   `xml:"to,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Version string   `xml:"version,attr"`
}

// Close ends the stream.
type Close struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
}

// Features is the <stream:features/> element.
type Features struct {
	XMLName    xml.Name    `xml:"http://etherx.jabber.org/streams features"`
	Mechanisms *Mechanisms `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms,omitempty"`
	Bind       *Empty      `xml:"urn:ietf:params:xml:ns:xmpp-bind bind,omitempty"`
	Session    *Empty      `xml:"urn:ietf:params:xml:ns:xmpp-session session,omitempty"`
}

type Mechanisms struct {
	Mechanism []string `xml:"mechanism"`
}

// Has reports whether the server offers mechanism name.
func (m *Mechanisms) Has(name string) bool {
	if m == nil {
		return false
	}
	for _, mech := range m.Mechanism {
		if mech == name {
			return true
		}
	}
	return false
}

// Auth is the SASL <auth/> request. Value is base64 encoded.
type Auth struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Value     string   `xml:",chardata"`
}

// SASLFailure is the SASL <failure/> answer.
type SASLFailure struct {
	XMLName    xml.Name
	Conditions []AnyElement `xml:",any"`
}

// Condition returns the failure condition name.
func (f *SASLFailure) Condition() string {
	for _, c := range f.Conditions {
		if c.XMLName.Local != "text" {
			return c.XMLName.Local
		}
	}
	return ""
}
