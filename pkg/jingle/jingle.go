package jingle

import (
	"encoding/xml"
	"strconv"
)

// Jingle is the session negotiation payload of an IQ.
type Jingle struct {
	Action    string    `xml:"action,attr"`
	Initiator string    `xml:"initiator,attr,omitempty"`
	Responder string    `xml:"responder,attr,omitempty"`
	SID       string    `xml:"sid,attr"`
	Contents  []Content `xml:"content"`
	Group     *Group    `xml:"urn:xmpp:jingle:apps:grouping:0 group,omitempty"`
	Reason    *Reason   `xml:"reason,omitempty"`
}

// Content is one m-line equivalent.
type Content struct {
	Name        string          `xml:"name,attr"`
	Creator     string          `xml:"creator,attr"`
	Senders     string          `xml:"senders,attr,omitempty"`
	Description *RTPDescription `xml:"urn:xmpp:jingle:apps:rtp:1 description,omitempty"`
	Transport   *Transport      `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport,omitempty"`
}

// IsData reports whether the content carries the data channel.
func (c *Content) IsData() bool {
	if c.Name == "data" {
		return true
	}
	return c.Description != nil && c.Description.Media == "application"
}

type RTPDescription struct {
	Media        string        `xml:"media,attr"`
	SSRC         string        `xml:"ssrc,attr,omitempty"`
	PayloadTypes []PayloadType `xml:"payload-type"`
	HdrExts      []RTPHdrExt   `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
	Sources      []Source      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SourceGroups []SourceGroup `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	RTCPMux      *Empty        `xml:"rtcp-mux,omitempty"`
}

type PayloadType struct {
	ID           uint8          `xml:"id,attr"`
	Name         string         `xml:"name,attr,omitempty"`
	ClockRate    uint32         `xml:"clockrate,attr,omitempty"`
	Channels     uint16         `xml:"channels,attr,omitempty"`
	Parameters   []Parameter    `xml:"parameter"`
	RTCPFeedback []RTCPFeedback `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb"`
}

type RTCPFeedback struct {
	Type    string `xml:"type,attr"`
	Subtype string `xml:"subtype,attr,omitempty"`
}

type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// RTPHdrExt is an RTP header extension offer. Senders follows the Jingle
// vocabulary: both, initiator, responder, none.
type RTPHdrExt struct {
	ID      uint8  `xml:"id,attr"`
	URI     string `xml:"uri,attr"`
	Senders string `xml:"senders,attr,omitempty"`
}

type Source struct {
	SSRC       uint32      `xml:"ssrc,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
}

// Param returns the value of the named source parameter.
func (s *Source) Param(name string) string {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

type SourceGroup struct {
	Semantics string   `xml:"semantics,attr"`
	Sources   []Source `xml:"source"`
}

type Transport struct {
	Ufrag        string        `xml:"ufrag,attr,omitempty"`
	Pwd          string        `xml:"pwd,attr,omitempty"`
	Fingerprints []Fingerprint `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Candidates   []Candidate   `xml:"candidate"`
	RTCPMux      *Empty        `xml:"rtcp-mux,omitempty"`
}

type Fingerprint struct {
	Hash  string `xml:"hash,attr"`
	Setup string `xml:"setup,attr,omitempty"`
	Value string `xml:",chardata"`
}

type Candidate struct {
	Component  uint16 `xml:"component,attr"`
	Foundation string `xml:"foundation,attr"`
	Generation int    `xml:"generation,attr"`
	ID         string `xml:"id,attr,omitempty"`
	IP         string `xml:"ip,attr"`
	Network    int    `xml:"network,attr"`
	Port       uint16 `xml:"port,attr"`
	Priority   uint32 `xml:"priority,attr"`
	Protocol   string `xml:"protocol,attr"`
	Type       string `xml:"type,attr"`
	RelAddr    string `xml:"rel-addr,attr,omitempty"`
	RelPort    uint16 `xml:"rel-port,attr,omitempty"`
}

// SDP renders the candidate as an a=candidate value without the prefix.
func (c *Candidate) SDP() string {
	s := c.Foundation + " " + strconv.Itoa(int(c.Component)) + " " + c.Protocol + " " +
		strconv.FormatUint(uint64(c.Priority), 10) + " " + c.IP + " " + strconv.Itoa(int(c.Port)) +
		" typ " + c.Type
	if c.RelAddr != "" {
		s += " raddr " + c.RelAddr + " rport " + strconv.Itoa(int(c.RelPort))
	}
	return s
}

type Group struct {
	Semantics string         `xml:"semantics,attr"`
	Contents  []GroupContent `xml:"content"`
}

type GroupContent struct {
	Name string `xml:"name,attr"`
}

// Reason explains a session-terminate.
type Reason struct {
	Condition AnyElement `xml:",any"`
	Text      string     `xml:"text,omitempty"`
}

// NewReason builds a reason with the given condition, e.g. "success".
func NewReason(condition, text string) *Reason {
	return &Reason{
		Condition: AnyElement{XMLName: xml.Name{Local: condition}},
		Text:      text,
	}
}
