// Package jingle holds the XMPP stanzas a conference participant exchanges
// with the server and the focus: stream framing, SASL, IQ, presence and the
// Jingle session description tree.
package jingle

const (
	NSClient    = "jabber:client"
	NSFraming   = "urn:ietf:params:xml:ns:xmpp-framing"
	NSStream    = "http://etherx.jabber.org/streams"
	NSSASL      = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind      = "urn:ietf:params:xml:ns:xmpp-bind"
	NSSession   = "urn:ietf:params:xml:ns:xmpp-session"
	NSStanzas   = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSPing      = "urn:xmpp:ping"
	NSMUC       = "http://jabber.org/protocol/muc"
	NSMUCUser   = "http://jabber.org/protocol/muc#user"
	NSNick      = "http://jabber.org/protocol/nick"
	NSFocus     = "http://jitsi.org/protocol/focus"
	NSMedia     = "http://estos.de/ns/mjs"
	NSJingle    = "urn:xmpp:jingle:1"
	NSRTP       = "urn:xmpp:jingle:apps:rtp:1"
	NSRTPHdrExt = "urn:xmpp:jingle:apps:rtp:rtp-hdrext:0"
	NSRTCPFB    = "urn:xmpp:jingle:apps:rtp:rtcp-fb:0"
	NSSSMA      = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSICEUDP    = "urn:xmpp:jingle:transports:ice-udp:1"
	NSDTLS      = "urn:xmpp:jingle:apps:dtls:0"
	NSGrouping  = "urn:xmpp:jingle:apps:grouping:0"
)

// Jingle actions handled by a participant.
const (
	ActionSessionInitiate  = "session-initiate"
	ActionSessionAccept    = "session-accept"
	ActionSessionTerminate = "session-terminate"
	ActionSourceAdd        = "source-add"
	ActionSourceRemove     = "source-remove"
	ActionTransportInfo    = "transport-info"
)

// IQ types.
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// Empty is a flag element such as <rtcp-mux/>.
type Empty struct{}
