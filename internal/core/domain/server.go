package domain

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ServerInfo is where a fleet connects to. It is read-only after
// ParseServerInfo.
type ServerInfo struct {
	URL       string
	Host      string
	Path      string
	Port      int
	TLS       bool
	Domain    string
	MUCDomain string
	Room      string
	FocusJID  string
}

// ParseServerInfo validates the websocket endpoint and splits it into
// connection coordinates. A missing domain defaults to the URL host.
func ParseServerInfo(rawURL, domain, mucDomain, room, focusJID string) (ServerInfo, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ServerInfo{}, fmt.Errorf("parse server url: %w", err)
	}

	info := ServerInfo{
		URL:       rawURL,
		Path:      u.Path,
		Domain:    domain,
		MUCDomain: mucDomain,
		Room:      strings.ToLower(room),
		FocusJID:  focusJID,
	}

	switch u.Scheme {
	case "wss":
		info.TLS = true
		info.Port = 443
	case "ws":
		info.Port = 80
	default:
		return ServerInfo{}, fmt.Errorf("server url scheme %q is not ws or wss", u.Scheme)
	}

	info.Host = u.Hostname()
	if info.Host == "" {
		return ServerInfo{}, fmt.Errorf("server url %q has no host", rawURL)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return ServerInfo{}, fmt.Errorf("server url port %q is invalid", p)
		}
		info.Port = port
	}

	if info.Domain == "" {
		info.Domain = info.Host
	}
	if info.MUCDomain == "" {
		info.MUCDomain = "conference." + info.Domain
	}
	if info.Room == "" {
		return ServerInfo{}, fmt.Errorf("room must not be empty")
	}
	if strings.ContainsAny(info.FocusJID, " @/") {
		return ServerInfo{}, fmt.Errorf("focus address %q is not a component domain", info.FocusJID)
	}
	return info, nil
}

// HostPort returns the dialable host:port of the endpoint.
func (s ServerInfo) HostPort() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RoomJID is the bare address of the conference room.
func (s ServerInfo) RoomJID() string {
	return s.Room + "@" + s.MUCDomain
}

// OccupantJID is the room address of a participant.
func (s ServerInfo) OccupantJID(nickname string) string {
	return s.RoomJID() + "/" + nickname
}

// ConferenceParameters are the ordered properties sent to the focus. The
// zero value has no properties.
type ConferenceParameters struct {
	props [][2]string
}

// NewConferenceParameters copies pairs so the result is never aliased.
func NewConferenceParameters(pairs [][2]string) ConferenceParameters {
	cp := make([][2]string, len(pairs))
	copy(cp, pairs)
	return ConferenceParameters{props: cp}
}

// Each visits properties in order.
func (c ConferenceParameters) Each(fn func(name, value string)) {
	for _, p := range c.props {
		fn(p[0], p[1])
	}
}

func (c ConferenceParameters) Len() int {
	return len(c.props)
}
