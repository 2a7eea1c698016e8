package domain

import (
	"net"
	"strings"
	"time"
)

// MediaKind is the media type of a content.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
	MediaData  MediaKind = "data"
)

// Codec is one payload type of an offer.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16
	Parameters  []CodecParameter
	Feedback    []CodecFeedback
}

type CodecParameter struct {
	Name  string
	Value string
}

type CodecFeedback struct {
	Type    string
	Subtype string
}

// Is compares codec names case-insensitively.
func (c Codec) Is(name string) bool {
	return strings.EqualFold(c.Name, name)
}

// Candidate is a remote or local ICE candidate.
type Candidate struct {
	ID         string
	Foundation string
	Component  uint16
	Protocol   string
	Priority   uint32
	IP         string
	Port       uint16
	Type       string
	RelAddr    string
	RelPort    uint16
	Generation int
}

// Fingerprint is a DTLS certificate fingerprint with its setup role.
type Fingerprint struct {
	Hash  string
	Value string
	Setup string
}

// SocketPair is the transport selected by the connectivity agent. With
// rtcp-mux both sockets are the same connection.
type SocketPair struct {
	RTP    net.Conn
	RTCP   net.Conn
	Remote net.Addr
}

// FeedbackType names congestion feedback a sender reacts to.
type FeedbackType string

const (
	FeedbackFIR  FeedbackType = "fir"
	FeedbackPLI  FeedbackType = "pli"
	FeedbackNACK FeedbackType = "nack"
)

// StreamStats is a snapshot of one media stream's counters.
type StreamStats struct {
	Kind            MediaKind `json:"kind"`
	SSRC            uint32    `json:"ssrc"`
	PacketsSent     uint64    `json:"packets_sent"`
	BytesSent       uint64    `json:"bytes_sent"`
	RTCPSent        uint64    `json:"rtcp_sent"`
	PacketsReceived uint64    `json:"packets_received"`
	BytesReceived   uint64    `json:"bytes_received"`
	FIRs            uint64    `json:"firs"`
	PLIs            uint64    `json:"plis"`
	NACKs           uint64    `json:"nacks"`
	Restarts        uint64    `json:"restarts"`
}

// FleetStats aggregates every session at one point in time.
type FleetStats struct {
	Time     time.Time                  `json:"time"`
	Sessions map[string]int             `json:"sessions"`
	ByKind   map[MediaKind]*StreamStats `json:"by_kind"`
	Details  []SessionSnapshot          `json:"details,omitempty"`
}
