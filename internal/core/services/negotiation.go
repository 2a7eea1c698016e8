package services

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"confhammer/internal/core/domain"
	"confhammer/pkg/jingle"

	"github.com/pion/sdp/v3"
)

// CodecPreference is the local codec table of one media kind.
type CodecPreference struct {
	Preferred string
	// Supported lists acceptable codec names. Empty accepts anything offered.
	Supported []string
}

// DefaultCodecPreferences are used when the configuration names none.
func DefaultCodecPreferences() map[domain.MediaKind]CodecPreference {
	return map[domain.MediaKind]CodecPreference{
		domain.MediaAudio: {Preferred: "opus", Supported: []string{"opus", "PCMU", "PCMA"}},
		domain.MediaVideo: {Preferred: "VP8", Supported: []string{"VP8", "H264", "VP9"}},
	}
}

// SelectCodec returns the preferred codec when offered, otherwise the first
// offered codec the table supports. Offer order is kept.
func SelectCodec(offered []domain.Codec, pref CodecPreference) (domain.Codec, bool) {
	var first *domain.Codec
	for i := range offered {
		c := &offered[i]
		if !supports(pref.Supported, c.Name) {
			continue
		}
		if pref.Preferred != "" && c.Is(pref.Preferred) {
			return *c, true
		}
		if first == nil {
			first = c
		}
	}
	if first == nil {
		return domain.Codec{}, false
	}
	return *first, true
}

func supports(names []string, name string) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// DefaultLocalExtensions are the header extensions a participant can use.
func DefaultLocalExtensions(kind domain.MediaKind) []sdp.ExtMap {
	uris := []string{
		"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
		"http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
	}
	switch kind {
	case domain.MediaAudio:
		uris = append(uris, "urn:ietf:params:rtp-hdrext:ssrc-audio-level")
	case domain.MediaVideo:
		uris = append(uris, "urn:3gpp:video-orientation", "urn:ietf:params:rtp-hdrext:toffset")
	}

	out := make([]sdp.ExtMap, 0, len(uris))
	for i, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		out = append(out, sdp.ExtMap{Value: i + 1, URI: u, Direction: sdp.DirectionSendRecv})
	}
	return out
}

func directionBits(d sdp.Direction) (send, recv bool) {
	switch d {
	case sdp.DirectionSendOnly:
		return true, false
	case sdp.DirectionRecvOnly:
		return false, true
	case sdp.DirectionInactive:
		return false, false
	default:
		return true, true
	}
}

func directionFromBits(send, recv bool) sdp.Direction {
	switch {
	case send && recv:
		return sdp.DirectionSendRecv
	case send:
		return sdp.DirectionSendOnly
	case recv:
		return sdp.DirectionRecvOnly
	default:
		return sdp.DirectionInactive
	}
}

// ReverseDirection turns a direction into the peer's point of view.
func ReverseDirection(d sdp.Direction) sdp.Direction {
	send, recv := directionBits(d)
	return directionFromBits(recv, send)
}

// IntersectDirection keeps what both directions allow.
func IntersectDirection(a, b sdp.Direction) sdp.Direction {
	as, ar := directionBits(a)
	bs, br := directionBits(b)
	return directionFromBits(as && bs, ar && br)
}

// IntersectExtensions returns the remote extensions also supported locally,
// in remote order with the remote ids. Each direction is local ∩
// reverse(remote), seen from the local side.
func IntersectExtensions(local, remote []sdp.ExtMap) []sdp.ExtMap {
	var out []sdp.ExtMap
	for _, r := range remote {
		if r.URI == nil {
			continue
		}
		for _, l := range local {
			if l.URI == nil || l.URI.String() != r.URI.String() {
				continue
			}
			out = append(out, sdp.ExtMap{
				Value:     r.Value,
				URI:       r.URI,
				Direction: IntersectDirection(l.Direction, ReverseDirection(r.Direction)),
			})
			break
		}
	}
	return out
}

// DirectionFromSenders maps a Jingle senders attribute to a direction as
// seen by the session initiator.
func DirectionFromSenders(senders string) sdp.Direction {
	switch senders {
	case "initiator":
		return sdp.DirectionSendOnly
	case "responder":
		return sdp.DirectionRecvOnly
	case "none":
		return sdp.DirectionInactive
	default:
		return sdp.DirectionSendRecv
	}
}

// SendersFromLocalDirection maps a responder-side direction back to the
// Jingle senders vocabulary.
func SendersFromLocalDirection(d sdp.Direction) string {
	switch d {
	case sdp.DirectionSendOnly:
		return "responder"
	case sdp.DirectionRecvOnly:
		return "initiator"
	case sdp.DirectionInactive:
		return "none"
	default:
		return "both"
	}
}

// CodecsFromDescription extracts the offered codecs in offer order.
func CodecsFromDescription(d *jingle.RTPDescription) []domain.Codec {
	out := make([]domain.Codec, 0, len(d.PayloadTypes))
	for _, pt := range d.PayloadTypes {
		c := domain.Codec{
			PayloadType: pt.ID,
			Name:        pt.Name,
			ClockRate:   pt.ClockRate,
			Channels:    pt.Channels,
		}
		for _, p := range pt.Parameters {
			c.Parameters = append(c.Parameters, domain.CodecParameter{Name: p.Name, Value: p.Value})
		}
		for _, fb := range pt.RTCPFeedback {
			c.Feedback = append(c.Feedback, domain.CodecFeedback{Type: fb.Type, Subtype: fb.Subtype})
		}
		out = append(out, c)
	}
	return out
}

// ExtensionsFromDescription extracts the offered header extensions. A
// missing senders attribute means both.
func ExtensionsFromDescription(d *jingle.RTPDescription) []sdp.ExtMap {
	out := make([]sdp.ExtMap, 0, len(d.HdrExts))
	for _, h := range d.HdrExts {
		u, err := url.Parse(h.URI)
		if err != nil || h.URI == "" {
			continue
		}
		out = append(out, sdp.ExtMap{Value: int(h.ID), URI: u, Direction: DirectionFromSenders(h.Senders)})
	}
	return out
}

// PayloadTypeElement renders a codec for an outgoing description.
func PayloadTypeElement(c domain.Codec) jingle.PayloadType {
	pt := jingle.PayloadType{
		ID:        c.PayloadType,
		Name:      c.Name,
		ClockRate: c.ClockRate,
		Channels:  c.Channels,
	}
	for _, p := range c.Parameters {
		pt.Parameters = append(pt.Parameters, jingle.Parameter{Name: p.Name, Value: p.Value})
	}
	for _, fb := range c.Feedback {
		pt.RTCPFeedback = append(pt.RTCPFeedback, jingle.RTCPFeedback{Type: fb.Type, Subtype: fb.Subtype})
	}
	return pt
}

// HdrExtElements renders negotiated extensions for an outgoing description.
func HdrExtElements(exts []sdp.ExtMap) []jingle.RTPHdrExt {
	out := make([]jingle.RTPHdrExt, 0, len(exts))
	for _, e := range exts {
		h := jingle.RTPHdrExt{ID: uint8(e.Value), URI: e.URI.String()}
		if e.Direction != sdp.DirectionSendRecv {
			h.Senders = SendersFromLocalDirection(e.Direction)
		}
		out = append(out, h)
	}
	return out
}

// CandidatesFromTransport converts the offered candidates.
func CandidatesFromTransport(t *jingle.Transport) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(t.Candidates))
	for _, c := range t.Candidates {
		out = append(out, domain.Candidate{
			ID:         c.ID,
			Foundation: c.Foundation,
			Component:  c.Component,
			Protocol:   strings.ToLower(c.Protocol),
			Priority:   c.Priority,
			IP:         c.IP,
			Port:       c.Port,
			Type:       c.Type,
			RelAddr:    c.RelAddr,
			RelPort:    c.RelPort,
			Generation: c.Generation,
		})
	}
	return out
}

// CandidateElements renders local candidates for the accept.
func CandidateElements(cands []domain.Candidate) []jingle.Candidate {
	out := make([]jingle.Candidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, jingle.Candidate{
			Component:  c.Component,
			Foundation: c.Foundation,
			Generation: c.Generation,
			ID:         c.ID,
			IP:         c.IP,
			Port:       c.Port,
			Priority:   c.Priority,
			Protocol:   c.Protocol,
			Type:       c.Type,
			RelAddr:    c.RelAddr,
			RelPort:    c.RelPort,
		})
	}
	return out
}

// FilterGeneration drops candidates of another ICE generation.
func FilterGeneration(cands []domain.Candidate, generation int) []domain.Candidate {
	out := cands[:0:0]
	for _, c := range cands {
		if c.Generation == generation {
			out = append(out, c)
		}
	}
	return out
}

// SortCandidates orders candidates by foundation, then by descending
// priority. Equal candidates keep their offer order.
func SortCandidates(cands []domain.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Foundation != b.Foundation {
			return foundationLess(a.Foundation, b.Foundation)
		}
		return a.Priority > b.Priority
	})
}

func foundationLess(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// FingerprintsFromTransport converts the offered DTLS fingerprints.
func FingerprintsFromTransport(t *jingle.Transport) []domain.Fingerprint {
	out := make([]domain.Fingerprint, 0, len(t.Fingerprints))
	for _, fp := range t.Fingerprints {
		out = append(out, domain.Fingerprint{
			Hash:  fp.Hash,
			Value: strings.TrimSpace(fp.Value),
			Setup: fp.Setup,
		})
	}
	return out
}

// AnswerSetup picks our DTLS role for the remote setup attribute.
func AnswerSetup(remote string) string {
	if remote == "active" {
		return "passive"
	}
	return "active"
}

// BundleNames maps each content name to the transport it uses. Contents in
// a BUNDLE group share the transport of the first bundled name.
func BundleNames(j *jingle.Jingle) map[string]string {
	names := make(map[string]string, len(j.Contents))
	for _, c := range j.Contents {
		names[c.Name] = c.Name
	}
	if j.Group != nil && strings.EqualFold(j.Group.Semantics, "BUNDLE") && len(j.Group.Contents) > 0 {
		head := j.Group.Contents[0].Name
		for _, gc := range j.Group.Contents {
			if _, ok := names[gc.Name]; ok {
				names[gc.Name] = head
			}
		}
	}
	return names
}

// DataPlaceholder is the local description of a data content. It is built
// to mirror the offer but never sent.
func DataPlaceholder(c jingle.Content) jingle.Content {
	return jingle.Content{
		Name:        c.Name,
		Creator:     c.Creator,
		Senders:     c.Senders,
		Description: &jingle.RTPDescription{Media: "application"},
	}
}

// PayloadTypeRegistry records the payload types seen in a session.
type PayloadTypeRegistry struct {
	mu    sync.Mutex
	byPT  map[uint8]domain.Codec
	order []uint8
}

func NewPayloadTypeRegistry() *PayloadTypeRegistry {
	return &PayloadTypeRegistry{byPT: make(map[uint8]domain.Codec)}
}

// Register stores c if its payload type is new and reports whether it was.
func (r *PayloadTypeRegistry) Register(c domain.Codec) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPT[c.PayloadType]; ok {
		return false
	}
	r.byPT[c.PayloadType] = c
	r.order = append(r.order, c.PayloadType)
	return true
}

func isDynamicPayloadType(pt uint8) bool { return pt >= 96 && pt <= 127 }

// ByName maps lower-case codec names to the first payload type registered
// for them.
func (r *PayloadTypeRegistry) ByName() map[string]uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint8, len(r.order))
	for _, pt := range r.order {
		name := strings.ToLower(r.byPT[pt].Name)
		if _, ok := out[name]; !ok {
			out[name] = pt
		}
	}
	return out
}

// ExtensionRegistry records header extension ids seen in a session.
type ExtensionRegistry struct {
	mu   sync.Mutex
	byID map[int]string
}

func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{byID: make(map[int]string)}
}

// Register stores the id mapping if unseen and reports whether it was.
func (r *ExtensionRegistry) Register(ext sdp.ExtMap) bool {
	if ext.URI == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[ext.Value]; ok {
		return false
	}
	r.byID[ext.Value] = ext.URI.String()
	return true
}

func (r *ExtensionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
