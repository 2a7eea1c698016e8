// Package rtpdump reads and writes captures in the rtptools "rtpdump" binary
// format: a text preamble, a fixed file header, then length-prefixed records.
package rtpdump

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	preamblePrefix  = "#!rtpplay1.0 "
	fileHeaderLen   = 16
	recordHeaderLen = 8
	maxPreambleLen  = 256
)

var (
	ErrMalformedPreamble = errors.New("rtpdump: malformed preamble")
	ErrShortRecord       = errors.New("rtpdump: short record")
)

// Header describes where and when the capture was taken.
type Header struct {
	Start  time.Time
	Source net.IP
	Port   uint16
}

// Packet is one captured RTP or RTCP packet.
type Packet struct {
	// Offset since the start of the capture, millisecond resolution.
	Offset  time.Duration
	IsRTCP  bool
	Payload []byte
}

// Reader decodes records one at a time.
type Reader struct {
	r      *bufio.Reader
	header Header
}

// NewReader consumes the preamble and file header.
func NewReader(r io.Reader) (*Reader, Header, error) {
	br := bufio.NewReader(r)
	line, err := readPreamble(br)
	if err != nil {
		return nil, Header{}, err
	}

	var raw [fileHeaderLen]byte
	if _, err := io.ReadFull(br, raw[:]); err != nil {
		return nil, Header{}, fmt.Errorf("rtpdump: file header: %w", err)
	}
	sec := binary.BigEndian.Uint32(raw[0:4])
	usec := binary.BigEndian.Uint32(raw[4:8])
	h := Header{
		Start:  time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)),
		Source: net.IP(append([]byte(nil), raw[8:12]...)),
		Port:   binary.BigEndian.Uint16(raw[12:14]),
	}
	if h.Source.Equal(net.IPv4zero) {
		if ip, port, ok := parseAddress(line); ok {
			h.Source, h.Port = ip, port
		}
	}
	return &Reader{r: br, header: h}, h, nil
}

func readPreamble(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for sb.Len() < maxPreambleLen {
		b, err := br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedPreamble, err)
		}
		if b == '\n' {
			line := sb.String()
			if !strings.HasPrefix(line, preamblePrefix) {
				return "", ErrMalformedPreamble
			}
			return strings.TrimPrefix(line, preamblePrefix), nil
		}
		sb.WriteByte(b)
	}
	return "", ErrMalformedPreamble
}

func parseAddress(s string) (net.IP, uint16, bool) {
	host, port, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return nil, 0, false
	}
	ip := net.ParseIP(host)
	var p uint16
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil || ip == nil {
		return nil, 0, false
	}
	return ip, p, true
}

func (r *Reader) Header() Header { return r.header }

// Next returns the next record, or io.EOF at the end of the capture.
func (r *Reader) Next() (Packet, error) {
	var hdr [recordHeaderLen]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, ErrShortRecord
		}
		return Packet{}, err
	}
	length := int(binary.BigEndian.Uint16(hdr[0:2]))
	plen := binary.BigEndian.Uint16(hdr[2:4])
	offset := binary.BigEndian.Uint32(hdr[4:8])
	if length < recordHeaderLen {
		return Packet{}, ErrShortRecord
	}

	payload := make([]byte, length-recordHeaderLen)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Packet{}, ErrShortRecord
	}
	return Packet{
		Offset:  time.Duration(offset) * time.Millisecond,
		IsRTCP:  plen == 0,
		Payload: payload,
	}, nil
}

// Writer encodes a capture.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer, h Header) (*Writer, error) {
	ip := h.Source.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	if _, err := fmt.Fprintf(w, "%s%s/%d\n", preamblePrefix, ip, h.Port); err != nil {
		return nil, err
	}

	var raw [fileHeaderLen]byte
	binary.BigEndian.PutUint32(raw[0:4], uint32(h.Start.Unix()))
	binary.BigEndian.PutUint32(raw[4:8], uint32(h.Start.Nanosecond()/int(time.Microsecond)))
	copy(raw[8:12], ip)
	binary.BigEndian.PutUint16(raw[12:14], h.Port)
	if _, err := w.Write(raw[:]); err != nil {
		return nil, err
	}
	return &Writer{w: w}, nil
}

func (w *Writer) WritePacket(p Packet) error {
	length := recordHeaderLen + len(p.Payload)
	if length > 0xffff {
		return fmt.Errorf("rtpdump: packet of %d bytes too large", len(p.Payload))
	}
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(length))
	if !p.IsRTCP {
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(p.Payload)))
	}
	binary.BigEndian.PutUint32(hdr[4:8], uint32(p.Offset/time.Millisecond))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.w.Write(p.Payload)
	return err
}
