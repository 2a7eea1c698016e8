// Package media is the send side of a simulated participant: DTLS-SRTP over
// the connection selected by ICE, and media streams fed by capture devices.
package media

import (
	"errors"
	"net"
	"time"

	"confhammer/pkg/optimize"

	"github.com/pion/transport/v2/packetio"
	"go.uber.org/zap"
)

const (
	receiveMTU = 1500
	// bufferLimit caps each demuxed queue so a stalled reader drops packets
	// instead of growing without bound.
	bufferLimit = 1 << 20
)

var packetPool = optimize.NewBytePool(receiveMTU)

// RFC 7983 demultiplexing by the first byte.
func isDTLS(b []byte) bool { return len(b) > 0 && b[0] >= 20 && b[0] <= 63 }

func isRTPOrRTCP(b []byte) bool { return len(b) > 1 && b[0] >= 128 && b[0] <= 191 }

func isRTCP(b []byte) bool { return isRTPOrRTCP(b) && b[1] >= 192 && b[1] <= 223 }

// Mux splits one ICE connection into DTLS, SRTP and SRTCP packet streams.
type Mux struct {
	conn   net.Conn
	logger *zap.SugaredLogger

	dtls  *packetio.Buffer
	srtp  *packetio.Buffer
	srtcp *packetio.Buffer
	done  chan struct{}
}

func NewMux(conn net.Conn, logger *zap.SugaredLogger) *Mux {
	m := &Mux{
		conn:   conn,
		logger: logger,
		dtls:   packetio.NewBuffer(),
		srtp:   packetio.NewBuffer(),
		srtcp:  packetio.NewBuffer(),
		done:   make(chan struct{}),
	}
	for _, b := range []*packetio.Buffer{m.dtls, m.srtp, m.srtcp} {
		b.SetLimitSize(bufferLimit)
	}
	go m.readLoop()
	return m
}

func (m *Mux) readLoop() {
	defer close(m.done)
	defer m.closeBuffers()

	buf := packetPool.Get()
	defer packetPool.Put(buf)

	for {
		n, err := m.conn.Read(buf)
		if err != nil {
			return
		}
		pkt := buf[:n]

		var dst *packetio.Buffer
		switch {
		case isDTLS(pkt):
			dst = m.dtls
		case isRTCP(pkt):
			dst = m.srtcp
		case isRTPOrRTCP(pkt):
			dst = m.srtp
		default:
			continue
		}
		if _, err := dst.Write(pkt); err != nil {
			if errors.Is(err, packetio.ErrFull) {
				m.logger.Debugw("demux queue full, dropping packet", "size", n)
				continue
			}
			return
		}
	}
}

func (m *Mux) closeBuffers() {
	_ = m.dtls.Close()
	_ = m.srtp.Close()
	_ = m.srtcp.Close()
}

// Close releases the queues. The connection belongs to the ICE agent and is
// left open.
func (m *Mux) Close() error {
	m.closeBuffers()
	return nil
}

func (m *Mux) DTLS() net.Conn  { return &endpoint{buf: m.dtls, conn: m.conn} }
func (m *Mux) SRTP() net.Conn  { return &endpoint{buf: m.srtp, conn: m.conn} }
func (m *Mux) SRTCP() net.Conn { return &endpoint{buf: m.srtcp, conn: m.conn} }

// endpoint reads one demuxed class and writes straight to the connection.
type endpoint struct {
	buf  *packetio.Buffer
	conn net.Conn
}

func (e *endpoint) Read(p []byte) (int, error)         { return e.buf.Read(p) }
func (e *endpoint) Write(p []byte) (int, error)        { return e.conn.Write(p) }
func (e *endpoint) Close() error                       { return e.buf.Close() }
func (e *endpoint) LocalAddr() net.Addr                { return e.conn.LocalAddr() }
func (e *endpoint) RemoteAddr() net.Addr               { return e.conn.RemoteAddr() }
func (e *endpoint) SetDeadline(t time.Time) error      { return e.buf.SetReadDeadline(t) }
func (e *endpoint) SetReadDeadline(t time.Time) error  { return e.buf.SetReadDeadline(t) }
func (e *endpoint) SetWriteDeadline(t time.Time) error { return nil }
