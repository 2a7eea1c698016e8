package media

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"

	"confhammer/internal/core/domain"

	"github.com/frostbyte73/core"
	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	errNoRemoteFingerprint = errors.New("no remote fingerprint")
	errFingerprintMismatch = errors.New("peer certificate does not match any remote fingerprint")
	errNoPeerCertificate   = errors.New("peer sent no certificate")
	errNoSRTPProfile       = errors.New("no SRTP protection profile negotiated")
)

// receiver is a stream that accounts for received RTP and reacts to RTCP
// feedback about its own sources.
type receiver interface {
	ownsSource(ssrc uint32) bool
	acceptsPayloadType(pt uint8) bool
	onReceive(size int)
	onFeedback(kind domain.FeedbackType, ssrc uint32, seqs []uint16)
}

// Transport is one DTLS-SRTP association over one ICE connection. Bundled
// streams share it.
type Transport struct {
	mux    *Mux
	cert   tls.Certificate
	logger *zap.SugaredLogger

	hsMu       sync.Mutex
	handshaked bool
	hsErr      error

	dtlsConn *dtls.Conn
	srtpSess *srtp.SessionSRTP
	rtcpSess *srtp.SessionSRTCP
	rtpOut   *srtp.WriteStreamSRTP
	rtcpOut  *srtp.WriteStreamSRTCP

	established atomic.Bool
	mu          sync.RWMutex
	receivers   []receiver
	closeOnce   sync.Once
	closed      core.Fuse
}

func newTransport(mux *Mux, cert tls.Certificate, logger *zap.SugaredLogger) *Transport {
	return &Transport{mux: mux, cert: cert, logger: logger, closed: core.NewFuse()}
}

func (t *Transport) attach(r receiver) {
	t.mu.Lock()
	t.receivers = append(t.receivers, r)
	t.mu.Unlock()
}

// Handshake runs DTLS once. Later callers get the first result.
func (t *Transport) Handshake(ctx context.Context, remote []domain.Fingerprint) error {
	t.hsMu.Lock()
	defer t.hsMu.Unlock()
	if t.handshaked {
		return t.hsErr
	}
	t.hsErr = t.handshake(ctx, remote)
	t.handshaked = true
	return t.hsErr
}

// IsClient reports the DTLS role for the given remote setup. The answer is
// active unless the remote insists on being active itself.
func IsClient(remote []domain.Fingerprint) bool {
	return len(remote) == 0 || !strings.EqualFold(remote[0].Setup, "active")
}

func (t *Transport) handshake(ctx context.Context, remote []domain.Fingerprint) error {
	if len(remote) == 0 {
		return errNoRemoteFingerprint
	}
	client := IsClient(remote)

	cfg := &dtls.Config{
		Certificates: []tls.Certificate{t.cert},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AEAD_AES_128_GCM,
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ClientAuth:           dtls.RequireAnyClientCert,
		InsecureSkipVerify:   true,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			if len(raw) == 0 {
				return errNoPeerCertificate
			}
			cert, err := x509.ParseCertificate(raw[0])
			if err != nil {
				return err
			}
			return VerifyFingerprint(cert, remote)
		},
	}

	var (
		conn *dtls.Conn
		err  error
	)
	if client {
		conn, err = dtls.ClientWithContext(ctx, t.mux.DTLS(), cfg)
	} else {
		conn, err = dtls.ServerWithContext(ctx, t.mux.DTLS(), cfg)
	}
	if err != nil {
		return fmt.Errorf("dtls handshake: %w", err)
	}
	t.dtlsConn = conn

	selected, ok := conn.SelectedSRTPProtectionProfile()
	if !ok {
		return errNoSRTPProfile
	}
	var profile srtp.ProtectionProfile
	switch selected {
	case dtls.SRTP_AEAD_AES_128_GCM:
		profile = srtp.ProtectionProfileAeadAes128Gcm
	case dtls.SRTP_AES128_CM_HMAC_SHA1_80:
		profile = srtp.ProtectionProfileAes128CmHmacSha1_80
	default:
		return errNoSRTPProfile
	}

	state := conn.ConnectionState()
	srtpCfg := &srtp.Config{Profile: profile}
	if err := srtpCfg.ExtractSessionKeysFromDTLS(&state, client); err != nil {
		return fmt.Errorf("extract srtp keys: %w", err)
	}

	if t.srtpSess, err = srtp.NewSessionSRTP(t.mux.SRTP(), srtpCfg); err != nil {
		return fmt.Errorf("srtp session: %w", err)
	}
	if t.rtcpSess, err = srtp.NewSessionSRTCP(t.mux.SRTCP(), srtpCfg); err != nil {
		return fmt.Errorf("srtcp session: %w", err)
	}
	if t.rtpOut, err = t.srtpSess.OpenWriteStream(); err != nil {
		return err
	}
	if t.rtcpOut, err = t.rtcpSess.OpenWriteStream(); err != nil {
		return err
	}

	t.established.Store(true)
	go t.acceptRTP()
	go t.acceptRTCP()

	t.logger.Debugw("dtls established", "client", client, "profile", uint16(selected))
	return nil
}

// VerifyFingerprint accepts the certificate if it matches any of the
// advertised fingerprints.
func VerifyFingerprint(cert *x509.Certificate, remote []domain.Fingerprint) error {
	for _, fp := range remote {
		hash, err := fingerprint.HashFromString(fp.Hash)
		if err != nil {
			continue
		}
		actual, err := fingerprint.Fingerprint(cert, hash)
		if err != nil {
			continue
		}
		if strings.EqualFold(actual, fp.Value) {
			return nil
		}
	}
	return errFingerprintMismatch
}

func (t *Transport) ready() bool {
	return t.established.Load() && !t.closed.IsBroken()
}

// WriteRTP protects and sends one RTP packet.
func (t *Transport) WriteRTP(raw []byte) (int, error) {
	if !t.ready() {
		return 0, domain.ErrStreamNotConnected
	}
	return t.rtpOut.Write(raw)
}

// WriteRTCP protects and sends one compound RTCP packet.
func (t *Transport) WriteRTCP(raw []byte) (int, error) {
	if !t.ready() {
		return 0, domain.ErrStreamNotConnected
	}
	return t.rtcpOut.Write(raw)
}

func (t *Transport) acceptRTP() {
	for {
		rs, ssrc, err := t.srtpSess.AcceptStream()
		if err != nil {
			return
		}
		t.logger.Debugw("remote rtp source", "ssrc", ssrc)
		go t.readRTP(rs)
	}
}

func (t *Transport) readRTP(rs *srtp.ReadStreamSRTP) {
	buf := packetPool.Get()
	defer packetPool.Put(buf)

	var hdr rtp.Header
	for {
		n, err := rs.Read(buf)
		if err != nil {
			return
		}
		if _, err := hdr.Unmarshal(buf[:n]); err != nil {
			continue
		}
		t.mu.RLock()
		for _, r := range t.receivers {
			if r.acceptsPayloadType(hdr.PayloadType) {
				r.onReceive(n)
				break
			}
		}
		t.mu.RUnlock()
	}
}

func (t *Transport) acceptRTCP() {
	for {
		rs, _, err := t.rtcpSess.AcceptStream()
		if err != nil {
			return
		}
		go t.readRTCP(rs)
	}
}

func (t *Transport) readRTCP(rs *srtp.ReadStreamSRTCP) {
	buf := packetPool.Get()
	defer packetPool.Put(buf)

	for {
		n, err := rs.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		t.dispatchRTCP(pkts)
	}
}

func (t *Transport) dispatchRTCP(pkts []rtcp.Packet) {
	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.FullIntraRequest:
			for _, e := range pkt.FIR {
				t.feedback(domain.FeedbackFIR, e.SSRC, nil)
			}
		case *rtcp.PictureLossIndication:
			t.feedback(domain.FeedbackPLI, pkt.MediaSSRC, nil)
		case *rtcp.TransportLayerNack:
			var seqs []uint16
			for _, pair := range pkt.Nacks {
				seqs = append(seqs, pair.PacketList()...)
			}
			t.feedback(domain.FeedbackNACK, pkt.MediaSSRC, seqs)
		}
	}
}

func (t *Transport) feedback(kind domain.FeedbackType, ssrc uint32, seqs []uint16) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.receivers {
		if r.ownsSource(ssrc) {
			r.onFeedback(kind, ssrc, seqs)
			return
		}
	}
	t.logger.Debugw("feedback for unknown source", "type", kind, "ssrc", ssrc)
}

// Close tears down SRTP, DTLS and the demux queues. It is idempotent.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Break()
		// Unblocks a handshake still waiting for DTLS records.
		_ = t.mux.Close()

		t.hsMu.Lock()
		defer t.hsMu.Unlock()
		var errs []error
		if t.srtpSess != nil {
			errs = append(errs, t.srtpSess.Close())
		}
		if t.rtcpSess != nil {
			errs = append(errs, t.rtcpSess.Close())
		}
		if t.dtlsConn != nil {
			errs = append(errs, t.dtlsConn.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}
