package media

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"go.uber.org/zap"
)

var errEngineClosed = errors.New("media engine closed")

// Engine owns the certificate of one session and the DTLS transports its
// streams run over.
type Engine struct {
	cert        tls.Certificate
	fingerprint domain.Fingerprint
	logger      *zap.SugaredLogger

	mu         sync.Mutex
	transports map[net.Conn]*Transport
	streams    []*Stream
	closed     bool
}

// NewEngine generates a fresh self-signed certificate.
func NewEngine(logger *zap.SugaredLogger) (*Engine, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint.Fingerprint(parsed, crypto.SHA256)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cert:        cert,
		fingerprint: domain.Fingerprint{Hash: "sha-256", Value: fp},
		logger:      logger,
		transports:  make(map[net.Conn]*Transport),
	}, nil
}

func NewEngineFactory(logger *zap.SugaredLogger) ports.MediaEngineFactory {
	return func() (ports.MediaEngine, error) {
		return NewEngine(logger)
	}
}

func (e *Engine) NewStream(kind domain.MediaKind) (ports.MediaStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}
	s := newStream(e, kind, e.logger.With("kind", kind))
	e.streams = append(e.streams, s)
	return s, nil
}

// LocalFingerprint has no setup role; the session fills that in.
func (e *Engine) LocalFingerprint() domain.Fingerprint {
	return e.fingerprint
}

// transportFor returns the transport of a connection, creating it on first
// use so bundled streams share one DTLS association.
func (e *Engine) transportFor(conn net.Conn) (*Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}
	if t, ok := e.transports[conn]; ok {
		return t, nil
	}
	t := newTransport(NewMux(conn, e.logger), e.cert, e.logger)
	e.transports[conn] = t
	return t, nil
}

// Close stops every stream and transport.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	streams := e.streams
	transports := e.transports
	e.streams = nil
	e.transports = nil
	e.mu.Unlock()

	var errs []error
	for _, s := range streams {
		errs = append(errs, s.Close())
	}
	for _, t := range transports {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}

var _ ports.MediaEngine = (*Engine)(nil)
