package ingest

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"
	"golang.org/x/crypto/pbkdf2"

	"logwarden/internal/ingest/wire"
	"logwarden/internal/queue"
)

var (
	// ErrDTLSCredentialsRequired is returned when the server has neither a
	// certificate pair nor a PSK passphrase and insecure mode is not allowed.
	ErrDTLSCredentialsRequired = errors.New("dtls: certificate pair or psk passphrase required (or set allow_insecure)")

	// ErrDTLSClientCARequired is returned when client certificate
	// verification is requested without a CA bundle to verify against.
	ErrDTLSClientCARequired = errors.New("dtls: ca_file required when require_client_cert is set")
)

// PSK derivation parameters. Clients must derive the key the same way
// from the shared passphrase and salt.
const (
	pskIterations = 4096
	pskKeyLength  = 16
)

// DTLSServerConfig holds configuration for the DTLS server.
type DTLSServerConfig struct {
	Address           string
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientCert bool
	PSKPassphrase     string
	PSKSalt           string
	PSKIdentityHint   string
	Workers           int
	MaxMessageSize    int
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	AllowInsecure     bool
}

// DefaultDTLSServerConfig returns the default DTLS server configuration.
func DefaultDTLSServerConfig() DTLSServerConfig {
	return DTLSServerConfig{
		Address:           ":5516",
		Workers:           8,
		MaxMessageSize:    65535,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
}

// DTLSServerMetrics holds metrics for the DTLS server.
type DTLSServerMetrics struct {
	Connections uint64
	Received    uint64
	Queued      uint64
	Rejected    uint64
	Dropped     uint64
}

// dtlsMessage is a datagram handed from a receiver to the worker pool.
type dtlsMessage struct {
	data     []byte
	sourceIP string
	secure   bool
}

// DTLSServer receives newline-delimited JSON events over DTLS. It
// supports certificate mode (with optional mutual TLS), pre-shared key
// mode, and a plaintext UDP fallback that must be enabled explicitly.
type DTLSServer struct {
	config  DTLSServerConfig
	decoder *wire.Decoder
	rejects wire.RejectHandler
	queue   *queue.RingBuffer

	listener net.Listener
	udpConn  *net.UDPConn
	secure   bool

	messages chan dtlsMessage
	done     chan struct{}
	wg       sync.WaitGroup

	// Metrics
	connections atomic.Uint64
	received    atomic.Uint64
	queued      atomic.Uint64
	rejected    atomic.Uint64
	dropped     atomic.Uint64
}

// NewDTLSServer creates a new DTLS server for datagram ingestion.
// rejects may be nil when quarantine is disabled.
func NewDTLSServer(cfg DTLSServerConfig, decoder *wire.Decoder, rejects wire.RejectHandler, q *queue.RingBuffer) *DTLSServer {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 65535
	}

	return &DTLSServer{
		config:   cfg,
		decoder:  decoder,
		rejects:  rejects,
		queue:    q,
		messages: make(chan dtlsMessage, cfg.Workers*100),
		done:     make(chan struct{}),
	}
}

// Start starts the DTLS server. The handshake mode is chosen from the
// configured credentials: a certificate pair wins over a PSK passphrase,
// and plaintext UDP is used only when AllowInsecure is set and no
// credentials are configured.
func (s *DTLSServer) Start(ctx context.Context) error {
	switch {
	case s.config.CertFile != "" && s.config.KeyFile != "":
		if err := s.startCert(ctx); err != nil {
			return err
		}
	case s.config.PSKPassphrase != "":
		if err := s.startPSK(ctx); err != nil {
			return err
		}
	case s.config.AllowInsecure:
		if err := s.startInsecure(); err != nil {
			return err
		}
	default:
		return ErrDTLSCredentialsRequired
	}

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return nil
}

func (s *DTLSServer) startCert(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return err
	}

	config := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	if s.config.RequireClientCert {
		if s.config.CAFile == "" {
			return ErrDTLSClientCARequired
		}

		caCert, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return err
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return errors.New("dtls: failed to parse CA certificate")
		}

		config.ClientAuth = dtls.RequireAndVerifyClientCert
		config.ClientCAs = caPool
	}

	if err := s.listen(config); err != nil {
		return err
	}

	slog.Info("DTLS server started",
		"address", s.config.Address,
		"mode", "certificate",
		"mutual_tls", s.config.RequireClientCert,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

func (s *DTLSServer) startPSK(ctx context.Context) error {
	key := pbkdf2.Key([]byte(s.config.PSKPassphrase), []byte(s.config.PSKSalt), pskIterations, pskKeyLength, sha256.New)

	config := &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return key, nil
		},
		PSKIdentityHint:      []byte(s.config.PSKIdentityHint),
		CipherSuites:         []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	if err := s.listen(config); err != nil {
		return err
	}

	slog.Info("DTLS server started",
		"address", s.config.Address,
		"mode", "psk",
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

func (s *DTLSServer) listen(config *dtls.Config) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return err
	}

	listener, err := dtls.Listen("udp", addr, config)
	if err != nil {
		return err
	}

	s.listener = listener
	s.secure = true

	return nil
}

func (s *DTLSServer) startInsecure() error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	s.udpConn = conn
	s.secure = false

	slog.Warn("DTLS server running WITHOUT encryption",
		"address", s.config.Address,
	)
	slog.Warn("events will be received in plaintext, configure certificates or a PSK for production use")

	s.wg.Add(1)
	go s.insecureReceiver()

	return nil
}

func (s *DTLSServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("DTLS accept error", "error", err)
				continue
			}
		}

		s.connections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	var sourceIP string
	if udpAddr, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		sourceIP = udpAddr.IP.String()
	} else {
		sourceIP = conn.RemoteAddr().String()
	}

	slog.Debug("new DTLS connection", "remote", conn.RemoteAddr())

	buf := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return // Idle timeout
			}
			slog.Debug("DTLS read error", "error", err)
			return
		}

		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		s.received.Add(1)

		select {
		case s.messages <- dtlsMessage{data: data, sourceIP: sourceIP, secure: true}:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *DTLSServer) insecureReceiver() {
	defer s.wg.Done()

	buf := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.udpConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				slog.Debug("UDP read error", "error", err)
				continue
			}
		}

		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		s.received.Add(1)

		select {
		case s.messages <- dtlsMessage{data: data, sourceIP: addr.IP.String(), secure: false}:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *DTLSServer) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			// Drain whatever is still buffered before exiting
			for {
				select {
				case msg := <-s.messages:
					s.processMessage(msg)
				default:
					return
				}
			}
		case msg := <-s.messages:
			s.processMessage(msg)
		}
	}
}

func (s *DTLSServer) processMessage(msg dtlsMessage) {
	transport := "dtls"
	if !msg.secure {
		transport = "udp"
	}

	// A datagram may carry several newline-delimited events
	for _, line := range strings.Split(string(msg.data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		event, err := s.decoder.DecodeString(line, msg.sourceIP)
		if err != nil {
			s.rejected.Add(1)
			slog.Debug("datagram decode error",
				"error", err,
				"source", msg.sourceIP,
			)
			if s.rejects != nil {
				s.rejects.HandleReject(wire.NewReject(line, transport, msg.sourceIP, err))
			}
			continue
		}

		if err := s.queue.Push(event); err != nil {
			s.dropped.Add(1)
			continue
		}

		s.queued.Add(1)
	}
}

// Stop stops the DTLS server gracefully.
func (s *DTLSServer) Stop() {
	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}

	s.wg.Wait()

	slog.Info("DTLS server stopped",
		"received", s.received.Load(),
		"queued", s.queued.Load(),
		"rejected", s.rejected.Load(),
	)
}

// Metrics returns the current server metrics.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	return DTLSServerMetrics{
		Connections: s.connections.Load(),
		Received:    s.received.Load(),
		Queued:      s.queued.Load(),
		Rejected:    s.rejected.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// IsSecure reports whether the server is running with an encrypted
// transport.
func (s *DTLSServer) IsSecure() bool {
	return s.secure
}
