package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"logwarden/internal/ingest/wire"
	"logwarden/internal/queue"
)

// TCPServerConfig holds configuration for the TCP server.
type TCPServerConfig struct {
	Address        string
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLineLength  int
}

// DefaultTCPServerConfig returns the default TCP server configuration.
func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{
		Address:        ":5515",
		TLSEnabled:     false,
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  65535,
	}
}

// TCPServerMetrics holds metrics for the TCP server.
type TCPServerMetrics struct {
	Connections uint64
	Received    uint64
	Queued      uint64
	Rejected    uint64
	Dropped     uint64
}

// TCPServer receives newline-delimited JSON events over TCP.
type TCPServer struct {
	config   TCPServerConfig
	listener net.Listener
	decoder  *wire.Decoder
	rejects  wire.RejectHandler
	queue    *queue.RingBuffer

	connCount atomic.Int32
	wg        sync.WaitGroup
	done      chan struct{}

	// Metrics
	connections atomic.Uint64
	received    atomic.Uint64
	queued      atomic.Uint64
	rejected    atomic.Uint64
	dropped     atomic.Uint64
}

// NewTCPServer creates a new TCP server for line ingestion. rejects may
// be nil when quarantine is disabled.
func NewTCPServer(cfg TCPServerConfig, decoder *wire.Decoder, rejects wire.RejectHandler, q *queue.RingBuffer) *TCPServer {
	return &TCPServer{
		config:  cfg,
		decoder: decoder,
		rejects: rejects,
		queue:   q,
		done:    make(chan struct{}),
	}
}

// Start starts the TCP server.
func (s *TCPServer) Start(ctx context.Context) error {
	var listener net.Listener
	var err error

	if s.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return err
		}

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		listener, err = tls.Listen("tcp", s.config.Address, tlsConfig)
		if err != nil {
			return err
		}
	} else {
		listener, err = net.Listen("tcp", s.config.Address)
		if err != nil {
			return err
		}
	}

	s.listener = listener

	slog.Info("TCP server started",
		"address", s.config.Address,
		"tls", s.config.TLSEnabled,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Set accept deadline to allow periodic context checks
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				slog.Debug("TCP accept error", "error", err)
				continue
			}
		}

		// Check connection limit
		if s.connCount.Load() >= int32(s.config.MaxConnections) {
			slog.Warn("max connections reached, rejecting")
			conn.Close()
			continue
		}

		s.connCount.Add(1)
		s.connections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.connCount.Add(-1)
	defer conn.Close()

	var sourceIP string
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		sourceIP = tcpAddr.IP.String()
	} else {
		sourceIP = conn.RemoteAddr().String()
	}

	slog.Debug("new TCP connection", "remote", conn.RemoteAddr())

	reader := bufio.NewReaderSize(conn, s.config.MaxLineLength)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Set read deadline
		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		// Read line (events are newline-delimited JSON)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return // Idle timeout
			}
			slog.Debug("TCP read error", "error", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		s.received.Add(1)

		// Process line
		s.processLine(line, sourceIP)
	}
}

func (s *TCPServer) processLine(line string, sourceIP string) {
	event, err := s.decoder.DecodeString(line, sourceIP)
	if err != nil {
		s.rejected.Add(1)
		slog.Debug("line decode error",
			"error", err,
			"source", sourceIP,
		)
		if s.rejects != nil {
			s.rejects.HandleReject(wire.NewReject(line, "tcp", sourceIP, err))
		}
		return
	}

	if err := s.queue.Push(event); err != nil {
		s.dropped.Add(1)
		return
	}

	s.queued.Add(1)
}

// Stop stops the TCP server gracefully.
func (s *TCPServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	slog.Info("TCP server stopped",
		"connections", s.connections.Load(),
		"received", s.received.Load(),
		"queued", s.queued.Load(),
		"rejected", s.rejected.Load(),
	)
}

// Metrics returns the current server metrics.
func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: s.connections.Load(),
		Received:    s.received.Load(),
		Queued:      s.queued.Load(),
		Rejected:    s.rejected.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// ActiveConnections returns the number of currently active connections.
func (s *TCPServer) ActiveConnections() int {
	return int(s.connCount.Load())
}
