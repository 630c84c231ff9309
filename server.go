package nsqpool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/nsqpool/pkg/wire"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultBindPort          = 6174
	defaultGracePeriod       = 10 * time.Second
	defaultStreamTimeout     = 30 * time.Second
)

// Handler processes the commands received by a [Server]. Implementations
// must be safe for concurrent use: every stream is served on its own
// goroutine.
type Handler interface {
	Handle(ctx context.Context, from Hostname, cmd wire.Command) wire.Response
}

type HandlerFunc func(ctx context.Context, from Hostname, cmd wire.Command) wire.Response

func (fn HandlerFunc) Handle(ctx context.Context, from Hostname, cmd wire.Command) wire.Response {
	return fn(ctx, from, cmd)
}

// ServerConfig represents configuration for the receiving side of the
// nsqpool protocol.
type ServerConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `ServerConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where we want the server to listen.
	BindAddr string
	BindPort int

	// HintMaxStreams bounds the number of publishes a single client can
	// have in flight.
	HintMaxStreams int64

	// MaxFrameSize is the largest command accepted from a client.
	MaxFrameSize int

	// StreamTimeout bounds the time a client has to send its command.
	StreamTimeout time.Duration

	// GracePeriod is how long `Shutdown` waits for the streams in flight.
	GracePeriod time.Duration

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the server.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Server accepts QUIC connections from publishers and hands every
// command to a [Handler].
type Server struct {
	cfg     *ServerConfig
	logger  *slog.Logger
	msink   metrics.MetricSink
	handler Handler

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	lk       sync.Mutex
	conns    map[quic.Connection]remoteHost
	inflight sync.WaitGroup

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

// NewServer binds the UDP socket, starts the QUIC listener and begins to
// accept connections.
func NewServer(cfg *ServerConfig, handler Handler) (_ *Server, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is nil", ErrInvalidCfg)
	}

	s := &Server{
		cfg:     cfg,
		handler: handler,
		conns:   make(map[quic.Connection]remoteHost),
	}

	if cfg.LogHandler == nil {
		s.logger = slog.Default()
	} else {
		s.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		s.msink = metrics.Default()
	} else {
		s.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			s.Shutdown()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = defaultBindPort
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: port}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("server: failed to allocate UDP listener: %w", err)
	}
	s.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := s.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	s.tr = &quic.Transport{
		Conn: udpLn,
	}

	hintStreams := cfg.HintMaxStreams
	if hintStreams == 0 {
		hintStreams = 10000
	}

	ln, err := s.tr.Listen(withALPN(cfg.TlsConfig), &quic.Config{
		Versions:              quicVersions,
		Allow0RTT:             false,
		MaxIncomingStreams:    hintStreams,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        1 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("server: failed to allocate QUIC listener: %w", err)
	}

	s.ln = ln
	go s.acceptCx()
	s.logger.Info("server listening", "addr", udpLn.LocalAddr().String())
	return s, nil
}

// Addr is the local address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.udpLn.LocalAddr()
}

// Shutdown stops accepting connections, lets the streams in flight finish
// within the grace period, then closes every connection.
func (s *Server) Shutdown() error {
	// The lock orders the flag with the stream registration in
	// `handleStreams`, so no stream is added to `inflight` after Wait.
	s.lk.Lock()
	if !s.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		s.lk.Unlock()
		return nil
	}
	s.lk.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}

	grace := s.cfg.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(grace):
		s.logger.Warn("grace period elapsed with streams still in flight", LabelDuration.L(grace))
	}

	s.lk.Lock()
	for conn := range s.conns {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
	clear(s.conns)
	s.lk.Unlock()

	if s.tr != nil {
		s.tr.Close()
	}

	if s.udpLn != nil {
		s.udpLn.Close()
	}
	return nil
}

func (s *Server) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := s.udpLn.SetReadBuffer(size); err != nil {
			if s.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			s.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		s.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			s.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (s *Server) acceptCx() {
	for {
		conn, err := s.ln.Accept(context.Background())
		if err != nil {
			if !s.gracefulTerm.Load() {
				s.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn quic.Connection) {
	peer := conn.RemoteAddr().String()
	logger := s.logger.With(LabelPeerAddr.L(peer))
	mLabels := withLabels(s.cfg.MetricLabels, LabelPeerAddr.M(peer))

	host, err := resolveHost(conn, s.cfg.HostnameResolver)
	if err != nil {
		logger.Error("failed to resolve hostname", LabelError.L(err))
		s.msink.IncrCounterWithLabels(
			MetricServerConnErrCount,
			1.0,
			append(mLabels, LabelError.M("name_resolution")),
		)
		return
	}

	s.lk.Lock()
	if s.gracefulTerm.Load() {
		s.lk.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return
	}
	s.conns[conn] = host
	s.lk.Unlock()

	s.msink.IncrCounterWithLabels(
		MetricServerConnEstCount,
		1.0,
		append(mLabels, LabelPeerName.M(string(host.Name))),
	)
	logger.Info("publisher connected", LabelPeerName.L(host.Name))

	go s.handleStreams(conn, host)
}

func (s *Server) handleStreams(conn quic.Connection, host remoteHost) {
	ctx := conn.Context()
	logger := s.logger.With("remote", host)
	mLabels := withLabels(s.cfg.MetricLabels, LabelPeerName.M(string(host.Name)))

	defer func() {
		s.lk.Lock()
		delete(s.conns, conn)
		s.lk.Unlock()
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if s.gracefulTerm.Load() {
				logger.Debug("stream listener gracefully shutting down")
			} else {
				logger.Debug("connection closed", LabelError.L(err))
			}
			return
		}

		s.lk.Lock()
		if s.gracefulTerm.Load() {
			s.lk.Unlock()
			stream.CancelRead(QErrStreamCancelled)
			stream.CancelWrite(QErrStreamCancelled)
			continue
		}
		s.inflight.Add(1)
		s.lk.Unlock()

		go func() {
			defer s.inflight.Done()
			s.serveStream(ctx, host, stream, logger.With("stream_id", stream.StreamID()), mLabels)
		}()
	}
}

func (s *Server) serveStream(ctx context.Context, host remoteHost, stream quic.Stream, logger *slog.Logger, mLabels []metrics.Label) {
	timeout := s.cfg.StreamTimeout
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}
	stream.SetDeadline(time.Now().Add(timeout))

	maxSize := s.cfg.MaxFrameSize
	if maxSize <= 0 {
		maxSize = wire.DefaultMaxFrameSize
	}

	cmd, err := wire.ReadCommand(stream, maxSize)
	if err != nil {
		if errors.Is(err, wire.ErrMalformedFrame) || errors.Is(err, wire.ErrFrameTooLarge) {
			logger.Warn("nsqpool protocol violation", LabelError.L(err))
			stream.CancelRead(QErrStreamProtocolViolation)
			stream.CancelWrite(QErrStreamProtocolViolation)
			s.msink.IncrCounterWithLabels(
				MetricServerStreamErrCount,
				1.0,
				append(mLabels, LabelError.M("protocol_violation")),
			)
			return
		}
		logger.Debug("error reading command", LabelError.L(err))
		stream.CancelWrite(QErrStreamCancelled)
		s.msink.IncrCounterWithLabels(
			MetricServerStreamErrCount,
			1.0,
			append(mLabels, LabelError.M("read")),
		)
		return
	}

	resp := s.handler.Handle(ctx, host.Name, cmd)
	s.msink.IncrCounterWithLabels(
		MetricServerCommandCount,
		1.0,
		append(mLabels, LabelCommand.M(cmd.Kind.String()), LabelResult.M(resp.Code())),
	)

	if err := wire.WriteResponse(stream, resp); err != nil {
		logger.Debug("error writing response", LabelError.L(err))
		s.msink.IncrCounterWithLabels(
			MetricServerStreamErrCount,
			1.0,
			append(mLabels, LabelError.M("write")),
		)
		return
	}
	stream.Close()
}
