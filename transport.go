package nsqpool

import (
	"context"
	"crypto/tls"
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

// ALPN negotiated by peers when the TLS configuration does not set one.
const ALPN = "nsqpool/1"

const defaultDialTimeout = 5 * time.Second

var quicVersions = []quic.Version{quic.Version2, quic.Version1}

// withALPN returns a copy of tc advertising `ALPN` unless tc already
// carries its own protocols.
func withALPN(tc *tls.Config) *tls.Config {
	tc = tc.Clone()
	if len(tc.NextProtos) == 0 {
		tc.NextProtos = []string{ALPN}
	}
	return tc
}

// PeerConfig represents configuration for a connection to a single peer.
type PeerConfig struct {
	// Addr of the peer, in the host:port form.
	Addr string

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// DialTimeout bounds the QUIC handshake.
	DialTimeout time.Duration

	// MaxFrameSize is the largest response accepted from the peer.
	MaxFrameSize int

	// MetricsLabels to add to every metrics emitted by the peer.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Peer is a [Connection] speaking the nsqpool protocol over QUIC.
//
// A single QUIC connection is kept per peer and every publish opens its
// own bidirectional stream on it. When that connection breaks, the next
// publish dials the peer again before giving up.
type Peer struct {
	cfg    *PeerConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// host is resolved during the first handshake and never changes, so
	// the peer keeps the same identifier in diagnostics.
	host remoteHost

	closed atomic.Bool
	lk     sync.Mutex
	conn   quic.Connection
}

// DialPeer connects to the peer at cfg.Addr. It fails if the handshake
// does not complete or if the hostname of the peer cannot be resolved.
func DialPeer(ctx context.Context, cfg *PeerConfig) (*Peer, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	p := &Peer{cfg: cfg}
	if cfg.LogHandler == nil {
		p.logger = slog.Default()
	} else {
		p.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		p.msink = metrics.Default()
	} else {
		p.msink = cfg.MetricSink
	}

	conn, host, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.conn = conn
	p.host = remoteHost{Name: host.Name, Addr: cfg.Addr}
	p.logger = p.logger.With("peer", p.host)
	p.logger.Info("connected to peer")
	return p, nil
}

func (p *Peer) String() string {
	return p.host.String()
}

// Hostname is the name the peer presented during the first handshake.
func (p *Peer) Hostname() Hostname {
	return p.host.Name
}

func (p *Peer) Publish(ctx context.Context, topic string, msg Message) (Outcome, error) {
	return p.roundTrip(ctx, wire.Command{
		Kind:   wire.KindPub,
		Topic:  topic,
		Bodies: [][]byte{msg.Body()},
	})
}

func (p *Peer) PublishDeferred(ctx context.Context, topic string, msg Message, delay time.Duration) (Outcome, error) {
	return p.roundTrip(ctx, wire.Command{
		Kind:   wire.KindDeferredPub,
		Topic:  topic,
		Defer:  delay,
		Bodies: [][]byte{msg.Body()},
	})
}

func (p *Peer) PublishBatch(ctx context.Context, topic string, msgs []Message) (Outcome, error) {
	bodies := make([][]byte, len(msgs))
	for i, msg := range msgs {
		bodies[i] = msg.Body()
	}
	return p.roundTrip(ctx, wire.Command{
		Kind:   wire.KindMultiPub,
		Topic:  topic,
		Bodies: bodies,
	})
}

// Close terminates the QUIC connection. Publishing on a closed peer fails
// with `ErrShutdown`.
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.lk.Lock()
	defer p.lk.Unlock()
	err := QErrShutdown.Close(p.conn, "publisher is closing")
	p.conn = nil
	return err
}

func (p *Peer) roundTrip(ctx context.Context, cmd wire.Command) (Outcome, error) {
	mLabels := withLabels(
		p.cfg.MetricLabels,
		LabelPeerName.M(string(p.host.Name)),
		LabelCommand.M(cmd.Kind.String()),
	)

	resp, reason, err := p.exchange(ctx, cmd)
	if err != nil {
		p.msink.IncrCounterWithLabels(
			MetricPeerRoundTripErrors,
			1.0,
			append(mLabels, LabelError.M(reason)),
		)
		return nil, err
	}

	p.msink.IncrCounterWithLabels(
		MetricPeerRoundTripCount,
		1.0,
		append(mLabels, LabelResult.M(resp.Code())),
	)
	return resp, nil
}

// exchange writes cmd on a fresh stream and waits for the answer. The
// second return value is a short reason used to label failures.
func (p *Peer) exchange(ctx context.Context, cmd wire.Command) (wire.Response, string, error) {
	conn, err := p.activeCx(ctx)
	if err != nil {
		return wire.Response{}, "no_conn_to_host", err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return wire.Response{}, "cannot_open_stream", err
	}

	if dl, ok := ctx.Deadline(); ok {
		stream.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
	})
	defer stop()

	logger := p.logger.With("stream_id", stream.StreamID())
	logger.Debug("sending command", LabelCommand.L(cmd.Kind.String()), LabelTopic.L(cmd.Topic))

	if err := wire.WriteCommand(stream, cmd); err != nil {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
		return wire.Response{}, "write", fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	// Half-close: the peer answers once and we will not write again.
	if err := stream.Close(); err != nil {
		return wire.Response{}, "write", fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	maxSize := p.cfg.MaxFrameSize
	if maxSize <= 0 {
		maxSize = wire.DefaultMaxFrameSize
	}
	resp, err := wire.ReadResponse(stream, maxSize)
	if err != nil {
		stream.CancelRead(QErrStreamCancelled)
		return wire.Response{}, "read", fmt.Errorf("%w: %w", ErrStreamRead, err)
	}

	logger.Debug("received response", LabelResult.L(resp.Code()))
	return resp, "", nil
}

// activeCx returns the current QUIC connection or dials a new one if it
// was closed.
func (p *Peer) activeCx(ctx context.Context) (quic.Connection, error) {
	if p.closed.Load() {
		return nil, ErrShutdown
	}

	p.lk.Lock()
	defer p.lk.Unlock()

	if p.conn != nil && p.conn.Context().Err() == nil {
		return p.conn, nil
	}
	if p.closed.Load() {
		return nil, ErrShutdown
	}

	p.logger.Warn("connection to peer was lost, dialing again")
	conn, host, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	if host.Name != p.host.Name {
		p.logger.Warn("peer changed its name", "new", host.Name)
	}
	p.conn = conn
	return conn, nil
}

func (p *Peer) dial(ctx context.Context) (quic.Connection, remoteHost, error) {
	timeout := p.cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mLabels := withLabels(p.cfg.MetricLabels, LabelPeerAddr.M(p.cfg.Addr))

	conn, err := quic.DialAddr(ctx, p.cfg.Addr, withALPN(p.cfg.TlsConfig), &quic.Config{
		Versions:        quicVersions,
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		p.msink.IncrCounterWithLabels(
			MetricPeerDialCount,
			1.0,
			append(mLabels, LabelResult.M("error")),
		)
		return nil, remoteHost{}, fmt.Errorf("%w: %w", ErrDial, err)
	}

	host, err := resolveHost(conn, p.cfg.HostnameResolver)
	if err != nil {
		p.msink.IncrCounterWithLabels(
			MetricPeerDialCount,
			1.0,
			append(mLabels, LabelResult.M("name_resolution")),
		)
		return nil, remoteHost{}, err
	}

	p.msink.IncrCounterWithLabels(
		MetricPeerDialCount,
		1.0,
		append(mLabels, LabelResult.M("ok")),
	)
	return conn, host, nil
}
