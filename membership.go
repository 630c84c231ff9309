package nsqpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// DialFunc opens a [Connection] to the member name reachable at addr.
type DialFunc func(ctx context.Context, name, addr string) (Connection, error)

// PeerDialer returns a [DialFunc] dialling members with [DialPeer], using
// tmpl for everything but the address.
func PeerDialer(tmpl PeerConfig) DialFunc {
	return func(ctx context.Context, _, addr string) (Connection, error) {
		cfg := tmpl
		cfg.Addr = addr
		peer, err := DialPeer(ctx, &cfg)
		if err != nil {
			return nil, err
		}
		return peer, nil
	}
}

// MembershipConfig represents configuration for cluster discovery.
type MembershipConfig struct {
	// Name of the local node. For a well-behaving cluster, the name MUST be
	// unique. Defaults to the OS hostname.
	Name string

	// BindAddr and BindPort are where the gossip protocol listens.
	BindAddr string
	BindPort int

	// AdvertiseAddr and AdvertisePort override the address other members
	// use to gossip with us.
	AdvertiseAddr string
	AdvertisePort int

	// PublishAddr is the address of the local [Server], advertised to the
	// other members. Leave it empty on nodes which only publish.
	PublishAddr string

	// Neighbours are the members tried initially by `Join`.
	Neighbours []string

	// DialTimeout bounds each call to the `DialFunc`.
	DialTimeout time.Duration

	// MetricsLabels to add to every metrics emitted by the membership.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Membership grows a [Pool] with the members of a gossip cluster.
//
// Every member advertising a publish address is dialled once and appended
// to the pool. Members leaving the cluster are only logged: the pool
// never shrinks, the strategy decides whether a dead connection matters.
type Membership struct {
	cfg    *MembershipConfig
	pool   *Pool
	dial   DialFunc
	logger *slog.Logger
	msink  metrics.MetricSink
	ml     *memberlist.Memberlist

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// name of the local node, known once `Join` configured memberlist.
	name atomic.Value

	lk      sync.Mutex
	known   map[string]struct{}
	started bool
	closed  bool
}

// NewMembership prepares discovery for pool. Nothing listens before
// `Join` is called, which lets tests drive the event callbacks directly.
//
// With a nil pool and a nil dial, the membership only advertises
// cfg.PublishAddr, which is what a [Server] needs.
func NewMembership(cfg *MembershipConfig, pool *Pool, dial DialFunc) (*Membership, error) {
	if (pool == nil) != (dial == nil) {
		return nil, fmt.Errorf("%w: membership needs both a pool and a dial function", ErrInvalidCfg)
	}
	if len(cfg.PublishAddr) > memberlist.MetaMaxSize {
		return nil, ErrMetaTooLong
	}

	m := &Membership{
		cfg:   cfg,
		pool:  pool,
		dial:  dial,
		known: make(map[string]struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.name.Store(cfg.Name)

	if cfg.LogHandler == nil {
		m.logger = slog.Default()
	} else {
		m.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		m.msink = metrics.Default()
	} else {
		m.msink = cfg.MetricSink
	}
	return m, nil
}

// Join starts the gossip protocol and contacts the neighbours. It is not
// an error if only some of them answered.
func (m *Membership) Join() error {
	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		return ErrShutdown
	}
	if m.started {
		m.lk.Unlock()
		return nil
	}
	m.started = true
	m.lk.Unlock()

	mlCfg := memberlist.DefaultLANConfig()
	if m.cfg.Name != "" {
		mlCfg.Name = m.cfg.Name
	}
	if m.cfg.BindAddr != "" {
		mlCfg.BindAddr = m.cfg.BindAddr
	}
	if m.cfg.BindPort != 0 {
		mlCfg.BindPort = m.cfg.BindPort
	}
	mlCfg.AdvertiseAddr = m.cfg.AdvertiseAddr
	mlCfg.AdvertisePort = m.cfg.AdvertisePort
	mlCfg.Events = m
	mlCfg.Delegate = &metaDelegate{meta: []byte(m.cfg.PublishAddr), logger: m.logger}
	mlCfg.MetricLabels = legacyLabels(m.cfg.MetricLabels)

	if m.cfg.LogHandler != nil {
		mlCfg.Logger = slog.NewLogLogger(m.cfg.LogHandler, slog.LevelDebug)
	} else {
		mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}

	// Events fire as soon as Create returns, and for the local node
	// during Create.
	m.name.Store(mlCfg.Name)

	// memberlist invokes the event callbacks synchronously, m.lk must not
	// be held while it runs.
	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		m.lk.Lock()
		m.started = false
		m.lk.Unlock()
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}

	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		ml.Shutdown()
		return ErrShutdown
	}
	m.ml = ml
	m.lk.Unlock()

	if len(m.cfg.Neighbours) > 0 {
		joined, err := ml.Join(m.cfg.Neighbours)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		m.logger.Info("cluster joined")
		if len(m.cfg.Neighbours) != joined {
			m.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(m.cfg.Neighbours),
			)
		}
	}
	return nil
}

// Members returns the names of the members currently alive.
func (m *Membership) Members() []string {
	m.lk.Lock()
	ml := m.ml
	m.lk.Unlock()
	if ml == nil {
		return nil
	}

	members := ml.Members()
	names := make([]string, 0, len(members))
	for _, node := range members {
		names = append(names, node.Name)
	}
	return names
}

// Shutdown leaves the cluster and waits for the dials in flight. The
// connections already added to the pool are left untouched.
func (m *Membership) Shutdown() error {
	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		return nil
	}
	m.closed = true
	ml := m.ml
	m.lk.Unlock()

	m.cancel()
	m.wg.Wait()

	if ml == nil {
		return nil
	}
	if err := ml.Leave(5 * time.Second); err != nil {
		m.logger.Warn("could not leave cluster gracefully", LabelError.L(err))
	}
	return ml.Shutdown()
}

func (m *Membership) NotifyJoin(node *memberlist.Node) {
	withLogNode(m.logger, node).Info("peer joined cluster")
	m.track(node)
}

func (m *Membership) NotifyLeave(node *memberlist.Node) {
	withLogNode(m.logger, node).Info("peer left cluster")
}

// NotifyUpdate tracks members which started to advertise a publish
// address after they joined.
func (m *Membership) NotifyUpdate(node *memberlist.Node) {
	withLogNode(m.logger, node).Info("peer updated")
	m.track(node)
}

// track dials node in the background unless it is the local node or
// already part of the pool. Members without a publish address are skipped.
func (m *Membership) track(node *memberlist.Node) {
	if m.pool == nil {
		return
	}
	if local, _ := m.name.Load().(string); node.Name == local {
		return
	}

	addr := PublishAddr(node)
	if addr == "" {
		return
	}

	m.lk.Lock()
	if _, ok := m.known[node.Name]; ok || m.closed {
		m.lk.Unlock()
		return
	}
	m.known[node.Name] = struct{}{}
	m.wg.Add(1)
	m.lk.Unlock()

	go m.connect(node.Name, addr)
}

func (m *Membership) connect(name, addr string) {
	defer m.wg.Done()
	logger := m.logger.With(LabelPeerName.L(name), LabelPeerAddr.L(addr))

	timeout := m.cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	conn, err := m.dial(ctx, name, addr)
	if err == nil && conn == nil {
		err = ErrNilConnection
	}
	if err != nil {
		// Forget the member so that its next update is retried.
		m.lk.Lock()
		delete(m.known, name)
		m.lk.Unlock()

		logger.Warn("could not connect to member", LabelError.L(err))
		m.msink.IncrCounterWithLabels(
			MetricMembershipDialErrors,
			1.0,
			withLabels(m.cfg.MetricLabels, LabelPeerName.M(name)),
		)
		return
	}

	m.pool.AddConnection(conn)
	m.msink.IncrCounterWithLabels(
		MetricMembershipJoinCount,
		1.0,
		withLabels(m.cfg.MetricLabels, LabelPeerName.M(name)),
	)
	logger.Info("member added to the pool")
}

// PublishAddr returns the publish address advertised by node, or an empty
// string if it does not accept publishes.
func PublishAddr(node *memberlist.Node) string {
	return string(node.Meta)
}

// metaDelegate only advertises the local publish address, the pool has no
// state to gossip.
type metaDelegate struct {
	meta   []byte
	logger *slog.Logger
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		d.logger.Error("publish address does not fit in node metadata", "limit", limit)
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte) {}

func (d *metaDelegate) GetBroadcasts(_, _ int) [][]byte {
	return nil
}

func (d *metaDelegate) LocalState(bool) []byte {
	return nil
}

func (d *metaDelegate) MergeRemoteState([]byte, bool) {}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		slog.Group("node",
			slog.String("name", node.Name),
			slog.String("addr", node.Address()),
			slog.String("publish_addr", PublishAddr(node)),
		),
	)
}

// TODO(raskyld): drop the translation once memberlist moves to
// hashicorp/go-metrics.
func legacyLabels(labels []metrics.Label) []leg_metrics.Label {
	legacy := make([]leg_metrics.Label, len(labels))
	for i, label := range labels {
		legacy[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return legacy
}
