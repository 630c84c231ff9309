package nsqpool

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"
)

// Pool publishes messages on an ordered set of connections and decides
// whether the write succeeded according to a [Strategy].
//
// A Pool is safe for concurrent use. Every publish works on a snapshot of
// the connections and of the default strategy taken when it starts, so
// `AddConnection` and `SetStrategy` never affect publishes in flight.
type Pool struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	lk          sync.RWMutex
	connections []Connection
	strategy    Strategy
}

// New creates a pool. Without options, the pool is empty and uses the
// `AtLeastOne` strategy.
func New(opts ...Option) (*Pool, error) {
	p := &Pool{}
	p.config.strategy = AtLeastOne

	for _, opt := range opts {
		if err := opt(&p.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if p.config.logHandler != nil {
		p.logger = slog.New(p.config.logHandler)
	} else {
		p.logger = slog.Default()
	}

	if p.config.msink == nil {
		p.msink = metrics.Default()
	} else {
		p.msink = p.config.msink
	}

	p.connections = slices.Clone(p.config.connections)
	p.strategy = p.config.strategy
	return p, nil
}

// AddConnection appends conn to the pool and returns the pool so calls can
// be chained. The same connection may be added twice, it will then be
// contacted twice. Nil connections are ignored.
func (p *Pool) AddConnection(conn Connection) *Pool {
	if conn == nil {
		p.logger.Warn("ignoring nil connection")
		return p
	}

	p.lk.Lock()
	p.connections = append(p.connections, conn)
	size := len(p.connections)
	p.lk.Unlock()

	p.logger.Debug("connection added", LabelConnection.L(conn.String()), "pool_size", size)
	return p
}

// SetStrategy replaces the default strategy for subsequent publishes.
func (p *Pool) SetStrategy(st Strategy) error {
	if !st.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStrategy, st)
	}
	p.lk.Lock()
	p.strategy = st
	p.lk.Unlock()
	return nil
}

// Strategy returns the default strategy.
func (p *Pool) Strategy() Strategy {
	p.lk.RLock()
	defer p.lk.RUnlock()
	return p.strategy
}

// Connections returns a copy of the connections, in dispatch order.
func (p *Pool) Connections() []Connection {
	p.lk.RLock()
	defer p.lk.RUnlock()
	return slices.Clone(p.connections)
}

func (p *Pool) Len() int {
	p.lk.RLock()
	defer p.lk.RUnlock()
	return len(p.connections)
}

// Publish sends msg to topic on the connections of the pool. It uses the
// deferred path when `WithDefer` is given a positive delay.
//
// It returns an `*InsufficientAckError` when fewer connections than the
// strategy requires acknowledged the write.
func (p *Pool) Publish(ctx context.Context, topic string, msg Message, opts ...PublishOption) error {
	return p.doPublish(ctx, topic, []Message{msg}, opts)
}

// PublishDeferred is `Publish` with `WithDefer(delay)`.
func (p *Pool) PublishDeferred(ctx context.Context, topic string, msg Message, delay time.Duration, opts ...PublishOption) error {
	return p.doPublish(ctx, topic, []Message{msg}, append(slices.Clip(opts), WithDefer(delay)))
}

// MultiPublish sends msgs to topic as a single batch on every connection.
// A batch of one message goes through the same path as `Publish`. An empty
// batch is rejected with `ErrEmptyBatch`.
func (p *Pool) MultiPublish(ctx context.Context, topic string, msgs []Message, opts ...PublishOption) error {
	return p.doPublish(ctx, topic, msgs, opts)
}

type publishRequest struct {
	topic string
	msgs  []Message
	delay time.Duration
}

func (req *publishRequest) dispatch(ctx context.Context, conn Connection) (Outcome, error) {
	switch {
	case len(req.msgs) > 1:
		return conn.PublishBatch(ctx, req.topic, req.msgs)
	case req.delay > 0:
		return conn.PublishDeferred(ctx, req.topic, req.msgs[0], req.delay)
	default:
		return conn.Publish(ctx, req.topic, req.msgs[0])
	}
}

func (p *Pool) doPublish(ctx context.Context, topic string, msgs []Message, opts []PublishOption) error {
	p.lk.RLock()
	conns := slices.Clone(p.connections)
	pc := publishConfig{strategy: p.strategy}
	p.lk.RUnlock()

	for _, opt := range opts {
		opt(&pc)
	}

	if !pc.strategy.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStrategy, pc.strategy)
	}
	if pc.delay < 0 {
		return ErrInvalidDefer
	}
	if len(msgs) == 0 {
		return ErrEmptyBatch
	}
	if slices.ContainsFunc(msgs, func(msg Message) bool { return msg == nil }) {
		return ErrNilMessage
	}

	start := time.Now()
	req := &publishRequest{topic: topic, msgs: msgs, delay: pc.delay}

	var attempts []Attempt
	var shortCircuited bool
	if p.config.parallel {
		attempts, shortCircuited = p.fanOutParallel(ctx, conns, req, pc.strategy)
	} else {
		attempts, shortCircuited = p.fanOutSequential(ctx, conns, req, pc.strategy)
	}

	success := 0
	for _, attempt := range attempts {
		if attempt.OK() {
			success++
		}
	}

	strategyLabel := LabelStrategy.M(pc.strategy.String())
	p.msink.AddSampleWithLabels(
		MetricPublishAcks,
		float32(success),
		withLabels(p.config.metricLabels, strategyLabel),
	)

	if shortCircuited {
		p.observe(start, strategyLabel, "ok")
		return nil
	}

	required := pc.strategy.Required(len(conns))
	if success < required {
		p.observe(start, strategyLabel, "insufficient_ack")
		p.logger.Warn(
			"publish was not acknowledged by enough nodes",
			LabelTopic.L(topic),
			LabelStrategy.L(pc.strategy.String()),
			LabelRequired.L(required),
			LabelSuccess.L(success),
			"pool_size", len(conns),
		)
		return &InsufficientAckError{
			Strategy:    pc.strategy,
			Required:    required,
			Success:     success,
			Connections: len(conns),
			Attempts:    attempts,
		}
	}

	p.observe(start, strategyLabel, "ok")
	return nil
}

// fanOutSequential contacts the connections one after the other. With
// `OnlyOne`, it stops at the first acknowledgement and reports it through
// its second return value.
func (p *Pool) fanOutSequential(ctx context.Context, conns []Connection, req *publishRequest, st Strategy) ([]Attempt, bool) {
	attempts := make([]Attempt, 0, len(conns))
	success := 0
	for _, conn := range conns {
		attempt := p.attempt(ctx, conn, req)
		attempts = append(attempts, attempt)
		if !attempt.OK() {
			continue
		}
		success++
		if st == OnlyOne && success == 1 {
			return attempts, true
		}
	}
	return attempts, false
}

// fanOutParallel contacts all the connections at once. Attempts are kept
// in pool order regardless of completion order.
func (p *Pool) fanOutParallel(ctx context.Context, conns []Connection, req *publishRequest, st Strategy) ([]Attempt, bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	attempts := make([]Attempt, len(conns))
	var g errgroup.Group
	if p.config.maxInFlight > 0 {
		g.SetLimit(p.config.maxInFlight)
	}

	for i, conn := range conns {
		g.Go(func() error {
			attempts[i] = p.attempt(ctx, conn, req)
			if st == OnlyOne && attempts[i].OK() {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	if st == OnlyOne && slices.ContainsFunc(attempts, Attempt.OK) {
		return attempts, true
	}
	return attempts, false
}

func (p *Pool) attempt(ctx context.Context, conn Connection, req *publishRequest) Attempt {
	attempt := Attempt{Connection: conn.String()}

	var out Outcome
	err := ctx.Err()
	if err == nil {
		out, err = req.dispatch(ctx, conn)
	}

	switch {
	case err != nil:
		attempt.Kind = AttemptFailed
		attempt.Err = err
	case out == nil:
		attempt.Kind = AttemptFailed
		attempt.Err = ErrNoOutcome
	case out.OK():
		attempt.Kind = AttemptAcked
		attempt.Code = out.Code()
	default:
		attempt.Kind = AttemptRejected
		attempt.Code = out.Code()
	}

	p.msink.IncrCounterWithLabels(
		MetricAttemptCount,
		1.0,
		withLabels(
			p.config.metricLabels,
			LabelConnection.M(attempt.Connection),
			LabelResult.M(attempt.Kind.String()),
		),
	)

	if attempt.Kind == AttemptFailed {
		p.logger.Debug(
			"publish attempt failed",
			LabelConnection.L(attempt.Connection),
			LabelTopic.L(req.topic),
			LabelError.L(err),
		)
	} else {
		p.logger.Debug(
			"publish attempt answered",
			LabelConnection.L(attempt.Connection),
			LabelTopic.L(req.topic),
			LabelResult.L(attempt.Code),
		)
	}
	return attempt
}

func (p *Pool) observe(start time.Time, strategy metrics.Label, result string) {
	labels := withLabels(p.config.metricLabels, strategy, LabelResult.M(result))
	p.msink.IncrCounterWithLabels(MetricPublishCount, 1.0, labels)
	p.msink.AddSampleWithLabels(
		MetricPublishDuration,
		float32(time.Since(start).Seconds()*1000),
		labels,
	)
}
