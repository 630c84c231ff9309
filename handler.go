package nsqpool

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/raskyld/nsqpool/pkg/wire"
)

const (
	maxTopicNameLength = 64
	defaultMaxDefer    = time.Hour
)

var topicNameRegex = regexp.MustCompile(`^[.a-zA-Z0-9_-]+(#ephemeral)?$`)

// ValidTopicName reports whether name is accepted as an NSQ topic.
func ValidTopicName(name string) bool {
	if len(name) == 0 || len(name) > maxTopicNameLength {
		return false
	}
	return topicNameRegex.MatchString(name)
}

// MemoryHandler is a [Handler] which validates commands the way an nsqd
// would and keeps count of what it accepted. Nothing is persisted.
type MemoryHandler struct {
	maxDefer time.Duration
	logger   *slog.Logger

	lk       sync.Mutex
	accepted map[string]int
	deferred map[string]int
}

// NewMemoryHandler returns a handler refusing defers longer than
// maxDefer, one hour when 0. A nil handler logs through `slog.Default()`.
func NewMemoryHandler(maxDefer time.Duration, logHandler slog.Handler) *MemoryHandler {
	if maxDefer <= 0 {
		maxDefer = defaultMaxDefer
	}

	h := &MemoryHandler{
		maxDefer: maxDefer,
		accepted: make(map[string]int),
		deferred: make(map[string]int),
	}
	if logHandler == nil {
		h.logger = slog.Default()
	} else {
		h.logger = slog.New(logHandler)
	}
	return h
}

func (h *MemoryHandler) Handle(_ context.Context, from Hostname, cmd wire.Command) wire.Response {
	logger := h.logger.With(LabelPeerName.L(from), LabelCommand.L(cmd.Kind.String()), LabelTopic.L(cmd.Topic))

	if !ValidTopicName(cmd.Topic) {
		logger.Debug("rejecting invalid topic name")
		return wire.Reject(wire.CodeBadTopic)
	}

	for _, body := range cmd.Bodies {
		if len(body) == 0 {
			logger.Debug("rejecting empty message")
			return wire.Reject(wire.CodeBadMessage)
		}
	}

	if cmd.Kind == wire.KindDeferredPub && (cmd.Defer < 0 || cmd.Defer > h.maxDefer) {
		logger.Debug("rejecting out of range defer", "defer", cmd.Defer)
		return wire.Reject(wire.CodeInvalid)
	}

	h.lk.Lock()
	h.accepted[cmd.Topic] += len(cmd.Bodies)
	if cmd.Kind == wire.KindDeferredPub {
		h.deferred[cmd.Topic] += len(cmd.Bodies)
	}
	h.lk.Unlock()

	logger.Debug("accepted messages", "count", len(cmd.Bodies))
	return wire.Ack()
}

// Count returns how many messages were accepted on topic.
func (h *MemoryHandler) Count(topic string) int {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.accepted[topic]
}

// Deferred returns how many of the accepted messages on topic were
// deferred.
func (h *MemoryHandler) Deferred(topic string) int {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.deferred[topic]
}
