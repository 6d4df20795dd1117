// Package feed keeps one ordered, deduplicated message sequence per
// channel, merged from a snapshot fetch and an at-least-once change
// stream that may race each other.
package feed

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/remotestore"
)

// Handlers receives the typed change notifications for one channel.
// Callbacks are invoked sequentially, never concurrently.
type Handlers struct {
	OnInsert func(chat.Message)
	OnUpdate func(chat.Message)
	OnDelete func(messageID string)

	// OnResync fires after the underlying transport reconnected: events
	// may have been missed and the snapshot must be fetched again.
	OnResync func()
}

// Subscriber opens push subscriptions and translates raw change events
// into typed message callbacks, keeping wire knowledge out of consumers.
type Subscriber struct {
	remote remotestore.Client
	logger *zap.Logger
}

func NewSubscriber(remote remotestore.Client, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{remote: remote, logger: logger}
}

// Subscribe opens one subscription for channelID. Delivery is ordered and
// at-least-once; consumers must treat events idempotently.
func (s *Subscriber) Subscribe(ctx context.Context, channelID string, handlers Handlers) (*Subscription, error) {
	stream, err := s.remote.SubscribeChanges(ctx, remotestore.ChannelResource(channelID),
		[]remotestore.ChangeKind{remotestore.ChangeInsert, remotestore.ChangeUpdate, remotestore.ChangeDelete})
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		stream:   stream,
		handlers: handlers,
		logger:   s.logger.With(zap.String("channel_id", channelID)),
		done:     make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

// Subscription is one live channel subscription. Cancel is synchronous:
// once it returns, no further callback runs; events still buffered on the
// transport are discarded, not queued.
type Subscription struct {
	stream   remotestore.Stream
	handlers Handlers
	logger   *zap.Logger
	done     chan struct{}

	mu       sync.Mutex
	canceled bool
}

// Cancel stops delivery. Safe to call more than once. Must not be called
// from inside one of the subscription's own callbacks.
func (sub *Subscription) Cancel() {
	sub.mu.Lock()
	sub.canceled = true
	sub.mu.Unlock()
	_ = sub.stream.Close()
}

// Done is closed when the delivery goroutine has fully drained.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

func (sub *Subscription) run() {
	defer close(sub.done)
	for ev := range sub.stream.Events() {
		sub.dispatch(ev)
	}
}

// dispatch invokes the handler under the cancellation lock so Cancel can
// only return between callbacks, never mid-callback.
func (sub *Subscription) dispatch(ev remotestore.ChangeEvent) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.canceled {
		return
	}
	switch ev.Kind {
	case remotestore.ChangeResync:
		if sub.handlers.OnResync != nil {
			sub.handlers.OnResync()
		}
	case remotestore.ChangeInsert:
		if msg, ok := sub.decode(ev); ok && sub.handlers.OnInsert != nil {
			sub.handlers.OnInsert(msg)
		}
	case remotestore.ChangeUpdate:
		if msg, ok := sub.decode(ev); ok && sub.handlers.OnUpdate != nil {
			sub.handlers.OnUpdate(msg)
		}
	case remotestore.ChangeDelete:
		if msg, ok := sub.decode(ev); ok && sub.handlers.OnDelete != nil {
			sub.handlers.OnDelete(msg.ID)
		}
	}
}

func (sub *Subscription) decode(ev remotestore.ChangeEvent) (chat.Message, bool) {
	var msg chat.Message
	if err := json.Unmarshal(ev.Row, &msg); err != nil || msg.ID == "" {
		sub.logger.Warn("discarding undecodable message event",
			zap.String("event_id", ev.EventID),
			zap.Error(err))
		return chat.Message{}, false
	}
	return msg, true
}
