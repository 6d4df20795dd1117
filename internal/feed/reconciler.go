package feed

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/metrics"
	"github.com/parleyhq/parley/internal/remotestore"
)

// Reconciler owns the feed state for every open channel. For each channel
// it opens a push subscription, independently fetches the full snapshot,
// and merges the two into one ordered sequence. Every merge step is
// idempotent, so duplicate or out-of-order delivery converges to the same
// feed.
type Reconciler struct {
	remote     remotestore.Client
	subscriber *Subscriber
	logger     *zap.Logger
	metrics    *metrics.Collector

	mu    sync.Mutex
	feeds map[string]*feedState
}

type feedState struct {
	channelID    string
	ctx          context.Context
	cancel       context.CancelFunc
	epoch        int
	byID         map[string]chat.Message
	order        []chat.Message
	// appliedEpoch records, per id, the snapshot epoch current when the
	// stream last touched the message; snapshot rows never overwrite or
	// prune state the stream delivered during the same fetch.
	appliedEpoch map[string]int
	subscription *Subscription
	loading      bool
	observers    map[int]func()
	nextObs      int
}

func NewReconciler(remote remotestore.Client, subscriber *Subscriber, logger *zap.Logger, collector *metrics.Collector) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		remote:     remote,
		subscriber: subscriber,
		logger:     logger,
		metrics:    collector,
		feeds:      map[string]*feedState{},
	}
}

// Feed returns the current ordered sequence for channelID, opening the
// subscription and snapshot fetch on first access. The returned slice is
// a copy; the caller never shares the reconciler's backing storage.
func (r *Reconciler) Feed(ctx context.Context, channelID string) ([]chat.Message, error) {
	st, err := r.ensure(ctx, channelID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.Message(nil), st.order...), nil
}

// Loading reports whether channelID's snapshot fetch is still in flight.
func (r *Reconciler) Loading(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.feeds[channelID]
	return ok && st.loading
}

// Refresh forces a snapshot re-fetch for an already-open channel.
func (r *Reconciler) Refresh(ctx context.Context, channelID string) error {
	st, err := r.ensure(ctx, channelID)
	if err != nil {
		return err
	}
	r.fetchSnapshot(st)
	return nil
}

// Subscribe registers an observer called after every feed change for
// channelID. The channel is opened on first use.
func (r *Reconciler) Subscribe(ctx context.Context, channelID string, fn func()) (func(), error) {
	st, err := r.ensure(ctx, channelID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	id := st.nextObs
	st.nextObs++
	st.observers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(st.observers, id)
		r.mu.Unlock()
	}, nil
}

// Release tears the channel down: the subscription is canceled and any
// in-flight snapshot fetch for it is discarded when it lands.
func (r *Reconciler) Release(channelID string) {
	r.mu.Lock()
	st, ok := r.feeds[channelID]
	if ok {
		delete(r.feeds, channelID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	st.cancel()
	if st.subscription != nil {
		st.subscription.Cancel()
	}
}

// Close releases every open channel.
func (r *Reconciler) Close() {
	r.mu.Lock()
	states := make([]*feedState, 0, len(r.feeds))
	for _, st := range r.feeds {
		states = append(states, st)
	}
	r.feeds = map[string]*feedState{}
	r.mu.Unlock()
	for _, st := range states {
		st.cancel()
		if st.subscription != nil {
			st.subscription.Cancel()
		}
	}
}

// ensure opens the channel on first access: subscription first, so no
// event is missed, then the snapshot fetch runs concurrently and merges
// idempotently with whatever the stream already delivered. The feed runs
// on its own lifecycle context, not the first caller's; a request-scoped
// caller going away must not kill resyncs for everyone else.
func (r *Reconciler) ensure(ctx context.Context, channelID string) (*feedState, error) {
	r.mu.Lock()
	if st, ok := r.feeds[channelID]; ok {
		r.mu.Unlock()
		return st, nil
	}
	feedCtx, cancel := context.WithCancel(context.Background())
	st := &feedState{
		channelID:    channelID,
		ctx:          feedCtx,
		cancel:       cancel,
		byID:         map[string]chat.Message{},
		appliedEpoch: map[string]int{},
		observers:    map[int]func(){},
		loading:      true,
	}
	r.feeds[channelID] = st
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		r.release(channelID, st)
		return nil, err
	}
	sub, err := r.subscriber.Subscribe(feedCtx, channelID, Handlers{
		OnInsert: func(msg chat.Message) { r.applyInsert(st, msg) },
		OnUpdate: func(msg chat.Message) { r.applyUpdate(st, msg) },
		OnDelete: func(id string) { r.applyDelete(st, id) },
		OnResync: func() { r.fetchSnapshot(st) },
	})
	if err != nil {
		r.release(channelID, st)
		return nil, err
	}

	r.mu.Lock()
	if r.feeds[channelID] != st {
		// Released while the subscription was being opened.
		r.mu.Unlock()
		cancel()
		sub.Cancel()
		return nil, context.Canceled
	}
	st.subscription = sub
	r.mu.Unlock()

	r.fetchSnapshot(st)
	return st, nil
}

func (r *Reconciler) release(channelID string, st *feedState) {
	r.mu.Lock()
	if r.feeds[channelID] == st {
		delete(r.feeds, channelID)
	}
	r.mu.Unlock()
	st.cancel()
}

// fetchSnapshot pulls the full ordered snapshot in the background and
// merges it. The state-identity and epoch checks make a fetch that lands
// after teardown or after a newer fetch a no-op, so a torn-down feed is
// never resurrected.
func (r *Reconciler) fetchSnapshot(st *feedState) {
	r.mu.Lock()
	if r.feeds[st.channelID] != st {
		r.mu.Unlock()
		return
	}
	st.epoch++
	epoch := st.epoch
	st.loading = true
	r.mu.Unlock()

	go func() {
		r.metrics.SnapshotFetched()
		msgs, err := r.remote.FetchMessages(st.ctx, st.channelID)

		r.mu.Lock()
		if r.feeds[st.channelID] != st || st.epoch != epoch {
			r.mu.Unlock()
			return
		}
		st.loading = false
		if err != nil {
			// Keep the last known good feed; the caller sees loading
			// end without fresh data and can ask for a refresh.
			r.mu.Unlock()
			r.metrics.SnapshotFailed()
			r.logger.Warn("snapshot fetch failed, keeping last known good feed",
				zap.String("channel_id", st.channelID),
				zap.Error(err))
			r.notify(st)
			return
		}
		r.mergeSnapshotLocked(st, msgs, epoch)
		r.mu.Unlock()
		r.notify(st)
	}()
}

// mergeSnapshotLocked reconciles a landed snapshot against the feed. The
// snapshot is remote truth for everything the stream has not touched since
// this fetch began: absent ids are inserted, present ids have their payload
// repaired in place, and ids missing from the snapshot are pruned (deleted
// while disconnected). State the stream applied during the fetch is newer
// than the snapshot and is left alone.
func (r *Reconciler) mergeSnapshotLocked(st *feedState, msgs []chat.Message, epoch int) {
	inSnapshot := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		inSnapshot[msg.ID] = struct{}{}
		existing, ok := st.byID[msg.ID]
		if !ok {
			if st.appliedEpoch[msg.ID] < epoch {
				r.insertLocked(st, msg, true)
			}
			continue
		}
		if st.appliedEpoch[msg.ID] >= epoch {
			continue
		}
		msg.CreatedAt = existing.CreatedAt
		st.byID[msg.ID] = msg
		for i := range st.order {
			if st.order[i].ID == msg.ID {
				st.order[i] = msg
				break
			}
		}
	}
	for id := range st.byID {
		if _, ok := inSnapshot[id]; ok {
			continue
		}
		if st.appliedEpoch[id] >= epoch {
			continue
		}
		delete(st.byID, id)
		for i := range st.order {
			if st.order[i].ID == id {
				st.order = append(st.order[:i], st.order[i+1:]...)
				break
			}
		}
	}
	// Drop stale markers for ids that are gone; the snapshot already
	// reflects their deletion.
	for id, marker := range st.appliedEpoch {
		if _, ok := st.byID[id]; !ok && marker < epoch {
			delete(st.appliedEpoch, id)
		}
	}
}

func (r *Reconciler) applyInsert(st *feedState, msg chat.Message) {
	r.mu.Lock()
	if r.feeds[st.channelID] != st {
		r.mu.Unlock()
		return
	}
	changed := r.insertLocked(st, msg, false)
	if changed {
		st.appliedEpoch[msg.ID] = st.epoch
	}
	r.mu.Unlock()
	if changed {
		r.metrics.EventApplied("insert")
		r.notify(st)
	}
}

// applyUpdate replaces the payload in place. The creation timestamp is
// immutable, so the message keeps its sort position. An update for an id
// that has not materialized yet is a legitimate race: the message is
// synthesized from the update payload and a later insert of the same id
// becomes a no-op.
func (r *Reconciler) applyUpdate(st *feedState, msg chat.Message) {
	r.mu.Lock()
	if r.feeds[st.channelID] != st {
		r.mu.Unlock()
		return
	}
	existing, ok := st.byID[msg.ID]
	if !ok {
		r.insertLocked(st, msg, false)
		st.appliedEpoch[msg.ID] = st.epoch
		r.mu.Unlock()
		r.metrics.EventApplied("update")
		r.notify(st)
		return
	}
	msg.CreatedAt = existing.CreatedAt
	st.byID[msg.ID] = msg
	st.appliedEpoch[msg.ID] = st.epoch
	for i := range st.order {
		if st.order[i].ID == msg.ID {
			st.order[i] = msg
			break
		}
	}
	r.mu.Unlock()
	r.metrics.EventApplied("update")
	r.notify(st)
}

func (r *Reconciler) applyDelete(st *feedState, id string) {
	r.mu.Lock()
	if r.feeds[st.channelID] != st {
		r.mu.Unlock()
		return
	}
	// Tombstone: a stale snapshot started before this delete still lists
	// the id and must not resurrect it.
	st.appliedEpoch[id] = st.epoch
	if _, ok := st.byID[id]; !ok {
		// Already removed, or a delete for a never-materialized id.
		r.mu.Unlock()
		return
	}
	delete(st.byID, id)
	for i := range st.order {
		if st.order[i].ID == id {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.metrics.EventApplied("delete")
	r.notify(st)
}

// insertLocked adds msg in sorted position if its id is absent. Inserts
// for present ids are no-ops: the feed holds each id at most once, and
// repeated delivery of the same message converges to one entry.
func (r *Reconciler) insertLocked(st *feedState, msg chat.Message, fromSnapshot bool) bool {
	if _, ok := st.byID[msg.ID]; ok {
		if !fromSnapshot {
			r.metrics.DuplicateSuppressed()
		}
		return false
	}
	st.byID[msg.ID] = msg
	idx := sort.Search(len(st.order), func(i int) bool {
		return chat.MessageBefore(msg, st.order[i])
	})
	st.order = append(st.order, chat.Message{})
	copy(st.order[idx+1:], st.order[idx:])
	st.order[idx] = msg
	return true
}

func (r *Reconciler) notify(st *feedState) {
	r.mu.Lock()
	fns := make([]func(), 0, len(st.observers))
	for _, fn := range st.observers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
