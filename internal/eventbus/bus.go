package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"runway/internal/shared/logging"
)

const (
	// DefaultRingSize bounds the in-memory replay window per run.
	DefaultRingSize = 1024
	// DefaultSubscriberBuffer is the live-tail channel capacity.
	DefaultSubscriberBuffer = 256
	// DefaultRetentionGrace keeps closed runs replayable after run.closed.
	DefaultRetentionGrace = 5 * time.Minute
	// DefaultRetentionRuns caps how many closed runs are retained at once.
	DefaultRetentionRuns = 1024
)

// Options tunes a Bus. Zero values fall back to the defaults above.
type Options struct {
	RingSize         int
	SubscriberBuffer int
	RetentionGrace   time.Duration
	RetentionRuns    int
	// Spill mirrors every published event to durable storage and serves
	// replays older than the ring window. Optional.
	Spill  Spill
	Logger logging.Logger
	Now    func() time.Time
}

// Bus fans events out to per-run subscribers and keeps a bounded replay
// window. A run's log is created lazily on first publish or subscribe.
type Bus struct {
	mu       sync.RWMutex
	open     map[string]*runLog
	retained *expirable.LRU[string, *runLog]

	ringSize  int
	subBuffer int
	spill     Spill
	logger    logging.Logger
	now       func() time.Time

	metrics busMetrics
}

type busMetrics struct {
	mu          sync.Mutex
	published   int64
	dropped     int64
	subscribers int64
	spillErrors int64
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	Published       int64 `json:"published"`
	DroppedSubs     int64 `json:"dropped_subscribers"`
	LiveSubscribers int64 `json:"live_subscribers"`
	SpillErrors     int64 `json:"spill_errors"`
	OpenRuns        int   `json:"open_runs"`
	RetainedRuns    int   `json:"retained_runs"`
}

type runLog struct {
	mu      sync.Mutex
	runID   string
	nextSeq int64
	closed  bool
	// ring holds the most recent events; firstSeq is ring[0].Seq.
	ring     []Event
	firstSeq int64
	subs     []*Subscription
}

// New builds a Bus.
func New(opts Options) *Bus {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.RetentionGrace <= 0 {
		opts.RetentionGrace = DefaultRetentionGrace
	}
	if opts.RetentionRuns <= 0 {
		opts.RetentionRuns = DefaultRetentionRuns
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		open:      make(map[string]*runLog),
		retained:  expirable.NewLRU[string, *runLog](opts.RetentionRuns, nil, opts.RetentionGrace),
		ringSize:  opts.RingSize,
		subBuffer: opts.SubscriberBuffer,
		spill:     opts.Spill,
		logger:    logging.OrNop(opts.Logger),
		now:       opts.Now,
	}
}

// Publish appends one event to the run's log, assigns the next sequence
// number and fans it out to live subscribers. Publishing to a closed run
// is not an error: the event is dropped and (0, nil) is returned.
func (b *Bus) Publish(ctx context.Context, runID string, kind Kind, payload []byte) (int64, error) {
	if runID == "" {
		return 0, fmt.Errorf("publish: empty run id")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	log := b.logFor(runID, true)
	log.mu.Lock()
	defer log.mu.Unlock()
	if log.closed {
		return 0, nil
	}

	log.nextSeq++
	ev := Event{
		RunID:   runID,
		Seq:     log.nextSeq,
		Kind:    kind,
		Ts:      b.now().UTC(),
		Payload: payload,
	}
	log.append(ev, b.ringSize)
	b.countPublished()

	// The spill write stays inside the log lock so the remote list keeps
	// the same order as the in-memory sequence.
	if b.spill != nil {
		if err := b.spill.Append(ctx, runID, ev); err != nil {
			b.countSpillError()
			b.logger.Warn("event spill failed [run=%s seq=%d]: %v", runID, ev.Seq, err)
		}
	}

	b.fanOut(log, ev)

	if kind == KindRunClosed {
		b.closeLocked(log)
	}
	return ev.Seq, nil
}

// Close terminates the run's log by publishing run.closed. Subscribers
// receive the closing event and their channels close. Idempotent.
func (b *Bus) Close(ctx context.Context, runID, reason string) error {
	_, err := b.Publish(ctx, runID, KindRunClosed, ClosedPayload(reason))
	return err
}

// Subscribe replays buffered events with seq >= fromSeq in order, then
// tails live events until run.closed (inclusive), after which the
// channel closes. fromSeq <= 1 replays from the start. Cancel ctx or
// call Close on the subscription to detach early.
func (b *Bus) Subscribe(ctx context.Context, runID string, fromSeq int64) (*Subscription, error) {
	if runID == "" {
		return nil, fmt.Errorf("subscribe: empty run id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fromSeq < 1 {
		fromSeq = 1
	}

	log := b.logFor(runID, true)
	log.mu.Lock()
	defer log.mu.Unlock()

	replay := b.replayLocked(ctx, log, fromSeq)
	sub := newSubscription(runID, len(replay)+b.subBuffer)
	for _, ev := range replay {
		sub.ch <- ev
	}

	if log.closed {
		sub.markDetached()
		close(sub.ch)
		return sub, nil
	}

	log.subs = append(log.subs, sub)
	b.countSubscribed(1)
	sub.unsubscribe = func() { b.unsubscribe(log, sub) }

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done():
		}
	}()
	return sub, nil
}

// Snapshot returns the buffered window for a run without subscribing.
// Returns nil when the run has no log (never published or expired).
func (b *Bus) Snapshot(ctx context.Context, runID string, fromSeq int64) ([]Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	log := b.logFor(runID, false)
	if log == nil {
		return nil, nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return b.replayLocked(ctx, log, fromSeq), nil
}

// Closed reports whether the run's log has seen run.closed.
func (b *Bus) Closed(runID string) bool {
	log := b.logFor(runID, false)
	if log == nil {
		return false
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.closed
}

// LastSeq returns the highest sequence published for the run, 0 when the
// run has no log.
func (b *Bus) LastSeq(runID string) int64 {
	log := b.logFor(runID, false)
	if log == nil {
		return 0
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.nextSeq
}

// GetMetrics snapshots bus counters.
func (b *Bus) GetMetrics() Metrics {
	b.metrics.mu.Lock()
	m := Metrics{
		Published:       b.metrics.published,
		DroppedSubs:     b.metrics.dropped,
		LiveSubscribers: b.metrics.subscribers,
		SpillErrors:     b.metrics.spillErrors,
	}
	b.metrics.mu.Unlock()
	b.mu.RLock()
	m.OpenRuns = len(b.open)
	b.mu.RUnlock()
	m.RetainedRuns = b.retained.Len()
	return m
}

// logFor finds the run's log. With create set, an unknown run gets a
// fresh open log; a retained (closed) run is returned as-is so replays
// keep working through the grace window.
func (b *Bus) logFor(runID string, create bool) *runLog {
	b.mu.RLock()
	log, ok := b.open[runID]
	b.mu.RUnlock()
	if ok {
		return log
	}
	if log, ok := b.retained.Get(runID); ok {
		return log
	}
	if !create {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if log, ok := b.open[runID]; ok {
		return log
	}
	if log, ok := b.retained.Get(runID); ok {
		return log
	}
	log = &runLog{runID: runID, firstSeq: 1}
	b.open[runID] = log
	return log
}

// replayLocked assembles the replay slice for fromSeq. Events older than
// the ring window come from the spill when configured; otherwise a
// subscriber-local gap notice is injected ahead of the window.
func (b *Bus) replayLocked(ctx context.Context, log *runLog, fromSeq int64) []Event {
	var replay []Event
	if fromSeq < log.firstSeq {
		if b.spill != nil {
			older, err := b.spill.Range(ctx, log.runID, fromSeq, log.firstSeq-1)
			if err != nil {
				b.countSpillError()
				b.logger.Warn("event spill read failed [run=%s]: %v", log.runID, err)
				replay = append(replay, b.gapNotice(log, fromSeq))
			} else {
				replay = append(replay, older...)
			}
		} else {
			replay = append(replay, b.gapNotice(log, fromSeq))
		}
		fromSeq = log.firstSeq
	}
	for _, ev := range log.ring {
		if ev.Seq >= fromSeq {
			replay = append(replay, ev)
		}
	}
	return replay
}

func (b *Bus) gapNotice(log *runLog, fromSeq int64) Event {
	return Event{
		RunID:   log.runID,
		Seq:     0,
		Kind:    KindRunWarning,
		Ts:      b.now().UTC(),
		Payload: GapPayload(fromSeq, log.firstSeq),
	}
}

// fanOut delivers ev to every live subscriber without blocking the
// publisher. A subscriber whose buffer is full is dropped: it gets a
// final slow_subscriber warning (evicting its oldest buffered event if
// needed) and its channel closes. It may reconnect with a cursor.
func (b *Bus) fanOut(log *runLog, ev Event) {
	if len(log.subs) == 0 {
		return
	}
	kept := log.subs[:0]
	for _, sub := range log.subs {
		select {
		case sub.ch <- ev:
			kept = append(kept, sub)
		default:
			b.dropSlow(log.runID, sub)
		}
	}
	log.subs = kept
}

func (b *Bus) dropSlow(runID string, sub *Subscription) {
	warning := Event{
		RunID:   runID,
		Seq:     0,
		Kind:    KindRunWarning,
		Ts:      b.now().UTC(),
		Payload: WarningPayload("slow_subscriber", "subscriber dropped, reconnect with cursor"),
	}
	// Make room for the warning so the consumer can tell a drop from a
	// clean close.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- warning:
	default:
	}
	sub.markDetached()
	close(sub.ch)
	b.countSubscribed(-1)
	b.countDropped()
	b.logger.Warn("slow subscriber dropped [run=%s]", runID)
}

// closeLocked finalizes the log after run.closed was appended and fanned
// out: remaining subscriber channels close and the log moves to the
// retention cache. Caller holds log.mu.
func (b *Bus) closeLocked(log *runLog) {
	log.closed = true
	for _, sub := range log.subs {
		sub.markDetached()
		close(sub.ch)
		b.countSubscribed(-1)
	}
	log.subs = nil

	b.mu.Lock()
	delete(b.open, log.runID)
	b.retained.Add(log.runID, log)
	b.mu.Unlock()
}

func (b *Bus) unsubscribe(log *runLog, sub *Subscription) {
	log.mu.Lock()
	defer log.mu.Unlock()
	for i, s := range log.subs {
		if s == sub {
			log.subs = append(log.subs[:i], log.subs[i+1:]...)
			close(sub.ch)
			b.countSubscribed(-1)
			return
		}
	}
}

func (l *runLog) append(ev Event, ringSize int) {
	l.ring = append(l.ring, ev)
	if len(l.ring) > ringSize {
		overflow := len(l.ring) - ringSize
		l.ring = l.ring[overflow:]
	}
	l.firstSeq = l.ring[0].Seq
}

func (b *Bus) countPublished() {
	b.metrics.mu.Lock()
	b.metrics.published++
	b.metrics.mu.Unlock()
}

func (b *Bus) countDropped() {
	b.metrics.mu.Lock()
	b.metrics.dropped++
	b.metrics.mu.Unlock()
}

func (b *Bus) countSubscribed(delta int64) {
	b.metrics.mu.Lock()
	b.metrics.subscribers += delta
	b.metrics.mu.Unlock()
}

func (b *Bus) countSpillError() {
	b.metrics.mu.Lock()
	b.metrics.spillErrors++
	b.metrics.mu.Unlock()
}
