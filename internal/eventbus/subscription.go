package eventbus

import "sync"

// Subscription is one consumer's attachment to a run's log. Events
// arrive on Events() in sequence order: replayed history first, then
// live tail. The channel closes after run.closed, after a
// slow-subscriber drop, or once Close is called.
type Subscription struct {
	runID       string
	ch          chan Event
	once        sync.Once
	detachedCh  chan struct{}
	unsubscribe func()
}

func newSubscription(runID string, capacity int) *Subscription {
	if capacity < 1 {
		capacity = 1
	}
	return &Subscription{
		runID:      runID,
		ch:         make(chan Event, capacity),
		detachedCh: make(chan struct{}),
	}
}

// ClosedSubscription builds a detached subscription that delivers the
// given events and then closes. Used to answer subscribers of runs whose
// log already expired.
func ClosedSubscription(runID string, events ...Event) *Subscription {
	sub := newSubscription(runID, len(events))
	for _, ev := range events {
		sub.ch <- ev
	}
	sub.markDetached()
	close(sub.ch)
	return sub
}

// RunID identifies the run this subscription follows.
func (s *Subscription) RunID() string { return s.runID }

// Events yields the subscription's event stream.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription and closes its channel. Safe to call
// more than once and concurrently with bus activity.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.detachedCh)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}

// markDetached records that the bus finished this subscription itself so
// a later Close does not unsubscribe (and close the channel) twice.
func (s *Subscription) markDetached() {
	s.once.Do(func() { close(s.detachedCh) })
}

func (s *Subscription) done() <-chan struct{} { return s.detachedCh }
