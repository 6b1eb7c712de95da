package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zipline/internal/fingerprint"
	"zipline/internal/logging"
	"zipline/internal/services"
)

var (
	// ErrBuildFinished is returned when publishing after a terminal event.
	ErrBuildFinished = errors.New("build already reached a terminal event")
	// ErrSuperseded is returned when publishing for a job whose stream was
	// replaced by a newer build of the same fingerprint.
	ErrSuperseded = errors.New("build stream belongs to a newer job")
)

const (
	defaultBuffer  = 64
	defaultHistory = 256
	sinkTimeout    = 2 * time.Second
	// relayBacklog bounds events waiting for the sinks; past it the oldest
	// progress event is dropped.
	relayBacklog = 1024
)

// Sink receives every published event after local delivery. Sinks run on a
// single relay goroutine, so Deliver never holds up Publish.
type Sink interface {
	Deliver(ctx context.Context, evt Event) error
}

// Options configures a Broadcaster.
type Options struct {
	// Buffer is how many undelivered events a subscription holds before
	// older progress events are coalesced.
	Buffer int
	// History is how many events per build are kept for Poll.
	History int
	Logger  *slog.Logger
	Now     func() time.Time
}

// Broadcaster delivers ordered build events to subscribers and pollers.
type Broadcaster struct {
	mu      sync.Mutex
	streams map[fingerprint.Fingerprint]*stream
	sinks   []Sink

	pending   []Event
	dropped   int
	closed    bool
	relayWake chan struct{}
	relayDone chan struct{}
	relayOnce sync.Once

	buffer  int
	history int
	now     func() time.Time
	logger  *slog.Logger
}

type stream struct {
	jobID    string
	seq      uint64
	history  []Event
	latest   *Event
	terminal *Event
	subs     map[*Subscription]struct{}
	changed  chan struct{}
}

func newStream(jobID string) *stream {
	return &stream{
		jobID:   jobID,
		subs:    make(map[*Subscription]struct{}),
		changed: make(chan struct{}),
	}
}

// New constructs a Broadcaster.
func New(opts Options) *Broadcaster {
	b := &Broadcaster{
		streams:   make(map[fingerprint.Fingerprint]*stream),
		relayWake: make(chan struct{}, 1),
		relayDone: make(chan struct{}),
		buffer:    opts.Buffer,
		history:   opts.History,
		now:       opts.Now,
		logger:    logging.NewComponentLogger(opts.Logger, "progress"),
	}
	if b.buffer <= 0 {
		b.buffer = defaultBuffer
	}
	if b.history <= 0 {
		b.history = defaultHistory
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// AddSink registers a relay. Sinks see events in publish order.
func (b *Broadcaster) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.sinks = append(b.sinks, sink)
	b.relayOnce.Do(func() { go b.relayLoop() })
}

// Close delivers events already queued for the sinks and stops the relay.
// Local subscribers and pollers keep working.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	started := len(b.sinks) > 0
	b.mu.Unlock()
	if !started {
		return
	}
	b.wakeRelay()
	<-b.relayDone
}

// Publish assigns the next sequence number to evt and delivers it. A queued
// event after a terminal one starts a new build for fp; any other event after
// a terminal one is rejected with ErrBuildFinished. Events naming a job other
// than the stream's current one are rejected with ErrSuperseded. Sinks are fed
// asynchronously.
func (b *Broadcaster) Publish(fp fingerprint.Fingerprint, evt Event) (Event, error) {
	b.mu.Lock()
	st := b.streams[fp]
	switch {
	case st == nil:
		st = newStream(evt.JobID)
		b.streams[fp] = st
	case evt.Type == EventQueued && (st.terminal != nil || st.jobID != evt.JobID):
		st.finishSubscribers()
		st = newStream(evt.JobID)
		b.streams[fp] = st
	case evt.JobID != "" && evt.JobID != st.jobID:
		b.mu.Unlock()
		return Event{}, ErrSuperseded
	case st.terminal != nil:
		b.mu.Unlock()
		return Event{}, ErrBuildFinished
	}

	st.seq++
	evt.Sequence = st.seq
	evt.Fingerprint = fp
	if evt.JobID == "" {
		evt.JobID = st.jobID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}
	if st.latest != nil && evt.Percent < st.latest.Percent {
		evt.Percent = st.latest.Percent
	}
	if evt.Type == EventReady {
		evt.Percent = 100
	}

	st.history = append(st.history, evt)
	if over := len(st.history) - b.history; over > 0 {
		st.history = append([]Event(nil), st.history[over:]...)
	}
	stored := evt
	if evt.Type.Terminal() {
		st.terminal = &stored
	} else {
		st.latest = &stored
	}

	for sub := range st.subs {
		sub.enqueue(evt)
	}
	if evt.Type.Terminal() {
		st.finishSubscribers()
	}
	close(st.changed)
	st.changed = make(chan struct{})
	relaying := len(b.sinks) > 0 && !b.closed
	if relaying {
		b.queueRelay(evt)
	}
	b.mu.Unlock()

	if relaying {
		b.wakeRelay()
	}
	return evt, nil
}

// queueRelay must be called with b.mu held.
func (b *Broadcaster) queueRelay(evt Event) {
	if len(b.pending) >= relayBacklog {
		for i, queued := range b.pending {
			if queued.Type == EventProgress {
				b.pending = append(b.pending[:i], b.pending[i+1:]...)
				b.dropped++
				break
			}
		}
	}
	b.pending = append(b.pending, evt)
}

func (b *Broadcaster) wakeRelay() {
	select {
	case b.relayWake <- struct{}{}:
	default:
	}
}

func (b *Broadcaster) relayLoop() {
	defer close(b.relayDone)
	for {
		b.mu.Lock()
		batch := b.pending
		b.pending = nil
		dropped := b.dropped
		b.dropped = 0
		closed := b.closed
		sinks := append([]Sink(nil), b.sinks...)
		b.mu.Unlock()

		if dropped > 0 {
			logging.WarnWithContext(b.logger, "relay backlog full; progress events skipped", "progress_relay_backlog",
				logging.Int("dropped", dropped),
				logging.String(logging.FieldImpact, "remote listeners miss intermediate progress"),
				logging.String(logging.FieldErrorHint, "check broadcast.redis_addr latency"),
			)
		}
		for _, evt := range batch {
			b.relay(sinks, evt)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-b.relayWake
	}
}

func (st *stream) finishSubscribers() {
	for sub := range st.subs {
		sub.finish()
		delete(st.subs, sub)
	}
}

func (b *Broadcaster) relay(sinks []Sink, evt Event) {
	for _, sink := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := sink.Deliver(ctx, evt)
		cancel()
		if err != nil {
			logging.WarnWithContext(b.logger, "event relay failed", "progress_relay_failed",
				logging.String(logging.FieldFingerprint, evt.Fingerprint.String()),
				logging.String(logging.FieldJobID, evt.JobID),
				logging.String("event", string(evt.Type)),
				logging.Error(err),
				logging.String(logging.FieldImpact, "remote listeners miss this event; local subscribers are unaffected"),
				logging.String(logging.FieldErrorHint, "check broadcast.redis_addr"),
			)
		}
	}
}

// Subscribe attaches a reader to fp's event stream. The latest non-terminal
// event is replayed first; if the build already finished, the terminal event
// follows and the subscription closes.
func (b *Broadcaster) Subscribe(fp fingerprint.Fingerprint, requester string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.streams[fp]
	if st == nil {
		return nil, fmt.Errorf("%w: no build events for %s", services.ErrNotFound, fp.Short())
	}
	sub := newSubscription(b, fp, st.jobID, requester, b.buffer)
	if st.latest != nil {
		sub.enqueue(*st.latest)
	}
	if st.terminal != nil {
		sub.enqueue(*st.terminal)
		sub.finish()
		return sub, nil
	}
	st.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches sub. Events already queued for it are dropped.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if st := b.streams[sub.Fingerprint]; st != nil {
		delete(st.subs, sub)
	}
	b.mu.Unlock()
	sub.stop()
}

// PollResult is a page of buffered events.
type PollResult struct {
	Events []Event `json:"events"`
	// Next is the sequence to pass as since on the following poll.
	Next uint64 `json:"next"`
	// Done is set once the page includes the terminal event.
	Done bool `json:"done"`
}

// Poll returns up to limit events with a sequence greater than since. With
// wait > 0 it blocks until an event arrives, the wait elapses, or ctx ends.
func (b *Broadcaster) Poll(ctx context.Context, fp fingerprint.Fingerprint, since uint64, limit int, wait time.Duration) (PollResult, error) {
	var timer *time.Timer
	if wait > 0 {
		timer = time.NewTimer(wait)
		defer timer.Stop()
	}
	for {
		b.mu.Lock()
		st := b.streams[fp]
		if st == nil {
			b.mu.Unlock()
			return PollResult{}, fmt.Errorf("%w: no build events for %s", services.ErrNotFound, fp.Short())
		}
		events := st.after(since, limit)
		res := PollResult{Events: events, Next: since}
		if n := len(events); n > 0 {
			res.Next = events[n-1].Sequence
		}
		if st.terminal != nil && res.Next >= st.terminal.Sequence {
			res.Done = true
		}
		changed := st.changed
		b.mu.Unlock()

		if len(events) > 0 || res.Done || timer == nil {
			return res, nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return res, nil
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

func (st *stream) after(since uint64, limit int) []Event {
	var out []Event
	for _, evt := range st.history {
		if evt.Sequence <= since {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Latest returns the most recent event for fp, terminal or not.
func (b *Broadcaster) Latest(fp fingerprint.Fingerprint) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.streams[fp]
	switch {
	case st == nil:
		return Event{}, false
	case st.terminal != nil:
		return *st.terminal, true
	case st.latest != nil:
		return *st.latest, true
	}
	return Event{}, false
}

// Forget drops fp's history once jobID's record is released. A stream that
// already belongs to a newer job is left alone.
func (b *Broadcaster) Forget(fp fingerprint.Fingerprint, jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.streams[fp]
	if st == nil || st.jobID != jobID {
		return
	}
	st.finishSubscribers()
	delete(b.streams, fp)
}

// Subscription is a single reader's view of a build's events. C is closed
// after the terminal event or when the subscription is dropped.
type Subscription struct {
	Fingerprint fingerprint.Fingerprint
	JobID       string
	Requester   string
	C           <-chan Event

	out   chan Event
	b     *Broadcaster
	limit int

	mu       sync.Mutex
	queue    []Event
	finished bool
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(b *Broadcaster, fp fingerprint.Fingerprint, jobID, requester string, limit int) *Subscription {
	out := make(chan Event, 1)
	sub := &Subscription{
		Fingerprint: fp,
		JobID:       jobID,
		Requester:   requester,
		C:           out,
		out:         out,
		b:           b,
		limit:       limit,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go sub.pump()
	return sub
}

// Close is shorthand for Broadcaster.Unsubscribe.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s)
}

func (s *Subscription) enqueue(evt Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	if len(s.queue) > s.limit {
		s.queue = coalesce(s.queue)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}

// coalesce keeps only the newest progress event so a slow reader still sees
// every lifecycle transition in order.
func coalesce(queue []Event) []Event {
	lastProgress := -1
	for i, evt := range queue {
		if evt.Type == EventProgress {
			lastProgress = i
		}
	}
	out := queue[:0:0]
	for i, evt := range queue {
		if evt.Type == EventProgress && i != lastProgress {
			continue
		}
		out = append(out, evt)
	}
	return out
}
