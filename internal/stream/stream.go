package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/platform/metrics"
)

type Kind string

const (
	KindLogs    Kind = "logs"
	KindMetrics Kind = "metrics"
)

// ErrSlowConsumer is reported by a subscription that was dropped because its
// buffer filled up.
var ErrSlowConsumer = errors.New("slow consumer disconnected")

// Event is one published item. Seq starts at 1 and increases by one per topic,
// so for logs it equals the line number in the run's log file.
type Event struct {
	Seq    uint64               `json:"seq"`
	Line   string               `json:"line,omitempty"`
	Sample *domain.MetricSample `json:"sample,omitempty"`
}

type Config struct {
	LogHistory    int
	MetricHistory int
	Buffer        int
	Retention     time.Duration
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

func (c *Config) withDefaults() {
	if c.LogHistory <= 0 {
		c.LogHistory = 1000
	}
	if c.MetricHistory <= 0 {
		c.MetricHistory = 3600
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type topicKey struct {
	runID string
	kind  Kind
}

// Broadcaster fans out per-run log lines and metric samples to any number of
// subscribers without ever blocking the producer.
type Broadcaster struct {
	cfg Config

	mu     sync.Mutex
	topics map[topicKey]*topic
}

func New(cfg Config) *Broadcaster {
	cfg.withDefaults()
	return &Broadcaster{cfg: cfg, topics: map[topicKey]*topic{}}
}

func (b *Broadcaster) topic(runID string, kind Kind, create bool) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := topicKey{runID: runID, kind: kind}
	t, ok := b.topics[key]
	if !ok && create {
		limit := b.cfg.LogHistory
		if kind == KindMetrics {
			limit = b.cfg.MetricHistory
		}
		t = &topic{historyLimit: limit, subs: map[*Subscription]struct{}{}}
		b.topics[key] = t
	}
	return t
}

func (b *Broadcaster) PublishLog(runID, line string) uint64 {
	return b.topic(runID, KindLogs, true).publish(Event{Line: line}, b.cfg.Metrics)
}

func (b *Broadcaster) PublishMetric(runID string, sample domain.MetricSample) uint64 {
	s := sample
	return b.topic(runID, KindMetrics, true).publish(Event{Sample: &s}, b.cfg.Metrics)
}

// Has reports whether a topic (live or retained) exists for the run.
func (b *Broadcaster) Has(runID string, kind Kind) bool {
	return b.topic(runID, kind, false) != nil
}

// Resume makes the next event of a topic follow seq. It is used when a run is
// re-attached after a restart and its log file already holds seq lines.
func (b *Broadcaster) Resume(runID string, kind Kind, seq uint64) {
	t := b.topic(runID, kind, true)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seq < seq {
		t.seq = seq
	}
}

// Subscribe replays retained events with Seq > afterSeq and then tails live
// ones. The topic is created when missing so early subscribers see the first
// line. The subscription ends when ctx is done, the topic closes, or the
// subscriber falls behind.
func (b *Broadcaster) Subscribe(ctx context.Context, runID string, kind Kind, afterSeq uint64) *Subscription {
	t := b.topic(runID, kind, true)
	sub := t.subscribe(afterSeq, b.cfg.Buffer)
	stop := context.AfterFunc(ctx, sub.Close)
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub
}

// Close ends both topics of a run. Subscribers drain what is buffered and then
// see their channel closed. History stays available until the retention passes.
func (b *Broadcaster) Close(runID string) {
	now := b.cfg.Now()
	for _, kind := range []Kind{KindLogs, KindMetrics} {
		b.topic(runID, kind, true).close(now)
	}
}

// Purge drops closed topics whose retention has elapsed.
func (b *Broadcaster) Purge() int {
	cutoff := b.cfg.Now().Add(-b.cfg.Retention)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key, t := range b.topics {
		if t.expired(cutoff) {
			delete(b.topics, key)
			n++
		}
	}
	return n
}

// Run purges expired topics until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	interval := b.cfg.Retention / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Purge()
		}
	}
}

type topic struct {
	mu           sync.Mutex
	seq          uint64
	history      []Event
	historyLimit int
	subs         map[*Subscription]struct{}
	closed       bool
	closedAt     time.Time
}

func (t *topic) publish(ev Event, m *metrics.Metrics) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	t.seq++
	ev.Seq = t.seq
	t.history = append(t.history, ev)
	if over := len(t.history) - t.historyLimit; over > 0 {
		t.history = append(t.history[:0:0], t.history[over:]...)
	}
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.setErr(ErrSlowConsumer)
			t.dropLocked(sub)
			m.SlowConsumer()
		}
	}
	return ev.Seq
}

func (t *topic) subscribe(afterSeq uint64, buffer int) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	replay := make([]Event, 0, len(t.history))
	for _, ev := range t.history {
		if ev.Seq > afterSeq {
			replay = append(replay, ev)
		}
	}
	sub := &Subscription{ch: make(chan Event, len(replay)+buffer), topic: t}
	for _, ev := range replay {
		sub.ch <- ev
	}
	if t.closed {
		close(sub.ch)
		sub.done = true
		return sub
	}
	t.subs[sub] = struct{}{}
	return sub
}

func (t *topic) close(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.closedAt = now
	for sub := range t.subs {
		t.dropLocked(sub)
	}
}

func (t *topic) expired(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed && t.closedAt.Before(cutoff)
}

func (t *topic) dropLocked(sub *Subscription) {
	delete(t.subs, sub)
	if !sub.done {
		sub.done = true
		close(sub.ch)
	}
}

// Subscription is a single consumer of a topic.
type Subscription struct {
	ch    chan Event
	topic *topic

	// done is guarded by topic.mu.
	done bool

	mu   sync.Mutex
	stop func() bool
	err  error
}

// Events is closed when the subscription ends; check Err afterwards.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err is ErrSlowConsumer when the subscriber was dropped, nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	s.topic.dropLocked(s)
}
