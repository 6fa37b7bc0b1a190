package logging

import (
	"log/slog"
	"sync"
	"time"
)

// Aggregator batches events that would otherwise flood the log, like
// per-frame socket drops or gate rejections, and emits one summary line per
// component/event pair each flush interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	counts  map[aggKey]*aggCount
	started time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

type aggKey struct {
	component string
	event     string
}

type aggCount struct {
	n     int64
	first time.Time
	attrs []slog.Attr // most recent call wins
}

// NewAggregator creates an aggregator flushing every interval. A nil logger
// turns recording into a no-op, which keeps call sites unconditional.
func NewAggregator(logger *slog.Logger, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Aggregator{
		logger:   logger,
		interval: interval,
		counts:   make(map[aggKey]*aggCount),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.done:
				return
			}
		}
	}()
}

// Stop halts the flush goroutine and emits anything still pending.
func (a *Aggregator) Stop() {
	close(a.done)
	a.wg.Wait()
	a.flush()
}

// Record counts one occurrence of an event. Attrs from the latest call are
// attached to the summary line.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	if a.logger == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggKey{component: component, event: event}
	c := a.counts[key]
	if c == nil {
		c = &aggCount{first: time.Now()}
		a.counts[key] = c
	}
	c.n++
	if len(attrs) > 0 {
		c.attrs = attrs
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.counts) == 0 {
		a.mu.Unlock()
		return
	}
	counts := a.counts
	a.counts = make(map[aggKey]*aggCount)
	a.mu.Unlock()

	for key, c := range counts {
		args := []any{
			slog.String("component", key.component),
			slog.String("event", key.event),
			slog.Int64("count", c.n),
			slog.Duration("window", time.Since(c.first).Round(time.Millisecond)),
		}
		for _, attr := range c.attrs {
			args = append(args, attr)
		}
		a.logger.Info("event_summary", args...)
	}
}
