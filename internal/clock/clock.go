package clock

import (
	"context"
	"time"

	"github.com/sasha-s/go-deadlock"
)

type Ticker interface {
	Tick() error
}

type TickerFunc func() error

func (f TickerFunc) Tick() error { return f() }

type TickerID interface{}

type ExecutionMode int

const (
	// NonBlocking runs the tick on its own goroutine.
	NonBlocking ExecutionMode = iota
	// BestEffort runs inline and skips ticks until the interval elapsed.
	BestEffort
)

type TickerSubscriber struct {
	ID           TickerID
	Ticker       Ticker
	Mode         ExecutionMode
	LastExecTime time.Time
	Interval     time.Duration
	Name         string
	OnError      func(error)
}

type TickerSubscriberOption func(*TickerSubscriber)

func WithInterval(interval time.Duration) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.Interval = interval
	}
}

func WithName(name string) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.Name = name
	}
}

func WithOnError(onError func(error)) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.OnError = onError
	}
}

// Source is what the engine needs from time: reading it and being ticked.
type Source interface {
	Now() time.Time
	Add(id TickerID, ticker Ticker, mode ExecutionMode, opts ...TickerSubscriberOption)
	Remove(id TickerID)
	Start()
	Stop()
}

type subscribers struct {
	mu      deadlock.RWMutex
	subs    []TickerSubscriber
	onError func(error)
}

func (s *subscribers) Add(id TickerID, ticker Ticker, mode ExecutionMode, opts ...TickerSubscriberOption) {
	sub := TickerSubscriber{
		ID:     id,
		Ticker: ticker,
		Mode:   mode,
	}
	for _, opt := range opts {
		opt(&sub)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *subscribers) Remove(id TickerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.ID == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *subscribers) report(sub *TickerSubscriber, err error) {
	if err == nil {
		return
	}
	if sub.OnError != nil {
		sub.OnError(err)
	} else if s.onError != nil {
		s.onError(err)
	}
}

// dispatch ticks every subscriber due at now. inline forces NonBlocking
// subscribers to run on the caller goroutine.
func (s *subscribers) dispatch(now time.Time, interval time.Duration, inline bool) {
	s.mu.Lock()
	due := make([]*TickerSubscriber, 0, len(s.subs))
	for i := range s.subs {
		sub := &s.subs[i]
		every := interval
		if sub.Interval > 0 {
			every = sub.Interval
		}
		if sub.Mode == BestEffort && now.Sub(sub.LastExecTime) < every {
			continue
		}
		sub.LastExecTime = now
		cp := *sub
		due = append(due, &cp)
	}
	s.mu.Unlock()

	for _, sub := range due {
		if sub.Mode == NonBlocking && !inline {
			go func(sub *TickerSubscriber) {
				s.report(sub, sub.Ticker.Tick())
			}(sub)
			continue
		}
		s.report(sub, sub.Ticker.Tick())
	}
}

// Clock ticks its subscribers on wall time.
type Clock struct {
	subscribers
	interval time.Duration
	ticker   *time.Ticker
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     deadlock.Mutex
	started  bool
}

func NewClock(ctx context.Context, interval time.Duration, onError func(error)) *Clock {
	ctx, cancel := context.WithCancel(ctx)
	return &Clock{
		subscribers: subscribers{onError: onError},
		interval:    interval,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (c *Clock) Now() time.Time {
	return time.Now()
}

func (c *Clock) Start() {
	c.once.Lock()
	defer c.once.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.ticker = time.NewTicker(c.interval)
	go c.dispatchTicks()
}

func (c *Clock) Stop() {
	c.once.Lock()
	defer c.once.Unlock()
	c.cancel()
	if c.started {
		c.ticker.Stop()
		<-c.done
		c.started = false
	}
}

func (c *Clock) dispatchTicks() {
	defer close(c.done)
	for {
		select {
		case now := <-c.ticker.C:
			c.dispatch(now, c.interval, false)
		case <-c.ctx.Done():
			return
		}
	}
}
