// Package sensor turns readings pushed over the local API into the sensor
// interfaces the resolver and the classifier consume.
package sensor

import (
	"context"
	"errors"
	"sync"
	"time"

	"fleet-triptracker/internal/location"
	"fleet-triptracker/internal/motion"
)

const (
	DefaultMaxFixAge = 10 * time.Second
	subBuffer        = 8
)

// Feed fans pushed readings out to subscribers and answers single-shot
// position requests from the freshest reading.
type Feed struct {
	maxFixAge time.Duration
	now       func() time.Time

	mu        sync.Mutex
	last      *location.Reading
	lastAt    time.Time
	waiters   []chan location.Reading
	posSubs   map[*positionSub]struct{}
	accelSubs map[*accelSub]struct{}
	signals   location.Signals
}

func NewFeed(maxFixAge time.Duration) *Feed {
	if maxFixAge <= 0 {
		maxFixAge = DefaultMaxFixAge
	}
	return &Feed{
		maxFixAge: maxFixAge,
		now:       time.Now,
		posSubs:   map[*positionSub]struct{}{},
		accelSubs: map[*accelSub]struct{}{},
	}
}

// PushPosition records a fix or a sensor error. A permission denial is
// delivered but not kept, and it discards the previous reading, so a later
// grant is not undone by a replayed denial.
func (f *Feed) PushPosition(r location.Reading) {
	if r.Err == nil && r.Fix.At.IsZero() {
		r.Fix.At = f.now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if errors.Is(r.Err, location.ErrPermissionDenied) {
		f.last = nil
	} else {
		f.last = &r
		f.lastAt = f.now()
	}
	for _, w := range f.waiters {
		w <- r
	}
	f.waiters = nil
	for sub := range f.posSubs {
		select {
		case sub.ch <- r:
		default:
		}
	}
}

func (f *Feed) PushAcceleration(r motion.Reading) {
	if r.Err == nil && r.Vector.At.IsZero() {
		r.Vector.At = f.now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.accelSubs {
		select {
		case sub.ch <- r:
		default:
		}
	}
}

func (f *Feed) PushSignals(s location.Signals) {
	if s.At.IsZero() {
		s.At = f.now()
	}
	f.mu.Lock()
	f.signals = s
	f.mu.Unlock()
}

// CurrentPosition returns the latest reading when it is fresh, otherwise
// waits for the next push.
func (f *Feed) CurrentPosition(ctx context.Context) (location.Fix, error) {
	f.mu.Lock()
	if f.last != nil && f.now().Sub(f.lastAt) <= f.maxFixAge {
		r := *f.last
		f.mu.Unlock()
		return r.Fix, r.Err
	}
	w := make(chan location.Reading, 1)
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case r := <-w:
		return r.Fix, r.Err
	case <-ctx.Done():
		f.dropWaiter(w)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return location.Fix{}, location.ErrTimeout
		}
		return location.Fix{}, ctx.Err()
	}
}

func (f *Feed) dropWaiter(w chan location.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, x := range f.waiters {
		if x == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

func (f *Feed) WatchPosition(ctx context.Context) (location.Subscription, error) {
	sub := &positionSub{feed: f, ch: make(chan location.Reading, subBuffer), done: make(chan struct{})}
	f.mu.Lock()
	f.posSubs[sub] = struct{}{}
	f.mu.Unlock()
	go closeOnDone(ctx, sub.done, sub.Close)
	return sub, nil
}

func (f *Feed) SubscribeAcceleration(ctx context.Context) (motion.Subscription, error) {
	sub := &accelSub{feed: f, ch: make(chan motion.Reading, subBuffer), done: make(chan struct{})}
	f.mu.Lock()
	f.accelSubs[sub] = struct{}{}
	f.mu.Unlock()
	go closeOnDone(ctx, sub.done, sub.Close)
	return sub, nil
}

// Signals returns the latest radio scan. An empty scan makes the network
// locator fall through to the next source.
func (f *Feed) Signals(context.Context) (location.Signals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals, nil
}

func closeOnDone(ctx context.Context, done <-chan struct{}, closeFn func()) {
	select {
	case <-ctx.Done():
		closeFn()
	case <-done:
	}
}

// Subscribers reports the open position and acceleration subscriptions.
func (f *Feed) Subscribers() (position, acceleration int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posSubs), len(f.accelSubs)
}

type positionSub struct {
	feed *Feed
	ch   chan location.Reading
	done chan struct{}
	once sync.Once
}

func (s *positionSub) Updates() <-chan location.Reading { return s.ch }

func (s *positionSub) Close() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.posSubs, s)
		close(s.ch)
		close(s.done)
		s.feed.mu.Unlock()
	})
}

type accelSub struct {
	feed *Feed
	ch   chan motion.Reading
	done chan struct{}
	once sync.Once
}

func (s *accelSub) Readings() <-chan motion.Reading { return s.ch }

func (s *accelSub) Close() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.accelSubs, s)
		close(s.ch)
		close(s.done)
		s.feed.mu.Unlock()
	})
}
