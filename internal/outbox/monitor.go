package outbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"fleet-triptracker/internal/location"
)

const (
	DefaultProbeInterval = 15 * time.Second
	probeTimeout         = 5 * time.Second
)

// Monitor tracks backend reachability and the device's sensor status, and
// owns the offline queue. Flush runs on every offline to online transition.
type Monitor struct {
	pinger   Pinger
	uploader Uploader
	queue    Queue
	interval time.Duration

	online   atomic.Bool
	flushing atomic.Bool

	mu     sync.RWMutex
	sensor location.SensorStatus
}

func NewMonitor(pinger Pinger, uploader Uploader, queue Queue, interval time.Duration) *Monitor {
	if queue == nil {
		queue = NewMemoryQueue(0)
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	m := &Monitor{
		pinger:   pinger,
		uploader: uploader,
		queue:    queue,
		interval: interval,
		sensor:   location.SensorUnavailable,
	}
	m.online.Store(true)
	return m
}

func (m *Monitor) IsOnline() bool { return m.online.Load() }

// MarkOffline is called by senders that observed a failed delivery.
func (m *Monitor) MarkOffline() {
	if m.online.Swap(false) {
		log.Printf("outbox: backend marked offline")
	}
}

func (m *Monitor) ReportSensorStatus(status location.SensorStatus) {
	m.mu.Lock()
	prev := m.sensor
	m.sensor = status
	m.mu.Unlock()
	if prev != status {
		log.Printf("outbox: sensor status %s -> %s", prev, status)
	}
}

func (m *Monitor) SensorStatus() location.SensorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sensor
}

func (m *Monitor) QueueOfflineUpdate(ctx context.Context, u Update) error {
	if err := m.queue.Push(ctx, u); err != nil {
		return fmt.Errorf("queue offline update: %w", err)
	}
	return nil
}

func (m *Monitor) Pending(ctx context.Context) int {
	n, err := m.queue.Len(ctx)
	if err != nil {
		log.Printf("outbox: queue length: %v", err)
	}
	return n
}

// Run probes the backend until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe checks reachability once and flushes on reconnect.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.pinger == nil {
		return m.IsOnline()
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := m.pinger.Ping(pctx)
	cancel()

	online := err == nil
	was := m.online.Swap(online)
	switch {
	case online && !was:
		log.Printf("outbox: backend reachable again")
		if _, ferr := m.Flush(ctx); ferr != nil {
			log.Printf("outbox: flush: %v", ferr)
		}
	case !online && was:
		log.Printf("outbox: backend unreachable: %v", err)
	}
	return online
}

// Flush delivers queued updates in FIFO order. It stops at the first
// failure, putting that update back at the head of the queue.
func (m *Monitor) Flush(ctx context.Context) (int, error) {
	if m.uploader == nil || !m.flushing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer m.flushing.Store(false)

	sent := 0
	for {
		u, ok, err := m.queue.Pop(ctx)
		if err != nil {
			return sent, err
		}
		if !ok {
			if sent > 0 {
				log.Printf("outbox: flushed %d queued updates", sent)
			}
			return sent, nil
		}
		if err := m.uploader.UpdateLocation(ctx, u); err != nil {
			if permanent(err) {
				log.Printf("outbox: dropping rejected update %s: %v", u.ID, err)
				continue
			}
			if rerr := m.queue.Requeue(ctx, u); rerr != nil {
				log.Printf("outbox: requeue %s: %v", u.ID, rerr)
			}
			m.MarkOffline()
			return sent, fmt.Errorf("%w: %v", ErrOffline, err)
		}
		sent++
	}
}
