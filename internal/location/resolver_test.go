package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleet-triptracker/internal/shared/geo"
)

type fakeSensor struct {
	mu    sync.Mutex
	fix   Fix
	err   error
	hang  chan struct{}
	calls int
	sub   *fakeSub
}

func (f *fakeSensor) CurrentPosition(ctx context.Context) (Fix, error) {
	f.mu.Lock()
	f.calls++
	hang := f.hang
	fix, err := f.fix, f.err
	f.mu.Unlock()
	if hang != nil {
		<-hang
	}
	return fix, err
}

func (f *fakeSensor) WatchPosition(context.Context) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub == nil {
		return nil, f.err
	}
	return f.sub, nil
}

func (f *fakeSensor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSub struct {
	ch     chan Reading
	once   sync.Once
	closed chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{ch: make(chan Reading, 4), closed: make(chan struct{})}
}

func (s *fakeSub) Updates() <-chan Reading { return s.ch }
func (s *fakeSub) Close()                  { s.once.Do(func() { close(s.closed) }) }

type fakeNetwork struct {
	fix   Fix
	err   error
	calls int
}

func (f *fakeNetwork) Locate(context.Context) (Fix, error) {
	f.calls++
	return f.fix, f.err
}

type fakeProvider struct {
	name  string
	fix   IPFix
	err   error
	calls *[]string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Lookup(context.Context) (IPFix, error) {
	if f.calls != nil {
		*f.calls = append(*f.calls, f.name)
	}
	return f.fix, f.err
}

type fakeReporter struct {
	mu       sync.Mutex
	statuses []SensorStatus
}

func (f *fakeReporter) ReportSensorStatus(s SensorStatus) {
	f.mu.Lock()
	f.statuses = append(f.statuses, s)
	f.mu.Unlock()
}

func (f *fakeReporter) last() SensorStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

var errLookup = errors.New("lookup failed")

func TestResolveSensorFix(t *testing.T) {
	reporter := &fakeReporter{}
	cache := NewMemoryStore()
	sensor := &fakeSensor{fix: Fix{Latitude: 25.276, Longitude: 51.520, AccuracyMeters: 8}}
	r := NewResolver(Deps{Sensor: sensor, Cache: cache, Reporter: reporter}, Settings{})

	s, err := r.Resolve(context.Background(), Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Source != SourceGPS || s.AccuracyMeters != 8 || s.Fallback {
		t.Fatalf("unexpected sample: %+v", s)
	}
	if s.Confidence <= 0.9 || s.Confidence > 1 {
		t.Fatalf("unexpected confidence: %v", s.Confidence)
	}
	if reporter.last() != SensorAvailable {
		t.Fatalf("expected available status, got %s", reporter.last())
	}
	cached, ok, _ := cache.Load(context.Background())
	if !ok || cached.Latitude != 25.276 {
		t.Fatalf("expected last known good to be cached")
	}
}

func TestResolveTimeoutFallsBackToNetwork(t *testing.T) {
	reporter := &fakeReporter{}
	sensor := &fakeSensor{err: ErrTimeout}
	network := &fakeNetwork{fix: Fix{Latitude: 25.28, Longitude: 51.53, AccuracyMeters: 300}}
	r := NewResolver(Deps{Sensor: sensor, Network: network, Reporter: reporter}, Settings{})

	s, err := r.Resolve(context.Background(), Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Source != SourceNetwork || s.AccuracyMeters != 300 || !s.Fallback {
		t.Fatalf("unexpected sample: %+v", s)
	}
	if reporter.last() != SensorTimeout {
		t.Fatalf("expected timeout status, got %s", reporter.last())
	}
	if _, ok := r.LastKnown(context.Background()); ok {
		t.Fatalf("network samples must not become last known good")
	}
}

func TestResolveSafetyTimeoutOnHangingSensor(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	sensor := &fakeSensor{hang: hang, fix: Fix{Latitude: 1, Longitude: 1, AccuracyMeters: 5}}
	network := &fakeNetwork{fix: Fix{Latitude: 25.28, Longitude: 51.53, AccuracyMeters: 300}}
	r := NewResolver(Deps{Sensor: sensor, Network: network}, Settings{SafetyMargin: 10 * time.Millisecond})

	start := time.Now()
	s, err := r.Resolve(context.Background(), Options{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Source != SourceNetwork {
		t.Fatalf("expected network fallback, got %s", s.Source)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("safety timeout did not fire")
	}
}

func TestResolveFallbackOrder(t *testing.T) {
	var calls []string
	providers := []IPProvider{
		&fakeProvider{name: "first", err: errLookup, calls: &calls},
		&fakeProvider{name: "second", err: errLookup, calls: &calls},
	}
	network := &fakeNetwork{err: errLookup}
	cache := NewMemoryStore()
	_ = cache.Save(context.Background(), Sample{
		Latitude: 25.27, Longitude: 51.51, AccuracyMeters: 12, Source: SourceGPS,
		Confidence: 0.9, CapturedAt: time.Now().Add(-time.Minute),
	})

	r := NewResolver(Deps{Sensor: &fakeSensor{err: ErrPositionUnavailable}, Network: network, Providers: providers, Cache: cache}, Settings{})
	s, err := r.Resolve(context.Background(), Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Source != SourceCache || !s.Fallback || s.Latitude != 25.27 {
		t.Fatalf("expected cache sample, got %+v", s)
	}
	if s.Confidence != 0.45 {
		t.Fatalf("expected halved confidence, got %v", s.Confidence)
	}
	if network.calls != 1 || len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("unexpected call order: network=%d providers=%v", network.calls, calls)
	}
}

func TestResolveExhaustedChain(t *testing.T) {
	cache := NewMemoryStore()
	_ = cache.Save(context.Background(), Sample{
		Latitude: 25.27, Longitude: 51.51, AccuracyMeters: 12, Source: SourceGPS,
		CapturedAt: time.Now().Add(-10 * time.Minute),
	})
	r := NewResolver(Deps{
		Sensor:    &fakeSensor{err: ErrTimeout},
		Network:   &fakeNetwork{err: errLookup},
		Providers: []IPProvider{&fakeProvider{name: "only", err: errLookup}},
		Cache:     cache,
	}, Settings{})

	_, err := r.Resolve(context.Background(), Options{})
	if !errors.Is(err, ErrPositionUnavailable) {
		t.Fatalf("expected position unavailable for stale cache, got %v", err)
	}
}

func TestResolveIPProviderTier(t *testing.T) {
	var calls []string
	providers := []IPProvider{
		&fakeProvider{name: "down", err: errLookup, calls: &calls},
		&fakeProvider{name: "city", fix: IPFix{Latitude: 25.3, Longitude: 51.5, Granularity: GranularityCity}, calls: &calls},
		&fakeProvider{name: "unused", calls: &calls},
	}
	r := NewResolver(Deps{Sensor: &fakeSensor{err: ErrTimeout}, Providers: providers}, Settings{})

	s, err := r.Resolve(context.Background(), Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Source != SourceIP || s.AccuracyMeters != 5000 || !s.Fallback {
		t.Fatalf("unexpected ip sample: %+v", s)
	}
	if len(calls) != 2 {
		t.Fatalf("expected provider chain to stop at first success, got %v", calls)
	}
}

func TestResolvePermissionDeniedIsTerminal(t *testing.T) {
	reporter := &fakeReporter{}
	sensor := &fakeSensor{err: ErrPermissionDenied}
	network := &fakeNetwork{fix: Fix{Latitude: 1, Longitude: 1, AccuracyMeters: 300}}
	r := NewResolver(Deps{Sensor: sensor, Network: network, Reporter: reporter}, Settings{})

	if _, err := r.Resolve(context.Background(), Options{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), Options{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied again, got %v", err)
	}
	if sensor.callCount() != 1 {
		t.Fatalf("sensor must not be retried while denied, calls=%d", sensor.callCount())
	}
	if network.calls != 0 {
		t.Fatalf("permission denial must not walk the fallback chain")
	}
	if reporter.last() != SensorPermissionDenied {
		t.Fatalf("expected permission status")
	}

	sensor.mu.Lock()
	sensor.err = nil
	sensor.fix = Fix{Latitude: 2, Longitude: 2, AccuracyMeters: 10}
	sensor.mu.Unlock()
	r.GrantPermission()
	s, err := r.Resolve(context.Background(), Options{})
	if err != nil || s.Source != SourceGPS {
		t.Fatalf("expected sensor fix after grant, got %+v %v", s, err)
	}
}

func TestResolveUnsupportedSkipsSensor(t *testing.T) {
	reporter := &fakeReporter{}
	network := &fakeNetwork{fix: Fix{Latitude: 1, Longitude: 1, AccuracyMeters: 400}}
	r := NewResolver(Deps{Network: network, Reporter: reporter}, Settings{})

	s, err := r.Resolve(context.Background(), Options{})
	if err != nil || s.Source != SourceNetwork {
		t.Fatalf("expected network sample, got %+v %v", s, err)
	}
	if reporter.last() != SensorUnavailable {
		t.Fatalf("expected unavailable status")
	}
}

func TestResolveDefaultPosition(t *testing.T) {
	r := NewResolver(Deps{Sensor: &fakeSensor{err: ErrTimeout}}, Settings{DefaultPosition: &geo.Coord{Lat: 25.2854, Lng: 51.531}})
	s, err := r.Resolve(context.Background(), Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Source != SourceDefault || s.AccuracyMeters <= 0 || !s.Fallback {
		t.Fatalf("unexpected default sample: %+v", s)
	}
}

func TestResolveInvalidFixFallsBack(t *testing.T) {
	sensor := &fakeSensor{fix: Fix{Latitude: 123, Longitude: 51}}
	network := &fakeNetwork{fix: Fix{Latitude: 25, Longitude: 51, AccuracyMeters: 250}}
	r := NewResolver(Deps{Sensor: sensor, Network: network}, Settings{})
	s, err := r.Resolve(context.Background(), Options{})
	if err != nil || s.Source != SourceNetwork {
		t.Fatalf("expected network after invalid fix, got %+v %v", s, err)
	}
}

func TestSampleAccuracyAlwaysPositive(t *testing.T) {
	r := NewResolver(Deps{Sensor: &fakeSensor{fix: Fix{Latitude: 1, Longitude: 1}}}, Settings{})
	s, err := r.Resolve(context.Background(), Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.AccuracyMeters <= 0 {
		t.Fatalf("accuracy must be positive, got %v", s.AccuracyMeters)
	}
}

func TestWatchSensorUpdates(t *testing.T) {
	sub := newFakeSub()
	sensor := &fakeSensor{sub: sub}
	network := &fakeNetwork{fix: Fix{Latitude: 3, Longitude: 3, AccuracyMeters: 500}}
	r := NewResolver(Deps{Sensor: sensor, Network: network}, Settings{})

	w := r.Watch(context.Background(), Options{})
	sub.ch <- Reading{Fix: Fix{Latitude: 25.276, Longitude: 51.52, AccuracyMeters: 8}}
	sub.ch <- Reading{Err: ErrTimeout}

	first := <-w.Samples()
	if first.Source != SourceGPS {
		t.Fatalf("expected gps sample, got %+v", first)
	}
	second := <-w.Samples()
	if second.Source != SourceNetwork {
		t.Fatalf("expected network fallback, got %+v", second)
	}

	w.Stop()
	w.Stop()
	select {
	case <-sub.closed:
	default:
		t.Fatalf("expected subscription to be closed")
	}
	if _, ok := <-w.Samples(); ok {
		t.Fatalf("expected samples channel closed")
	}
}

func TestWatchPermissionDeniedReleasesSensor(t *testing.T) {
	sub := newFakeSub()
	r := NewResolver(Deps{Sensor: &fakeSensor{sub: sub}}, Settings{})
	w := r.Watch(context.Background(), Options{})
	defer w.Stop()

	sub.ch <- Reading{Err: ErrPermissionDenied}
	select {
	case err := <-w.Errors():
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for permission error")
	}
	select {
	case <-sub.closed:
	case <-time.After(time.Second):
		t.Fatalf("expected subscription released")
	}
}

func TestWatchResubscribesAfterGrant(t *testing.T) {
	denied := newFakeSub()
	sensor := &fakeSensor{sub: denied}
	r := NewResolver(Deps{Sensor: sensor}, Settings{})
	w := r.Watch(context.Background(), Options{})
	defer w.Stop()

	denied.ch <- Reading{Err: ErrPermissionDenied}
	select {
	case err := <-w.Errors():
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for permission error")
	}
	<-denied.closed

	resumed := newFakeSub()
	sensor.mu.Lock()
	sensor.sub = resumed
	sensor.mu.Unlock()
	r.GrantPermission()

	resumed.ch <- Reading{Fix: Fix{Latitude: 25.28, Longitude: 51.53, AccuracyMeters: 6}}
	select {
	case s := <-w.Samples():
		if s.Source != SourceGPS || s.Latitude != 25.28 {
			t.Fatalf("unexpected sample after grant: %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not resume after GrantPermission")
	}
}

func TestWatchBackgroundPolling(t *testing.T) {
	providers := []IPProvider{&fakeProvider{name: "ip", fix: IPFix{Latitude: 25.3, Longitude: 51.5, Granularity: GranularityRegion}}}
	r := NewResolver(Deps{Providers: providers}, Settings{})

	w := r.Watch(context.Background(), Options{BackgroundTracking: true, PollInterval: 10 * time.Millisecond})
	defer w.Stop()

	for i := 0; i < 3; i++ {
		select {
		case s := <-w.Samples():
			if s.Source != SourceIP || s.AccuracyMeters != 25000 {
				t.Fatalf("unexpected polled sample: %+v", s)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for poll %d", i)
		}
	}
}
