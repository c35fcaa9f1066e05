package trip

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"fleet-triptracker/internal/destination"
	"fleet-triptracker/internal/fleet"
	"fleet-triptracker/internal/location"
	"fleet-triptracker/internal/motion"
	"fleet-triptracker/internal/outbox"
	"fleet-triptracker/internal/route"
	"fleet-triptracker/internal/shared/geo"
)

type fakeRemote struct {
	mu           sync.Mutex
	startCalls   int
	endCalls     int
	detectCalls  int
	completeArgs []string
	detect       fleet.AutoDetectResult
	detectErr    error
	startErr     error
	active       *fleet.ActiveTrip
	distanceKm   float64
	// detectGate, when set, blocks AutoDetectTrip until closed.
	detectGate    chan struct{}
	detectEntered chan struct{}
}

func (f *fakeRemote) StartTrip(ctx context.Context, lat, lng float64) (fleet.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return fleet.StartResult{}, f.startErr
	}
	return fleet.StartResult{TripID: "t-1"}, nil
}

func (f *fakeRemote) EndTrip(ctx context.Context, lat, lng float64) (fleet.EndResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	return fleet.EndResult{DistanceKm: f.distanceKm}, nil
}

func (f *fakeRemote) AutoDetectTrip(ctx context.Context, req fleet.AutoDetectRequest) (fleet.AutoDetectResult, error) {
	if f.detectEntered != nil {
		f.detectEntered <- struct{}{}
	}
	if f.detectGate != nil {
		<-f.detectGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectCalls++
	return f.detect, f.detectErr
}

func (f *fakeRemote) AutoCompleteTrip(ctx context.Context, lat, lng float64, reason string) (fleet.EndResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeArgs = append(f.completeArgs, reason)
	return fleet.EndResult{DistanceKm: f.distanceKm}, nil
}

func (f *fakeRemote) ActiveTrip(ctx context.Context) (*fleet.ActiveTrip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeRemote) counts() (start, detect, complete int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.detectCalls, len(f.completeArgs)
}

type fakeMotion struct {
	mu  sync.Mutex
	cls motion.Classification
}

func (m *fakeMotion) set(t motion.Type, confidence float64) {
	m.mu.Lock()
	m.cls = motion.Classification{Type: t, Confidence: confidence, IsMoving: t.Moving()}
	m.mu.Unlock()
}

func (m *fakeMotion) Classify() motion.Classification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cls
}

type fakeSender struct {
	sent    bool
	updates []outbox.Update
}

func (s *fakeSender) Send(ctx context.Context, u outbox.Update) (bool, error) {
	s.updates = append(s.updates, u)
	return s.sent, nil
}

type fakeRoute struct {
	points []route.Point
}

func (r *fakeRoute) AppendPoint(ctx context.Context, tripID, source string, p route.Point) (route.StoredPoint, error) {
	r.points = append(r.points, p)
	return route.StoredPoint{Point: p, TripID: tripID, Source: source}, nil
}

type fakeDestinations struct {
	dest destination.Destination
}

func (f *fakeDestinations) Active(ctx context.Context, deviceID string) (destination.Destination, error) {
	return f.dest, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ctx context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var depot = geo.Coord{Lat: 25.28, Lng: 51.52}

func sampleAt(lat, lng float64, at time.Time) location.Sample {
	return location.Sample{Latitude: lat, Longitude: lng, AccuracyMeters: 10, Source: location.SourceGPS, Confidence: 0.98, CapturedAt: at}
}

type harness struct {
	ctrl   *Controller
	remote *fakeRemote
	motion *fakeMotion
	sender *fakeSender
	route  *fakeRoute
	events *recorder
	clock  *clock
}

func newHarness(settings Settings) *harness {
	h := &harness{
		remote: &fakeRemote{},
		motion: &fakeMotion{},
		sender: &fakeSender{sent: true},
		route:  &fakeRoute{},
		events: &recorder{},
		clock:  &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	h.motion.set(motion.TypeStationary, 0.9)
	h.ctrl = NewController(Deps{
		Remote:   h.remote,
		Motion:   h.motion,
		Sender:   h.sender,
		Route:    h.route,
		Notifier: h.events,
	}, settings)
	h.ctrl.now = h.clock.now
	return h
}

func TestAutoStartInsideGeofence(t *testing.T) {
	h := newHarness(Settings{Destination: &depot})
	h.motion.set(motion.TypeVehicle, 0.8)

	s := sampleAt(25.284, 51.52, h.clock.t)
	h.ctrl.HandleSample(context.Background(), s)

	state := h.ctrl.State()
	if state.Status != StatusActive || !state.IsAutoStarted || state.TripID != "t-1" {
		t.Fatalf("expected auto-started trip, got %+v", state)
	}
	if state.StartLocation == nil || state.StartLocation.Latitude != s.Latitude {
		t.Fatalf("start location not recorded: %+v", state.StartLocation)
	}
	if kinds := h.events.kinds(); len(kinds) != 1 || kinds[0] != EventStarted {
		t.Fatalf("unexpected events %v", kinds)
	}
	if len(h.route.points) != 1 {
		t.Fatalf("expected start point recorded, got %d", len(h.route.points))
	}

	h.ctrl.Evaluate(context.Background())
	h.ctrl.HandleSample(context.Background(), sampleAt(25.285, 51.52, h.clock.t))
	if start, _, _ := h.remote.counts(); start != 1 {
		t.Fatalf("expected a single start call, got %d", start)
	}
}

func TestAutoStartNeedsConfidentVehicle(t *testing.T) {
	h := newHarness(Settings{Destination: &depot})
	h.motion.set(motion.TypeVehicle, 0.6)
	h.ctrl.HandleSample(context.Background(), sampleAt(25.284, 51.52, h.clock.t))

	h.motion.set(motion.TypeWalking, 0.9)
	h.ctrl.Evaluate(context.Background())

	if h.ctrl.State().Status != StatusIdle {
		t.Fatalf("expected idle")
	}
	if start, detect, _ := h.remote.counts(); start != 0 || detect != 0 {
		t.Fatalf("no remote calls expected, got start=%d detect=%d", start, detect)
	}
}

func TestAutoStartOutsideGeofenceWithoutDetection(t *testing.T) {
	h := newHarness(Settings{Destination: &depot})
	h.motion.set(motion.TypeVehicle, 0.9)
	h.ctrl.HandleSample(context.Background(), sampleAt(25.40, 51.52, h.clock.t))

	if h.ctrl.State().Status != StatusIdle {
		t.Fatalf("expected idle outside geofence")
	}
	if _, detect, _ := h.remote.counts(); detect != 1 {
		t.Fatalf("expected auto-detect to be consulted, got %d", detect)
	}
}

func TestAutoStartAdoptsDetectedTrip(t *testing.T) {
	h := newHarness(Settings{})
	h.remote.detect = fleet.AutoDetectResult{TripDetected: true, TripID: "srv-9"}
	h.motion.set(motion.TypeVehicle, 0.9)

	h.ctrl.HandleSample(context.Background(), sampleAt(25.40, 51.52, h.clock.t))

	state := h.ctrl.State()
	if state.Status != StatusActive || state.TripID != "srv-9" || !state.IsAutoStarted {
		t.Fatalf("expected server trip adopted, got %+v", state)
	}
	if start, _, _ := h.remote.counts(); start != 0 {
		t.Fatalf("start-trip must not be called for a detected trip")
	}
}

func TestAutoStartRehydratesWhenServerHasTrip(t *testing.T) {
	h := newHarness(Settings{Destination: &depot})
	h.remote.detect = fleet.AutoDetectResult{HasActiveTrip: true}
	h.remote.active = &fleet.ActiveTrip{TripID: "open-1", StartTime: h.clock.t.Add(-time.Hour), IsAutoStarted: false}
	h.motion.set(motion.TypeVehicle, 0.9)

	h.ctrl.HandleSample(context.Background(), sampleAt(25.284, 51.52, h.clock.t))

	state := h.ctrl.State()
	if state.Status != StatusActive || state.TripID != "open-1" {
		t.Fatalf("expected rehydrated trip, got %+v", state)
	}
	if start, _, _ := h.remote.counts(); start != 0 {
		t.Fatalf("start-trip must not be called when the server already has a trip")
	}
}

func TestAutoStartUsesStoredDestinationRadius(t *testing.T) {
	// About 1.5 km north of the depot.
	far := sampleAt(25.2935, 51.52, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	h := newHarness(Settings{DeviceID: "truck-1"})
	h.ctrl.destinations = &fakeDestinations{dest: destination.Destination{Latitude: depot.Lat, Longitude: depot.Lng}}
	h.motion.set(motion.TypeVehicle, 0.9)
	h.ctrl.HandleSample(context.Background(), far)
	if state := h.ctrl.State(); state.Status != StatusIdle {
		t.Fatalf("default radius should exclude the sample, got %+v", state)
	}

	h = newHarness(Settings{DeviceID: "truck-1"})
	h.ctrl.destinations = &fakeDestinations{dest: destination.Destination{Latitude: depot.Lat, Longitude: depot.Lng, RadiusKm: 2}}
	h.motion.set(motion.TypeVehicle, 0.9)
	h.ctrl.HandleSample(context.Background(), far)
	if state := h.ctrl.State(); state.Status != StatusActive || state.TripID != "t-1" {
		t.Fatalf("expected start inside a 2 km radius, got %+v", state)
	}
}

func TestManualStartWinsOverPendingRehydrate(t *testing.T) {
	h := newHarness(Settings{})
	h.remote.detect = fleet.AutoDetectResult{HasActiveTrip: true}
	h.remote.active = &fleet.ActiveTrip{TripID: "open-1", StartTime: h.clock.t.Add(-time.Hour)}
	h.remote.detectGate = make(chan struct{})
	h.remote.detectEntered = make(chan struct{}, 1)
	h.motion.set(motion.TypeVehicle, 0.9)

	h.ctrl.mu.Lock()
	s := sampleAt(25.284, 51.52, h.clock.t)
	h.ctrl.lastSample = &s
	h.ctrl.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.ctrl.Evaluate(context.Background())
		close(done)
	}()
	<-h.remote.detectEntered

	if _, err := h.ctrl.StartTrip(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(h.remote.detectGate)
	<-done

	if state := h.ctrl.State(); state.Status != StatusActive || state.TripID != "t-1" || state.IsAutoStarted {
		t.Fatalf("manual trip was replaced: %+v", state)
	}
}

func startManually(t *testing.T, h *harness) {
	t.Helper()
	h.ctrl.HandleSample(context.Background(), sampleAt(25.284, 51.52, h.clock.t))
	if _, err := h.ctrl.StartTrip(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestAutoEndAfterStationaryTime(t *testing.T) {
	h := newHarness(Settings{})
	h.remote.distanceKm = 12.5
	startManually(t, h)

	h.clock.advance(119 * time.Second)
	h.ctrl.Evaluate(context.Background())
	if h.ctrl.State().Status != StatusActive {
		t.Fatalf("ended too early")
	}

	h.clock.advance(2 * time.Second)
	h.ctrl.Evaluate(context.Background())
	if h.ctrl.State().Status != StatusIdle {
		t.Fatalf("expected trip ended after stationary time")
	}
	if h.remote.completeArgs[0] != string(ReasonStationary) {
		t.Fatalf("unexpected reason %v", h.remote.completeArgs)
	}

	h.events.mu.Lock()
	last := h.events.events[len(h.events.events)-1]
	h.events.mu.Unlock()
	if last.Kind != EventEnded || !last.AutoTriggered || last.DistanceKm != 12.5 {
		t.Fatalf("unexpected end event %+v", last)
	}
}

func TestMovementResetsStationaryTimer(t *testing.T) {
	h := newHarness(Settings{})
	startManually(t, h)

	h.clock.advance(100 * time.Second)
	h.motion.set(motion.TypeVehicle, 0.9)
	h.ctrl.Evaluate(context.Background())

	h.motion.set(motion.TypeStationary, 0.9)
	h.clock.advance(100 * time.Second)
	h.ctrl.Evaluate(context.Background())
	if h.ctrl.State().Status != StatusActive {
		t.Fatalf("movement should have reset the timer")
	}

	h.clock.advance(21 * time.Second)
	h.ctrl.Evaluate(context.Background())
	if h.ctrl.State().Status != StatusIdle {
		t.Fatalf("expected end 120s after the last movement")
	}
}

func TestUnknownEndsOnlyAfterObservedMovement(t *testing.T) {
	h := newHarness(Settings{})
	startManually(t, h)

	h.motion.set(motion.TypeUnknown, 0)
	h.clock.advance(5 * time.Minute)
	h.ctrl.Evaluate(context.Background())
	if h.ctrl.State().Status != StatusActive {
		t.Fatalf("unknown without prior movement must not end the trip")
	}

	h.motion.set(motion.TypeWalking, 0.7)
	h.ctrl.Evaluate(context.Background())
	h.motion.set(motion.TypeUnknown, 0)
	h.clock.advance(121 * time.Second)
	h.ctrl.Evaluate(context.Background())
	if h.ctrl.State().Status != StatusIdle {
		t.Fatalf("expected end after movement then unknown")
	}
}

func TestDutyHoursForceEnd(t *testing.T) {
	duty, err := ParseDutySchedule("08:00", "17:00", "UTC")
	if err != nil {
		t.Fatalf("duty: %v", err)
	}
	h := newHarness(Settings{Duty: duty})
	h.motion.set(motion.TypeVehicle, 0.9)
	startManually(t, h)

	h.clock.t = time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC)
	h.sender.sent = false
	h.ctrl.HandleSample(context.Background(), sampleAt(25.29, 51.52, h.clock.t))
	if h.ctrl.State().Status != StatusActive {
		t.Fatalf("queued updates must not trigger the duty check")
	}

	h.sender.sent = true
	h.ctrl.HandleSample(context.Background(), sampleAt(25.30, 51.52, h.clock.t))
	if h.ctrl.State().Status != StatusIdle {
		t.Fatalf("expected duty-hours end")
	}
	if len(h.remote.completeArgs) != 1 || h.remote.completeArgs[0] != string(ReasonDutyHoursEnded) {
		t.Fatalf("unexpected reasons %v", h.remote.completeArgs)
	}
}

func TestManualTransitionsRejected(t *testing.T) {
	h := newHarness(Settings{})
	ctx := context.Background()

	if _, err := h.ctrl.EndTrip(ctx); !errors.Is(err, ErrNoActiveTrip) {
		t.Fatalf("expected ErrNoActiveTrip, got %v", err)
	}
	if _, err := h.ctrl.StartTrip(ctx); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}

	startManually(t, h)
	if state := h.ctrl.State(); state.IsAutoStarted {
		t.Fatalf("manual start flagged as auto")
	}
	if _, err := h.ctrl.StartTrip(ctx); !errors.Is(err, ErrTripAlreadyActive) {
		t.Fatalf("expected ErrTripAlreadyActive, got %v", err)
	}

	ended, err := h.ctrl.EndTrip(ctx)
	if err != nil || ended.TripID != "t-1" {
		t.Fatalf("end: %+v %v", ended, err)
	}
	if h.ctrl.State().Status != StatusIdle {
		t.Fatalf("expected idle after manual end")
	}
}

func TestManualStartRemoteFailure(t *testing.T) {
	h := newHarness(Settings{})
	h.remote.startErr = fleet.ErrRemote
	h.ctrl.HandleSample(context.Background(), sampleAt(25.284, 51.52, h.clock.t))

	if _, err := h.ctrl.StartTrip(context.Background()); !errors.Is(err, fleet.ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if h.ctrl.State().Status != StatusIdle {
		t.Fatalf("failed start must leave the controller idle")
	}
}

func TestConcurrentEvaluationSkipped(t *testing.T) {
	h := newHarness(Settings{})
	h.remote.detectGate = make(chan struct{})
	h.remote.detectEntered = make(chan struct{}, 1)
	h.ctrl.sender = nil
	h.motion.set(motion.TypeVehicle, 0.9)

	h.ctrl.mu.Lock()
	s := sampleAt(25.284, 51.52, h.clock.t)
	h.ctrl.lastSample = &s
	h.ctrl.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.ctrl.Evaluate(context.Background())
		close(done)
	}()
	<-h.remote.detectEntered

	h.ctrl.Evaluate(context.Background())
	close(h.remote.detectGate)
	<-done

	if _, detect, _ := h.remote.counts(); detect != 1 {
		t.Fatalf("overlapping evaluation should be skipped, got %d detect calls", detect)
	}
}

func TestDistanceIgnoresInaccurateSamples(t *testing.T) {
	h := newHarness(Settings{})
	startManually(t, h)

	h.ctrl.HandleSample(context.Background(), sampleAt(25.294, 51.52, h.clock.t))
	d1 := h.ctrl.State().DistanceKm
	if d1 < 1 || d1 > 1.2 {
		t.Fatalf("expected about 1.1km, got %f", d1)
	}

	coarse := sampleAt(25.40, 51.52, h.clock.t)
	coarse.AccuracyMeters = 3000
	coarse.Source = location.SourceIP
	h.ctrl.HandleSample(context.Background(), coarse)

	state := h.ctrl.State()
	if state.DistanceKm != d1 {
		t.Fatalf("coarse sample changed distance: %f", state.DistanceKm)
	}
	if state.LastLocation.Source != location.SourceIP {
		t.Fatalf("last location should still move")
	}
	if got := h.sender.updates[len(h.sender.updates)-1]; !got.IsFallback || got.TripID != "t-1" {
		t.Fatalf("unexpected update %+v", got)
	}
}

func TestRehydrate(t *testing.T) {
	h := newHarness(Settings{})
	h.remote.active = &fleet.ActiveTrip{TripID: "open-2", StartLatitude: 25.2, StartLongitude: 51.5, IsAutoStarted: true, DistanceKm: 3}

	if err := h.ctrl.Rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	state := h.ctrl.State()
	if state.Status != StatusActive || state.TripID != "open-2" || !state.IsAutoStarted || state.DistanceKm != 3 {
		t.Fatalf("unexpected state %+v", state)
	}

	h.remote.active = nil
	if err := h.ctrl.Rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if h.ctrl.State().Status != StatusIdle {
		t.Fatalf("expected idle when backend has no trip")
	}
}

func TestRunConsumesSamplesInOrder(t *testing.T) {
	h := newHarness(Settings{CheckInterval: time.Hour})
	samples := make(chan location.Sample, 3)
	for i := 0; i < 3; i++ {
		samples <- sampleAt(25.28+float64(i)*0.001, 51.52, h.clock.t)
	}
	close(samples)

	if err := h.ctrl.Run(context.Background(), samples); err != nil {
		t.Fatalf("run: %v", err)
	}
	last, ok := h.ctrl.LastSample()
	if !ok || math.Abs(last.Latitude-25.282) > 1e-9 {
		t.Fatalf("expected last sample applied last, got %+v", last)
	}
	if len(h.sender.updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(h.sender.updates))
	}
}
