// Package trip runs the trip lifecycle: automatic start and end from motion
// and geofence evidence, manual control, and the duty-hours fail-safe.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"fleet-triptracker/internal/destination"
	"fleet-triptracker/internal/fleet"
	"fleet-triptracker/internal/location"
	"fleet-triptracker/internal/motion"
	"fleet-triptracker/internal/outbox"
	"fleet-triptracker/internal/route"
	"fleet-triptracker/internal/shared/geo"

	"github.com/google/uuid"
)

const (
	DefaultCheckInterval        = 10 * time.Second
	DefaultMinVehicleConfidence = 0.65
	DefaultAutoStartDistanceKm  = 0.8
	DefaultMinStationaryTime    = 120 * time.Second

	// Samples less accurate than this still move LastLocation but do not
	// add to the local distance.
	maxDistanceAccuracyMeters = 100
)

// Remote is the authoritative trip backend.
type Remote interface {
	StartTrip(ctx context.Context, lat, lng float64) (fleet.StartResult, error)
	EndTrip(ctx context.Context, lat, lng float64) (fleet.EndResult, error)
	AutoDetectTrip(ctx context.Context, req fleet.AutoDetectRequest) (fleet.AutoDetectResult, error)
	AutoCompleteTrip(ctx context.Context, lat, lng float64, reason string) (fleet.EndResult, error)
	ActiveTrip(ctx context.Context) (*fleet.ActiveTrip, error)
}

type MotionSource interface {
	Classify() motion.Classification
}

type LocationSender interface {
	Send(ctx context.Context, u outbox.Update) (bool, error)
}

type RouteRecorder interface {
	AppendPoint(ctx context.Context, tripID, source string, p route.Point) (route.StoredPoint, error)
}

type DestinationStore interface {
	Active(ctx context.Context, deviceID string) (destination.Destination, error)
}

type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Notifiers fans an event out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, e Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

type Settings struct {
	DeviceID             string
	CheckInterval        time.Duration
	MinVehicleConfidence float64
	AutoStartDistanceKm  float64
	MinStationaryTime    time.Duration
	// Destination overrides the destination store when set.
	Destination *geo.Coord
	Duty        *DutySchedule
}

func (s Settings) withDefaults() Settings {
	if s.CheckInterval <= 0 {
		s.CheckInterval = DefaultCheckInterval
	}
	if s.MinVehicleConfidence <= 0 {
		s.MinVehicleConfidence = DefaultMinVehicleConfidence
	}
	if s.AutoStartDistanceKm <= 0 {
		s.AutoStartDistanceKm = DefaultAutoStartDistanceKm
	}
	if s.MinStationaryTime <= 0 {
		s.MinStationaryTime = DefaultMinStationaryTime
	}
	return s
}

// Deps are the controller's collaborators. Remote and Motion are required.
type Deps struct {
	Remote       Remote
	Motion       MotionSource
	Sender       LocationSender
	Route        RouteRecorder
	Destinations DestinationStore
	Notifier     Notifier
}

type Controller struct {
	remote       Remote
	motion       MotionSource
	sender       LocationSender
	route        RouteRecorder
	destinations DestinationStore
	notifier     Notifier
	settings     Settings
	now          func() time.Time

	// evaluating guards automatic evaluations; overlapping ones are skipped.
	evaluating atomic.Bool
	// transition serializes remote start/end calls.
	transition sync.Mutex

	mu             sync.Mutex
	state          State
	lastSample     *location.Sample
	lastMovingAt   time.Time
	observedMoving bool
}

func NewController(deps Deps, settings Settings) *Controller {
	return &Controller{
		remote:       deps.Remote,
		motion:       deps.Motion,
		sender:       deps.Sender,
		route:        deps.Route,
		destinations: deps.Destinations,
		notifier:     deps.Notifier,
		settings:     settings.withDefaults(),
		now:          time.Now,
		state:        State{Status: StatusIdle},
	}
}

// State returns a copy of the current trip state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// LastSample is the most recent sample applied, if any.
func (c *Controller) LastSample() (location.Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSample == nil {
		return location.Sample{}, false
	}
	return *c.lastSample, true
}

// Run rehydrates, then applies samples in arrival order while a separate
// timer drives the periodic check. It returns when ctx ends or samples is
// closed.
func (c *Controller) Run(ctx context.Context, samples <-chan location.Sample) error {
	if err := c.Rehydrate(ctx); err != nil {
		log.Printf("trip: rehydrate failed: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.settings.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Evaluate(ctx)
			}
		}
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-samples:
			if !ok {
				return nil
			}
			c.HandleSample(ctx, s)
		}
	}
}

// Rehydrate adopts the backend's open trip so a restarted agent resumes it.
func (c *Controller) Rehydrate(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()
	return c.rehydrate(ctx)
}

// rehydrate syncs local state with the backend. Callers hold the
// transition lock.
func (c *Controller) rehydrate(ctx context.Context) error {
	active, err := c.remote.ActiveTrip(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if active == nil {
		if c.state.Status == StatusActive {
			log.Printf("trip: backend has no open trip, clearing local trip %s", c.state.TripID)
			c.resetLocked()
		}
		return nil
	}

	started := active.StartTime
	if started.IsZero() {
		started = c.now()
	}
	start := location.Sample{
		Latitude:   active.StartLatitude,
		Longitude:  active.StartLongitude,
		CapturedAt: started,
	}
	c.state = State{
		Status:        StatusActive,
		TripID:        active.TripID,
		StartedAt:     &started,
		StartLocation: &start,
		LastLocation:  c.lastSample,
		IsAutoStarted: active.IsAutoStarted,
		DistanceKm:    active.DistanceKm,
	}
	// Stationary time is measured locally, from the moment the trip is
	// adopted.
	c.lastMovingAt = c.now()
	c.observedMoving = false
	log.Printf("trip: rehydrated active trip %s", active.TripID)
	return nil
}

// HandleSample applies one resolved sample: route recording, distance,
// sync to the backend, the duty check and a reactive evaluation.
func (c *Controller) HandleSample(ctx context.Context, s location.Sample) {
	c.mu.Lock()
	prev := c.state.LastLocation
	sample := s
	c.lastSample = &sample
	var tripID string
	var distance float64
	if c.state.Status == StatusActive {
		if prev != nil && s.AccuracyMeters <= maxDistanceAccuracyMeters {
			c.state.DistanceKm += geo.DistanceKm(prev.Coord(), s.Coord())
		}
		last := s
		c.state.LastLocation = &last
		tripID = c.state.TripID
		distance = c.state.DistanceKm
	}
	c.mu.Unlock()

	if tripID != "" {
		c.record(ctx, tripID, s)
		c.notify(ctx, Event{Kind: EventLocation, TripID: tripID, Location: &sample, DistanceKm: distance})
	}

	if c.sender != nil {
		sent, err := c.sender.Send(ctx, outbox.NewUpdate(s, tripID))
		if err != nil {
			log.Printf("trip: location update not delivered or queued: %v", err)
		}
		if sent {
			c.checkDuty(ctx)
		}
	}

	c.Evaluate(ctx)
}

func (c *Controller) record(ctx context.Context, tripID string, s location.Sample) {
	if c.route == nil {
		return
	}
	acc := s.AccuracyMeters
	p := route.Point{Latitude: s.Latitude, Longitude: s.Longitude, CapturedAt: s.CapturedAt, AccuracyMeters: &acc}
	if _, err := c.route.AppendPoint(ctx, tripID, string(s.Source), p); err != nil {
		log.Printf("trip: record route point: %v", err)
	}
}

// Evaluate runs one automatic start/end check. It is skipped when another
// evaluation is still in flight.
func (c *Controller) Evaluate(ctx context.Context) {
	if !c.evaluating.CompareAndSwap(false, true) {
		return
	}
	defer c.evaluating.Store(false)

	cls := c.motion.Classify()
	now := c.now()

	c.mu.Lock()
	status := c.state.Status
	if status == StatusActive && cls.Type.Moving() {
		c.lastMovingAt = now
		c.observedMoving = true
	}
	c.mu.Unlock()

	switch status {
	case StatusIdle:
		c.tryAutoStart(ctx, cls)
	case StatusActive:
		c.tryAutoEnd(ctx, cls, now)
	}
}

func (c *Controller) tryAutoStart(ctx context.Context, cls motion.Classification) {
	if cls.Type != motion.TypeVehicle || cls.Confidence < c.settings.MinVehicleConfidence {
		return
	}
	sample, ok := c.LastSample()
	if !ok {
		return
	}
	dest, radiusKm, hasDest := c.destination(ctx)

	req := fleet.AutoDetectRequest{
		Latitude:           sample.Latitude,
		Longitude:          sample.Longitude,
		MovementType:       string(cls.Type),
		MovementConfidence: cls.Confidence,
	}
	if hasDest {
		req.Destination = &fleet.Destination{Latitude: dest.Lat, Longitude: dest.Lng}
	}

	detected, err := c.remote.AutoDetectTrip(ctx, req)
	if err != nil {
		log.Printf("trip: auto-detect failed: %v", err)
	}
	if err == nil && detected.HasActiveTrip && !detected.TripDetected {
		c.transition.Lock()
		defer c.transition.Unlock()
		if c.State().Status != StatusIdle {
			return
		}
		if err := c.rehydrate(ctx); err != nil {
			log.Printf("trip: rehydrate after auto-detect: %v", err)
		}
		return
	}

	inGeofence := hasDest && geo.WithinKm(sample.Coord(), dest, radiusKm)
	confirmed := err == nil && detected.TripDetected
	if !confirmed && !inGeofence {
		return
	}

	c.transition.Lock()
	defer c.transition.Unlock()
	if c.State().Status != StatusIdle {
		return
	}

	if confirmed && detected.TripID != "" {
		c.begin(ctx, detected.TripID, c.now(), sample, true)
		return
	}
	started, err := c.remote.StartTrip(ctx, sample.Latitude, sample.Longitude)
	if err != nil {
		log.Printf("trip: auto start failed: %v", err)
		return
	}
	c.begin(ctx, started.TripID, startTime(started, c.now()), sample, true)
}

func (c *Controller) tryAutoEnd(ctx context.Context, cls motion.Classification, now time.Time) {
	switch cls.Type {
	case motion.TypeVehicle, motion.TypeWalking:
		return
	case motion.TypeUnknown:
		c.mu.Lock()
		seen := c.observedMoving
		c.mu.Unlock()
		if !seen {
			return
		}
	case motion.TypeStationary:
	}

	c.mu.Lock()
	since := c.lastMovingAt
	if since.IsZero() && c.state.StartedAt != nil {
		since = *c.state.StartedAt
	}
	c.mu.Unlock()
	if since.IsZero() || now.Sub(since) < c.settings.MinStationaryTime {
		return
	}

	if err := c.autoComplete(ctx, ReasonStationary); err != nil {
		log.Printf("trip: auto end failed: %v", err)
	}
}

// checkDuty force-ends an active trip once the duty window has closed.
func (c *Controller) checkDuty(ctx context.Context) {
	if !c.settings.Duty.Ended(c.now()) || c.State().Status != StatusActive {
		return
	}
	if !c.evaluating.CompareAndSwap(false, true) {
		return
	}
	defer c.evaluating.Store(false)
	if err := c.autoComplete(ctx, ReasonDutyHoursEnded); err != nil {
		log.Printf("trip: duty-hours end failed: %v", err)
	}
}

func (c *Controller) autoComplete(ctx context.Context, reason Reason) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	state := c.State()
	if state.Status != StatusActive {
		return nil
	}
	at, ok := c.currentLocation(state)
	if !ok {
		return ErrNoLocation
	}
	res, err := c.remote.AutoCompleteTrip(ctx, at.Latitude, at.Longitude, string(reason))
	if err != nil {
		return err
	}
	c.finish(ctx, state, reason, true, res.DistanceKm, at)
	return nil
}

// StartTrip starts a trip on request, skipping motion and geofence checks.
func (c *Controller) StartTrip(ctx context.Context) (State, error) {
	c.transition.Lock()
	defer c.transition.Unlock()

	if c.State().Status == StatusActive {
		return State{}, ErrTripAlreadyActive
	}
	sample, ok := c.LastSample()
	if !ok {
		return State{}, ErrNoLocation
	}
	started, err := c.remote.StartTrip(ctx, sample.Latitude, sample.Longitude)
	if err != nil {
		return State{}, fmt.Errorf("start trip: %w", err)
	}
	return c.begin(ctx, started.TripID, startTime(started, c.now()), sample, false), nil
}

// EndTrip ends the active trip on request.
func (c *Controller) EndTrip(ctx context.Context) (State, error) {
	c.transition.Lock()
	defer c.transition.Unlock()

	state := c.State()
	if state.Status != StatusActive {
		return State{}, ErrNoActiveTrip
	}
	at, ok := c.currentLocation(state)
	if !ok {
		return State{}, ErrNoLocation
	}
	res, err := c.remote.EndTrip(ctx, at.Latitude, at.Longitude)
	if err != nil {
		return State{}, fmt.Errorf("end trip: %w", err)
	}
	return c.finish(ctx, state, ReasonManual, false, res.DistanceKm, at), nil
}

func (c *Controller) currentLocation(state State) (location.Sample, bool) {
	if s, ok := c.LastSample(); ok {
		return s, true
	}
	if state.LastLocation != nil {
		return *state.LastLocation, true
	}
	return location.Sample{}, false
}

// begin moves Idle to Active. Callers hold the transition lock.
func (c *Controller) begin(ctx context.Context, tripID string, at time.Time, sample location.Sample, auto bool) State {
	c.mu.Lock()
	start := sample
	last := sample
	c.state = State{
		Status:        StatusActive,
		TripID:        tripID,
		StartedAt:     &at,
		StartLocation: &start,
		LastLocation:  &last,
		IsAutoStarted: auto,
	}
	c.lastMovingAt = time.Time{}
	c.observedMoving = false
	out := c.state.clone()
	c.mu.Unlock()

	log.Printf("trip: started %s (auto=%t)", tripID, auto)
	c.record(ctx, tripID, sample)
	c.notify(ctx, Event{Kind: EventStarted, TripID: tripID, AutoTriggered: auto, Location: &start})
	return out
}

// finish moves Active to Idle. Callers hold the transition lock.
func (c *Controller) finish(ctx context.Context, prev State, reason Reason, auto bool, remoteKm float64, at location.Sample) State {
	distance := remoteKm
	if distance <= 0 {
		distance = prev.DistanceKm
	}

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	log.Printf("trip: ended %s reason=%s distance=%.2fkm", prev.TripID, reason, distance)
	c.notify(ctx, Event{Kind: EventEnded, TripID: prev.TripID, Reason: reason, AutoTriggered: auto, Location: &at, DistanceKm: distance})

	ended := prev.clone()
	ended.Status = StatusIdle
	ended.DistanceKm = distance
	return ended
}

func (c *Controller) resetLocked() {
	c.state = State{Status: StatusIdle}
	c.lastMovingAt = time.Time{}
	c.observedMoving = false
}

// destination returns the geofence center and radius. A stored
// destination without a radius uses AutoStartDistanceKm.
func (c *Controller) destination(ctx context.Context) (geo.Coord, float64, bool) {
	radius := c.settings.AutoStartDistanceKm
	if d := c.settings.Destination; d != nil {
		return *d, radius, true
	}
	if c.destinations == nil {
		return geo.Coord{}, 0, false
	}
	d, err := c.destinations.Active(ctx, c.settings.DeviceID)
	if err != nil {
		if !errors.Is(err, destination.ErrNotFound) {
			log.Printf("trip: destination lookup: %v", err)
		}
		return geo.Coord{}, 0, false
	}
	if d.RadiusKm > 0 {
		radius = d.RadiusKm
	}
	return d.Coord(), radius, true
}

func (c *Controller) notify(ctx context.Context, e Event) {
	if c.notifier == nil {
		return
	}
	e.ID = uuid.NewString()
	if e.At.IsZero() {
		e.At = c.now()
	}
	c.notifier.Notify(ctx, e)
}

func startTime(r fleet.StartResult, fallback time.Time) time.Time {
	if r.StartTime.IsZero() {
		return fallback
	}
	return r.StartTime
}
