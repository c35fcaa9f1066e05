// Package location resolves a best-effort device position. The sensor is
// tried first; on failure the resolver walks network signals, IP providers,
// a fresh cached fix and finally an optional fixed default.
package location

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"fleet-triptracker/internal/shared/geo"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 15 * time.Second
	DefaultCacheMaxAge  = 5 * time.Minute
	safetyMargin        = 5 * time.Second
)

// Options tune a single resolution or a watch.
type Options struct {
	Timeout            time.Duration
	BackgroundTracking bool
	PollInterval       time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Settings are the resolver-wide knobs.
type Settings struct {
	CacheMaxAge time.Duration
	// DefaultPosition, when set, is returned as the last resort.
	DefaultPosition *geo.Coord
	// SafetyMargin is added to the sensor timeout before the call is
	// abandoned. Zero means five seconds.
	SafetyMargin time.Duration
}

// Deps are the sources behind the resolver. Any of them may be nil.
type Deps struct {
	Sensor    PositionSensor
	Network   NetworkLocator
	Providers []IPProvider
	Cache     LastKnownStore
	Reporter  Reporter
}

type Resolver struct {
	sensor    PositionSensor
	network   NetworkLocator
	providers []IPProvider
	cache     LastKnownStore
	reporter  Reporter
	settings  Settings
	now       func() time.Time

	mu               sync.Mutex
	permissionDenied bool

	// grants is closed and replaced on every GrantPermission.
	grants chan struct{}
}

func NewResolver(deps Deps, settings Settings) *Resolver {
	if deps.Cache == nil {
		deps.Cache = NewMemoryStore()
	}
	if settings.CacheMaxAge <= 0 {
		settings.CacheMaxAge = DefaultCacheMaxAge
	}
	if settings.SafetyMargin <= 0 {
		settings.SafetyMargin = safetyMargin
	}
	return &Resolver{
		sensor:    deps.Sensor,
		network:   deps.Network,
		providers: deps.Providers,
		cache:     deps.Cache,
		reporter:  deps.Reporter,
		settings:  settings,
		now:       time.Now,
		grants:    make(chan struct{}),
	}
}

// Resolve produces one sample, walking the fallback chain when the sensor
// cannot answer. Only ErrPermissionDenied and an exhausted chain surface.
func (r *Resolver) Resolve(ctx context.Context, opts Options) (Sample, error) {
	opts = opts.withDefaults()

	fix, err := r.readSensor(ctx, opts.Timeout)
	if err == nil {
		return r.accept(ctx, fix), nil
	}
	if ctx.Err() != nil {
		return Sample{}, ctx.Err()
	}
	if errors.Is(err, ErrPermissionDenied) {
		return Sample{}, err
	}
	return r.fallback(ctx, err)
}

// LastKnown returns the last good sensor sample, however old.
func (r *Resolver) LastKnown(ctx context.Context) (Sample, bool) {
	s, ok, err := r.cache.Load(ctx)
	if err != nil {
		log.Printf("location: last known load failed: %v", err)
		return Sample{}, false
	}
	return s, ok
}

// GrantPermission clears a previous ErrPermissionDenied so the sensor is
// tried again. Running watches resubscribe to the sensor.
func (r *Resolver) GrantPermission() {
	r.mu.Lock()
	r.permissionDenied = false
	close(r.grants)
	r.grants = make(chan struct{})
	r.mu.Unlock()
}

func (r *Resolver) granted() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grants
}

func (r *Resolver) denied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permissionDenied
}

func (r *Resolver) markDenied() {
	r.mu.Lock()
	r.permissionDenied = true
	r.mu.Unlock()
}

type sensorResult struct {
	fix Fix
	err error
}

// readSensor asks the sensor for a fix, racing the call against a safety
// timer in case the sensor ignores its context.
func (r *Resolver) readSensor(ctx context.Context, timeout time.Duration) (Fix, error) {
	if r.sensor == nil {
		r.report(SensorUnavailable)
		return Fix{}, ErrUnsupported
	}
	if r.denied() {
		r.report(SensorPermissionDenied)
		return Fix{}, ErrPermissionDenied
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan sensorResult, 1)
	go func() {
		fix, err := r.sensor.CurrentPosition(sctx)
		results <- sensorResult{fix: fix, err: err}
	}()

	safety := time.NewTimer(timeout + r.settings.SafetyMargin)
	defer safety.Stop()

	var res sensorResult
	select {
	case res = <-results:
	case <-safety.C:
		res = sensorResult{err: ErrTimeout}
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	}

	if res.err == nil && !res.fix.valid() {
		res.err = fmt.Errorf("%w: invalid coordinates", ErrPositionUnavailable)
	}
	err := r.classifySensorError(sctx, res.err)
	return res.fix, err
}

func (r *Resolver) classifySensorError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		r.report(SensorAvailable)
		return nil
	case errors.Is(err, ErrPermissionDenied):
		r.markDenied()
		r.report(SensorPermissionDenied)
		return ErrPermissionDenied
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		r.report(SensorTimeout)
		return ErrTimeout
	case errors.Is(err, ErrUnsupported):
		r.report(SensorUnavailable)
		return ErrUnsupported
	default:
		r.report(SensorUnavailable)
		return fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
	}
}

func (r *Resolver) accept(ctx context.Context, fix Fix) Sample {
	s := r.sampleFromFix(fix, SourceGPS)
	if err := r.cache.Save(ctx, s); err != nil {
		log.Printf("location: last known save failed: %v", err)
	}
	return s
}

func (r *Resolver) sampleFromFix(fix Fix, source Source) Sample {
	acc := fix.AccuracyMeters
	if acc <= 0 || math.IsNaN(acc) || math.IsInf(acc, 0) {
		acc = defaultAccuracyMeters
	}
	at := fix.At
	if at.IsZero() {
		at = r.now()
	}
	return Sample{
		Latitude:       fix.Latitude,
		Longitude:      fix.Longitude,
		AccuracyMeters: acc,
		Source:         source,
		Confidence:     confidenceFor(source, acc),
		CapturedAt:     at,
		Fallback:       source != SourceGPS,
	}
}

func (r *Resolver) fallback(ctx context.Context, cause error) (Sample, error) {
	log.Printf("location: sensor failed (%v), trying fallbacks", cause)

	if r.network != nil {
		fix, err := r.network.Locate(ctx)
		if err == nil && fix.valid() {
			return r.sampleFromFix(fix, SourceNetwork), nil
		}
		log.Printf("location: network locate failed: %v", err)
	}

	for _, p := range r.providers {
		ipFix, err := p.Lookup(ctx)
		if err != nil {
			log.Printf("location: ip provider %s failed: %v", p.Name(), err)
			continue
		}
		acc := ipFix.Granularity.AccuracyMeters()
		return Sample{
			Latitude:       ipFix.Latitude,
			Longitude:      ipFix.Longitude,
			AccuracyMeters: acc,
			Source:         SourceIP,
			Confidence:     ipFix.Granularity.confidence(),
			CapturedAt:     r.now(),
			Fallback:       true,
		}, nil
	}

	if cached, ok := r.LastKnown(ctx); ok && r.now().Sub(cached.CapturedAt) < r.settings.CacheMaxAge {
		cached.Source = SourceCache
		cached.Fallback = true
		cached.Confidence = cached.Confidence * 0.5
		return cached, nil
	}

	if d := r.settings.DefaultPosition; d != nil {
		return Sample{
			Latitude:       d.Lat,
			Longitude:      d.Lng,
			AccuracyMeters: defaultPositionAcc,
			Source:         SourceDefault,
			Confidence:     confidenceFor(SourceDefault, defaultPositionAcc),
			CapturedAt:     r.now(),
			Fallback:       true,
		}, nil
	}

	return Sample{}, fmt.Errorf("%w: %v", ErrPositionUnavailable, cause)
}

func (r *Resolver) report(status SensorStatus) {
	if r.reporter != nil {
		r.reporter.ReportSensorStatus(status)
	}
}
