// Package motion classifies device movement from accelerometer magnitudes.
package motion

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultTickInterval   = time.Second
	DefaultCapacity       = 20
	DefaultThreshold      = 1.2
	DefaultErrorThreshold = 3
	DefaultErrorWindow    = 10 * time.Second
	movingRatio           = 0.6
)

type Settings struct {
	TickInterval   time.Duration
	Capacity       int
	Threshold      float64
	ErrorThreshold int
	ErrorWindow    time.Duration
	Bands          Bands
	// OnDisabled is called once when the circuit breaker trips.
	OnDisabled func(error)
}

func (s Settings) withDefaults() Settings {
	if s.TickInterval <= 0 {
		s.TickInterval = DefaultTickInterval
	}
	if s.Capacity <= 0 {
		s.Capacity = DefaultCapacity
	}
	if s.Threshold <= 0 {
		s.Threshold = DefaultThreshold
	}
	if s.ErrorThreshold <= 0 {
		s.ErrorThreshold = DefaultErrorThreshold
	}
	if s.ErrorWindow <= 0 {
		s.ErrorWindow = DefaultErrorWindow
	}
	if s.Bands == (Bands{}) {
		s.Bands = DefaultBands()
	}
	return s
}

// Classifier owns the motion window. The sensor listener only stores the
// latest vector; the tick loop does all the work.
type Classifier struct {
	sensor   AccelerationSensor
	settings Settings
	now      func() time.Time

	latest atomic.Pointer[Vector]

	mu        sync.Mutex
	window    *Window
	current   Classification
	errors    []time.Time
	disabled  bool
	supported bool
	stop      context.CancelFunc
}

func NewClassifier(sensor AccelerationSensor, settings Settings) *Classifier {
	settings = settings.withDefaults()
	c := &Classifier{
		sensor:    sensor,
		settings:  settings,
		now:       time.Now,
		window:    NewWindow(settings.Capacity),
		supported: sensor != nil,
	}
	c.current = Classification{Type: TypeUnknown, EvaluatedAt: c.now()}
	return c
}

// Run subscribes to the sensor and ticks until ctx ends or the breaker
// trips. Timers and the subscription are released on every exit path.
func (c *Classifier) Run(ctx context.Context) error {
	if c.sensor == nil {
		c.markUnsupported()
		return ErrUnsupported
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := c.sensor.SubscribeAcceleration(ctx)
	if err != nil {
		c.markUnsupported()
		return fmt.Errorf("subscribe accelerometer: %w", err)
	}
	defer sub.Close()

	c.mu.Lock()
	if c.disabled {
		c.mu.Unlock()
		return ErrCircuitBreakerTripped
	}
	c.stop = cancel
	c.mu.Unlock()

	go c.listen(ctx, sub)

	ticker := time.NewTicker(c.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.Disabled() {
				return ErrCircuitBreakerTripped
			}
			return ctx.Err()
		case <-ticker.C:
			c.safeTick()
		}
	}
}

func (c *Classifier) listen(ctx context.Context, sub Subscription) {
	readings := sub.Readings()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-readings:
			if !ok {
				return
			}
			if r.Err != nil {
				c.recordError(r.Err)
				continue
			}
			c.Observe(r.Vector)
		}
	}
}

// Observe stores v as the latest reading. It does not touch the window.
func (c *Classifier) Observe(v Vector) {
	if v.At.IsZero() {
		v.At = c.now()
	}
	c.latest.Store(&v)
}

func (c *Classifier) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			c.recordError(fmt.Errorf("tick panic: %v", r))
		}
	}()
	c.tick()
}

// tick folds the latest reading into the window and recomputes the
// classification.
func (c *Classifier) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return
	}

	now := c.now()
	if v := c.latest.Load(); v != nil {
		if mag, ok := Magnitude(*v); ok {
			c.window.Push(mag, now)
		}
	}

	if c.window.Len() == 0 {
		c.current = Classification{Type: TypeUnknown, EvaluatedAt: now}
		return
	}
	confidence := c.window.Ratio(c.settings.Threshold)
	moving := confidence > movingRatio
	c.current = Classification{
		Type:        InferType(c.window.Magnitudes(), moving, c.settings.Bands),
		Confidence:  confidence,
		IsMoving:    moving,
		EvaluatedAt: now,
	}
}

// Classify returns the latest classification; unknown once disabled or
// unsupported.
func (c *Classifier) Classify() Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || !c.supported {
		return Classification{Type: TypeUnknown, EvaluatedAt: c.now()}
	}
	return c.current
}

// Supported is false when no sensor exists or the breaker has tripped.
func (c *Classifier) Supported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supported && !c.disabled
}

func (c *Classifier) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

func (c *Classifier) markUnsupported() {
	c.mu.Lock()
	c.supported = false
	c.mu.Unlock()
}

// recordError counts err inside the sliding error window and trips the
// breaker when the count exceeds the threshold.
func (c *Classifier) recordError(err error) {
	c.mu.Lock()
	if c.disabled {
		c.mu.Unlock()
		return
	}
	now := c.now()
	cutoff := now.Add(-c.settings.ErrorWindow)
	kept := c.errors[:0]
	for _, at := range c.errors {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	c.errors = append(kept, now)
	log.Printf("motion: error %d/%d in window: %v", len(c.errors), c.settings.ErrorThreshold, err)

	if len(c.errors) <= c.settings.ErrorThreshold {
		c.mu.Unlock()
		return
	}
	c.disabled = true
	c.current = Classification{Type: TypeUnknown, EvaluatedAt: now}
	stop := c.stop
	onDisabled := c.settings.OnDisabled
	c.mu.Unlock()

	log.Printf("motion: classifier disabled for this session")
	if stop != nil {
		stop()
	}
	if onDisabled != nil {
		onDisabled(ErrCircuitBreakerTripped)
	}
}
