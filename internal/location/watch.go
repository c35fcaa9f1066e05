package location

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Watch is a continuous resolution stream. Samples and Errors are closed
// once the watch has fully stopped.
type Watch struct {
	samples chan Sample
	errs    chan error
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (w *Watch) Samples() <-chan Sample { return w.samples }
func (w *Watch) Errors() <-chan error   { return w.errs }

// Stop cancels the watch and waits until the sensor subscription and the
// poll timer are released. Safe to call more than once.
func (w *Watch) Stop() {
	w.once.Do(w.cancel)
	<-w.done
}

// Watch resolves on every sensor update and, with BackgroundTracking, on a
// fixed poll interval as well. When no sensor subscription can be opened
// an initial resolution runs through the fallback chain. A watch released
// by a permission denial subscribes again after GrantPermission.
func (r *Resolver) Watch(ctx context.Context, opts Options) *Watch {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		samples: make(chan Sample, 1),
		errs:    make(chan error, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.runWatch(ctx, opts, w)
	return w
}

func (r *Resolver) runWatch(ctx context.Context, opts Options, w *Watch) {
	defer close(w.done)
	defer close(w.errs)
	defer close(w.samples)

	grants := r.granted()
	sub := r.subscribe(ctx, w)
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	var updates <-chan Reading
	if sub != nil {
		updates = sub.Updates()
	}

	var tick <-chan time.Time
	if opts.BackgroundTracking {
		ticker := time.NewTicker(opts.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if sub == nil {
		r.resolveInto(ctx, opts, w)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case reading, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if reading.Err == nil && reading.Fix.valid() {
				r.report(SensorAvailable)
				w.emit(ctx, r.accept(ctx, reading.Fix))
				continue
			}
			err := reading.Err
			if err == nil {
				err = ErrPositionUnavailable
			}
			err = r.classifySensorError(ctx, err)
			if errors.Is(err, ErrPermissionDenied) {
				sub.Close()
				sub, updates = nil, nil
				w.fail(ctx, err)
				continue
			}
			sample, ferr := r.fallback(ctx, err)
			if ferr != nil {
				w.fail(ctx, ferr)
				continue
			}
			w.emit(ctx, sample)
		case <-grants:
			grants = r.granted()
			if sub == nil {
				sub = r.subscribe(ctx, w)
				if sub != nil {
					updates = sub.Updates()
				}
			}
		case <-tick:
			r.resolveInto(ctx, opts, w)
		}
	}
}

func (r *Resolver) subscribe(ctx context.Context, w *Watch) Subscription {
	if r.sensor == nil {
		r.report(SensorUnavailable)
		return nil
	}
	if r.denied() {
		r.report(SensorPermissionDenied)
		return nil
	}
	sub, err := r.sensor.WatchPosition(ctx)
	if err != nil {
		err = r.classifySensorError(ctx, err)
		log.Printf("location: watch subscription failed: %v", err)
		if errors.Is(err, ErrPermissionDenied) {
			w.fail(ctx, err)
		}
		return nil
	}
	return sub
}

func (r *Resolver) resolveInto(ctx context.Context, opts Options, w *Watch) {
	sample, err := r.Resolve(ctx, opts)
	if err != nil {
		if ctx.Err() == nil {
			w.fail(ctx, err)
		}
		return
	}
	w.emit(ctx, sample)
}

func (w *Watch) emit(ctx context.Context, s Sample) {
	select {
	case w.samples <- s:
	case <-ctx.Done():
	}
}

// fail drops the error when nobody is reading errors so a silent consumer
// cannot stall the stream.
func (w *Watch) fail(ctx context.Context, err error) {
	select {
	case w.errs <- err:
	case <-ctx.Done():
	default:
	}
}
