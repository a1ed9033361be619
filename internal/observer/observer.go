// Package observer watches every mixer parameter for changes pushed by the
// DAW, debounces knob sweeps into single change records, and keeps a
// rolling history of recent changes for the agent to read.
package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/boristopalov/abby/internal/events"
	"github.com/boristopalov/abby/internal/live"
	"github.com/boristopalov/abby/internal/observe"
)

// DAW is the subset of [live.Bridge] the observer needs. It is an interface
// so tests can drive subscriptions without a remote script.
type DAW interface {
	GetParameters(ctx context.Context, trackID, deviceID int) ([]live.Parameter, error)
	StartListen(ref live.ParamRef) error
	StopListen(ref live.ParamRef) error
	OnParameterValue(fn func(ref live.ParamRef, value float64)) func()
}

// watch tracks the debounce state of one subscribed parameter.
type watch struct {
	// seeded flips on the first push after subscribing. The remote script
	// echoes the current value on subscription; that echo is not a change.
	seeded bool

	// committed is the observation value: the new_value of the most recent
	// committed change, or the snapshot-initial value before any change.
	committed float64

	// last is the most recent value seen, committed or not. Pushes equal to
	// it are no-ops and are dropped.
	last float64

	// pending is the value the running timer will commit.
	pending float64

	// timer is the armed debounce timer, nil when idle.
	timer *time.Timer
}

// Observer subscribes to parameter change pushes for an entire mixer
// snapshot, debounces them, and records committed changes.
//
// A knob sweep produces a push per intermediate value; only the value that
// survives a quiet period of the debounce interval is committed, so one
// sweep lands as one change record carrying the final value.
//
// All methods are safe for concurrent use.
type Observer struct {
	daw     DAW
	bus     *events.Bus
	log     *slog.Logger
	metrics *observe.Metrics

	debounce time.Duration
	window   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	watched map[live.ParamRef]*watch
	history []live.Change
	snap    *live.Snapshot
	unsub   func()
	counted int
}

// Option configures an [Observer].
type Option func(*Observer)

// WithDebounce overrides the debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(o *Observer) { o.debounce = d }
}

// WithWindow overrides the history read window.
func WithWindow(d time.Duration) Option {
	return func(o *Observer) { o.window = d }
}

// WithClock overrides the time source. Mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Observer) { o.now = now }
}

// WithLogger sets the observer logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(o *Observer) { o.log = log }
}

// WithMetrics overrides the metrics sink. Mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Observer) { o.metrics = m }
}

// New builds an observer over daw that publishes committed changes on bus.
func New(daw DAW, bus *events.Bus, opts ...Option) *Observer {
	o := &Observer{
		daw:      daw,
		bus:      bus,
		debounce: 500 * time.Millisecond,
		window:   30 * time.Minute,
		now:      time.Now,
		watched:  make(map[live.ParamRef]*watch),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("component", "observer")
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Subscribe fetches the parameters of every device in tracks, fills them
// into the track structures, registers a change listener per parameter, and
// returns the resulting snapshot. Progress is reported from 50 up to 100.
//
// Calling Subscribe again (after a reindex) replaces all subscriptions with
// ones matching the new snapshot; the change history carries over.
func (o *Observer) Subscribe(ctx context.Context, tracks []live.Track, progress live.ProgressFunc) (*live.Snapshot, error) {
	if progress == nil {
		progress = func(int) {}
	}

	o.dropSubscriptions()

	total := 0
	for _, tr := range tracks {
		total += len(tr.Devices)
	}

	// The push handler must be live before the first start_listen goes out:
	// the remote script echoes the current value immediately on subscribe,
	// and missing that echo would make the first real change look like one.
	o.mu.Lock()
	o.unsub = o.daw.OnParameterValue(o.onPush)
	o.mu.Unlock()

	count := 0
	done := 0
	for ti := range tracks {
		tr := &tracks[ti]
		for di := range tr.Devices {
			dev := &tr.Devices[di]
			params, err := o.daw.GetParameters(ctx, tr.ID, dev.ID)
			if err != nil {
				o.dropSubscriptions()
				return nil, err
			}
			dev.Parameters = params

			for _, p := range params {
				ref := live.ParamRef{Track: tr.ID, Device: dev.ID, Param: p.ID}
				o.mu.Lock()
				o.watched[ref] = &watch{committed: p.Value, last: p.Value}
				o.mu.Unlock()
				if err := o.daw.StartListen(ref); err != nil {
					o.dropSubscriptions()
					return nil, err
				}
				count++
			}

			done++
			progress(50 + 50*done/total)
		}
	}
	progress(100)

	snap := &live.Snapshot{Tracks: tracks, IndexedAt: o.now()}

	o.mu.Lock()
	o.snap = snap
	o.counted = count
	o.mu.Unlock()

	o.metrics.ObservedParameters.Add(ctx, int64(count))
	o.log.Info("subscribed to parameter changes", "parameters", count, "devices", total)
	return snap, nil
}

// Unsubscribe stops every change listener and discards the subscription
// state. The change history is retained.
func (o *Observer) Unsubscribe() {
	o.dropSubscriptions()
}

// dropSubscriptions tears down the current subscription set, if any.
func (o *Observer) dropSubscriptions() {
	o.mu.Lock()
	watched := o.watched
	unsub := o.unsub
	counted := o.counted
	o.watched = make(map[live.ParamRef]*watch)
	o.unsub = nil
	o.counted = 0
	for _, w := range watched {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
	}
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	o.stopAll(watched)
	if counted > 0 {
		o.metrics.ObservedParameters.Add(context.Background(), -int64(counted))
	}
}

// stopAll sends stop_listen for every ref in watched, best effort.
func (o *Observer) stopAll(watched map[live.ParamRef]*watch) {
	for ref := range watched {
		if err := o.daw.StopListen(ref); err != nil {
			o.log.Debug("stop_listen failed", "ref", ref.String(), "err", err)
		}
	}
}

// onPush handles one pushed parameter value.
func (o *Observer) onPush(ref live.ParamRef, value float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.watched[ref]
	if !ok {
		return
	}
	if !w.seeded {
		// Subscription echo of the current value, not a change.
		w.seeded = true
		w.committed = value
		w.last = value
		return
	}
	if value == w.last {
		return
	}
	w.last = value
	w.pending = value
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(o.debounce, func() { o.commit(ref) })
}

// commit fires when a parameter has been quiet for the debounce interval.
// It resolves display names against the current snapshot, records the
// change, and publishes it.
func (o *Observer) commit(ref live.ParamRef) {
	o.mu.Lock()
	w, ok := o.watched[ref]
	if !ok || w.timer == nil {
		// A timer that fired while a resubscribe was tearing the old watch
		// set down can land here after a fresh, idle watch has replaced its
		// own. The fresh watch has no armed timer; nothing to commit.
		o.mu.Unlock()
		return
	}
	w.timer = nil
	if w.pending == w.committed {
		// A sweep that came back to where it started is not a change.
		o.mu.Unlock()
		return
	}

	change := live.Change{
		ParamRef:  ref,
		OldValue:  w.committed,
		NewValue:  w.pending,
		Timestamp: o.now(),
	}
	w.committed = w.pending
	if o.snap != nil {
		if tr, err := o.snap.Track(ref.Track); err == nil {
			change.TrackName = tr.Name
		}
		if dev, err := o.snap.Device(ref.Track, ref.Device); err == nil {
			change.DeviceName = dev.Name
		}
		if p, err := o.snap.Parameter(ref); err == nil {
			change.ParamName = p.Name
			change.Min = p.Min
			change.Max = p.Max
		}
	}
	o.history = append(o.history, change)
	o.mu.Unlock()

	o.metrics.ParameterChanges.Add(context.Background(), 1)
	o.log.Debug("parameter change committed",
		"ref", ref.String(),
		"param", change.ParamName,
		"old", change.OldValue,
		"new", change.NewValue,
	)
	if o.bus != nil {
		o.bus.Publish(events.NewParameterChange(change))
	}
}

// RecentChanges returns the committed changes inside the history window,
// oldest first. Records that have aged out of the window are evicted here,
// at read time; nothing prunes the history in the background.
func (o *Observer) RecentChanges() []live.Change {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.now().Add(-o.window)
	firstLive := len(o.history)
	for i, c := range o.history {
		if !c.Timestamp.Before(cutoff) {
			firstLive = i
			break
		}
	}
	o.history = o.history[firstLive:]

	out := make([]live.Change, len(o.history))
	copy(out, o.history)
	return out
}
