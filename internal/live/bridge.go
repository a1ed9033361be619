package live

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"
	"golang.org/x/sync/errgroup"

	"github.com/boristopalov/abby/internal/observe"
	"github.com/boristopalov/abby/internal/osc"
)

// OSC addresses of the remote script. Requests and their replies share the
// same address; the listen endpoints push unsolicited value messages to
// addrParamValue.
const (
	addrTest          = "/live/test"
	addrError         = "/live/error"
	addrNumTracks     = "/live/song/get/num_tracks"
	addrTrackData     = "/live/song/get/track_data"
	addrNumDevices    = "/live/track/get/num_devices"
	addrDeviceNames   = "/live/track/get/devices/name"
	addrDeviceClasses = "/live/track/get/devices/class_name"
	addrDeviceName    = "/live/device/get/name"
	addrParamNames    = "/live/device/get/parameters/name"
	addrParamValues   = "/live/device/get/parameters/value"
	addrParamMins     = "/live/device/get/parameters/min"
	addrParamMaxes    = "/live/device/get/parameters/max"
	addrParamValue    = "/live/device/get/parameter/value"
	addrParamValueStr = "/live/device/get/parameter/value_string"
	addrSetParamValue = "/live/device/set/parameter/value"
	addrStartListen   = "/live/device/start_listen/parameter/value"
	addrStopListen    = "/live/device/stop_listen/parameter/value"
)

// Reply-shape offsets. Track-level list replies echo the track index ahead
// of the payload; device-parameter list replies echo both the track and the
// device index. The echoes are skipped when parsing, so parameter id k on
// the wire is position k+2 in a list reply but plain k everywhere else.
const (
	trackEchoLen = 1
	paramEchoLen = 2
)

// Progress milestones reported during enumeration. Track scanning spreads
// across the gap between progressTracksDone and progressEnumerated; the
// observer continues from there up to 100 while subscribing.
const (
	progressStart      = 0
	progressCounted    = 10
	progressNamed      = 20
	progressEnumerated = 50
)

// ProgressFunc receives coarse progress percentages during enumeration and
// subscription. Implementations must be fast; they run inline.
type ProgressFunc func(percent int)

// Bridge exposes the remote script's mixer operations as typed calls. All
// methods are safe for concurrent use; the underlying requester serializes
// queries per address.
type Bridge struct {
	conn    osc.Conn
	req     *osc.Requester
	log     *slog.Logger
	metrics *observe.Metrics

	livenessTimeout time.Duration
	unsubError      func()
}

// BridgeOption configures a [Bridge].
type BridgeOption func(*Bridge)

// WithLogger sets the bridge logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.log = log
	}
}

// WithLivenessTimeout overrides how long [Bridge.IsLive] waits for the test
// reply.
func WithLivenessTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.livenessTimeout = d
	}
}

// WithMetrics overrides the metrics sink. Mainly for tests.
func WithMetrics(m *observe.Metrics) BridgeOption {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// NewBridge builds a bridge over conn. queryTimeout bounds every ordinary
// request/response round trip. Remote script errors pushed on /live/error
// are logged at warn level for as long as the bridge lives.
func NewBridge(conn osc.Conn, queryTimeout time.Duration, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		conn:            conn,
		livenessTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("component", "live")
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.req = osc.NewRequester(conn, queryTimeout, osc.WithMetrics(b.metrics))

	b.unsubError = conn.Subscribe(addrError, func(msg *goosc.Message) {
		desc, _ := osc.Str(msg.Arguments, 0)
		b.log.Warn("remote script reported an error", "description", desc)
	})
	return b
}

// Close removes the bridge's push subscriptions. The transport stays open.
func (b *Bridge) Close() {
	if b.unsubError != nil {
		b.unsubError()
	}
}

// IsLive probes the remote script and returns nil when it answers within
// the liveness timeout. This uses a longer timeout than ordinary queries
// because the very first exchange includes remote script warm-up.
func (b *Bridge) IsLive(ctx context.Context) error {
	if _, err := b.req.QueryTimeout(ctx, b.livenessTimeout, addrTest); err != nil {
		return fmt.Errorf("live: liveness probe: %w", err)
	}
	return nil
}

// EnumerateMixer walks the full mixer: track count, track names, and each
// track's device chain. Parameters are not fetched here; the observer fills
// them in per device while subscribing. Progress is reported from 0 up to
// 50 as enumeration proceeds.
func (b *Bridge) EnumerateMixer(ctx context.Context, progress ProgressFunc) ([]Track, error) {
	if progress == nil {
		progress = func(int) {}
	}
	start := time.Now()
	progress(progressStart)

	reply, err := b.req.Query(ctx, addrNumTracks)
	if err != nil {
		return nil, fmt.Errorf("live: count tracks: %w", err)
	}
	numTracks, err := osc.Int(reply, 0)
	if err != nil {
		return nil, fmt.Errorf("live: count tracks: %w", err)
	}
	progress(progressCounted)

	names, err := b.req.Query(ctx, addrTrackData, 0, numTracks, "track.name")
	if err != nil {
		return nil, fmt.Errorf("live: track names: %w", err)
	}
	progress(progressNamed)

	tracks := make([]Track, 0, numTracks)
	for i := 0; i < numTracks; i++ {
		name, err := osc.Str(names, i)
		if err != nil {
			return nil, fmt.Errorf("live: track %d name: %w", i, err)
		}

		devices, err := b.trackDevices(ctx, i)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, Track{ID: i, Name: name, Devices: devices})

		progress(progressNamed + (progressEnumerated-progressNamed)*(i+1)/numTracks)
	}
	progress(progressEnumerated)

	b.metrics.IndexDuration.Record(ctx, time.Since(start).Seconds())
	b.log.Info("mixer enumerated", "tracks", len(tracks), "took", time.Since(start))
	return tracks, nil
}

// trackDevices queries the device chain of one track.
func (b *Bridge) trackDevices(ctx context.Context, trackID int) ([]Device, error) {
	reply, err := b.req.Query(ctx, addrNumDevices, trackID)
	if err != nil {
		return nil, fmt.Errorf("live: track %d device count: %w", trackID, err)
	}
	numDevices, err := osc.Int(skip(reply, trackEchoLen), 0)
	if err != nil {
		return nil, fmt.Errorf("live: track %d device count: %w", trackID, err)
	}
	if numDevices == 0 {
		return nil, nil
	}

	names, err := b.req.Query(ctx, addrDeviceNames, trackID)
	if err != nil {
		return nil, fmt.Errorf("live: track %d device names: %w", trackID, err)
	}
	classes, err := b.req.Query(ctx, addrDeviceClasses, trackID)
	if err != nil {
		return nil, fmt.Errorf("live: track %d device classes: %w", trackID, err)
	}

	// Both replies echo the track index first.
	names = skip(names, trackEchoLen)
	classes = skip(classes, trackEchoLen)
	if len(names) < numDevices {
		return nil, fmt.Errorf("live: track %d device names: got %d entries, want %d", trackID, len(names), numDevices)
	}

	devices := make([]Device, 0, numDevices)
	for k := 0; k < numDevices; k++ {
		name, err := osc.Str(names, k)
		if err != nil {
			return nil, fmt.Errorf("live: track %d device %d name: %w", trackID, k, err)
		}
		class := ""
		if k < len(classes) {
			class, _ = osc.Str(classes, k)
		}
		devices = append(devices, Device{ID: k, Name: name, ClassName: class})
	}
	return devices, nil
}

// GetParameters queries the names, values, minimums, and maximums of every
// parameter on one device. The four list queries hit distinct addresses and
// run concurrently. List replies carry two placeholder entries ahead of the
// real parameters; they are skipped here, and the id of the k-th real
// parameter is k.
func (b *Bridge) GetParameters(ctx context.Context, trackID, deviceID int) ([]Parameter, error) {
	var names, values, mins, maxes []any

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		names, err = b.req.Query(gctx, addrParamNames, trackID, deviceID)
		return err
	})
	g.Go(func() (err error) {
		values, err = b.req.Query(gctx, addrParamValues, trackID, deviceID)
		return err
	})
	g.Go(func() (err error) {
		mins, err = b.req.Query(gctx, addrParamMins, trackID, deviceID)
		return err
	})
	g.Go(func() (err error) {
		maxes, err = b.req.Query(gctx, addrParamMaxes, trackID, deviceID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("live: parameters of %d/%d: %w", trackID, deviceID, err)
	}

	names = skip(names, paramEchoLen)
	values = skip(values, paramEchoLen)
	mins = skip(mins, paramEchoLen)
	maxes = skip(maxes, paramEchoLen)

	n := len(names)
	for _, l := range [][]any{values, mins, maxes} {
		if len(l) < n {
			n = len(l)
		}
	}

	params := make([]Parameter, 0, n)
	for k := 0; k < n; k++ {
		name, err := osc.Str(names, k)
		if err != nil {
			return nil, fmt.Errorf("live: parameter %d/%d/%d name: %w", trackID, deviceID, k, err)
		}
		value, err := osc.Float(values, k)
		if err != nil {
			return nil, fmt.Errorf("live: parameter %d/%d/%d value: %w", trackID, deviceID, k, err)
		}
		min, err := osc.Float(mins, k)
		if err != nil {
			return nil, fmt.Errorf("live: parameter %d/%d/%d min: %w", trackID, deviceID, k, err)
		}
		max, err := osc.Float(maxes, k)
		if err != nil {
			return nil, fmt.Errorf("live: parameter %d/%d/%d max: %w", trackID, deviceID, k, err)
		}
		params = append(params, Parameter{ID: k, Name: name, Value: value, Min: min, Max: max})
	}
	return params, nil
}

// SetParameter writes a raw value to one parameter and reports the change
// in display terms: the device name, the parameter name, and the display
// strings before and after the write.
func (b *Bridge) SetParameter(ctx context.Context, ref ParamRef, value float64) (SetResult, error) {
	reply, err := b.req.Query(ctx, addrDeviceName, ref.Track, ref.Device)
	if err != nil {
		return SetResult{}, fmt.Errorf("live: set %s: device name: %w", ref, err)
	}
	deviceName, _ := osc.Str(reply, len(reply)-1)

	names, err := b.req.Query(ctx, addrParamNames, ref.Track, ref.Device)
	if err != nil {
		return SetResult{}, fmt.Errorf("live: set %s: parameter names: %w", ref, err)
	}
	names = skip(names, paramEchoLen)
	paramName, err := osc.Str(names, ref.Param)
	if err != nil {
		return SetResult{}, fmt.Errorf("live: set %s: parameter name: %w", ref, err)
	}

	from, err := b.valueString(ctx, ref)
	if err != nil {
		return SetResult{}, fmt.Errorf("live: set %s: previous value: %w", ref, err)
	}

	if err := b.req.Notify(addrSetParamValue, ref.Track, ref.Device, ref.Param, value); err != nil {
		return SetResult{}, fmt.Errorf("live: set %s: %w", ref, err)
	}

	// The remote script processes messages in order, so querying the display
	// string after the write observes the new value.
	to, err := b.valueString(ctx, ref)
	if err != nil {
		return SetResult{}, fmt.Errorf("live: set %s: new value: %w", ref, err)
	}

	b.log.Info("parameter set",
		"ref", ref.String(),
		"device", deviceName,
		"param", paramName,
		"from", from,
		"to", to,
	)
	return SetResult{
		DeviceName:    deviceName,
		ParameterName: paramName,
		From:          from,
		To:            to,
	}, nil
}

// valueString queries the display string of one parameter.
func (b *Bridge) valueString(ctx context.Context, ref ParamRef) (string, error) {
	reply, err := b.req.Query(ctx, addrParamValueStr, ref.Track, ref.Device, ref.Param)
	if err != nil {
		return "", err
	}
	return osc.Str(reply, len(reply)-1)
}

// StartListen asks the remote script to push value changes for one
// parameter. Fire and forget; pushes arrive via [Bridge.OnParameterValue].
func (b *Bridge) StartListen(ref ParamRef) error {
	return b.req.Notify(addrStartListen, ref.Track, ref.Device, ref.Param)
}

// StopListen cancels a change subscription. Fire and forget.
func (b *Bridge) StopListen(ref ParamRef) error {
	return b.req.Notify(addrStopListen, ref.Track, ref.Device, ref.Param)
}

// OnParameterValue registers fn for pushed parameter values and returns an
// unsubscribe function. Malformed pushes are dropped. The same address also
// carries replies to explicit single-value queries; the requester and this
// subscription each receive every message, so both styles coexist.
func (b *Bridge) OnParameterValue(fn func(ref ParamRef, value float64)) func() {
	return b.conn.Subscribe(addrParamValue, func(msg *goosc.Message) {
		track, err1 := osc.Int(msg.Arguments, 0)
		device, err2 := osc.Int(msg.Arguments, 1)
		param, err3 := osc.Int(msg.Arguments, 2)
		value, err4 := osc.Float(msg.Arguments, 3)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			b.log.Debug("dropping malformed parameter push", "args", len(msg.Arguments))
			return
		}
		fn(ParamRef{Track: track, Device: device, Param: param}, value)
	})
}

// skip returns args without its first n entries.
func skip(args []any, n int) []any {
	if len(args) <= n {
		return nil
	}
	return args[n:]
}
