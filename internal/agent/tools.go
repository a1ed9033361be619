package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/boristopalov/abby/internal/live"
	"github.com/boristopalov/abby/internal/observe"
	"github.com/boristopalov/abby/pkg/types"
)

// Tool names offered to the model. The catalog is fixed; there is no
// dynamic tool discovery.
const (
	ToolEnumerateMixer      = "enumerate_mixer"
	ToolGetDeviceParameters = "get_device_parameters"
	ToolSetDeviceParameter  = "set_device_parameter"
)

// Catalog returns the tool definitions offered on every completion.
func Catalog() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name:        ToolEnumerateMixer,
			Description: "List every track in the set with its devices. Use this to find track and device ids before reading or changing parameters.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        ToolGetDeviceParameters,
			Description: "List the parameters of one device: name, current value, minimum, and maximum for each.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"track_id": map[string]any{
						"type":        "number",
						"description": "Track index from enumerate_mixer.",
					},
					"device_id": map[string]any{
						"type":        "number",
						"description": "Device index within the track.",
					},
				},
				"required": []string{"track_id", "device_id"},
			},
		},
		{
			Name:        ToolSetDeviceParameter,
			Description: "Set one device parameter to a raw value within its min/max range. Returns the display value before and after the change.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"track_id": map[string]any{
						"type":        "number",
						"description": "Track index from enumerate_mixer.",
					},
					"device_id": map[string]any{
						"type":        "number",
						"description": "Device index within the track.",
					},
					"param_id": map[string]any{
						"type":        "number",
						"description": "Parameter index from get_device_parameters.",
					},
					"value": map[string]any{
						"type":        "number",
						"description": "Raw value to set, between the parameter's min and max.",
					},
				},
				"required": []string{"track_id", "device_id", "param_id", "value"},
			},
		},
	}
}

// Mutating reports whether the named tool changes DAW state and therefore
// needs client approval before it runs.
func Mutating(name string) bool {
	return name == ToolSetDeviceParameter
}

// DAW is the subset of [live.Bridge] the tool runner needs.
type DAW interface {
	GetParameters(ctx context.Context, trackID, deviceID int) ([]live.Parameter, error)
	SetParameter(ctx context.Context, ref live.ParamRef, value float64) (live.SetResult, error)
}

// Runner executes tool calls against the DAW bridge and the mixer mirror.
type Runner struct {
	daw     DAW
	mirror  *live.Mirror
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewRunner builds a tool runner. Enumeration is served from mirror; reads
// and writes of parameters go through daw.
func NewRunner(daw DAW, mirror *live.Mirror, log *slog.Logger, metrics *observe.Metrics) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Runner{daw: daw, mirror: mirror, log: log.With("component", "tools"), metrics: metrics}
}

// Run executes one tool call and returns the JSON-encoded result. The
// returned error describes tool failures (bad arguments, DAW errors); the
// caller feeds it back to the model as an error result.
func (r *Runner) Run(ctx context.Context, call types.ToolCall) (string, error) {
	start := time.Now()
	result, err := r.run(ctx, call)
	r.metrics.RecordToolExecution(ctx, call.Name, time.Since(start))
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordToolCall(ctx, call.Name, status)
	r.log.Info("tool executed", "tool", call.Name, "status", status, "took", time.Since(start))
	return result, err
}

func (r *Runner) run(ctx context.Context, call types.ToolCall) (string, error) {
	switch call.Name {
	case ToolEnumerateMixer:
		return r.enumerateMixer()
	case ToolGetDeviceParameters:
		return r.getDeviceParameters(ctx, call.Arguments)
	case ToolSetDeviceParameter:
		return r.setDeviceParameter(ctx, call.Arguments)
	default:
		return "", fmt.Errorf("agent: unknown tool %q", call.Name)
	}
}

// enumerateMixer serves the track/device listing from the mirror, without
// touching the DAW.
func (r *Runner) enumerateMixer() (string, error) {
	snap, err := r.mirror.Snapshot()
	if err != nil {
		return "", err
	}
	return marshalResult(snap.Tracks)
}

// getDeviceParametersArgs are the arguments of get_device_parameters.
// Pointers distinguish absent fields from zero values.
type getDeviceParametersArgs struct {
	TrackID  *int `json:"track_id"`
	DeviceID *int `json:"device_id"`
}

func (r *Runner) getDeviceParameters(ctx context.Context, rawArgs string) (string, error) {
	var args getDeviceParametersArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("agent: get_device_parameters: bad arguments: %w", err)
	}
	if args.TrackID == nil || args.DeviceID == nil {
		return "", fmt.Errorf("agent: get_device_parameters: track_id and device_id are required")
	}
	params, err := r.daw.GetParameters(ctx, *args.TrackID, *args.DeviceID)
	if err != nil {
		return "", err
	}
	return marshalResult(params)
}

// setDeviceParameterArgs are the arguments of set_device_parameter.
type setDeviceParameterArgs struct {
	TrackID  *int     `json:"track_id"`
	DeviceID *int     `json:"device_id"`
	ParamID  *int     `json:"param_id"`
	Value    *float64 `json:"value"`
}

func (r *Runner) setDeviceParameter(ctx context.Context, rawArgs string) (string, error) {
	var args setDeviceParameterArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("agent: set_device_parameter: bad arguments: %w", err)
	}
	if args.TrackID == nil || args.DeviceID == nil || args.ParamID == nil || args.Value == nil {
		return "", fmt.Errorf("agent: set_device_parameter: track_id, device_id, param_id, and value are required")
	}
	ref := live.ParamRef{Track: *args.TrackID, Device: *args.DeviceID, Param: *args.ParamID}
	result, err := r.daw.SetParameter(ctx, ref, *args.Value)
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func marshalResult(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("agent: encode tool result: %w", err)
	}
	return string(out), nil
}
