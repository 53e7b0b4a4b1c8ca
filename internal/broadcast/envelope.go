// Package broadcast moves envelopes from one producer to every
// connected observer. One worker goroutine drains an unbounded FIFO
// and fans each envelope out to the registry in order, so all
// observers see the same sequence. Producer threads reach the queue
// through a bridge that refuses work until the worker is running.
package broadcast

import (
	"fmt"

	gojson "github.com/goccy/go-json"

	"github.com/tensorlens/tensorlens/internal/tensor"
)

// EnvelopeType tags the payload variant on the wire.
type EnvelopeType string

const (
	// server -> observer
	TypeConnectionEstablished EnvelopeType = "connection_established"
	TypeTensorUpdate          EnvelopeType = "tensor_update"
	TypeTensorFull            EnvelopeType = "tensor_full"
	TypeTensorDiff            EnvelopeType = "tensor_diff"
	TypeMetricsUpdate         EnvelopeType = "metrics_update"
	TypeBreakpointHit         EnvelopeType = "breakpoint_hit"
	TypeActionRequest         EnvelopeType = "action_request"
	TypeTensorData            EnvelopeType = "tensor_data"
	TypePing                  EnvelopeType = "ping"
	TypeError                 EnvelopeType = "error"

	// observer -> server
	TypeActionResponse   EnvelopeType = "action_response"
	TypeBreakpointResume EnvelopeType = "breakpoint_resume"
	TypeRequestTensor    EnvelopeType = "request_tensor"
	TypeConfigUpdate     EnvelopeType = "config_update"
)

// Envelope is the single wire message shape. Unused fields stay empty
// on the wire; Data is raw JSON because its shape depends on Type
// (element array for tensor payloads, object for action payloads).
type Envelope struct {
	Type        EnvelopeType       `json:"type"`
	ClientID    string             `json:"client_id,omitempty"`
	Name        string             `json:"name,omitempty"`
	TensorName  string             `json:"tensor_name,omitempty"`
	Shape       []int64            `json:"shape,omitempty"`
	ElementKind string             `json:"element_kind,omitempty"`
	Stats       *tensor.Stats      `json:"stats,omitempty"`
	Data        gojson.RawMessage  `json:"data,omitempty"`
	Diff        []byte             `json:"diff,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Step        *int64             `json:"step,omitempty"`
	Action      string             `json:"action,omitempty"`
	Field       string             `json:"field,omitempty"`
	Value       gojson.RawMessage  `json:"value,omitempty"`
	Message     string             `json:"message,omitempty"`
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	return gojson.Marshal(env)
}

// Decode parses a wire message into an envelope.
func Decode(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := gojson.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// SetDataFloats stores a widened element array in Data.
func (e *Envelope) SetDataFloats(vals []float64) error {
	raw, err := gojson.Marshal(vals)
	if err != nil {
		return err
	}
	e.Data = raw
	return nil
}

// DataFloats parses Data as a widened element array.
func (e *Envelope) DataFloats() ([]float64, error) {
	var vals []float64
	if err := gojson.Unmarshal(e.Data, &vals); err != nil {
		return nil, fmt.Errorf("envelope data is not an element array: %w", err)
	}
	return vals, nil
}

// SetDataObject stores a keyed payload in Data.
func (e *Envelope) SetDataObject(obj map[string]any) error {
	raw, err := gojson.Marshal(obj)
	if err != nil {
		return err
	}
	e.Data = raw
	return nil
}

// DataObject parses Data as a keyed payload.
func (e *Envelope) DataObject() (map[string]any, error) {
	var obj map[string]any
	if err := gojson.Unmarshal(e.Data, &obj); err != nil {
		return nil, fmt.Errorf("envelope data is not an object: %w", err)
	}
	return obj, nil
}

// SetValue stores an arbitrary scalar in Value.
func (e *Envelope) SetValue(v any) error {
	raw, err := gojson.Marshal(v)
	if err != nil {
		return err
	}
	e.Value = raw
	return nil
}

// ValueAny parses Value into the natural Go type for its JSON kind.
func (e *Envelope) ValueAny() (any, error) {
	if len(e.Value) == 0 {
		return nil, nil
	}
	var v any
	if err := gojson.Unmarshal(e.Value, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// TensorUpdate builds the light-mode envelope: metadata and summary
// statistics without element data.
func TensorUpdate(name string, t *tensor.Tensor) *Envelope {
	st := t.Stats()
	return &Envelope{
		Type:        TypeTensorUpdate,
		Name:        name,
		Shape:       t.Shape(),
		ElementKind: t.DType().String(),
		Stats:       &st,
	}
}

// TensorFull builds the first-observation envelope carrying complete
// element data.
func TensorFull(name string, t *tensor.Tensor) (*Envelope, error) {
	st := t.Stats()
	env := &Envelope{
		Type:        TypeTensorFull,
		Name:        name,
		Shape:       t.Shape(),
		ElementKind: t.DType().String(),
		Stats:       &st,
	}
	if err := env.SetDataFloats(t.Float64s()); err != nil {
		return nil, err
	}
	return env, nil
}

// TensorDiff builds the steady-state envelope carrying a compressed
// diff frame.
func TensorDiff(name string, frame []byte) *Envelope {
	return &Envelope{
		Type: TypeTensorDiff,
		Name: name,
		Diff: frame,
	}
}

// TensorData answers a request_tensor query with complete element
// data for one stored snapshot.
func TensorData(name string, t *tensor.Tensor) (*Envelope, error) {
	st := t.Stats()
	env := &Envelope{
		Type:        TypeTensorData,
		TensorName:  name,
		Shape:       t.Shape(),
		ElementKind: t.DType().String(),
		Stats:       &st,
	}
	if err := env.SetDataFloats(t.Float64s()); err != nil {
		return nil, err
	}
	return env, nil
}

// MetricsUpdate builds the scalar metrics envelope.
func MetricsUpdate(values map[string]float64, step *int64) *Envelope {
	return &Envelope{
		Type:    TypeMetricsUpdate,
		Metrics: values,
		Step:    step,
	}
}

// BreakpointHit announces a firing: Name is the breakpoint,
// TensorName is where the offending snapshot is published.
func BreakpointHit(name, tensorName string) *Envelope {
	return &Envelope{
		Type:       TypeBreakpointHit,
		Name:       name,
		TensorName: tensorName,
	}
}

// ErrorEnvelope reports a per-request failure back to one observer.
func ErrorEnvelope(message string) *Envelope {
	return &Envelope{Type: TypeError, Message: message}
}
