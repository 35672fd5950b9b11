package device

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Status is the outcome of a dispatched command.
type Status string

const (
	// StatusUnknown is the pre-seeded status. A handler that leaves it in
	// place has not decided an outcome.
	StatusUnknown Status = "UNKNOWN"
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Command is a request addressed to a device.
type Command struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Parameters Params `json:"parameters,omitempty"`
	Source     string `json:"source,omitempty"`
}

// Response is the result of handling a Command.
type Response struct {
	CommandID string         `json:"command_id,omitempty"`
	Status    Status         `json:"status"`
	Details   map[string]any `json:"details"`
}

// NewResponse returns a response pre-seeded with StatusUnknown.
func NewResponse(commandID string) Response {
	return Response{
		CommandID: commandID,
		Status:    StatusUnknown,
		Details:   make(map[string]any),
	}
}

// Succeed marks the response successful and merges details into it.
func (r *Response) Succeed(details map[string]any) {
	r.Status = StatusSuccess
	r.merge(details)
}

// Fail marks the response failed with a human-readable message.
func (r *Response) Fail(message string) {
	r.Status = StatusError
	r.Set("message", message)
}

// Failf is Fail with formatting.
func (r *Response) Failf(format string, args ...any) {
	r.Fail(fmt.Sprintf(format, args...))
}

// FailErr marks the response failed with err's message.
func (r *Response) FailErr(err error) {
	r.Fail(err.Error())
}

// Set stores one detail.
func (r *Response) Set(key string, value any) {
	if r.Details == nil {
		r.Details = make(map[string]any)
	}
	r.Details[key] = value
}

func (r *Response) merge(details map[string]any) {
	for k, v := range details {
		r.Set(k, v)
	}
}

// OK reports whether the command succeeded.
func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

// Message returns the "message" detail, if present.
func (r Response) Message() string {
	msg, _ := r.Details["message"].(string)
	return msg
}

// Params holds command parameters as decoded from the wire.
type Params map[string]any

// Has reports whether key is present and non-nil.
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// Float returns a required numeric parameter. NaN and infinities are
// rejected whatever form they arrive in.
func (p Params) Float(key string) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingParameter, key)
	}
	f, err := parseFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParameter, key)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s must be finite", ErrInvalidParameter, key)
	}
	return f, nil
}

func parseFloat(v any) (float64, error) {
	if f, ok := AsFloat(v); ok {
		return f, nil
	}
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, strconv.ErrSyntax
}

// FloatOr returns an optional numeric parameter, or def when absent.
func (p Params) FloatOr(key string, def float64) (float64, error) {
	if !p.Has(key) {
		return def, nil
	}
	return p.Float(key)
}

// Int returns a required whole-number parameter.
func (p Params) Int(key string) (int, error) {
	f, err := p.Float(key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParameter, key)
	}
	return int(f), nil
}

// IntOr returns an optional whole-number parameter, or def when absent.
func (p Params) IntOr(key string, def int) (int, error) {
	if !p.Has(key) {
		return def, nil
	}
	return p.Int(key)
}

// Bool returns a required boolean parameter.
func (p Params) Bool(key string) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return false, fmt.Errorf("%w: %s", ErrMissingParameter, key)
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidParameter, key)
		}
		return b, nil
	}
	return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidParameter, key)
}

// BoolOr returns an optional boolean parameter, or def when absent.
func (p Params) BoolOr(key string, def bool) (bool, error) {
	if !p.Has(key) {
		return def, nil
	}
	return p.Bool(key)
}

// String returns a required non-empty string parameter.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingParameter, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidParameter, key)
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParameter, key)
	}
	return s, nil
}

// StringOr returns an optional string parameter, or def when absent.
func (p Params) StringOr(key string, def string) (string, error) {
	if !p.Has(key) {
		return def, nil
	}
	return p.String(key)
}

// Strings returns a required list of strings.
func (p Params) Strings(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingParameter, key)
	}
	switch x := v.(type) {
	case []string:
		out := make([]string, len(x))
		copy(out, x)
		return out, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a list of strings", ErrInvalidParameter, key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a list of strings", ErrInvalidParameter, key)
}
