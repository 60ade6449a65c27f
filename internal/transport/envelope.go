// Package transport frames and exchanges envelopes over long-lived duplex
// connections shared by the manager and its workers.
//
// Every message is one Envelope: a function name, ordered positional
// arguments and named arguments. Function names map onto a closed set of
// Kinds so both sides dispatch through explicit tables instead of looking
// handlers up by name at runtime.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies the operation an envelope carries.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuth
	KindAuthOK
	KindRegister
	KindRegistered
	KindGetCPUStatus
	KindCPUStatus
	KindRunJob
	KindJobCompleted
	KindError
)

// Canonical function names on the wire.
const (
	FuncAuth         = "auth"
	FuncAuthOK       = "auth_ok"
	FuncRegister     = "register_and_connect"
	FuncRegistered   = "registered"
	FuncGetCPUStatus = "get_cpu_status"
	FuncCPUStatus    = "cpu_status"
	FuncRunJob       = "run_job"
	FuncCalculatePi  = "calculate_pi"
	FuncJobCompleted = "job_completed"
	FuncPiResult     = "pi_result"
	FuncError        = "error"
)

var kindByName = map[string]Kind{
	FuncAuth:         KindAuth,
	FuncAuthOK:       KindAuthOK,
	FuncRegister:     KindRegister,
	FuncRegistered:   KindRegistered,
	FuncGetCPUStatus: KindGetCPUStatus,
	FuncCPUStatus:    KindCPUStatus,
	FuncRunJob:       KindRunJob,
	FuncCalculatePi:  KindRunJob,
	FuncJobCompleted: KindJobCompleted,
	FuncPiResult:     KindJobCompleted,
	FuncError:        KindError,
}

var nameByKind = map[Kind]string{
	KindAuth:         FuncAuth,
	KindAuthOK:       FuncAuthOK,
	KindRegister:     FuncRegister,
	KindRegistered:   FuncRegistered,
	KindGetCPUStatus: FuncGetCPUStatus,
	KindCPUStatus:    FuncCPUStatus,
	KindRunJob:       FuncRunJob,
	KindJobCompleted: FuncJobCompleted,
	KindError:        FuncError,
}

// ParseKind resolves a function name, including the legacy aliases
// calculate_pi and pi_result.
func ParseKind(name string) (Kind, bool) {
	k, ok := kindByName[name]
	return k, ok
}

func (k Kind) String() string {
	if n, ok := nameByKind[k]; ok {
		return n
	}
	return "unknown"
}

// Envelope is the unit of exchange. On the wire it is the three element
// array [function_name, [args...], {kwargs}].
type Envelope struct {
	_msgpack struct{} `msgpack:",as_array"`

	Function string
	Args     []any
	Kwargs   map[string]any
}

// NewEnvelope builds an envelope for k with the given positional args.
func NewEnvelope(k Kind, args ...any) Envelope {
	return Envelope{Function: k.String(), Args: args}
}

// Call builds an envelope under an explicit function name, used when the
// manager is configured to speak an alias such as calculate_pi.
func Call(function string, args ...any) Envelope {
	return Envelope{Function: function, Args: args}
}

// ErrorEnvelope builds an error reply. kv is an optional list of
// key/value pairs copied into the named args.
func ErrorEnvelope(code int, message string, kv ...any) Envelope {
	env := NewEnvelope(KindError, code, message)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		env = env.WithKwarg(key, kv[i+1])
	}
	return env
}

// Kind reports the envelope's operation; unrecognized names are KindUnknown.
func (e Envelope) Kind() Kind {
	k, _ := ParseKind(e.Function)
	return k
}

// WithKwarg returns a copy of e with key set in the named args.
func (e Envelope) WithKwarg(key string, value any) Envelope {
	kw := make(map[string]any, len(e.Kwargs)+1)
	for k, v := range e.Kwargs {
		kw[k] = v
	}
	kw[key] = value
	e.Kwargs = kw
	return e
}

// Arg returns positional argument i.
func (e Envelope) Arg(i int) (any, error) {
	if i < 0 || i >= len(e.Args) {
		return nil, &ProtocolError{
			Code:     CodeBadRequest,
			Function: e.Function,
			Message:  fmt.Sprintf("expected at least %d args, got %d", i+1, len(e.Args)),
		}
	}
	return e.Args[i], nil
}

// StringArg returns positional argument i as a string. Numeric values are
// formatted so integer job and worker ids survive either codec.
func (e Envelope) StringArg(i int) (string, error) {
	v, err := e.Arg(i)
	if err != nil {
		return "", err
	}
	if s, ok := asString(v); ok {
		return s, nil
	}
	return "", &ProtocolError{Code: CodeBadRequest, Function: e.Function, Message: fmt.Sprintf("arg %d: expected string, got %T", i, v)}
}

// FloatArg returns positional argument i as a float64.
func (e Envelope) FloatArg(i int) (float64, error) {
	v, err := e.Arg(i)
	if err != nil {
		return 0, err
	}
	if f, ok := asFloat(v); ok {
		return f, nil
	}
	return 0, &ProtocolError{Code: CodeBadRequest, Function: e.Function, Message: fmt.Sprintf("arg %d: expected number, got %T", i, v)}
}

// KwargString returns the named arg key as a string, or "" when absent.
func (e Envelope) KwargString(key string) string {
	v, ok := e.Kwargs[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := asString(v)
	return s
}

// ErrorDetail extracts code and message from an error envelope.
func (e Envelope) ErrorDetail() (code int, message string, ok bool) {
	if e.Kind() != KindError {
		return 0, "", false
	}
	if v, err := e.Arg(0); err == nil {
		if f, isNum := asFloat(v); isNum {
			code = int(f)
		}
	}
	message, _ = e.StringArg(1)
	return code, message, true
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	args := e.Args
	if args == nil {
		args = []any{}
	}
	kwargs := e.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return json.Marshal([]any{e.Function, args, kwargs})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("envelope: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("envelope: expected 3 elements, got %d", len(parts))
	}
	var out Envelope
	if err := json.Unmarshal(parts[0], &out.Function); err != nil {
		return fmt.Errorf("envelope: function name: %w", err)
	}
	if !isNull(parts[1]) {
		if err := json.Unmarshal(parts[1], &out.Args); err != nil {
			return fmt.Errorf("envelope: args: %w", err)
		}
	}
	if !isNull(parts[2]) {
		if err := json.Unmarshal(parts[2], &out.Kwargs); err != nil {
			return fmt.Errorf("envelope: kwargs: %w", err)
		}
	}
	*e = out
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	if f, ok := asFloat(v); ok {
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10), true
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// AsFloat converts a decoded argument (from either codec) to float64.
func AsFloat(v any) (float64, bool) { return asFloat(v) }
