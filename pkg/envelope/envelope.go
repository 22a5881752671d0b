// Package envelope builds the uniform response wrapper returned by every function.
package envelope

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Status is the outcome reported in Meta.
type Status string

// Envelope statuses.
const (
	StatusOK      Status = "OK"
	StatusError   Status = "ERROR"
	StatusWarning Status = "WARNING"
)

// Reserved meta keys. Builders own these and ignore them in caller overrides;
// responseTimeMs is only set by AddPerformanceMetrics.
const (
	KeyStatus         = "status"
	KeyTimestamp      = "timestamp"
	KeyResponseTimeMs = "responseTimeMs"
)

// TimestampFormat is ISO 8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Fields are caller-supplied meta values such as sessionId or model.
type Fields map[string]any

//nolint:gochecknoglobals // Overridden in tests
var now = time.Now

// Meta carries the envelope status, creation time, optional latency and any extra fields.
// Extra fields are flattened next to the fixed ones when encoded.
type Meta struct {
	Timestamp      time.Time
	Extra          Fields
	ResponseTimeMs *int64
	Status         Status
}

// MarshalJSON flattens Extra into the meta object.
func (m Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	out[KeyStatus] = m.Status
	out[KeyTimestamp] = m.Timestamp.UTC().Format(TimestampFormat)
	if m.ResponseTimeMs != nil {
		out[KeyResponseTimeMs] = *m.ResponseTimeMs
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the fixed fields from the extra ones.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Meta{}
	if v, ok := raw[KeyStatus]; ok {
		if err := json.Unmarshal(v, &m.Status); err != nil {
			return fmt.Errorf("meta status: %w", err)
		}
		delete(raw, KeyStatus)
	}
	if v, ok := raw[KeyTimestamp]; ok {
		var ts string
		if err := json.Unmarshal(v, &ts); err != nil {
			return fmt.Errorf("meta timestamp: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("meta timestamp: %w", err)
		}
		m.Timestamp = parsed
		delete(raw, KeyTimestamp)
	}
	if v, ok := raw[KeyResponseTimeMs]; ok {
		var ms int64
		if err := json.Unmarshal(v, &ms); err != nil {
			return fmt.Errorf("meta responseTimeMs: %w", err)
		}
		m.ResponseTimeMs = &ms
		delete(raw, KeyResponseTimeMs)
	}

	if len(raw) > 0 {
		m.Extra = make(Fields, len(raw))
		for k, v := range raw {
			var decoded any
			if err := json.Unmarshal(v, &decoded); err != nil {
				return fmt.Errorf("meta %s: %w", k, err)
			}
			m.Extra[k] = decoded
		}
	}
	return nil
}

// Get returns an extra meta field.
func (m Meta) Get(key string) (any, bool) {
	v, ok := m.Extra[key]
	return v, ok
}

// Envelope is the response wrapper. Success is true exactly when Meta.Status is OK or WARNING.
type Envelope[T any] struct {
	Content T      `json:"content,omitempty"`
	Meta    Meta   `json:"meta"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
	Warning string `json:"warning,omitempty"`
	Success bool   `json:"success"`
}

func newMeta(status Status, overrides Fields) Meta {
	meta := Meta{Status: status, Timestamp: now()}
	if len(overrides) > 0 {
		meta.Extra = make(Fields, len(overrides))
		for k, v := range overrides {
			switch k {
			case KeyStatus, KeyTimestamp, KeyResponseTimeMs:
				continue
			}
			meta.Extra[k] = v
		}
	}
	return meta
}

// Success wraps content in an OK envelope.
func Success[T any](content T, meta Fields) Envelope[T] {
	return Envelope[T]{Success: true, Content: content, Meta: newMeta(StatusOK, meta)}
}

// Error builds an ERROR envelope. message is shown to users; details is diagnostic.
func Error(message, details string, meta Fields) Envelope[any] {
	return Envelope[any]{Error: message, Details: details, Meta: newMeta(StatusError, meta)}
}

// Warning wraps degraded but usable content.
func Warning[T any](content T, warning string, meta Fields) Envelope[T] {
	return Envelope[T]{Success: true, Content: content, Warning: warning, Meta: newMeta(StatusWarning, meta)}
}

// AddPerformanceMetrics returns a copy of env with responseTimeMs measured from start
// and extra merged into its meta. env is not modified.
func AddPerformanceMetrics[T any](env Envelope[T], start time.Time, extra Fields) Envelope[T] {
	out := env
	out.Meta.Extra = maps.Clone(env.Meta.Extra)
	if out.Meta.Extra == nil && len(extra) > 0 {
		out.Meta.Extra = make(Fields, len(extra))
	}
	for k, v := range extra {
		switch k {
		case KeyStatus, KeyTimestamp, KeyResponseTimeMs:
			continue
		}
		out.Meta.Extra[k] = v
	}

	elapsed := now().Sub(start).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	out.Meta.ResponseTimeMs = &elapsed
	return out
}

// Consistent reports whether Success agrees with Meta.Status.
func (e Envelope[T]) Consistent() bool {
	if e.Success {
		return e.Meta.Status == StatusOK || e.Meta.Status == StatusWarning
	}
	return e.Meta.Status == StatusError
}
