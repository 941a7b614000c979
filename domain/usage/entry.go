package usage

import (
	"strings"
	"time"
)

// LogEntry is one gateway access log line as shipped by the gateway's HTTP
// log plugin. Only the fields used for metering are decoded.
type LogEntry struct {
	Request   LogRequest   `json:"request"`
	Response  LogResponse  `json:"response"`
	Latencies LogLatencies `json:"latencies"`
	Consumer  *LogConsumer `json:"consumer,omitempty"`
	StartedAt int64        `json:"started_at"` // unix millis
}

// LogRequest is the request half of a LogEntry.
type LogRequest struct {
	Method  string         `json:"method"`
	URI     string         `json:"uri"`
	Headers map[string]any `json:"headers"`
}

// LogResponse is the response half of a LogEntry.
type LogResponse struct {
	Status int `json:"status"`
}

// LogLatencies holds gateway timings in milliseconds.
type LogLatencies struct {
	Request float64 `json:"request"`
	Proxy   float64 `json:"proxy"`
	Gateway float64 `json:"kong"`
}

// LogConsumer identifies the authenticated gateway consumer.
type LogConsumer struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	CustomID string `json:"custom_id"`
}

// Header returns the first value of a request header, matched case-insensitively.
// The gateway ships headers either as strings or as string arrays.
func (e LogEntry) Header(name string) string {
	for k, v := range e.Request.Headers {
		if !strings.EqualFold(k, name) {
			continue
		}
		switch val := v.(type) {
		case string:
			return val
		case []any:
			if len(val) > 0 {
				if s, ok := val[0].(string); ok {
					return s
				}
			}
		}
	}
	return ""
}

// ConsumerRef returns the subscription reference the gateway attached to the
// consumer, if any. Consumers are provisioned with the subscription ID as
// custom_id, falling back to username.
func (e LogEntry) ConsumerRef() string {
	if e.Consumer == nil {
		return ""
	}
	if e.Consumer.CustomID != "" {
		return e.Consumer.CustomID
	}
	return e.Consumer.Username
}

// ObservedAt returns when the request started, or fallback when the gateway
// did not report it.
func (e LogEntry) ObservedAt(fallback time.Time) time.Time {
	if e.StartedAt <= 0 {
		return fallback
	}
	return time.UnixMilli(e.StartedAt).UTC()
}

// LatencyMs returns the total request latency reported by the gateway.
func (e LogEntry) LatencyMs() float64 {
	if e.Latencies.Request > 0 {
		return e.Latencies.Request
	}
	return e.Latencies.Proxy + e.Latencies.Gateway
}
