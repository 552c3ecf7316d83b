package messaging

import (
	"math"
	"strconv"
	"time"
)

// Message is a routed message waiting in a session's inbound queue.
type Message struct {
	Topic     string
	Payload   any
	Options   map[string]any
	ExpiresAt time.Time // zero means the message never expires
}

// New builds a message, deriving ExpiresAt from a positive "ttl" option
// expressed in seconds.
func New(topic string, payload any, opts map[string]any, now time.Time) Message {
	msg := Message{Topic: topic, Payload: payload, Options: opts}
	if ttl, ok := TTL(opts); ok {
		msg.ExpiresAt = now.Add(ttl)
	}
	return msg
}

// Expired reports whether the message's deadline has passed at now.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Tuple returns the [topic, payload, options] triple sent to agents.
func (m Message) Tuple() []any {
	opts := m.Options
	if opts == nil {
		opts = map[string]any{}
	}
	return []any{m.Topic, m.Payload, opts}
}

// TTL extracts the "ttl" option. Numbers and numeric strings are accepted;
// anything non-positive or not finite is treated as no TTL. A positive TTL is
// at least one nanosecond and saturates at the largest Duration.
func TTL(opts map[string]any) (time.Duration, bool) {
	raw, ok := opts["ttl"]
	if !ok {
		return 0, false
	}

	var secs float64
	switch v := raw.(type) {
	case float64:
		secs = v
	case float32:
		secs = float64(v)
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	case uint64:
		secs = float64(v)
	case time.Duration:
		if v <= 0 {
			return 0, false
		}
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		secs = f
	default:
		return 0, false
	}

	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
		return 0, false
	}

	ns := secs * float64(time.Second)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64), true
	}
	return max(time.Duration(ns), time.Nanosecond), true
}
