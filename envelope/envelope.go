// Package envelope defines the unified on-wire message carried between all
// broker components: events, commands, and command replies. It has no
// upward dependency on any other package in this module — producer,
// consumer, and dynamic-pool code depend on envelope, never the reverse.
package envelope

import (
	"fmt"

	"github.com/google/uuid"
)

// Status is the application-level outcome of a command execution.
type Status int

const (
	StatusSuccess     Status = 200
	StatusError       Status = 400
	StatusSystemError Status = 500
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusError:
		return "ERROR"
	case StatusSystemError:
		return "SYSTEM_ERROR"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Strategy is the delivery mode of a published message.
type Strategy int

const (
	Unicast Strategy = iota
	Multicast
)

func (s Strategy) String() string {
	if s == Multicast {
		return "MULTICAST"
	}
	return "UNICAST"
}

// TraceStep records that a message passed through one hop of a causal chain
// from origin to current service.
type TraceStep struct {
	Identifier  uuid.UUID `msgpack:"identifier"`
	ServiceName string    `msgpack:"service_name"`
}

// Envelope is the unified wire message. It is immutable after construction:
// all mutator-shaped helpers (WithHop, WithHeader) return a new value
// or operate on a freshly cloned copy — nothing here "appends in place" onto
// a message that might already be in flight to another goroutine.
type Envelope struct {
	Topic      string            `msgpack:"topic"`
	Data       []byte            `msgpack:"data"`
	ReplyTopic string            `msgpack:"reply_topic,omitempty"`
	User       *uuid.UUID        `msgpack:"user,omitempty"`
	Status     Status            `msgpack:"status"`
	Strategy   Strategy          `msgpack:"strategy"`
	Trace      []TraceStep       `msgpack:"trace"`
	Headers    map[string]string `msgpack:"headers,omitempty"`
}

// New constructs an envelope with a single trace step identifying the
// originating service. Every send() path starts here.
func New(topic string, data []byte, serviceName string) Envelope {
	return Envelope{
		Topic:    topic,
		Data:     data,
		Status:   StatusSuccess,
		Strategy: Unicast,
		Trace:    []TraceStep{{Identifier: uuid.New(), ServiceName: serviceName}},
	}
}

// Identifier is the last trace step's identifier — the correlation id used
// in logs and in reply routing.
func (e Envelope) Identifier() uuid.UUID {
	if len(e.Trace) == 0 {
		return uuid.Nil
	}
	return e.Trace[len(e.Trace)-1].Identifier
}

// WithHop returns a copy of the envelope with a new trace step appended,
// recording that serviceName has now handled the message.
func (e Envelope) WithHop(serviceName string) Envelope {
	clone := e.clone()
	clone.Trace = append(append([]TraceStep{}, e.Trace...), TraceStep{
		Identifier:  uuid.New(),
		ServiceName: serviceName,
	})
	return clone
}

// WithHeader returns a copy of the envelope with the given header set.
func (e Envelope) WithHeader(key, value string) Envelope {
	clone := e.clone()
	headers := make(map[string]string, len(e.Headers)+1)
	for k, v := range e.Headers {
		headers[k] = v
	}
	headers[key] = value
	clone.Headers = headers
	return clone
}

func (e Envelope) clone() Envelope {
	clone := e
	if e.Data != nil {
		clone.Data = append([]byte(nil), e.Data...)
	}
	return clone
}

// Less totally orders envelopes by (topic, identifier) — the tie-break for
// callers that need a stable sort across topics. Reply streams are ordered
// by arrival time instead, not by this ordering.
func (e Envelope) Less(other Envelope) bool {
	if e.Topic != other.Topic {
		return e.Topic < other.Topic
	}
	return e.Identifier().String() < other.Identifier().String()
}

// Validate checks the invariants an envelope must hold before it may be
// handed to the codec: a nonempty trace and a topic to route on.
func (e Envelope) Validate() error {
	if e.Topic == "" {
		return &ValidationError{Field: "topic", Message: "topic is required"}
	}
	if len(e.Trace) == 0 {
		return &ValidationError{Field: "trace", Message: "trace must be nonempty"}
	}
	return nil
}

// ValidationError reports a malformed envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
