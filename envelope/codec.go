package envelope

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// wireVersion is bumped whenever a breaking change is made to the wire
// struct below. Decode rejects versions it doesn't understand rather than
// silently misreading bytes.
const wireVersion = 1

// wireTraceStep and wireEnvelope mirror Envelope/TraceStep but exist
// separately so the wire format can evolve (e.g. add a field) without
// forcing every in-memory caller to carry wire-only concerns like Version.
type wireTraceStep struct {
	Identifier  string `msgpack:"identifier"`
	ServiceName string `msgpack:"service_name"`
}

type wireEnvelope struct {
	Version    int               `msgpack:"v"`
	Topic      string            `msgpack:"topic"`
	Data       []byte            `msgpack:"data"`
	ReplyTopic string            `msgpack:"reply_topic,omitempty"`
	User       string            `msgpack:"user,omitempty"`
	Status     int               `msgpack:"status"`
	Strategy   int               `msgpack:"strategy"`
	Trace      []wireTraceStep   `msgpack:"trace"`
	Headers    map[string]string `msgpack:"headers,omitempty"`
}

// MalformedEnvelopeError wraps any error encountered while decoding wire
// bytes into an Envelope.
type MalformedEnvelopeError struct {
	Cause error
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("malformed envelope: %v", e.Cause)
}

func (e *MalformedEnvelopeError) Unwrap() error {
	return e.Cause
}

// Encode serializes an envelope to a self-describing msgpack blob. Encoding
// never fails for a well-formed Envelope value (no cyclic structures, no
// unsupported types), so this intentionally has no error return beyond what
// the underlying marshal surfaces for defensive completeness.
func Encode(e Envelope) ([]byte, error) {
	w := wireEnvelope{
		Version:    wireVersion,
		Topic:      e.Topic,
		Data:       e.Data,
		ReplyTopic: e.ReplyTopic,
		Status:     int(e.Status),
		Strategy:   int(e.Strategy),
		Headers:    e.Headers,
	}
	if e.User != nil {
		w.User = e.User.String()
	}
	w.Trace = make([]wireTraceStep, len(e.Trace))
	for i, step := range e.Trace {
		w.Trace[i] = wireTraceStep{
			Identifier:  step.Identifier.String(),
			ServiceName: step.ServiceName,
		}
	}

	data, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode deserializes wire bytes into an Envelope. This is the codec's
// only validating step: unknown fields are ignored by msgpack's map-based
// decoding, and a missing/invalid required field (topic, trace, malformed
// UUIDs) produces a MalformedEnvelopeError.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Envelope{}, &MalformedEnvelopeError{Cause: err}
	}
	if w.Version == 0 || w.Version > wireVersion {
		return Envelope{}, &MalformedEnvelopeError{Cause: fmt.Errorf("unsupported wire version %d", w.Version)}
	}
	if w.Topic == "" {
		return Envelope{}, &MalformedEnvelopeError{Cause: fmt.Errorf("missing topic")}
	}
	if len(w.Trace) == 0 {
		return Envelope{}, &MalformedEnvelopeError{Cause: fmt.Errorf("missing trace")}
	}

	e := Envelope{
		Topic:      w.Topic,
		Data:       w.Data,
		ReplyTopic: w.ReplyTopic,
		Status:     Status(w.Status),
		Strategy:   Strategy(w.Strategy),
		Headers:    w.Headers,
	}
	if w.User != "" {
		u, err := parseUUID(w.User)
		if err != nil {
			return Envelope{}, &MalformedEnvelopeError{Cause: fmt.Errorf("invalid user id: %w", err)}
		}
		e.User = &u
	}
	e.Trace = make([]TraceStep, len(w.Trace))
	for i, step := range w.Trace {
		id, err := parseUUID(step.Identifier)
		if err != nil {
			return Envelope{}, &MalformedEnvelopeError{Cause: fmt.Errorf("invalid trace identifier: %w", err)}
		}
		e.Trace[i] = TraceStep{Identifier: id, ServiceName: step.ServiceName}
	}

	return e, nil
}
