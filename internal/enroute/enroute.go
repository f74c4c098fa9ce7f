// Package enroute builds the topic-to-callback and (path,method)-to-callback
// routing tables every dispatcher consults. Routes are bound by explicit
// registration calls made once at process startup, before any dispatch
// loop begins; the registry is read-only from then on.
package enroute

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Kind distinguishes the four callback roles a topic or route can serve.
type Kind int

const (
	Command Kind = iota
	CommandReply
	Query
	Event
)

func (k Kind) String() string {
	switch k {
	case Command:
		return "command"
	case CommandReply:
		return "command_reply"
	case Query:
		return "query"
	case Event:
		return "event"
	default:
		return "unknown"
	}
}

// Callback is a registered handler body. It receives the decoded payload
// and returns a reply payload (nil for events, which have no reply) plus
// an error. Every callback is registered in this one shape regardless of
// whether the handler blocks — ctx carries cancellation, rc carries the
// request-scoped reply-topic/user state.
type Callback func(ctx context.Context, rc CallbackContext, data []byte) ([]byte, error)

// CallbackContext is a minimal seam so enroute doesn't need to import
// reqctx or envelope — the consumer dispatcher passes its own
// *reqctx.Context, which satisfies this interface.
type CallbackContext interface {
	ReplyTopic() string
	User() *uuid.UUID
}

// RESTRoute identifies an HTTP-surfaced command or query by path and method.
type RESTRoute struct {
	Path   string
	Method string
}

// ConflictError reports an attempt to register two callbacks for the same
// key: either a duplicate topic/route, or two registrations disagreeing on
// the kind a key serves.
type ConflictError struct {
	Key      string
	Existing Kind
	New      Kind
}

func (e *ConflictError) Error() string {
	if e.Existing == e.New {
		return fmt.Sprintf("enroute: %q is already registered as %s", e.Key, e.Existing)
	}
	return fmt.Sprintf("enroute: %q registered as %s conflicts with new registration as %s", e.Key, e.Existing, e.New)
}

// Registry holds every route bound at startup. It is built once during
// wiring and is read-only for the lifetime of the process; this package
// does not support registering routes after dispatch has begun.
type Registry struct {
	byTopic map[string]topicEntry
	byRoute map[RESTRoute]routeEntry
}

type topicEntry struct {
	kind     Kind
	callback Callback
}

type routeEntry struct {
	kind     Kind
	callback Callback
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byTopic: make(map[string]topicEntry),
		byRoute: make(map[RESTRoute]routeEntry),
	}
}

// RegisterTopic binds callback to topic under kind. Registering the same
// topic twice is an error regardless of kind — two callbacks for one topic
// would make dispatch nondeterministic.
func (r *Registry) RegisterTopic(kind Kind, topic string, callback Callback) error {
	if existing, ok := r.byTopic[topic]; ok {
		return &ConflictError{Key: topic, Existing: existing.kind, New: kind}
	}
	r.byTopic[topic] = topicEntry{kind: kind, callback: callback}
	return nil
}

// RegisterRoute binds callback to a REST (path, method) pair under kind.
func (r *Registry) RegisterRoute(kind Kind, route RESTRoute, callback Callback) error {
	if existing, ok := r.byRoute[route]; ok {
		return &ConflictError{Key: route.Method + " " + route.Path, Existing: existing.kind, New: kind}
	}
	r.byRoute[route] = routeEntry{kind: kind, callback: callback}
	return nil
}

// CallbackForTopic returns the registered callback and kind for topic, or
// ok=false if nothing is bound there.
func (r *Registry) CallbackForTopic(topic string) (Callback, Kind, bool) {
	entry, ok := r.byTopic[topic]
	if !ok {
		return nil, 0, false
	}
	return entry.callback, entry.kind, true
}

// CallbackForRoute returns the registered callback and kind for a REST route.
func (r *Registry) CallbackForRoute(route RESTRoute) (Callback, Kind, bool) {
	entry, ok := r.byRoute[route]
	if !ok {
		return nil, 0, false
	}
	return entry.callback, entry.kind, true
}

// TopicsForKind returns every topic registered under kind. The consumer
// ingester's subscription set comes from Topics, not from this.
func (r *Registry) TopicsForKind(kind Kind) []string {
	var topics []string
	for topic, entry := range r.byTopic {
		if entry.kind == kind {
			topics = append(topics, topic)
		}
	}
	return topics
}

// Topics returns every registered topic regardless of kind.
func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.byTopic))
	for topic := range r.byTopic {
		topics = append(topics, topic)
	}
	return topics
}
