// Package reqctx carries request-scoped messaging state — reply topic,
// acting user, and trace chain — as an explicit, immutable handle threaded
// through every callback invocation rather than hidden in a global or in
// context.Context values.
package reqctx

import "github.com/google/uuid"

// Context is request-scoped state bound for the duration of one dispatch:
// one consumer-dispatcher callback invocation, or one dynamic-pool acquire
// scope. Values are copied, never mutated in place, so handing a Context
// to a spawned goroutine is always safe.
type Context struct {
	replyTopic string
	user       *uuid.UUID
	trace      []TraceStep
}

// TraceStep mirrors envelope.TraceStep without importing the envelope
// package, keeping reqctx a leaf alongside envelope rather than depending on
// it — both are consumed by the higher-level broker/consumer packages.
type TraceStep struct {
	Identifier  uuid.UUID
	ServiceName string
}

// New creates a Context with the given reply topic, optional user, and
// trace chain.
func New(replyTopic string, user *uuid.UUID, trace []TraceStep) *Context {
	return &Context{
		replyTopic: replyTopic,
		user:       user,
		trace:      append([]TraceStep(nil), trace...),
	}
}

// Empty returns a Context with no bound state — the default used for
// top-level send() calls made outside of any callback or acquired lease.
func Empty() *Context {
	return &Context{}
}

// ReplyTopic returns the bound reply topic, or "" if none is bound.
func (c *Context) ReplyTopic() string {
	if c == nil {
		return ""
	}
	return c.replyTopic
}

// User returns the bound user id, or nil if none is bound.
func (c *Context) User() *uuid.UUID {
	if c == nil {
		return nil
	}
	return c.user
}

// Trace returns a copy of the bound trace chain.
func (c *Context) Trace() []TraceStep {
	if c == nil {
		return nil
	}
	return append([]TraceStep(nil), c.trace...)
}

// WithReplyTopic returns a copy of the context with a different reply topic
// bound.
func (c *Context) WithReplyTopic(topic string) *Context {
	clone := c.clone()
	clone.replyTopic = topic
	return clone
}

// WithUser returns a copy of the context with a user id bound.
func (c *Context) WithUser(user *uuid.UUID) *Context {
	clone := c.clone()
	clone.user = user
	return clone
}

func (c *Context) clone() *Context {
	if c == nil {
		return &Context{}
	}
	return &Context{
		replyTopic: c.replyTopic,
		user:       c.user,
		trace:      append([]TraceStep(nil), c.trace...),
	}
}
