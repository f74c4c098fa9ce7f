package consumer

import "fmt"

// Each error kind below carries a distinct retry/log/dead-letter policy,
// applied in Dispatcher.handleCallbackError and its siblings.

// ActionNotFoundError means no callback is registered for the envelope's
// topic. The row is kept — the gap is in this process's registration, not
// in the message — until the retry ceiling moves it aside.
type ActionNotFoundError struct {
	Topic string
}

func (e *ActionNotFoundError) Error() string {
	return fmt.Sprintf("consumer: no callback registered for topic %q", e.Topic)
}

// ApplicationError is a callback-reported business-logic failure (the
// handler ran, the domain rejected the request). It is never retried: a
// command reflects it back to the caller as a StatusError reply, and an
// event or command-reply row is simply removed.
type ApplicationError struct {
	Cause error
}

func (e *ApplicationError) Error() string { return fmt.Sprintf("application error: %v", e.Cause) }
func (e *ApplicationError) Unwrap() error { return e.Cause }

// SystemError is an infrastructure-level callback failure (a downstream
// dependency timed out, a panic was recovered). For an event it is retried
// up to the configured ceiling before dead-lettering; for a command it is
// answered with a StatusSystemError reply and, like a command-reply
// failure, is not retried.
type SystemError struct {
	Cause error
}

func (e *SystemError) Error() string { return fmt.Sprintf("system error: %v", e.Cause) }
func (e *SystemError) Unwrap() error { return e.Cause }
