package broker

import (
	"errors"
	"fmt"

	"signalrelay/internal/model"
)

// RejectedError is a terminal refusal by the broker (bad symbol, margin,
// invalid credentials). It is never retried.
type RejectedError struct {
	Broker  model.Broker
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected order: %s %s", e.Broker, e.Code, e.Message)
}

// TransportError is a network failure, timeout or 5xx. The order may or
// may not have reached the broker.
type TransportError struct {
	Broker model.Broker
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Broker, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnavailableError is returned by the Retrier once every attempt failed
// with a transport error or the breaker was open.
type UnavailableError struct {
	Broker   model.Broker
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable after %d attempt(s): %v", e.Broker, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a broker rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// IsUnavailable reports whether err means the broker could not be reached.
func IsUnavailable(err error) bool {
	var ua *UnavailableError
	return errors.As(err, &ua)
}
