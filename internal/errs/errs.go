// Package errs defines the error kinds used across the video pipeline and
// classifies how the worker and HTTP layer should react to them.
package errs

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Kind) to add context.
var (
	// ErrInvalidState is returned when an operation is attempted while the
	// system is in a state that forbids it (e.g. an offer arrives before a
	// pipeline is loaded).
	ErrInvalidState = errors.New("invalid state")

	// ErrPipelineNotAvailable is returned by the pipeline manager when
	// GetPipeline is called and the manager is not in the Loaded state.
	ErrPipelineNotAvailable = errors.New("pipeline not available")

	// ErrTransient marks a recoverable pipeline error: the worker logs it
	// and continues processing.
	ErrTransient = errors.New("transient pipeline error")

	// ErrResourceExhausted marks a non-recoverable pipeline error (e.g.
	// device out of memory). The worker stops and notifies the client.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrProtocolError marks malformed input on the data channel.
	ErrProtocolError = errors.New("protocol error")

	// ErrLoadFailure marks a pipeline that failed to instantiate.
	ErrLoadFailure = errors.New("pipeline load failure")
)

// Kind is a coarse classification used by the frame processor worker to
// decide whether to continue, flush-and-continue, or stop.
type Kind int

const (
	// KindUnknown covers errors not recognized below; treated as transient.
	KindUnknown Kind = iota
	KindInvalidState
	KindPipelineNotAvailable
	KindTransient
	KindResourceExhausted
	KindProtocolError
	KindLoadFailure
)

// Classify maps an error to its Kind by walking the error chain with
// errors.Is. Unrecognized errors classify as KindUnknown, which the worker
// treats the same as KindTransient (log and continue) per §7's propagation
// policy ("anything below the HTTP surface that can be classified
// transient is absorbed").
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrPipelineNotAvailable):
		return KindPipelineNotAvailable
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrProtocolError):
		return KindProtocolError
	case errors.Is(err, ErrLoadFailure):
		return KindLoadFailure
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Recoverable reports whether the worker loop should continue processing
// after this error, as opposed to stopping the frame processor. Only
// resource exhaustion is fatal; every other classified kind (and anything
// unclassified) is treated as recoverable. Implementers extending the
// fatal set must add the kind here and to Classify above.
func Recoverable(err error) bool {
	return Classify(err) != KindResourceExhausted
}
