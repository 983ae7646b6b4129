package job

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found for the caller's organization
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when another worker holds a live lease on the job
	ErrJobAlreadyClaimed = errors.New("job already claimed by another worker")

	// ErrJobTerminal is returned when a job already reached completed or failed
	ErrJobTerminal = errors.New("job already in terminal state")

	// ErrLeaseLost is returned when a worker writes to a job it no longer owns
	ErrLeaseLost = errors.New("job lease lost")

	ErrUnknownKind        = errors.New("unknown job kind")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnsupportedFormat  = errors.New("unsupported file format")
	ErrResultUnavailable  = errors.New("result unavailable")
	ErrCanceled           = errors.New("job canceled by submitter")
	ErrMaxRetriesExceeded = errors.New("max attempts exceeded")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// FatalError wraps errors that end the job without another attempt
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal error: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError creates a new fatal error
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// ErrorKind is the outcome class of an error raised while running a job
type ErrorKind int

const (
	ErrorKindRow ErrorKind = iota
	ErrorKindTransient
	ErrorKindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransient:
		return "transient"
	case ErrorKindFatal:
		return "fatal"
	default:
		return "row"
	}
}

// Classify decides how an error returned by a row handler is treated.
// Untyped errors are row-level: they are recorded and processing continues.
func Classify(err error) ErrorKind {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ErrorKindFatal
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return ErrorKindTransient
	}
	if errors.Is(err, ErrLeaseLost) {
		return ErrorKindTransient
	}
	if errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrCanceled) {
		return ErrorKindFatal
	}
	return ErrorKindRow
}
