package pipeline

import "fmt"

// ErrorKind buckets pipeline failures for reporting and metrics.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindExtraction  ErrorKind = "extraction"
	KindTranscode   ErrorKind = "transcode"
	KindPublish     ErrorKind = "publish"
	KindPersistence ErrorKind = "persistence"
)

// Error wraps a stage failure with enough context to report it without
// leaking internal paths to API clients.
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func stageError(kind ErrorKind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}
