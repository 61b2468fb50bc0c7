package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("waflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("waflow: logger is required")
	ErrChatClientRequired   = sterrors.New("waflow: chat client is required")
	ErrPublisherRequired    = sterrors.New("waflow: publisher is required")
	ErrSubscriberRequired   = sterrors.New("waflow: subscriber is required")
	ErrTopicRequired        = sterrors.New("waflow: topic is required")
	ErrHandlerRequired      = sterrors.New("waflow: handler function is required")
	ErrMessageRequired      = sterrors.New("waflow: chat message is required")
	ErrMessageIDRequired    = sterrors.New("waflow: chat message id is required")
	ErrPublisherNotReady    = sterrors.New("waflow: publisher is not connected")
	ErrSubscriberConnected  = sterrors.New("waflow: subscriber is already connected")
	ErrUnsupportedRedisURL  = sterrors.New("waflow: unsupported redis url scheme")
	ErrDeadLetterBackend    = sterrors.New("waflow: unknown dead letter backend")
	ErrDeadLetterStoreClose = sterrors.New("waflow: dead letter store is closed")
)

// StageError tags an error with the lifecycle stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// WithStage wraps err with the stage name. A nil err stays nil.
func WithStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf reports the innermost stage attached to err, if any.
func StageOf(err error) (string, bool) {
	var se *StageError
	if sterrors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
