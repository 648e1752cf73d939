package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestRejected matches every *RequestRejectedError.
	ErrRequestRejected = errors.New("request rejected")
	// ErrStoreUnavailable matches every *StoreUnavailableError.
	ErrStoreUnavailable = errors.New("record store unavailable")
)

// RequestRejectedError is returned by Submit for a missing or unusable URL.
// No state is changed when it is returned.
type RequestRejectedError struct {
	URL    string
	Reason string
}

func (e *RequestRejectedError) Error() string {
	return fmt.Sprintf("request rejected: %s", e.Reason)
}

func (e *RequestRejectedError) Is(target error) bool {
	return target == ErrRequestRejected
}

// StoreUnavailableError wraps a record store failure seen while deciding on a request.
type StoreUnavailableError struct {
	Operation string
	Err       error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("record store unavailable during %s: %v", e.Operation, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// TransferFailedError describes why a worker gave up on a task. Its message
// becomes the snapshot's error detail.
type TransferFailedError struct {
	ID    string
	Stage string
	Err   error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *TransferFailedError) Unwrap() error {
	return e.Err
}
