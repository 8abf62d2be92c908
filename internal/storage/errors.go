package storage

import (
	"errors"
	"fmt"
)

// Op names the persistence step that failed
type Op string

const (
	OpUpload        Op = "upload"
	OpBatchUpload   Op = "batch_upload"
	OpSessionCreate Op = "session_create"
	OpSessionUpdate Op = "session_update"
	OpParsing       Op = "parsing"
	OpStorage       Op = "storage"
)

var opMessages = map[Op]string{
	OpUpload:        "failed to upload reading",
	OpBatchUpload:   "failed to upload batch",
	OpSessionCreate: "failed to create session",
	OpSessionUpdate: "failed to update session",
	OpParsing:       "failed to parse stored data",
	OpStorage:       "local storage error",
}

// ErrQueueFull is returned when the recorder cannot accept more work
var ErrQueueFull = errors.New("recorder queue full")

// StorageError is the error reported through the recorder's error slot
type StorageError struct {
	Op  Op
	Err error
}

func (e *StorageError) Error() string {
	msg, ok := opMessages[e.Op]
	if !ok {
		msg = string(e.Op)
	}
	if e.Err == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches another StorageError with the same Op
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Op == e.Op && t.Err == nil
}

func storageErr(op Op, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}
