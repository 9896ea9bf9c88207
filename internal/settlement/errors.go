package settlement

import (
	"errors"
	"fmt"
	"strings"
)

// Structural failures block before any write is attempted.
var (
	ErrNoActiveSession = errors.New("no active meeting session")
	ErrNoProgram       = errors.New("meeting has no associated program")
	ErrAlreadySettled  = errors.New("meeting already settled")
	ErrCancelled       = errors.New("settlement cancelled")
)

// BatchWriteError reports which of the three concurrent batch writes failed.
// Batches that already succeeded are not rolled back; the backend may be left
// partially written.
type BatchWriteError struct {
	Failed []string
	Err    error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("batch write failed (%s): %v", strings.Join(e.Failed, ", "), e.Err)
}

func (e *BatchWriteError) Unwrap() error { return e.Err }
