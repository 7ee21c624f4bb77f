package indexer

import (
	"errors"
	"fmt"
)

// ErrResultMismatch means the backend answered with a different number of
// results than documents were sent.
var ErrResultMismatch = errors.New("bulk result count does not match request")

// BackendUnavailableError is a failure of a whole bulk request: transport
// error, timeout, error status or an unreadable response. It is not retried
// and ends the session.
type BackendUnavailableError struct {
	Chunk int
	Err   error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("bulk request for chunk %d failed: %v", e.Chunk, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// SubmissionFailure is a single document rejected by the backend. It only
// surfaces as an error when stop-on-error is enabled.
type SubmissionFailure struct {
	Chunk    int
	Position int
	Result   ItemResult
}

func (e *SubmissionFailure) Error() string {
	reason := fmt.Sprintf("status %d", e.Result.Status)
	if e.Result.Error != nil {
		reason = fmt.Sprintf("%s: %s", e.Result.Error.Type, e.Result.Error.Reason)
	}
	return fmt.Sprintf("document %d of chunk %d rejected by %s: %s", e.Position+1, e.Chunk, e.Result.Index, reason)
}
