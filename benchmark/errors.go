package benchmark

import (
	"fmt"
	"time"
)

// TimeoutError means a marker file did not appear within its wait budget. LogTail is a best-effort
// snapshot of the companion log taken when the wait gave up.
type TimeoutError struct {
	Phase   string
	Flag    string
	Timeout time.Duration
	LogTail string
	// Err is the last error seen while polling, if any.
	Err error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: %s not found within %s", e.Phase, e.Flag, e.Timeout)
	if e.Err != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.Err)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }
