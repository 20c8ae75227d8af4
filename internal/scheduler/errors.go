package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrLaneStopped is returned when a task is submitted to a lane after Stop/StopAll.
	ErrLaneStopped = errors.New("scheduler: lane stopped")
)

// panicToError converts a recovered panic value into an error so a
// panicking TaskFunc settles its caller's future instead of crashing the
// pump.
func panicToError(rec interface{}) error {
	if err, ok := rec.(error); ok {
		return fmt.Errorf("scheduler: task panicked: %w", err)
	}
	return fmt.Errorf("scheduler: task panicked: %v", rec)
}
