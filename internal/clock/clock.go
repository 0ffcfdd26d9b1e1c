// Package clock defines the time source shared by the scheduler, the pipeline
// and the checkpointer so tests can pin wall-clock time.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}
