// Package pause holds the global pause flag shared by the ticker, the
// scheduler and the update pipeline.
package pause

import "sync/atomic"

// Flag is a process-wide boolean. The zero value is unpaused.
type Flag struct {
	v atomic.Bool
}

// Pause sets the flag.
func (f *Flag) Pause() { f.v.Store(true) }

// Resume clears the flag.
func (f *Flag) Resume() { f.v.Store(false) }

// Paused reports the flag. A nil Flag is never paused.
func (f *Flag) Paused() bool {
	if f == nil {
		return false
	}
	return f.v.Load()
}
