// Package recorder captures bounded windows of runtime profiling samples.
//
// A Recording is one capture window. It moves through a strictly forward
// lifecycle (created, running, stopped, closed) and is never reused once
// closed. The RuntimeEngine implementation samples goroutine stacks of the
// running process at a fixed rate and serializes the window as a gzipped
// pprof profile.
package recorder

import (
	"errors"
	"time"
)

// State is the lifecycle phase of a Recording. Transitions are strictly
// forward: created -> running -> stopped -> closed.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrInvalidState is returned when a lifecycle method is called on a
// recording that is not in the required state.
var ErrInvalidState = errors.New("invalid recording state")

// Options configures a single recording.
type Options struct {
	Name         string        // Identifies the recording, derived from its creation time
	MaxDuration  time.Duration // Recording stops itself after this long (0 = unbounded)
	SampleRateHz int           // Stack sampling rate in Hz
	CPU          bool          // Include cpu-time sample values
	Allocations  bool          // Include allocation deltas over the window
	Locks        bool          // Include mutex wait delta over the window
}

// Recording is a single capture window of profiling samples.
type Recording interface {
	Name() string
	State() State
	StartedAt() time.Time
	StoppedAt() time.Time

	// Start begins sample collection. Valid only once, from created.
	Start() error
	// Stop ends sample collection. The recording no longer accepts samples.
	// Stopping an already stopped recording is a no-op so that an explicit
	// stop can race the max-duration auto-stop.
	Stop() error
	// Dump serializes the stopped recording to a gzipped pprof file in dir
	// (the system temp dir when dir is empty) and returns its path. The
	// caller owns deletion of the file.
	Dump(dir string) (string, error)
	// Close releases the recording's sample memory. Valid only from stopped.
	Close() error
}

// Engine creates recordings.
type Engine interface {
	NewRecording(opts Options) (Recording, error)
}
