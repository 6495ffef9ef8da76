// Package testrun runs one timed thruster test: arm the actuator, sample every sensor at a fixed
// cadence, always disarm, then write the rows to a CSV log.
package testrun

import (
	"fmt"
	"math"
	"time"
)

const (
	// NeutralDutyCycle is the no-thrust point of the normalized duty range.
	NeutralDutyCycle = 0.5
	// PWMFrequencyHz is the fixed ESC signal frequency.
	PWMFrequencyHz uint = 333
	// DefaultSamplePeriodSeconds gives the nominal 4Hz sampling rate.
	DefaultSamplePeriodSeconds = 0.25
)

// TestRunConfig describes one run. It is never mutated once a run starts.
type TestRunConfig struct {
	DurationSeconds     float64
	DutyCycle           float64
	Channel             string
	SamplePeriodSeconds float64
}

// WithDefaults fills in the sample period when it was left unset.
func (c TestRunConfig) WithDefaults() TestRunConfig {
	if c.SamplePeriodSeconds == 0 {
		c.SamplePeriodSeconds = DefaultSamplePeriodSeconds
	}
	return c
}

// Validate reports ErrInvalidConfig for any value the rig cannot run with.
func (c TestRunConfig) Validate() error {
	if !representable(c.DurationSeconds) {
		return fmt.Errorf("%w: duration_seconds must be positive and at most %v, got %v",
			ErrInvalidConfig, maxSeconds, c.DurationSeconds)
	}
	if !(c.DutyCycle >= 0 && c.DutyCycle <= 1) {
		return fmt.Errorf("%w: duty_cycle must be within [0, 1], got %v", ErrInvalidConfig, c.DutyCycle)
	}
	if !representable(c.SamplePeriodSeconds) {
		return fmt.Errorf("%w: sample_period_seconds must be positive and at most %v, got %v",
			ErrInvalidConfig, maxSeconds, c.SamplePeriodSeconds)
	}
	if c.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidConfig)
	}
	return nil
}

// Duration is DurationSeconds as a time.Duration.
func (c TestRunConfig) Duration() time.Duration {
	return seconds(c.DurationSeconds)
}

// SamplePeriod is SamplePeriodSeconds as a time.Duration.
func (c TestRunConfig) SamplePeriod() time.Duration {
	return seconds(c.SamplePeriodSeconds)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// maxSeconds is the longest span a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64) / float64(time.Second)

// representable reports whether s seconds converts to a positive time.Duration. NaN fails every
// comparison and is rejected too.
func representable(s float64) bool {
	if !(s > 0 && s < maxSeconds) {
		return false
	}
	return seconds(s) > 0
}

// Reading is one sensor value. A non-nil Err marks it unavailable for this tick.
type Reading struct {
	Value float64
	Err   error
}

// Available reports whether the sensor produced a value.
func (r Reading) Available() bool {
	return r.Err == nil
}

// Interface returns the value, or nil when unavailable, for readings maps.
func (r Reading) Interface() interface{} {
	if !r.Available() {
		return nil
	}
	return r.Value
}

// SensorSample is one synchronized row produced per acquisition tick.
type SensorSample struct {
	Timestamp time.Time
	RPM       Reading
	Voltage   Reading
	Current   Reading
	Force     Reading
}

// ActuatorState is a snapshot of the thruster PWM output.
type ActuatorState struct {
	Enabled     bool
	Channel     string
	DutyCycle   float64
	FrequencyHz uint
}

// TestRunResult is built once a run has disarmed and is not modified afterwards.
type TestRunResult struct {
	RunID             string
	DurationRequested time.Duration
	DutyCycle         float64
	StartedAt         time.Time
	EndedAt           time.Time
	SampleCount       int
	Rows              []SensorSample
	OutputPath        string
	// Stopped is set when an external stop request ended the run early.
	Stopped bool
	Err     error
}

// Failed reports whether the run ended with an error.
func (r *TestRunResult) Failed() bool {
	return r.Err != nil
}

// State is the orchestrator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateArming
	StateRunning
	StateStopping
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArming:
		return "arming"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether a run occupies the rig in this state.
func (s State) Active() bool {
	return s == StateArming || s == StateRunning || s == StateStopping
}
