package testrun

import "errors"

// Failure taxonomy shared by the orchestrator, the actuator driver and the sensor adapters.
// Callers match with errors.Is; producers wrap with fmt.Errorf("...: %w", ...).
var (
	// ErrInvalidConfig means the requested run never started.
	ErrInvalidConfig = errors.New("invalid test run config")
	// ErrDeviceUnavailable means the actuator hardware was not present at startup.
	ErrDeviceUnavailable = errors.New("actuator device unavailable")
	// ErrActuation means a PWM write failed mid-operation.
	ErrActuation = errors.New("actuation failed")
	// ErrSensorUnavailable means one sensor could not be read this tick.
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrConflict means a run is already occupying the rig.
	ErrConflict = errors.New("test run already active")
)

// errStopRequested ends the acquisition loop at a tick boundary. It never escapes the package.
var errStopRequested = errors.New("stop requested")
