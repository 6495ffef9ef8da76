package testrun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// disarmTimeout bounds the cleanup call when the caller's context is already gone.
const disarmTimeout = 5 * time.Second

// Actuator drives the thruster PWM channel.
type Actuator interface {
	Arm(ctx context.Context, channel string, dutyCycle float64) error
	SetDuty(ctx context.Context, channel string, dutyCycle float64) error
	// Disarm returns the channel to neutral and disables output. It never fails; problems are logged.
	Disarm(ctx context.Context, channel string)
	State() ActuatorState
}

// LogWriter persists the rows of a finished run and returns where they went.
type LogWriter interface {
	Write(startedAt time.Time, dutyCycle float64, rows []SensorSample) (string, error)
}

// Orchestrator owns the rig for at most one run at a time.
type Orchestrator struct {
	actuator Actuator
	sampler  *Sampler
	writer   LogWriter
	clock    clock.Clock
	logger   logging.Logger

	mu            sync.Mutex
	state         State
	runID         string
	stopCh        chan struct{}
	stopRequested bool
	runDone       chan struct{}
	manual        bool
	lastResult    *TestRunResult
}

// NewOrchestrator returns an idle orchestrator.
func NewOrchestrator(actuator Actuator, sampler *Sampler, writer LogWriter, clk clock.Clock, logger logging.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		actuator: actuator,
		sampler:  sampler,
		writer:   writer,
		clock:    clk,
		logger:   logger,
		state:    StateIdle,
	}
}

// Run executes one test and blocks until it has been disarmed and logged.
//
// Config errors and conflicts return a nil result. Every run that got past validation returns a
// non-nil result, with Err set when it failed.
func (o *Orchestrator) Run(ctx context.Context, cfg TestRunConfig) (*TestRunResult, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if err := o.busyLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	stopCh := make(chan struct{})
	result := &TestRunResult{
		RunID:             uuid.NewString(),
		DurationRequested: cfg.Duration(),
		DutyCycle:         cfg.DutyCycle,
		StartedAt:         o.clock.Now(),
	}
	o.state = StateArming
	o.runID = result.RunID
	o.stopCh = stopCh
	o.stopRequested = false
	o.runDone = make(chan struct{})
	o.mu.Unlock()

	o.logger.Infof("test run %s starting: duration=%.2fs duty=%.4f channel=%s period=%.3fs",
		result.RunID, cfg.DurationSeconds, cfg.DutyCycle, cfg.Channel, cfg.SamplePeriodSeconds)

	rows, runErr := o.armAndAcquire(ctx, cfg, stopCh)
	if errors.Is(runErr, errStopRequested) {
		result.Stopped = true
		runErr = nil
	}

	o.setState(StateStopping)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disarmTimeout)
	o.actuator.Disarm(cleanupCtx, cfg.Channel)
	cancel()

	result.EndedAt = o.clock.Now()
	result.Rows = rows
	result.SampleCount = len(rows)

	path, writeErr := o.writer.Write(result.StartedAt, cfg.DutyCycle, rows)
	if writeErr != nil {
		writeErr = fmt.Errorf("writing run log: %w", writeErr)
	}
	result.OutputPath = path
	result.Err = multierr.Combine(runErr, writeErr)

	final := StateCompleted
	if result.Failed() {
		final = StateFailed
		o.logger.Errorf("test run %s failed after %d samples: %v", result.RunID, result.SampleCount, result.Err)
	} else {
		o.logger.Infof("test run %s complete: %d samples written to %s", result.RunID, result.SampleCount, path)
	}

	o.mu.Lock()
	o.state = final
	o.stopCh = nil
	o.lastResult = result
	close(o.runDone)
	o.mu.Unlock()

	return result, result.Err
}

// armAndAcquire covers Arming and Running. Panics are turned into errors so Run always reaches
// the disarm call.
func (o *Orchestrator) armAndAcquire(ctx context.Context, cfg TestRunConfig, stopCh <-chan struct{}) (rows []SensorSample, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("test run aborted: %v", r)
		}
	}()

	if err := o.actuator.Arm(ctx, cfg.Channel, cfg.DutyCycle); err != nil {
		return nil, fmt.Errorf("arming channel %q: %w", cfg.Channel, err)
	}
	o.setState(StateRunning)

	period := cfg.SamplePeriod()
	duration := cfg.Duration()
	start := o.clock.Now()
	next := start
	for o.clock.Since(start) < duration {
		if err := checkStop(ctx, stopCh); err != nil {
			return rows, err
		}
		rows = append(rows, o.sampler.Acquire(ctx))

		// The rpm read blocks for its own window, so only the remainder of the period is waited.
		next = next.Add(period)
		wait := next.Sub(o.clock.Now())
		if wait <= 0 {
			next = o.clock.Now()
			continue
		}
		if err := o.waitTick(ctx, stopCh, wait); err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func (o *Orchestrator) waitTick(ctx context.Context, stopCh <-chan struct{}, d time.Duration) error {
	timer := o.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return errStopRequested
	case <-timer.C:
		return nil
	}
}

func checkStop(ctx context.Context, stopCh <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return errStopRequested
	default:
		return nil
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// RequestStop asks the active run to finish at its next tick boundary. It reports whether a run
// was active. Repeated calls are harmless.
func (o *Orchestrator) RequestStop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Active() || o.stopCh == nil {
		return false
	}
	if !o.stopRequested {
		o.stopRequested = true
		close(o.stopCh)
		o.logger.Infof("stop requested for test run %s", o.runID)
	}
	return true
}

// busyLocked reports ErrConflict while a run or a manual actuation holds the rig.
func (o *Orchestrator) busyLocked() error {
	if o.state.Active() {
		return fmt.Errorf("%w: run %s is %s", ErrConflict, o.runID, o.state)
	}
	if o.manual {
		return fmt.Errorf("%w: manual actuation in progress", ErrConflict)
	}
	return nil
}

// WhileIdle runs fn with the rig reserved, failing with ErrConflict if a run or another manual
// actuation holds it. The lock is not held while fn runs, so State and RequestStop stay
// responsive.
func (o *Orchestrator) WhileIdle(fn func() error) error {
	o.mu.Lock()
	if err := o.busyLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.manual = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.manual = false
		o.mu.Unlock()
	}()
	return fn()
}

// Wait blocks until the active run, if any, has disarmed and written its log.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.runDone
	active := o.state.Active()
	o.mu.Unlock()
	if !active || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ActiveRunID returns the id of the run occupying the rig, or "".
func (o *Orchestrator) ActiveRunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Active() {
		return ""
	}
	return o.runID
}

// LastResult returns the most recent finished run, or nil.
func (o *Orchestrator) LastResult() *TestRunResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}
