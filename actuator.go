package thrusterbench

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"thrusterbench/testrun"
)

const defaultArmingHold = 100 * time.Millisecond

// pinProvider is the part of board.Board the actuator needs.
type pinProvider interface {
	GPIOPinByName(name string) (board.GPIOPin, error)
}

// pwmActuator drives an ESC from a board PWM pin. A nil board means no actuation hardware was
// found at startup and every actuation call fails with ErrDeviceUnavailable.
type pwmActuator struct {
	board      pinProvider
	logger     logging.Logger
	armingHold time.Duration

	mu    sync.Mutex
	state testrun.ActuatorState
	// channels that have seen a pwm signal since they were last disarmed
	armed map[string]struct{}
}

func newPWMActuator(b pinProvider, armingHold time.Duration, logger logging.Logger) *pwmActuator {
	return &pwmActuator{
		board:      b,
		logger:     logger,
		armingHold: armingHold,
		armed:      map[string]struct{}{},
		state: testrun.ActuatorState{
			DutyCycle:   testrun.NeutralDutyCycle,
			FrequencyHz: testrun.PWMFrequencyHz,
		},
	}
}

// Available reports whether actuation hardware was present at startup.
func (a *pwmActuator) Available() bool {
	return a.board != nil
}

func (a *pwmActuator) pin(channel string) (board.GPIOPin, error) {
	if a.board == nil {
		return nil, testrun.ErrDeviceUnavailable
	}
	p, err := a.board.GPIOPinByName(channel)
	if err != nil {
		return nil, fmt.Errorf("%w: getting pin %q: %v", testrun.ErrActuation, channel, err)
	}
	return p, nil
}

// Arm starts the PWM signal at neutral so the ESC arms, then moves to dutyCycle. A different
// channel that is still enabled is disarmed first, so at most one channel drives a thruster.
func (a *pwmActuator) Arm(ctx context.Context, channel string, dutyCycle float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.pin(channel)
	if err != nil {
		return err
	}
	if prev := a.state.Channel; a.state.Enabled && prev != channel {
		a.logger.Warnf("arming %s while %s is enabled; disarming %s first", channel, prev, prev)
		a.disarmLocked(context.WithoutCancel(ctx), prev)
	}
	a.armed[channel] = struct{}{}
	if err := p.SetPWMFreq(ctx, testrun.PWMFrequencyHz, nil); err != nil {
		return fmt.Errorf("%w: setting pwm frequency on %q: %v", testrun.ErrActuation, channel, err)
	}
	if err := p.SetPWM(ctx, testrun.NeutralDutyCycle, nil); err != nil {
		return fmt.Errorf("%w: setting neutral on %q: %v", testrun.ErrActuation, channel, err)
	}
	a.state = testrun.ActuatorState{
		Enabled:     true,
		Channel:     channel,
		DutyCycle:   testrun.NeutralDutyCycle,
		FrequencyHz: testrun.PWMFrequencyHz,
	}
	if a.armingHold > 0 && !utils.SelectContextOrWait(ctx, a.armingHold) {
		return fmt.Errorf("%w: arming hold on %q interrupted: %w", testrun.ErrActuation, channel, ctx.Err())
	}
	if err := p.SetPWM(ctx, dutyCycle, nil); err != nil {
		return fmt.Errorf("%w: setting duty cycle on %q: %v", testrun.ErrActuation, channel, err)
	}
	a.state.DutyCycle = dutyCycle
	a.logger.Infof("thruster armed on %s at duty %.4f", channel, dutyCycle)
	return nil
}

// SetDuty changes the duty cycle of an armed channel.
func (a *pwmActuator) SetDuty(ctx context.Context, channel string, dutyCycle float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.pin(channel)
	if err != nil {
		return err
	}
	if !a.state.Enabled || a.state.Channel != channel {
		return fmt.Errorf("%w: channel %q is not armed", testrun.ErrActuation, channel)
	}
	if err := p.SetPWM(ctx, dutyCycle, nil); err != nil {
		return fmt.Errorf("%w: setting duty cycle on %q: %v", testrun.ErrActuation, channel, err)
	}
	a.state.DutyCycle = dutyCycle
	return nil
}

// Disarm returns the channel to neutral and drives the pin low. It is called from cleanup paths,
// so failures are logged and never returned.
func (a *pwmActuator) Disarm(ctx context.Context, channel string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.Enabled = false
	a.state.DutyCycle = testrun.NeutralDutyCycle
	if channel != "" {
		a.state.Channel = channel
	}
	a.disarmLocked(ctx, channel)
}

// DisarmAll disarms every channel armed since its last disarm, plus any extra channels given.
func (a *pwmActuator) DisarmAll(ctx context.Context, extra ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	channels := make([]string, 0, len(a.armed)+len(extra))
	seen := map[string]bool{}
	for _, ch := range extra {
		if ch != "" && !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	for ch := range a.armed {
		if !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)

	a.state.Enabled = false
	a.state.DutyCycle = testrun.NeutralDutyCycle
	for _, ch := range channels {
		a.disarmLocked(ctx, ch)
	}
}

func (a *pwmActuator) disarmLocked(ctx context.Context, channel string) {
	delete(a.armed, channel)
	if a.board == nil || channel == "" {
		return
	}

	p, err := a.pin(channel)
	if err != nil {
		a.logger.Errorf("disarm: %v", err)
		return
	}
	if err := p.SetPWM(ctx, testrun.NeutralDutyCycle, nil); err != nil {
		a.logger.Errorf("disarm: setting neutral on %q: %v", channel, err)
	}
	if err := p.Set(ctx, false, nil); err != nil {
		a.logger.Errorf("disarm: disabling pwm output on %q: %v", channel, err)
	}
}

// State returns a snapshot of the output.
func (a *pwmActuator) State() testrun.ActuatorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
