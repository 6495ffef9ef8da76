package testrun

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
)

// RPMReader blocks for its own sampling window and returns shaft speed.
type RPMReader interface {
	ReadRPM(ctx context.Context) (float64, error)
}

// PowerReader returns supply voltage and current from a single query session.
type PowerReader interface {
	ReadPower(ctx context.Context) (voltage, current float64, err error)
}

// ForceReader returns the load cell value.
type ForceReader interface {
	ReadForce(ctx context.Context) (float64, error)
}

var errNotConfigured = errors.New("not configured")

// Sampler reads every sensor once per tick and merges the values into one row.
type Sampler struct {
	rpm    RPMReader
	power  PowerReader
	force  ForceReader
	clock  clock.Clock
	logger logging.Logger
}

// NewSampler returns a Sampler. Any reader may be nil; its fields are then always unavailable.
func NewSampler(rpm RPMReader, power PowerReader, force ForceReader, clk clock.Clock, logger logging.Logger) *Sampler {
	if clk == nil {
		clk = clock.New()
	}
	return &Sampler{rpm: rpm, power: power, force: force, clock: clk, logger: logger}
}

// Acquire reads the sensors sequentially. A failing sensor only blanks its own fields.
func (s *Sampler) Acquire(ctx context.Context) SensorSample {
	sample := SensorSample{Timestamp: s.clock.Now()}
	sample.RPM = s.ReadRPM(ctx)
	sample.Voltage, sample.Current = s.ReadPower(ctx)
	sample.Force = s.ReadForce(ctx)
	return sample
}

// ReadRPM reads the rpm sensor alone.
func (s *Sampler) ReadRPM(ctx context.Context) Reading {
	if s.rpm == nil {
		return s.unavailable("rpm", errNotConfigured)
	}
	v, err := s.rpm.ReadRPM(ctx)
	if err != nil {
		return s.unavailable("rpm", err)
	}
	return Reading{Value: v}
}

// ReadPower reads the power meter alone.
func (s *Sampler) ReadPower(ctx context.Context) (voltage, current Reading) {
	if s.power == nil {
		r := s.unavailable("power", errNotConfigured)
		return r, r
	}
	v, i, err := s.power.ReadPower(ctx)
	if err != nil {
		r := s.unavailable("power", err)
		return r, r
	}
	return Reading{Value: v}, Reading{Value: i}
}

// ReadForce reads the force sensor alone.
func (s *Sampler) ReadForce(ctx context.Context) Reading {
	if s.force == nil {
		return s.unavailable("force", errNotConfigured)
	}
	v, err := s.force.ReadForce(ctx)
	if err != nil {
		return s.unavailable("force", err)
	}
	return Reading{Value: v}
}

func (s *Sampler) unavailable(sensor string, cause error) Reading {
	err := fmt.Errorf("%w: %s: %v", ErrSensorUnavailable, sensor, cause)
	if !errors.Is(cause, errNotConfigured) {
		s.logger.Warnf("%v", err)
	}
	return Reading{Err: err}
}
