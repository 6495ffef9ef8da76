package thrusterbench

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/resource"

	"thrusterbench/testrun"
)

// The controller reads its sensors through these adapters so any Viam sensor can stand in for the
// bench's own components.

// readingsGetter is the part of sensor.Sensor the readings adapters use.
type readingsGetter interface {
	Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error)
}

// readingValue pulls a numeric value for key out of a readings map.
func readingValue(readings map[string]interface{}, key string) (float64, error) {
	val, ok := readings[key]
	if !ok {
		return 0, fmt.Errorf("sensor readings missing %q key", key)
	}

	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("sensor reading %q is not numeric: %T", key, val)
	}
}

// sensorRPMReader wraps a Viam sensor component to read shaft speed
type sensorRPMReader struct {
	sensor readingsGetter
	key    string
}

func newSensorRPMReader(s readingsGetter, key string) *sensorRPMReader {
	if key == "" {
		key = "rpm"
	}
	return &sensorRPMReader{sensor: s, key: key}
}

func (r *sensorRPMReader) ReadRPM(ctx context.Context) (float64, error) {
	readings, err := r.sensor.Readings(ctx, nil)
	if err != nil {
		return 0, err
	}
	return readingValue(readings, r.key)
}

// sensorForceReader wraps a Viam sensor component to read force values
type sensorForceReader struct {
	sensor   readingsGetter
	forceKey string
}

func newSensorForceReader(s readingsGetter, forceKey string) *sensorForceReader {
	if forceKey == "" {
		forceKey = "force"
	}
	return &sensorForceReader{sensor: s, forceKey: forceKey}
}

func (r *sensorForceReader) ReadForce(ctx context.Context) (float64, error) {
	readings, err := r.sensor.Readings(ctx, nil)
	if err != nil {
		return 0, err
	}
	return readingValue(readings, r.forceKey)
}

// voltageCurrentGetter is the part of powersensor.PowerSensor the power adapter uses.
type voltageCurrentGetter interface {
	Voltage(ctx context.Context, extra map[string]interface{}) (float64, bool, error)
	Current(ctx context.Context, extra map[string]interface{}) (float64, bool, error)
}

// powerSensorReader reads voltage and current from any Viam power sensor.
type powerSensorReader struct {
	sensor voltageCurrentGetter
}

func (r *powerSensorReader) ReadPower(ctx context.Context) (float64, float64, error) {
	v, _, err := r.sensor.Voltage(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	i, _, err := r.sensor.Current(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	return v, i, nil
}

// resolveRPMReader returns nil when name is unset or missing from deps; the sampler then reports
// the rpm as unavailable on every tick.
func resolveRPMReader(deps resource.Dependencies, name, key string) (testrun.RPMReader, error) {
	if name == "" {
		return nil, nil
	}
	s, err := sensor.FromDependencies(deps, name)
	if err != nil {
		return nil, fmt.Errorf("getting rpm sensor: %w", err)
	}
	if r, ok := s.(testrun.RPMReader); ok {
		return r, nil
	}
	return newSensorRPMReader(s, key), nil
}

func resolvePowerReader(deps resource.Dependencies, name string) (testrun.PowerReader, error) {
	if name == "" {
		return nil, nil
	}
	ps, err := powersensor.FromDependencies(deps, name)
	if err != nil {
		return nil, fmt.Errorf("getting power sensor: %w", err)
	}
	if r, ok := ps.(testrun.PowerReader); ok {
		return r, nil
	}
	return &powerSensorReader{sensor: ps}, nil
}

func resolveForceReader(deps resource.Dependencies, name, key string) (testrun.ForceReader, error) {
	if name == "" {
		return nil, nil
	}
	s, err := sensor.FromDependencies(deps, name)
	if err != nil {
		return nil, fmt.Errorf("getting force sensor: %w", err)
	}
	if r, ok := s.(testrun.ForceReader); ok {
		return r, nil
	}
	return newSensorForceReader(s, key), nil
}
