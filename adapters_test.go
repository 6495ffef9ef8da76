package thrusterbench

import (
	"context"
	"errors"
	"testing"

	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/testutils/inject"
)

type staticReadings map[string]interface{}

func (s staticReadings) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	return s, nil
}

func TestReadingValue(t *testing.T) {
	readings := map[string]interface{}{"f64": 1.5, "f32": float32(2.5), "int": 3, "i64": int64(4), "str": "5"}
	for key, want := range map[string]float64{"f64": 1.5, "f32": 2.5, "int": 3, "i64": 4} {
		got, err := readingValue(readings, key)
		if err != nil || got != want {
			t.Errorf("%s: got %v, %v; want %v", key, got, err, want)
		}
	}
	if _, err := readingValue(readings, "str"); err == nil {
		t.Error("expected error for non-numeric reading")
	}
	if _, err := readingValue(readings, "missing"); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestSensorAdapters(t *testing.T) {
	ctx := context.Background()

	rpm, err := newSensorRPMReader(staticReadings{"rpm": 1200.0}, "").ReadRPM(ctx)
	if err != nil || rpm != 1200 {
		t.Errorf("rpm adapter: got %v, %v", rpm, err)
	}
	force, err := newSensorForceReader(staticReadings{"newtons": 9.5}, "newtons").ReadForce(ctx)
	if err != nil || force != 9.5 {
		t.Errorf("force adapter: got %v, %v", force, err)
	}
}

type flakyMeter struct {
	currentErr error
}

func (m flakyMeter) Voltage(ctx context.Context, extra map[string]interface{}) (float64, bool, error) {
	return 14.8, false, nil
}

func (m flakyMeter) Current(ctx context.Context, extra map[string]interface{}) (float64, bool, error) {
	return 1.1, false, m.currentErr
}

func TestPowerSensorReader(t *testing.T) {
	v, i, err := (&powerSensorReader{sensor: flakyMeter{}}).ReadPower(context.Background())
	if err != nil || v != 14.8 || i != 1.1 {
		t.Errorf("got %v V %v A, %v", v, i, err)
	}

	_, _, err = (&powerSensorReader{sensor: flakyMeter{currentErr: errors.New("meter offline")}}).ReadPower(context.Background())
	if err == nil {
		t.Error("expected current failure to be reported")
	}
}

func TestResolveReaders(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rpmName := resource.NewName(sensor.API, "rpm")
	forceName := resource.NewName(sensor.API, "load-cell")

	bench := newRPMSensorFromConfig(rpmName, &RPMSensorConfig{}, logger)
	defer bench.Close(context.Background())
	other := inject.NewSensor("load-cell")
	deps := resource.Dependencies{rpmName: bench, forceName: other}

	t.Run("unset name resolves to nil", func(t *testing.T) {
		r, err := resolveRPMReader(deps, "", "")
		if r != nil || err != nil {
			t.Errorf("expected nil reader, got %v, %v", r, err)
		}
	})

	t.Run("bench sensor is used directly", func(t *testing.T) {
		r, err := resolveRPMReader(deps, "rpm", "")
		if err != nil {
			t.Fatalf("resolveRPMReader failed: %v", err)
		}
		if _, ok := r.(*rpmSensor); !ok {
			t.Errorf("expected *rpmSensor, got %T", r)
		}
	})

	t.Run("other sensors are adapted", func(t *testing.T) {
		r, err := resolveForceReader(deps, "load-cell", "")
		if err != nil {
			t.Fatalf("resolveForceReader failed: %v", err)
		}
		if _, ok := r.(*sensorForceReader); !ok {
			t.Errorf("expected *sensorForceReader, got %T", r)
		}
	})

	t.Run("missing sensor is an error", func(t *testing.T) {
		if _, err := resolvePowerReader(deps, "psu"); err == nil {
			t.Error("expected error for missing power sensor")
		}
	})

	t.Run("power meter is used directly", func(t *testing.T) {
		psuName := resource.NewName(powersensor.API, "psu")
		pm := newPowerMeterFromConfig(psuName, &PowerMeterConfig{}, logger)
		r, err := resolvePowerReader(resource.Dependencies{psuName: pm}, "psu")
		if err != nil {
			t.Fatalf("resolvePowerReader failed: %v", err)
		}
		if _, ok := r.(*powerMeter); !ok {
			t.Errorf("expected *powerMeter, got %T", r)
		}
	})
}
