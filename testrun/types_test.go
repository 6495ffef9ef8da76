package testrun

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestTestRunConfig(t *testing.T) {
	t.Run("defaults sample period", func(t *testing.T) {
		cfg := TestRunConfig{DurationSeconds: 2, DutyCycle: 0.5, Channel: "32"}.WithDefaults()
		if cfg.SamplePeriod() != 250*time.Millisecond {
			t.Errorf("expected 250ms, got %v", cfg.SamplePeriod())
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate failed: %v", err)
		}
	})

	t.Run("accepts duty cycle bounds", func(t *testing.T) {
		for _, duty := range []float64{0, 0.5, 1} {
			cfg := TestRunConfig{DurationSeconds: 1, DutyCycle: duty, Channel: "32", SamplePeriodSeconds: 0.25}
			if err := cfg.Validate(); err != nil {
				t.Errorf("duty %v rejected: %v", duty, err)
			}
		}
	})

	t.Run("rejects NaN values", func(t *testing.T) {
		cfgs := []TestRunConfig{
			{DurationSeconds: math.NaN(), DutyCycle: 0.5, Channel: "32", SamplePeriodSeconds: 0.25},
			{DurationSeconds: 1, DutyCycle: math.NaN(), Channel: "32", SamplePeriodSeconds: 0.25},
			{DurationSeconds: math.Inf(1), DutyCycle: 0.5, Channel: "32", SamplePeriodSeconds: 0.25},
		}
		for _, cfg := range cfgs {
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("%+v: expected ErrInvalidConfig, got %v", cfg, err)
			}
		}
	})
}

func TestTestRunConfigDurationRange(t *testing.T) {
	t.Run("rejects duration that overflows time.Duration", func(t *testing.T) {
		cfg := TestRunConfig{DurationSeconds: 1e12, DutyCycle: 0.6, Channel: "32", SamplePeriodSeconds: 0.25}
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v (duration %v)", err, cfg.Duration())
		}
	})

	t.Run("rejects period that truncates to zero", func(t *testing.T) {
		cfg := TestRunConfig{DurationSeconds: 2, DutyCycle: 0.6, Channel: "32", SamplePeriodSeconds: 1e-12}
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v (period %v)", err, cfg.SamplePeriod())
		}
	})

	t.Run("accepts long but representable runs", func(t *testing.T) {
		cfg := TestRunConfig{DurationSeconds: 86400, DutyCycle: 0.6, Channel: "32", SamplePeriodSeconds: 1e-9}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate failed: %v", err)
		}
		if cfg.Duration() != 24*time.Hour || cfg.SamplePeriod() != time.Nanosecond {
			t.Errorf("unexpected conversion %v %v", cfg.Duration(), cfg.SamplePeriod())
		}
	})
}

func TestStateActive(t *testing.T) {
	active := map[State]bool{
		StateIdle: false, StateArming: true, StateRunning: true,
		StateStopping: true, StateCompleted: false, StateFailed: false,
	}
	for s, want := range active {
		if s.Active() != want {
			t.Errorf("%v.Active() = %v, want %v", s, s.Active(), want)
		}
	}
}
