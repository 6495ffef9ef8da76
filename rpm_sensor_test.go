package thrusterbench

import (
	"context"
	"testing"
	"time"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

func TestRPMSensorConfig(t *testing.T) {
	t.Run("requires board and interrupt", func(t *testing.T) {
		if _, _, err := (&RPMSensorConfig{Interrupt: "tach"}).Validate("test"); err == nil {
			t.Error("expected error for missing board")
		}
		if _, _, err := (&RPMSensorConfig{Board: "pi"}).Validate("test"); err == nil {
			t.Error("expected error for missing interrupt")
		}
	})

	t.Run("board is a required dependency", func(t *testing.T) {
		deps, _, err := (&RPMSensorConfig{Board: "pi", Interrupt: "tach"}).Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 1 || deps[0] != "pi" {
			t.Errorf("expected [pi], got %v", deps)
		}
	})
}

func TestPulsesToRPM(t *testing.T) {
	cases := []struct {
		pulses int64
		window time.Duration
		ppr    int
		want   float64
	}{
		// 7 pulses in 0.25s is 28 Hz, 4 rev/s
		{7, 250 * time.Millisecond, 7, 240},
		{0, 250 * time.Millisecond, 7, 0},
		{70, time.Second, 7, 600},
		{10, 0, 7, 0},
		{10, time.Second, 0, 0},
	}
	for _, tc := range cases {
		if got := pulsesToRPM(tc.pulses, tc.window, tc.ppr); got != tc.want {
			t.Errorf("pulsesToRPM(%d, %v, %d) = %v, want %v", tc.pulses, tc.window, tc.ppr, got, tc.want)
		}
	}
}

func newTestRPMSensor(t *testing.T, window time.Duration) (*rpmSensor, chan board.Tick) {
	t.Helper()
	s := newRPMSensorFromConfig(
		resource.NewName(sensor.API, "rpm"),
		&RPMSensorConfig{Board: "pi", Interrupt: "tach", SampleTimeMs: int(window.Milliseconds())},
		logging.NewTestLogger(t),
	)
	ticks := make(chan board.Tick, tickBufferSize)
	s.startCounting(ticks)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, ticks
}

func TestRPMSensorCountsRisingEdgesInWindow(t *testing.T) {
	s, ticks := newTestRPMSensor(t, 200*time.Millisecond)

	done := make(chan struct{})
	var rpm float64
	var err error
	go func() {
		defer close(done)
		rpm, err = s.ReadRPM(context.Background())
	}()

	// let the window open before feeding edges
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 14; i++ {
		ticks <- board.Tick{Name: "tach", High: true}
		ticks <- board.Tick{Name: "tach", High: false}
	}
	<-done

	if err != nil {
		t.Fatalf("ReadRPM failed: %v", err)
	}
	// 14 edges over 0.2s with 7 pulses/rev is 10 rev/s
	if rpm != 600 {
		t.Errorf("expected 600 rpm, got %v", rpm)
	}
}

func TestRPMSensorIdleShaftReadsZero(t *testing.T) {
	s, _ := newTestRPMSensor(t, 20*time.Millisecond)

	readings, err := s.Readings(context.Background(), nil)
	if err != nil {
		t.Fatalf("Readings failed: %v", err)
	}
	if readings["rpm"] != 0.0 {
		t.Errorf("expected 0 rpm, got %v", readings["rpm"])
	}
	if readings["pulses_per_revolution"] != defaultPulsesPerRevolution {
		t.Errorf("expected default pulses per revolution, got %v", readings["pulses_per_revolution"])
	}
}

func TestRPMSensorCanceledRead(t *testing.T) {
	s, _ := newTestRPMSensor(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.ReadRPM(ctx); err == nil {
		t.Error("expected error for canceled context")
	}
}
