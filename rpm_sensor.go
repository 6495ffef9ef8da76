package thrusterbench

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

var RPMSensor = resource.NewModel("viamdemo", "thruster-bench", "rpm-sensor")

func init() {
	resource.RegisterComponent(sensor.API, RPMSensor,
		resource.Registration[sensor.Sensor, *RPMSensorConfig]{
			Constructor: newRPMSensor,
		},
	)
}

const (
	defaultPulsesPerRevolution = 7
	defaultRPMSampleTime       = 250 * time.Millisecond
	tickBufferSize             = 1024
)

type RPMSensorConfig struct {
	Board               string `json:"board"`     // REQUIRED: board exposing the interrupt
	Interrupt           string `json:"interrupt"` // REQUIRED: digital interrupt wired to the ESC tach line
	PulsesPerRevolution int    `json:"pulses_per_revolution,omitempty"`
	SampleTimeMs        int    `json:"sample_time_ms,omitempty"`
}

func (cfg *RPMSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Board == "" {
		return nil, nil, fmt.Errorf("%s: board is required", path)
	}
	if cfg.Interrupt == "" {
		return nil, nil, fmt.Errorf("%s: interrupt is required", path)
	}
	if cfg.PulsesPerRevolution < 0 {
		return nil, nil, fmt.Errorf("%s: pulses_per_revolution cannot be negative", path)
	}
	if cfg.SampleTimeMs < 0 {
		return nil, nil, fmt.Errorf("%s: sample_time_ms cannot be negative", path)
	}
	return []string{cfg.Board}, nil, nil
}

// pulseCounter counts tach edges for a single rpm sensor. The tick consumer is its only writer
// and ReadRPM its only reader.
type pulseCounter struct {
	n *atomic.Int64
}

func newPulseCounter() pulseCounter {
	return pulseCounter{n: atomic.NewInt64(0)}
}

func (c pulseCounter) Record()      { c.n.Inc() }
func (c pulseCounter) Reset()       { c.n.Store(0) }
func (c pulseCounter) Count() int64 { return c.n.Load() }

type rpmSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger

	pulsesPerRev int
	sampleTime   time.Duration
	pulses       pulseCounter

	// readMu keeps windows from overlapping, since each one resets the counter.
	readMu sync.Mutex

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

func newRPMSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*RPMSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	b, err := board.FromDependencies(deps, conf.Board)
	if err != nil {
		return nil, fmt.Errorf("getting board: %w", err)
	}
	interrupt, err := b.DigitalInterruptByName(conf.Interrupt)
	if err != nil {
		return nil, fmt.Errorf("getting digital interrupt %q: %w", conf.Interrupt, err)
	}

	s := newRPMSensorFromConfig(rawConf.ResourceName(), conf, logger)
	ticks := make(chan board.Tick, tickBufferSize)
	if err := b.StreamTicks(s.cancelCtx, []board.DigitalInterrupt{interrupt}, ticks, nil); err != nil {
		s.cancelFunc()
		return nil, fmt.Errorf("streaming ticks from %q: %w", conf.Interrupt, err)
	}
	s.startCounting(ticks)

	logger.Infof("rpm-sensor counting %q on board %q (%d pulses/rev, %v window)",
		conf.Interrupt, conf.Board, s.pulsesPerRev, s.sampleTime)
	return s, nil
}

func newRPMSensorFromConfig(name resource.Name, conf *RPMSensorConfig, logger logging.Logger) *rpmSensor {
	ppr := conf.PulsesPerRevolution
	if ppr <= 0 {
		ppr = defaultPulsesPerRevolution
	}
	sampleTime := time.Duration(conf.SampleTimeMs) * time.Millisecond
	if sampleTime <= 0 {
		sampleTime = defaultRPMSampleTime
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &rpmSensor{
		name:         name,
		logger:       logger,
		pulsesPerRev: ppr,
		sampleTime:   sampleTime,
		pulses:       newPulseCounter(),
		cancelCtx:    cancelCtx,
		cancelFunc:   cancelFunc,
	}
}

func (s *rpmSensor) startCounting(ticks <-chan board.Tick) {
	s.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			select {
			case <-s.cancelCtx.Done():
				return
			case tick := <-ticks:
				if tick.High {
					s.pulses.Record()
				}
			}
		}
	}, s.activeBackgroundWorkers.Done)
}

// ReadRPM counts rising edges over one sample window, so it blocks for that long.
func (s *rpmSensor) ReadRPM(ctx context.Context) (float64, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.pulses.Reset()
	if !utils.SelectContextOrWait(ctx, s.sampleTime) {
		return 0, ctx.Err()
	}
	return pulsesToRPM(s.pulses.Count(), s.sampleTime, s.pulsesPerRev), nil
}

func pulsesToRPM(pulses int64, window time.Duration, pulsesPerRev int) float64 {
	if window <= 0 || pulsesPerRev <= 0 {
		return 0
	}
	freq := float64(pulses) / window.Seconds()
	return freq * 60 / float64(pulsesPerRev)
}

func (s *rpmSensor) Name() resource.Name {
	return s.name
}

func (s *rpmSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	rpm, err := s.ReadRPM(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"rpm":                   rpm,
		"pulses_per_revolution": s.pulsesPerRev,
		"sample_time_ms":        s.sampleTime.Milliseconds(),
	}, nil
}

func (s *rpmSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on rpm-sensor")
}

func (s *rpmSensor) Close(context.Context) error {
	s.cancelFunc()
	s.activeBackgroundWorkers.Wait()
	return nil
}
