package thrusterbench

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var RunStateSensor = resource.NewModel("viamdemo", "thruster-bench", "run-state-sensor")

func init() {
	resource.RegisterComponent(sensor.API, RunStateSensor,
		resource.Registration[sensor.Sensor, *RunStateSensorConfig]{
			Constructor: newRunStateSensor,
		},
	)
}

// RunStateSensorConfig names the thruster-bench controller whose state is reported.
type RunStateSensorConfig struct {
	Controller string `json:"controller"`
}

func (cfg *RunStateSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Controller == "" {
		return nil, nil, fmt.Errorf("%s: controller is required", path)
	}
	return []string{generic.Named(cfg.Controller).String()}, nil, nil
}

// runStateProvider is implemented by a controller in the same module process.
type runStateProvider interface {
	RunState(ctx context.Context) (map[string]interface{}, error)
}

// commandStateProvider asks a controller for its state over DoCommand, which is all a remote
// controller exposes.
type commandStateProvider struct {
	res resource.Resource
}

func (p commandStateProvider) RunState(ctx context.Context) (map[string]interface{}, error) {
	return p.res.DoCommand(ctx, map[string]interface{}{"command": "status"})
}

// runStateSensor returns the controller's status snapshot as its readings, so data capture
// records which run was active.
type runStateSensor struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	controller runStateProvider
}

func newRunStateSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*RunStateSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	ctrl, err := deps.Lookup(generic.Named(conf.Controller))
	if err != nil {
		return nil, fmt.Errorf("run-state-sensor needs controller %q: %w", conf.Controller, err)
	}

	provider, ok := ctrl.(runStateProvider)
	if !ok {
		provider = commandStateProvider{res: ctrl}
	}

	return &runStateSensor{
		name:       rawConf.ResourceName(),
		logger:     logger,
		controller: provider,
	}, nil
}

func (s *runStateSensor) Name() resource.Name {
	return s.name
}

func (s *runStateSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	state, err := s.controller.RunState(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: reading controller state: %w", s.name.ShortName(), err)
	}
	return state, nil
}

func (s *runStateSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on run-state-sensor")
}

func (s *runStateSensor) Close(context.Context) error {
	return nil
}
