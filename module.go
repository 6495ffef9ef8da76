package thrusterbench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"

	"thrusterbench/testrun"
)

var Controller = resource.NewModel("viamdemo", "thruster-bench", "controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newThrusterBenchController,
		},
	)
}

const (
	defaultDurationSeconds = 10.0
	defaultDutyCycle       = 0.6327

	// how long Close waits for an active run to disarm and write its log
	closeWaitTimeout = 5 * time.Second
)

type Config struct {
	Board       string `json:"board,omitempty"`   // optional: without it thruster control is disabled
	Channel     string `json:"channel,omitempty"` // PWM pin driving the ESC
	RPMSensor   string `json:"rpm_sensor,omitempty"`
	RPMKey      string `json:"rpm_key,omitempty"`
	PowerSensor string `json:"power_sensor,omitempty"`
	ForceSensor string `json:"force_sensor,omitempty"`
	ForceKey    string `json:"force_key,omitempty"`
	LogDir      string `json:"log_dir,omitempty"`

	DefaultDurationSeconds float64  `json:"default_duration_seconds,omitempty"`
	DefaultDutyCycle       *float64 `json:"default_duty_cycle,omitempty"`
	SamplePeriodSeconds    float64  `json:"sample_period_seconds,omitempty"`
	ArmingHoldMs           *int     `json:"arming_hold_ms,omitempty"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Board != "" && cfg.Channel == "" {
		return nil, nil, fmt.Errorf("%s: channel is required when board is set", path)
	}
	if cfg.DefaultDurationSeconds < 0 {
		return nil, nil, fmt.Errorf("%s: default_duration_seconds cannot be negative", path)
	}
	if d := cfg.DefaultDutyCycle; d != nil && (*d < 0 || *d > 1) {
		return nil, nil, fmt.Errorf("%s: default_duty_cycle must be within [0, 1]", path)
	}
	if cfg.SamplePeriodSeconds < 0 {
		return nil, nil, fmt.Errorf("%s: sample_period_seconds cannot be negative", path)
	}
	if cfg.ArmingHoldMs != nil && *cfg.ArmingHoldMs < 0 {
		return nil, nil, fmt.Errorf("%s: arming_hold_ms cannot be negative", path)
	}

	// Every piece of hardware is optional so a missing device degrades the bench instead of
	// keeping the controller from starting.
	var optional []string
	for _, dep := range []string{cfg.Board, cfg.RPMSensor, cfg.PowerSensor, cfg.ForceSensor} {
		if dep != "" {
			optional = append(optional, dep)
		}
	}
	return nil, optional, nil
}

// runDefaults fills unset start_test arguments.
func (cfg *Config) runDefaults() testrun.TestRunConfig {
	rc := testrun.TestRunConfig{
		DurationSeconds:     defaultDurationSeconds,
		DutyCycle:           defaultDutyCycle,
		Channel:             cfg.Channel,
		SamplePeriodSeconds: cfg.SamplePeriodSeconds,
	}
	if cfg.DefaultDurationSeconds > 0 {
		rc.DurationSeconds = cfg.DefaultDurationSeconds
	}
	if cfg.DefaultDutyCycle != nil {
		rc.DutyCycle = *cfg.DefaultDutyCycle
	}
	return rc.WithDefaults()
}

type thrusterBenchController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	actuator     *pwmActuator
	sampler      *testrun.Sampler
	orchestrator *testrun.Orchestrator
	logDir       string
}

func newThrusterBenchController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	// A missing board is decided once here; every actuation call then fails with
	// ErrDeviceUnavailable instead of probing hardware again.
	var pins pinProvider
	if conf.Board != "" {
		b, err := board.FromDependencies(deps, conf.Board)
		if err != nil {
			logger.Warnf("board %q unavailable, thruster control disabled: %v", conf.Board, err)
		} else {
			pins = b
		}
	} else {
		logger.Warnf("no board configured, thruster control disabled")
	}

	armingHold := defaultArmingHold
	if conf.ArmingHoldMs != nil {
		armingHold = time.Duration(*conf.ArmingHoldMs) * time.Millisecond
	}

	rpm, err := resolveRPMReader(deps, conf.RPMSensor, conf.RPMKey)
	if err != nil {
		logger.Warnf("rpm readings unavailable: %v", err)
	}
	power, err := resolvePowerReader(deps, conf.PowerSensor)
	if err != nil {
		logger.Warnf("power readings unavailable: %v", err)
	}
	force, err := resolveForceReader(deps, conf.ForceSensor, conf.ForceKey)
	if err != nil {
		logger.Warnf("force readings unavailable: %v", err)
	}

	return newController(name, conf, logger, newPWMActuator(pins, armingHold, logger), rpm, power, force, clock.New()), nil
}

func newController(
	name resource.Name,
	conf *Config,
	logger logging.Logger,
	actuator *pwmActuator,
	rpm testrun.RPMReader,
	power testrun.PowerReader,
	force testrun.ForceReader,
	clk clock.Clock,
) *thrusterBenchController {
	logDir := conf.LogDir
	if logDir == "" {
		logDir = testrun.DefaultLogDir
	}
	sampler := testrun.NewSampler(rpm, power, force, clk, logger)
	orchestrator := testrun.NewOrchestrator(actuator, sampler, testrun.NewCSVWriter(logDir), clk, logger)

	return &thrusterBenchController{
		name:         name,
		logger:       logger,
		cfg:          conf,
		actuator:     actuator,
		sampler:      sampler,
		orchestrator: orchestrator,
		logDir:       logDir,
	}
}

func (s *thrusterBenchController) Name() resource.Name {
	return s.name
}

func (s *thrusterBenchController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start_test":
		return s.handleStartTest(ctx, cmd)
	case "stop":
		return s.handleStop(ctx)
	case "status":
		return s.RunState(ctx)
	case "start_thruster":
		return s.handleStartThruster(ctx, cmd)
	case "set_duty":
		return s.handleSetDuty(ctx, cmd)
	case "thruster_status":
		return s.handleThrusterStatus()
	case "read_rpm":
		return s.handleReadRPM(ctx), nil
	case "read_power":
		return s.handleReadPower(ctx), nil
	case "read_force":
		return s.handleReadForce(ctx), nil
	case "list_logs":
		return s.handleListLogs()
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// handleStartTest blocks for the whole run.
func (s *thrusterBenchController) handleStartTest(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	rc, err := s.runConfigFromCommand(cmd)
	if err != nil {
		return nil, err
	}
	if !s.actuator.Available() {
		return nil, fmt.Errorf("%w: configure a board to run tests", testrun.ErrDeviceUnavailable)
	}

	result, err := s.orchestrator.Run(ctx, rc)
	if err != nil {
		if result != nil {
			return nil, fmt.Errorf("test run %s failed after %d samples: %w", result.RunID, result.SampleCount, err)
		}
		return nil, err
	}

	return map[string]interface{}{
		"status":       "success",
		"run_id":       result.RunID,
		"duration":     rc.DurationSeconds,
		"sample_count": result.SampleCount,
		"filename":     filepath.Base(result.OutputPath),
		"path":         result.OutputPath,
		"stopped":      result.Stopped,
	}, nil
}

func (s *thrusterBenchController) runConfigFromCommand(cmd map[string]interface{}) (testrun.TestRunConfig, error) {
	rc := s.cfg.runDefaults()
	var err error
	if rc.DurationSeconds, err = floatArg(cmd, "duration_seconds", rc.DurationSeconds); err != nil {
		return rc, err
	}
	// "duration" is the short form used by the bench web page
	if rc.DurationSeconds, err = floatArg(cmd, "duration", rc.DurationSeconds); err != nil {
		return rc, err
	}
	if rc.DutyCycle, err = floatArg(cmd, "duty_cycle", rc.DutyCycle); err != nil {
		return rc, err
	}
	if rc.SamplePeriodSeconds, err = floatArg(cmd, "sample_period_seconds", rc.SamplePeriodSeconds); err != nil {
		return rc, err
	}
	if rc.Channel, err = stringArg(cmd, "channel", rc.Channel); err != nil {
		return rc, err
	}
	return rc, rc.Validate()
}

// handleStop is idempotent. It ends an active run at its next tick boundary, or disarms every
// channel armed so far when no run is active.
func (s *thrusterBenchController) handleStop(ctx context.Context) (map[string]interface{}, error) {
	if s.orchestrator.RequestStop() {
		return map[string]interface{}{
			"status":  "success",
			"message": "stop requested",
			"run_id":  s.orchestrator.ActiveRunID(),
		}, nil
	}

	s.actuator.DisarmAll(ctx, s.actuator.State().Channel, s.cfg.Channel)
	return map[string]interface{}{
		"status":  "success",
		"message": "thruster stopped",
	}, nil
}

func (s *thrusterBenchController) handleStartThruster(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	duty, err := floatArg(cmd, "duty_cycle", testrun.NeutralDutyCycle)
	if err != nil {
		return nil, err
	}
	channel, err := stringArg(cmd, "channel", s.cfg.Channel)
	if err != nil {
		return nil, err
	}
	if err := validateDuty(duty); err != nil {
		return nil, err
	}

	err = s.orchestrator.WhileIdle(func() error {
		if err := s.actuator.Arm(ctx, channel, duty); err != nil {
			s.actuator.Disarm(context.WithoutCancel(ctx), channel)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":     "success",
		"duty_cycle": duty,
		"channel":    channel,
	}, nil
}

func (s *thrusterBenchController) handleSetDuty(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if _, ok := cmd["duty_cycle"]; !ok {
		return nil, fmt.Errorf("%w: duty_cycle is required", testrun.ErrInvalidConfig)
	}
	duty, err := floatArg(cmd, "duty_cycle", 0)
	if err != nil {
		return nil, err
	}
	if err := validateDuty(duty); err != nil {
		return nil, err
	}
	channel, err := stringArg(cmd, "channel", s.actuator.State().Channel)
	if err != nil {
		return nil, err
	}

	err = s.orchestrator.WhileIdle(func() error {
		return s.actuator.SetDuty(ctx, channel, duty)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":     "success",
		"duty_cycle": duty,
		"channel":    channel,
	}, nil
}

func (s *thrusterBenchController) handleThrusterStatus() (map[string]interface{}, error) {
	if !s.actuator.Available() {
		return nil, testrun.ErrDeviceUnavailable
	}
	st := s.actuator.State()
	return map[string]interface{}{
		"status":        "success",
		"pwm_enabled":   st.Enabled,
		"pwm_frequency": int(st.FrequencyHz),
		"duty_cycle":    st.DutyCycle,
		"channel":       st.Channel,
	}, nil
}

func floatArg(cmd map[string]interface{}, key string, def float64) (float64, error) {
	raw, ok := cmd[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", testrun.ErrInvalidConfig, key, raw)
	}
}

func stringArg(cmd map[string]interface{}, key, def string) (string, error) {
	raw, ok := cmd[key]
	if !ok || raw == nil {
		return def, nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", testrun.ErrInvalidConfig, key, raw)
	}
	if v == "" {
		return def, nil
	}
	return v, nil
}

func validateDuty(duty float64) error {
	if math.IsNaN(duty) || duty < 0 || duty > 1 {
		return fmt.Errorf("%w: duty_cycle must be within [0, 1], got %v", testrun.ErrInvalidConfig, duty)
	}
	return nil
}

func errorPayload(err error) map[string]interface{} {
	return map[string]interface{}{
		"status":  "error",
		"message": err.Error(),
	}
}

func (s *thrusterBenchController) handleReadRPM(ctx context.Context) map[string]interface{} {
	r := s.sampler.ReadRPM(ctx)
	if !r.Available() {
		return errorPayload(r.Err)
	}
	return map[string]interface{}{"status": "success", "rpm": r.Value}
}

func (s *thrusterBenchController) handleReadPower(ctx context.Context) map[string]interface{} {
	v, i := s.sampler.ReadPower(ctx)
	if !v.Available() {
		return errorPayload(v.Err)
	}
	return map[string]interface{}{"status": "success", "voltage": v.Value, "current": i.Value}
}

func (s *thrusterBenchController) handleReadForce(ctx context.Context) map[string]interface{} {
	r := s.sampler.ReadForce(ctx)
	if !r.Available() {
		return errorPayload(r.Err)
	}
	return map[string]interface{}{"status": "success", "force": r.Value}
}

func (s *thrusterBenchController) handleListLogs() (map[string]interface{}, error) {
	entries, err := os.ReadDir(s.logDir)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]interface{}{"status": "success", "logs": []interface{}{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.logDir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && testrun.IsLogFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	logs := make([]interface{}, len(names))
	for i, n := range names {
		logs[i] = n
	}
	return map[string]interface{}{"status": "success", "logs": logs}, nil
}

// RunState reports the orchestrator, the thruster output and the last finished run. The
// run-state sensor exposes it as readings.
func (s *thrusterBenchController) RunState(ctx context.Context) (map[string]interface{}, error) {
	st := s.actuator.State()
	state := map[string]interface{}{
		"status":             "success",
		"state":              s.orchestrator.State().String(),
		"run_id":             s.orchestrator.ActiveRunID(),
		"thruster_available": s.actuator.Available(),
		"pwm_enabled":        st.Enabled,
		"duty_cycle":         st.DutyCycle,
		"channel":            st.Channel,
	}

	if last := s.orchestrator.LastResult(); last != nil {
		state["last_run_id"] = last.RunID
		state["last_sample_count"] = last.SampleCount
		state["last_filename"] = filepath.Base(last.OutputPath)
		state["last_started_at"] = last.StartedAt.Format(time.RFC3339)
		state["last_stopped"] = last.Stopped
		if last.Failed() {
			state["last_status"] = "error"
			state["last_error"] = last.Err.Error()
		} else {
			state["last_status"] = "success"
		}
	}
	return state, nil
}

// Close ends any active run, waits a bounded time for it to disarm, and leaves every armed
// channel at neutral.
func (s *thrusterBenchController) Close(ctx context.Context) error {
	if s.orchestrator.RequestStop() {
		waitCtx, cancel := context.WithTimeout(ctx, closeWaitTimeout)
		err := s.orchestrator.Wait(waitCtx)
		cancel()
		if err != nil {
			s.logger.Warnf("test run %s still %s at close: %v", s.orchestrator.ActiveRunID(), s.orchestrator.State(), err)
		}
	}
	s.actuator.DisarmAll(context.WithoutCancel(ctx))
	return nil
}
