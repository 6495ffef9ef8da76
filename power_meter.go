package thrusterbench

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"thrusterbench/internal/scpi"
)

var PowerMeter = resource.NewModel("viamdemo", "thruster-bench", "power-meter")

func init() {
	resource.RegisterComponent(powersensor.API, PowerMeter,
		resource.Registration[powersensor.PowerSensor, *PowerMeterConfig]{
			Constructor: newPowerMeter,
		},
	)
}

const (
	defaultPowerMeterHost = "192.168.1.141"
	defaultPowerMeterPort = 50505

	measureVoltage = "MEAS:VOLT?"
	measureCurrent = "MEAS:CURR?"
)

type PowerMeterConfig struct {
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"` // connect and read timeout, at most 2000
}

func (cfg *PowerMeterConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, nil, fmt.Errorf("%s: port %d out of range", path, cfg.Port)
	}
	if cfg.TimeoutMs < 0 || time.Duration(cfg.TimeoutMs)*time.Millisecond > scpi.MaxTimeout {
		return nil, nil, fmt.Errorf("%s: timeout_ms must be between 0 and %d", path, scpi.MaxTimeout.Milliseconds())
	}
	return nil, nil, nil
}

func (cfg *PowerMeterConfig) address() string {
	host := cfg.Host
	if host == "" {
		host = defaultPowerMeterHost
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPowerMeterPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// powerMeter reads a bench supply's own voltage and current meters over SCPI.
type powerMeter struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	client *scpi.Client
}

func newPowerMeter(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (powersensor.PowerSensor, error) {
	conf, err := resource.NativeConfig[*PowerMeterConfig](rawConf)
	if err != nil {
		return nil, err
	}
	pm := newPowerMeterFromConfig(rawConf.ResourceName(), conf, logger)
	logger.Infof("power-meter querying %s", pm.client.Addr())
	return pm, nil
}

func newPowerMeterFromConfig(name resource.Name, conf *PowerMeterConfig, logger logging.Logger) *powerMeter {
	return &powerMeter{
		name:   name,
		logger: logger,
		client: scpi.NewClient(conf.address(), time.Duration(conf.TimeoutMs)*time.Millisecond),
	}
}

func (pm *powerMeter) Name() resource.Name {
	return pm.name
}

// ReadPower queries voltage then current over a single connection.
func (pm *powerMeter) ReadPower(ctx context.Context) (float64, float64, error) {
	values, err := pm.client.QueryFloats(ctx, measureVoltage, measureCurrent)
	if err != nil {
		return 0, 0, err
	}
	return values[0], values[1], nil
}

func (pm *powerMeter) Voltage(ctx context.Context, extra map[string]interface{}) (float64, bool, error) {
	values, err := pm.client.QueryFloats(ctx, measureVoltage)
	if err != nil {
		return 0, false, err
	}
	return values[0], false, nil
}

func (pm *powerMeter) Current(ctx context.Context, extra map[string]interface{}) (float64, bool, error) {
	values, err := pm.client.QueryFloats(ctx, measureCurrent)
	if err != nil {
		return 0, false, err
	}
	return values[0], false, nil
}

func (pm *powerMeter) Power(ctx context.Context, extra map[string]interface{}) (float64, error) {
	v, i, err := pm.ReadPower(ctx)
	if err != nil {
		return 0, err
	}
	return v * i, nil
}

func (pm *powerMeter) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	v, i, err := pm.ReadPower(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"voltage": v,
		"current": i,
		"power":   v * i,
	}, nil
}

// DoCommand passes raw SCPI queries through: {"command": "query", "scpi": "*IDN?"}.
func (pm *powerMeter) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "query":
		q, ok := cmd["scpi"].(string)
		if !ok || q == "" {
			return nil, fmt.Errorf("query requires a 'scpi' string")
		}
		resp, err := pm.client.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"response": resp[0]}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (pm *powerMeter) Close(context.Context) error {
	return nil
}
