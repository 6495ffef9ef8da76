package thrusterbench

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"thrusterbench/internal/modbus"
)

var ForceSensor = resource.NewModel("viamdemo", "thruster-bench", "force-sensor")

func init() {
	resource.RegisterComponent(sensor.API, ForceSensor,
		resource.Registration[sensor.Sensor, *ForceSensorConfig]{
			Constructor: newForceSensor,
		},
	)
}

const (
	defaultSerialPath    = "/dev/ttyUSB0"
	defaultBaudRate      = 9600
	defaultSlaveID       = 1
	defaultForceDecimals = 2
	maxForceTimeout      = 500 * time.Millisecond
	maxDecimals          = 5
)

type ForceSensorConfig struct {
	SerialPath       string `json:"serial_path,omitempty"`
	BaudRate         int    `json:"baud_rate,omitempty"`
	SlaveID          int    `json:"slave_id,omitempty"`
	Register         int    `json:"register,omitempty"`          // holding register with the live force value (default 0x0000)
	Decimals         *int   `json:"decimals,omitempty"`          // fixed decimal places (default 2)
	DecimalsRegister *int   `json:"decimals_register,omitempty"` // optional: read decimal places from this register instead
	TimeoutMs        int    `json:"timeout_ms,omitempty"`        // at most 500 (default 500)
	UseMockCurve     bool   `json:"use_mock_curve,omitempty"`    // optional: simulated thrust curve instead of hardware
}

func (cfg *ForceSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.SlaveID < 0 || cfg.SlaveID > 247 {
		return nil, nil, fmt.Errorf("%s: slave_id must be between 1 and 247", path)
	}
	if cfg.Register < 0 || cfg.Register > 0xFFFF {
		return nil, nil, fmt.Errorf("%s: register out of range", path)
	}
	if cfg.DecimalsRegister != nil && (*cfg.DecimalsRegister < 0 || *cfg.DecimalsRegister > 0xFFFF) {
		return nil, nil, fmt.Errorf("%s: decimals_register out of range", path)
	}
	if cfg.Decimals != nil && (*cfg.Decimals < 0 || *cfg.Decimals > maxDecimals) {
		return nil, nil, fmt.Errorf("%s: decimals must be between 0 and %d", path, maxDecimals)
	}
	if cfg.TimeoutMs < 0 || time.Duration(cfg.TimeoutMs)*time.Millisecond > maxForceTimeout {
		return nil, nil, fmt.Errorf("%s: timeout_ms must be between 0 and %d", path, maxForceTimeout.Milliseconds())
	}
	if cfg.BaudRate < 0 {
		return nil, nil, fmt.Errorf("%s: baud_rate cannot be negative", path)
	}
	return nil, nil, nil
}

// forceReader abstracts force reading for mock vs hardware implementations
type forceReader interface {
	ReadForce(ctx context.Context) (float64, error)
}

// mockForceReader simulates a thrust curve: load builds up after the thruster spins up, then holds
type mockForceReader struct {
	mu    sync.Mutex
	reads int
}

func newMockForceReader() *mockForceReader {
	return &mockForceReader{}
}

func (m *mockForceReader) ReadForce(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	// Ramp from 0 to 25 over 50 samples, then hold
	if m.reads < 50 {
		return float64(m.reads) * 0.5, nil
	}
	return 25.0, nil
}

// serialPort is what the modbus reader needs from an open serial line.
type serialPort interface {
	modbus.Port
	io.Closer
}

// openSerialPort opens path as 8N1. Read timeouts are set per transaction by the modbus client.
func openSerialPort(path string, baud int) (serialPort, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// modbusForceReader reads an RS-485 load cell amplifier. The port is opened on first use and
// dropped after any failed transaction so the next read starts from a fresh handle.
type modbusForceReader struct {
	open             func() (serialPort, error)
	slaveID          byte
	register         uint16
	decimals         int
	decimalsRegister *uint16
	timeout          time.Duration

	mu   sync.Mutex
	port serialPort
}

func (r *modbusForceReader) ReadForce(ctx context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if r.port == nil {
		port, err := r.open()
		if err != nil {
			return 0, fmt.Errorf("opening serial port: %w", err)
		}
		r.port = port
	}

	client := modbus.NewRTUClient(r.port, r.slaveID, r.timeout)
	decimals := r.decimals
	if r.decimalsRegister != nil {
		regs, err := client.ReadHoldingRegisters(*r.decimalsRegister, 1)
		if err != nil {
			return 0, r.fail(err)
		}
		decimals = int(regs[0])
		if decimals > maxDecimals {
			decimals = 0
		}
	}
	force, err := client.ReadRegister(r.register, decimals, true)
	if err != nil {
		return 0, r.fail(err)
	}
	return force, nil
}

func (r *modbusForceReader) fail(err error) error {
	if cerr := r.port.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	r.port = nil
	return err
}

func (r *modbusForceReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port == nil {
		return nil
	}
	err := r.port.Close()
	r.port = nil
	return err
}

type forceSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	reader forceReader
}

func newForceSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*ForceSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	var reader forceReader
	if conf.UseMockCurve {
		reader = newMockForceReader()
		logger.Infof("force-sensor using mock curve (use_mock_curve=true)")
	} else {
		mr := newModbusForceReader(conf)
		reader = mr
		logger.Infof("force-sensor reading slave %d register %#04x on %s", mr.slaveID, mr.register, serialPathOrDefault(conf))
	}

	return &forceSensor{
		name:   rawConf.ResourceName(),
		logger: logger,
		reader: reader,
	}, nil
}

func serialPathOrDefault(conf *ForceSensorConfig) string {
	if conf.SerialPath == "" {
		return defaultSerialPath
	}
	return conf.SerialPath
}

func newModbusForceReader(conf *ForceSensorConfig) *modbusForceReader {
	path := serialPathOrDefault(conf)
	baud := conf.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}
	slave := conf.SlaveID
	if slave == 0 {
		slave = defaultSlaveID
	}
	timeout := time.Duration(conf.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = maxForceTimeout
	}
	decimals := defaultForceDecimals
	if conf.Decimals != nil {
		decimals = *conf.Decimals
	}

	r := &modbusForceReader{
		open:     func() (serialPort, error) { return openSerialPort(path, baud) },
		slaveID:  byte(slave),
		register: uint16(conf.Register),
		decimals: decimals,
		timeout:  timeout,
	}
	if conf.DecimalsRegister != nil {
		reg := uint16(*conf.DecimalsRegister)
		r.decimalsRegister = &reg
	}
	return r
}

func (fs *forceSensor) Name() resource.Name {
	return fs.name
}

// ReadForce makes forceSensor usable directly as a controller force source.
func (fs *forceSensor) ReadForce(ctx context.Context) (float64, error) {
	return fs.reader.ReadForce(ctx)
}

func (fs *forceSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	force, err := fs.reader.ReadForce(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"force": force}, nil
}

func (fs *forceSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on force-sensor")
}

func (fs *forceSensor) Close(context.Context) error {
	if c, ok := fs.reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
