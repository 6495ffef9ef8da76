// Package modbus reads holding registers from a Modbus RTU slave over a serial line. Frame
// encoding and exception decoding come from github.com/goburrow/modbus. This package supplies the
// transport for an already open port and the register scaling used by load cell amplifiers.
package modbus

import (
	"math"
	"time"

	gbmodbus "github.com/goburrow/modbus"
	"github.com/pkg/errors"
)

const maxReadQuantity = 125

var (
	// ErrTimeout is returned when the device stops sending before a full frame arrived.
	ErrTimeout = errors.New("modbus: response timeout")
	// ErrInvalidResponse is returned for frames that do not match the request or fail the CRC.
	ErrInvalidResponse = errors.New("modbus: invalid response")
	// ErrPort is returned when the serial line itself fails.
	ErrPort = errors.New("modbus: serial port failure")
)

// ExceptionError is an exception response from the device.
type ExceptionError = gbmodbus.ModbusError

func portErr(err error, op string) error {
	return errors.Wrapf(ErrPort, "%s: %v", op, err)
}

// Client issues requests to a single slave on a Port. It is not safe for concurrent use.
type Client struct {
	client gbmodbus.Client
}

// NewRTUClient returns a client addressing slaveID that waits up to timeout for each response.
func NewRTUClient(port Port, slaveID byte, timeout time.Duration) *Client {
	// the handler is only used as a packager; it never opens its own port
	packager := gbmodbus.NewRTUClientHandler("")
	packager.SlaveId = slaveID
	return &Client{
		client: gbmodbus.NewClient2(packager, &serialTransporter{port: port, timeout: timeout}),
	}
}

// ReadHoldingRegisters reads quantity consecutive registers starting at address.
func (c *Client) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	if quantity == 0 || quantity > maxReadQuantity {
		return nil, errors.Errorf("modbus: quantity %d out of range", quantity)
	}
	raw, err := c.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, classify(err)
	}
	if len(raw) != 2*int(quantity) {
		return nil, errors.Wrapf(ErrInvalidResponse, "%d data bytes for %d registers", len(raw), quantity)
	}
	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return regs, nil
}

// ReadRegister reads one register and scales it down by 10^decimals.
func (c *Client) ReadRegister(address uint16, decimals int, signed bool) (float64, error) {
	regs, err := c.ReadHoldingRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	return Scale(regs[0], decimals, signed), nil
}

// Scale converts a raw register to a value with the given number of decimals.
func Scale(raw uint16, decimals int, signed bool) float64 {
	v := float64(raw)
	if signed {
		v = float64(int16(raw))
	}
	return v / math.Pow10(decimals)
}

// classify maps the library's untyped frame errors onto ErrInvalidResponse. Transport errors and
// device exceptions pass through.
func classify(err error) error {
	var exc *ExceptionError
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrPort) || errors.As(err, &exc) {
		return err
	}
	return errors.Wrap(ErrInvalidResponse, err.Error())
}
