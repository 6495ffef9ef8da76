package modbus

import (
	"bytes"
	"errors"
	"testing"
	"time"

	gbmodbus "github.com/goburrow/modbus"
	"go.viam.com/test"
)

// fakePort answers each request with the next canned response. Bytes already waiting in its input
// buffer stand in for a late reply to an earlier request. An empty buffer reads as a timeout.
type fakePort struct {
	responses [][]byte
	input     bytes.Buffer
	written   [][]byte
	timeouts  []time.Duration
	resets    int
	writeErr  error
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.input.Len() == 0 {
		return 0, nil
	}
	// dribble one byte at a time to exercise partial reads
	return p.input.Read(b[:1])
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, append([]byte(nil), b...))
	if len(p.responses) > 0 {
		p.input.Write(p.responses[0])
		p.responses = p.responses[1:]
	}
	return len(b), nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.resets++
	p.input.Reset()
	return nil
}

func (p *fakePort) ResetOutputBuffer() error { return nil }

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeouts = append(p.timeouts, t)
	return nil
}

// frame builds an RTU frame for slave with the library's own packager.
func frame(t *testing.T, slave byte, function byte, data ...byte) []byte {
	t.Helper()
	h := gbmodbus.NewRTUClientHandler("")
	h.SlaveId = slave
	adu, err := h.Encode(&gbmodbus.ProtocolDataUnit{FunctionCode: function, Data: data})
	test.That(t, err, test.ShouldBeNil)
	return adu
}

func TestReadRegisterSigned(t *testing.T) {
	// -1234 as int16 is 0xFB2E; two decimals gives -12.34
	port := &fakePort{responses: [][]byte{frame(t, 1, 0x03, 0x02, 0xFB, 0x2E)}}
	c := NewRTUClient(port, 1, 200*time.Millisecond)

	v, err := c.ReadRegister(0x0000, 2, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldAlmostEqual, -12.34)
	// the canonical "read one holding register from slave 1" request
	test.That(t, port.written[0], test.ShouldResemble, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A})
	test.That(t, port.timeouts[0], test.ShouldEqual, 200*time.Millisecond)
}

func TestStaleInputIsCleared(t *testing.T) {
	port := &fakePort{responses: [][]byte{frame(t, 1, 0x03, 0x02, 0x04, 0xE2)}}
	// a late reply from a previous timed out request
	port.input.Write(frame(t, 1, 0x03, 0x02, 0x00, 0x07))
	c := NewRTUClient(port, 1, 200*time.Millisecond)

	regs, err := c.ReadHoldingRegisters(0, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, regs, test.ShouldResemble, []uint16{1250})
	test.That(t, port.resets, test.ShouldEqual, 1)
}

func TestReadHoldingRegistersMany(t *testing.T) {
	port := &fakePort{responses: [][]byte{frame(t, 7, 0x03, 0x04, 0x00, 0x02, 0x01, 0x00)}}
	c := NewRTUClient(port, 7, time.Second)

	regs, err := c.ReadHoldingRegisters(0x0006, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, regs, test.ShouldResemble, []uint16{2, 256})
}

func TestReadRegisterFailures(t *testing.T) {
	t.Run("timeout on silence", func(t *testing.T) {
		_, err := NewRTUClient(&fakePort{}, 1, time.Second).ReadRegister(0, 2, true)
		test.That(t, errors.Is(err, ErrTimeout), test.ShouldBeTrue)
	})

	t.Run("timeout on truncated frame", func(t *testing.T) {
		full := frame(t, 1, 0x03, 0x02, 0x00, 0x10)
		port := &fakePort{responses: [][]byte{full[:4]}}
		_, err := NewRTUClient(port, 1, time.Second).ReadRegister(0, 2, true)
		test.That(t, errors.Is(err, ErrTimeout), test.ShouldBeTrue)
		// the rest of the frame is waited for with the shorter gap
		test.That(t, port.timeouts, test.ShouldResemble, []time.Duration{time.Second, frameGap})
	})

	t.Run("crc mismatch", func(t *testing.T) {
		bad := frame(t, 1, 0x03, 0x02, 0x00, 0x10)
		bad[len(bad)-1] ^= 0x55
		_, err := NewRTUClient(&fakePort{responses: [][]byte{bad}}, 1, time.Second).ReadRegister(0, 2, true)
		test.That(t, errors.Is(err, ErrInvalidResponse), test.ShouldBeTrue)
	})

	t.Run("wrong slave", func(t *testing.T) {
		port := &fakePort{responses: [][]byte{frame(t, 2, 0x03, 0x02, 0x00, 0x10)}}
		_, err := NewRTUClient(port, 1, time.Second).ReadRegister(0, 2, true)
		test.That(t, errors.Is(err, ErrInvalidResponse), test.ShouldBeTrue)
	})

	t.Run("exception response", func(t *testing.T) {
		port := &fakePort{responses: [][]byte{frame(t, 1, 0x83, 0x02)}}
		_, err := NewRTUClient(port, 1, time.Second).ReadRegister(0, 2, true)
		var exc *ExceptionError
		test.That(t, errors.As(err, &exc), test.ShouldBeTrue)
		test.That(t, exc.ExceptionCode, test.ShouldEqual, byte(0x02))
	})

	t.Run("write failure", func(t *testing.T) {
		port := &fakePort{writeErr: errors.New("port closed")}
		_, err := NewRTUClient(port, 1, time.Second).ReadRegister(0, 2, true)
		test.That(t, errors.Is(err, ErrPort), test.ShouldBeTrue)
	})

	t.Run("quantity bounds", func(t *testing.T) {
		c := NewRTUClient(&fakePort{}, 1, time.Second)
		_, err := c.ReadHoldingRegisters(0, 0)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = c.ReadHoldingRegisters(0, 126)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestScale(t *testing.T) {
	test.That(t, Scale(0xFFFF, 0, true), test.ShouldEqual, -1.0)
	test.That(t, Scale(0xFFFF, 0, false), test.ShouldEqual, 65535.0)
	test.That(t, Scale(1250, 2, true), test.ShouldAlmostEqual, 12.5)
}
