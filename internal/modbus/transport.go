package modbus

import (
	"encoding/binary"
	"io"
	"time"

	gbmodbus "github.com/goburrow/modbus"
	"github.com/pkg/errors"
)

const (
	rtuMaxSize       = 256
	rtuExceptionSize = 5

	// once a response has started, a gap this long ends the frame
	frameGap = 50 * time.Millisecond
)

// Port is an open serial line. Read returns zero bytes and a nil error once the read timeout
// elapses with nothing received.
type Port interface {
	io.ReadWriter
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// serialTransporter moves RTU frames over a Port that the caller owns. Both buffers are cleared
// before every request so a late reply to an earlier request is never taken as the answer.
type serialTransporter struct {
	port    Port
	timeout time.Duration
}

func (t *serialTransporter) Send(aduRequest []byte) ([]byte, error) {
	if err := t.port.ResetInputBuffer(); err != nil {
		return nil, portErr(err, "clearing input buffer")
	}
	if err := t.port.ResetOutputBuffer(); err != nil {
		return nil, portErr(err, "clearing output buffer")
	}
	if _, err := t.port.Write(aduRequest); err != nil {
		return nil, portErr(err, "writing request")
	}

	var buf [rtuMaxSize]byte
	if err := t.port.SetReadTimeout(t.timeout); err != nil {
		return nil, portErr(err, "setting read timeout")
	}
	n, err := t.port.Read(buf[:])
	if err != nil {
		return nil, portErr(err, "reading response")
	}
	if n == 0 {
		return nil, ErrTimeout
	}

	if err := t.port.SetReadTimeout(frameGap); err != nil {
		return nil, portErr(err, "setting read timeout")
	}
	want := responseLength(aduRequest)
	for n < len(buf) && !frameComplete(buf[:n], want) {
		m, err := t.port.Read(buf[n:])
		if err != nil {
			return nil, portErr(err, "reading response")
		}
		if m == 0 {
			break
		}
		n += m
	}
	if !frameComplete(buf[:n], want) {
		return nil, errors.Wrapf(ErrTimeout, "response stopped after %d bytes", n)
	}
	return append([]byte(nil), buf[:n]...), nil
}

// responseLength is the full frame size expected for a request, or 0 when it is not known up
// front.
func responseLength(adu []byte) int {
	if len(adu) >= 6 && adu[1] == gbmodbus.FuncCodeReadHoldingRegisters {
		return 5 + 2*int(binary.BigEndian.Uint16(adu[4:]))
	}
	return 0
}

func frameComplete(frame []byte, want int) bool {
	if len(frame) >= rtuExceptionSize && frame[1]&0x80 != 0 {
		return true
	}
	if want == 0 {
		return len(frame) >= 4
	}
	return len(frame) >= want
}
