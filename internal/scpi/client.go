// Package scpi queries line-oriented SCPI instruments over a raw TCP socket.
package scpi

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MaxTimeout caps the connect and per-query read timeout.
const MaxTimeout = 2 * time.Second

// Client opens a fresh connection per Query call and always closes it before returning.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient returns a client for host:port. Timeouts outside (0, MaxTimeout] are clamped.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 || timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// Addr returns the instrument address.
func (c *Client) Addr() string {
	return c.addr
}

// Query sends each command in order on one connection and returns the trimmed response lines.
func (c *Client) Query(ctx context.Context, commands ...string) ([]string, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "scpi: connecting to %s", c.addr)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	responses := make([]string, 0, len(commands))
	for _, cmd := range commands {
		deadline := time.Now().Add(c.timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "scpi: setting deadline")
		}
		if _, err := io.WriteString(conn, cmd+"\n"); err != nil {
			return nil, errors.Wrapf(err, "scpi: sending %q", cmd)
		}
		line, err := r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, errors.Wrapf(err, "scpi: reading response to %q", cmd)
		}
		responses = append(responses, strings.TrimSpace(line))
	}
	return responses, nil
}

// QueryFloats is Query with every response parsed as a number.
func (c *Client) QueryFloats(ctx context.Context, commands ...string) ([]float64, error) {
	responses, err := c.Query(ctx, commands...)
	if err != nil {
		return nil, err
	}
	values := make([]float64, len(responses))
	for i, resp := range responses {
		v, err := strconv.ParseFloat(resp, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "scpi: response to %q is not numeric", commands[i])
		}
		values[i] = v
	}
	return values, nil
}
