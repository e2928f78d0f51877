package protocol

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxMessageSize bounds a single framed message. Anything larger is treated
// as a protocol violation rather than an allocation request.
const MaxMessageSize = 1 << 20

// WriteMessage marshals v and writes it with a 4-byte big-endian length
// prefix. Every code path in the system uses this framing; raw unframed JSON
// is not supported.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit of %d", len(payload), MaxMessageSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message and returns the raw JSON
// payload. io.EOF is returned unchanged when the peer closed cleanly between
// messages.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if size > MaxMessageSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, MaxMessageSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// Conn wraps a net.Conn with the framed codec. It is not safe for concurrent
// use; callers serialize round-trips themselves.
type Conn struct {
	nc net.Conn
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Send writes one framed message.
func (c *Conn) Send(v any) error {
	return WriteMessage(c.nc, v)
}

// Receive reads one framed message.
func (c *Conn) Receive() ([]byte, error) {
	return ReadMessage(c.nc)
}

// RoundTrip sends one command and blocks for exactly one response. The
// context deadline bounds the whole exchange; expiry surfaces as a network
// error so callers treat it as acknowledgment failure.
func (c *Conn) RoundTrip(ctx context.Context, v any) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	defer c.nc.SetDeadline(time.Time{})

	if err := c.Send(v); err != nil {
		return nil, err
	}
	return c.Receive()
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// Dial opens a framed connection to addr within timeout.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}
