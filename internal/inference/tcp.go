package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"sync"
	"time"

	"github.com/dj-oyu/pollinator-cam/internal/logger"
	"github.com/dj-oyu/pollinator-cam/pkg/types"
)

// TCPClient is a Client speaking length-prefixed msgpack over TCP.
// Calls are serialized on one connection, which is redialed after a failure.
type TCPClient struct {
	addr        string
	name        string
	dialTimeout time.Duration

	labels    []string
	inputSize int

	mu   sync.Mutex
	conn net.Conn
}

// Dial connects and performs the hello handshake that fixes labels and input size.
func Dial(ctx context.Context, addr, name string) (*TCPClient, error) {
	c := &TCPClient{addr: addr, name: name, dialTimeout: 5 * time.Second}

	conn, hello, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	if len(hello.Labels) == 0 {
		conn.Close()
		return nil, &Error{Op: "hello", Err: errors.New("server returned no labels")}
	}
	if hello.InputSize <= 0 {
		conn.Close()
		return nil, &Error{Op: "hello", Err: fmt.Errorf("invalid input size %d", hello.InputSize)}
	}

	c.conn = conn
	c.labels = hello.Labels
	c.inputSize = hello.InputSize
	logger.Info("Inference", "Connected to %s: %d labels, input %dx%d", addr, len(c.labels), c.inputSize, c.inputSize)
	return c, nil
}

// Labels returns the label list announced by the server.
func (c *TCPClient) Labels() []string { return c.labels }

// InputSize returns the square input edge expected by the server.
func (c *TCPClient) InputSize() int { return c.inputSize }

// Infer scores img. The call is bounded by ctx.
func (c *TCPClient) Infer(ctx context.Context, img *image.RGBA) (Scores, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, hello, err := c.connect(ctx)
		if err != nil {
			return Scores{}, err
		}
		if len(hello.Labels) != len(c.labels) {
			conn.Close()
			return Scores{}, &Error{Op: "hello", Err: fmt.Errorf("label count changed from %d to %d", len(c.labels), len(hello.Labels))}
		}
		c.conn = conn
	}

	b := img.Bounds()
	req := runRequest{
		Op:       "run",
		Width:    b.Dx(),
		Height:   b.Dy(),
		Channels: types.ChannelsRGB,
		Data:     types.RGB(img),
	}
	var resp runResponse
	if err := c.roundTrip(ctx, c.conn, req, &resp); err != nil {
		c.drop()
		return Scores{}, &Error{Op: "run", Err: err}
	}
	if resp.Error != "" {
		return Scores{}, &Error{Op: "run", Err: errors.New(resp.Error)}
	}
	if len(resp.Scores) != len(c.labels) {
		return Scores{}, &Error{Op: "run", Err: fmt.Errorf("got %d scores for %d labels", len(resp.Scores), len(c.labels))}
	}
	return Scores{Labels: c.labels, Values: resp.Scores}, nil
}

// Close closes the connection.
func (c *TCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *TCPClient) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *TCPClient) connect(ctx context.Context) (net.Conn, helloResponse, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, helloResponse{}, &Error{Op: "dial", Err: err}
	}

	var hello helloResponse
	if err := c.roundTrip(ctx, conn, helloRequest{Op: "hello", Client: c.name}, &hello); err != nil {
		conn.Close()
		return nil, helloResponse{}, &Error{Op: "hello", Err: err}
	}
	if hello.Error != "" {
		conn.Close()
		return nil, helloResponse{}, &Error{Op: "hello", Err: errors.New(hello.Error)}
	}
	return conn, hello, nil
}

// roundTrip writes req and reads the reply, aborting the I/O when ctx ends.
func (c *TCPClient) roundTrip(ctx context.Context, conn net.Conn, req, resp interface{}) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := writeMessage(conn, req); err != nil {
		return c.ctxErr(ctx, err)
	}
	if err := readMessage(conn, resp); err != nil {
		return c.ctxErr(ctx, err)
	}
	return nil
}

func (c *TCPClient) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
