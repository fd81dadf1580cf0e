package remote

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/timzifer/patchbay/patchbay"
)

// Client speaks the control protocol to the patchbay daemon over a unix
// socket. It satisfies the connection's Service dependency.
//
// Calls are serialised on the single connection; the daemon answers each
// request with exactly one response line.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the daemon's control socket at path.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", path, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(bufio.NewReader(conn)),
	}, nil
}

// Close tears down the control connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) call(req Request) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, fmt.Errorf("control connection is closed")
	}
	if err := c.enc.Encode(req); err != nil {
		return 0, fmt.Errorf("send %s request: %w", req.Op, err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return 0, fmt.Errorf("read %s response: %w", req.Op, err)
	}
	if resp.Err != "" {
		return resp.Value, fmt.Errorf("%s: %s", req.Op, resp.Err)
	}
	return resp.Value, nil
}

// ProtocolVersion reports the protocol version the daemon speaks.
func (c *Client) ProtocolVersion() (int, error) {
	return c.call(Request{Op: OpProtocolVersion})
}

// SendDescriptor asks the daemon to push a shared-memory descriptor through
// the transfer socket. Zero means the descriptor is on its way; a positive
// value means no receiver is connected yet and the caller should retry.
func (c *Client) SendDescriptor() (int, error) {
	return c.call(Request{Op: OpSendDescriptor})
}

// CreateModule registers a module and returns its table index, or a negative
// status code.
func (c *Client) CreateModule(name string, inputs, outputs int, notification *patchbay.Notification) (int, error) {
	return c.call(Request{
		Op:           OpCreateModule,
		Name:         name,
		Inputs:       inputs,
		Outputs:      outputs,
		Notification: notification,
	})
}

// DeleteModule removes the registration for name.
func (c *Client) DeleteModule(name string) error {
	_, err := c.call(Request{Op: OpDeleteModule, Name: name})
	return err
}

// SampleRate reports the daemon's audio clock sample rate.
func (c *Client) SampleRate() (int, error) {
	return c.call(Request{Op: OpSampleRate})
}

// BufferSize reports frames per processing callback.
func (c *Client) BufferSize() (int, error) {
	return c.call(Request{Op: OpBufferSize})
}

// ActivateModule marks a module as participating in rendering.
func (c *Client) ActivateModule(name string) (int, error) {
	return c.call(Request{Op: OpActivateModule, Name: name})
}

// DeactivateModule removes a module from rendering without deleting it.
func (c *Client) DeactivateModule(name string) (int, error) {
	return c.call(Request{Op: OpDeactivateModule, Name: name})
}

// ConnectPorts routes an output port of source into an input port of sink.
func (c *Client) ConnectPorts(source string, sourcePort int, sink string, sinkPort int) (int, error) {
	return c.call(Request{
		Op:         OpConnectPorts,
		Source:     source,
		SourcePort: sourcePort,
		Sink:       sink,
		SinkPort:   sinkPort,
	})
}

// DisconnectPorts removes a port connection.
func (c *Client) DisconnectPorts(source string, sourcePort int, sink string, sinkPort int) (int, error) {
	return c.call(Request{
		Op:         OpDisconnectPorts,
		Source:     source,
		SourcePort: sourcePort,
		Sink:       sink,
		SinkPort:   sinkPort,
	})
}

// Start begins global audio rendering.
func (c *Client) Start() error {
	_, err := c.call(Request{Op: OpStart})
	return err
}

// Stop halts global audio rendering.
func (c *Client) Stop() error {
	_, err := c.call(Request{Op: OpStop})
	return err
}

var _ patchbay.Service = (*Client)(nil)
