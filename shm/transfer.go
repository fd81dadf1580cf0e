package shm

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const defaultReceiveTimeout = 5 * time.Second

// SocketTransfer receives shared-memory descriptors from the daemon's
// transfer socket. It satisfies the connection's Transfer dependency.
//
// Each Receive dials a fresh connection; the daemon pairs an accepted
// connection with the next descriptor-send request. Tokens returned by
// Receive are file descriptors owned by the caller until closed or passed to
// a binding.
type SocketTransfer struct {
	path    string
	timeout time.Duration
	logger  zerolog.Logger
}

// TransferOption customises a SocketTransfer.
type TransferOption func(*SocketTransfer)

// WithReceiveTimeout bounds how long a single Receive blocks waiting for the
// daemon to push a descriptor.
func WithReceiveTimeout(timeout time.Duration) TransferOption {
	return func(t *SocketTransfer) {
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

// WithTransferLogger attaches a logger to the transfer.
func WithTransferLogger(logger zerolog.Logger) TransferOption {
	return func(t *SocketTransfer) { t.logger = logger }
}

// NewSocketTransfer builds a transfer dialing the unix socket at path.
func NewSocketTransfer(path string, opts ...TransferOption) *SocketTransfer {
	t := &SocketTransfer{
		path:    path,
		timeout: defaultReceiveTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Receive blocks until the daemon pushes a descriptor and returns its token.
// A negative return with nil error is an error code the daemon sent in place
// of a descriptor. Cancelling the context unblocks the read.
func (t *SocketTransfer) Receive(ctx context.Context) (int, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", t.path)
	if err != nil {
		return -1, fmt.Errorf("dial transfer socket %s: %w", t.path, err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return -1, fmt.Errorf("transfer socket %s is not a unix connection", t.path)
	}
	defer unixConn.Close()
	return ReceiveDescriptor(ctx, unixConn, t.timeout)
}

// CloseToken releases a descriptor obtained from Receive.
func (t *SocketTransfer) CloseToken(token int) error {
	if token < 0 {
		return fmt.Errorf("invalid token %d", token)
	}
	if err := unix.Close(token); err != nil {
		return fmt.Errorf("close token %d: %w", token, err)
	}
	return nil
}

// ReceiveDescriptor reads one descriptor or error code from an established
// unix socket connection. Cancelling the context aborts the read by expiring
// the connection's deadline.
func ReceiveDescriptor(ctx context.Context, conn *net.UnixConn, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return -1, fmt.Errorf("set receive deadline: %w", err)
		}
	}
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	buf := make([]byte, 4)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("receive descriptor: %w", err)
	}
	if oobn > 0 {
		fd, err := parseRights(oob[:oobn])
		if err != nil {
			return -1, err
		}
		unix.CloseOnExec(fd)
		return fd, nil
	}
	if n < 4 {
		return -1, fmt.Errorf("short transfer message: %d bytes", n)
	}
	code := int32(binary.LittleEndian.Uint32(buf[:4]))
	if code >= 0 {
		return -1, fmt.Errorf("transfer message carried no descriptor and no error code")
	}
	return int(code), nil
}

func parseRights(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("parse control message: %w", err)
	}
	if len(msgs) == 0 {
		return -1, fmt.Errorf("no control message in transfer")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, fmt.Errorf("parse descriptor rights: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return -1, fmt.Errorf("expected one descriptor, got %d", len(fds))
	}
	return fds[0], nil
}
