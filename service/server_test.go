package service

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/patchbay/patchbay"
	"github.com/timzifer/patchbay/remote"
	"github.com/timzifer/patchbay/shm"
)

// loopbackBinding maps the shared region on bind and releases the mapping on
// unbind, standing in for a native processing backend.
type loopbackBinding struct {
	mu       sync.Mutex
	data     []byte
	lastBind struct {
		name       string
		version    int
		token      int
		index      int
		sampleRate int
		bufferSize int
	}
}

func (b *loopbackBinding) TimedOut() bool       { return false }
func (b *loopbackBinding) ProtocolVersion() int { return 1 }
func (b *loopbackBinding) InputChannels() int   { return 2 }
func (b *loopbackBinding) OutputChannels() int  { return 2 }

func (b *loopbackBinding) Bind(name string, version, token, index, sampleRate, bufferSize int) error {
	size, err := shm.RegionSize(token)
	if err != nil {
		return err
	}
	data, err := shm.Map(token, int(size))
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.data = data
	b.lastBind.name = name
	b.lastBind.version = version
	b.lastBind.token = token
	b.lastBind.index = index
	b.lastBind.sampleRate = sampleRate
	b.lastBind.bufferSize = bufferSize
	b.mu.Unlock()
	return nil
}

func (b *loopbackBinding) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data != nil {
		shm.Unmap(b.data)
		b.data = nil
	}
}

func startServer(t *testing.T) (*Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	control := filepath.Join(dir, "control.sock")
	transfer := filepath.Join(dir, "transfer.sock")

	srv, err := New(Settings{
		ControlSocket:   control,
		TransferSocket:  transfer,
		RegionName:      "patchbay-test",
		RegionSize:      1 << 16,
		ProtocolVersion: 1,
		SampleRate:      44100,
		BufferSize:      128,
		MaxModules:      8,
	}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})

	waitForSocket(t, control)
	waitForSocket(t, transfer)
	return srv, control, transfer
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", path, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never came up", path)
}

func TestServerConfigureReleaseRoundTrip(t *testing.T) {
	srv, control, transferPath := startServer(t)

	client, err := remote.Dial(control, time.Second)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer client.Close()

	transfer := shm.NewSocketTransfer(transferPath, shm.WithReceiveTimeout(2*time.Second))
	binding := &loopbackBinding{}
	conn := patchbay.NewConnection(binding, transfer,
		patchbay.WithRetry(2*time.Millisecond, 500),
		patchbay.WithNotification(&patchbay.Notification{Label: "Loopback"}),
	)

	status, err := conn.Configure(context.Background(), client, "loopback")
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !status.OK() {
		t.Fatalf("configure status: %v", status)
	}
	if name, ok := conn.Name(); !ok || name != "loopback" {
		t.Fatalf("unexpected name: %q", name)
	}
	if conn.Index() != 0 {
		t.Fatalf("first module should get index 0, got %d", conn.Index())
	}
	if binding.lastBind.sampleRate != 44100 || binding.lastBind.bufferSize != 128 {
		t.Fatalf("binding saw wrong clock: %+v", binding.lastBind)
	}
	if srv.Registry().Modules() != 1 {
		t.Fatalf("registry should hold one module, got %d", srv.Registry().Modules())
	}

	if code, err := client.ActivateModule("loopback"); err != nil || code != 0 {
		t.Fatalf("activate: code=%d err=%v", code, err)
	}
	active, err := srv.Registry().IsActive("loopback")
	if err != nil || !active {
		t.Fatalf("module should be active: %v/%v", active, err)
	}

	if err := conn.Release(client); err != nil {
		t.Fatalf("release: %v", err)
	}
	if srv.Registry().Modules() != 0 {
		t.Fatalf("registry should be empty after release, got %d", srv.Registry().Modules())
	}
	if conn.Configured() {
		t.Fatal("connection should be unconfigured after release")
	}
}

func TestServerReinstatementOverWire(t *testing.T) {
	srv, control, transferPath := startServer(t)

	client, err := remote.Dial(control, time.Second)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer client.Close()

	transfer := shm.NewSocketTransfer(transferPath, shm.WithReceiveTimeout(2*time.Second))
	newConn := func() *patchbay.Connection {
		return patchbay.NewConnection(&loopbackBinding{}, transfer,
			patchbay.WithRetry(2*time.Millisecond, 500))
	}

	conn := newConn()
	if status, err := conn.Configure(context.Background(), client, "sampler"); err != nil || !status.OK() {
		t.Fatalf("configure: %v/%v", status, err)
	}
	firstIndex := conn.Index()

	// A create for a name that is still registered re-binds instead of
	// colliding, which is what a timed-out module relies on.
	reg := srv.Registry()
	if index, err := reg.CreateModule("sampler", 2, 2, nil); err != nil || index != firstIndex {
		t.Fatalf("rebind should reuse index %d, got %d err=%v", firstIndex, index, err)
	}

	if err := conn.Release(client); err != nil {
		t.Fatalf("release: %v", err)
	}

	fresh := newConn()
	if status, err := fresh.Configure(context.Background(), client, "sampler"); err != nil || !status.OK() {
		t.Fatalf("reconfigure: %v/%v", status, err)
	}
	if name, ok := fresh.Name(); !ok || name != "sampler" {
		t.Fatalf("unexpected name after reinstatement: %q", name)
	}
	if err := fresh.Release(client); err != nil {
		t.Fatalf("final release: %v", err)
	}
}

func TestServerRefusesDescriptorWithoutReceiver(t *testing.T) {
	_, control, _ := startServer(t)

	client, err := remote.Dial(control, time.Second)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer client.Close()

	pending, err := client.SendDescriptor()
	if err != nil {
		t.Fatalf("send descriptor: %v", err)
	}
	if pending == 0 {
		t.Fatal("descriptor send must be refused while no receiver is connected")
	}
}

func TestServerClockQueries(t *testing.T) {
	_, control, _ := startServer(t)

	client, err := remote.Dial(control, time.Second)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer client.Close()

	if _, err := client.ProtocolVersion(); err != nil {
		t.Fatalf("protocol version: %v", err)
	}
	if rate, err := client.SampleRate(); err != nil || rate != 44100 {
		t.Fatalf("sample rate: %d err=%v", rate, err)
	}
	if size, err := client.BufferSize(); err != nil || size != 128 {
		t.Fatalf("buffer size: %d err=%v", size, err)
	}
}
