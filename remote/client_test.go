package remote

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedService answers control requests with canned responses and records
// everything it saw.
type scriptedService struct {
	t       *testing.T
	ln      *net.UnixListener
	answers map[string]Response

	mu       sync.Mutex
	requests []Request
}

func newScriptedService(t *testing.T, answers map[string]Response) (*scriptedService, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	s := &scriptedService{t: t, ln: ln, answers: answers}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s, path
}

func (s *scriptedService) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		resp, ok := s.answers[req.Op]
		if !ok {
			resp = Response{Err: "unknown operation"}
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *scriptedService) seen() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func TestClientRoundTrip(t *testing.T) {
	svc, path := newScriptedService(t, map[string]Response{
		OpProtocolVersion: {Value: 1},
		OpCreateModule:    {Value: 3},
		OpSampleRate:      {Value: 48000},
		OpBufferSize:      {Value: 256},
		OpDeleteModule:    {},
	})

	client, err := Dial(path, time.Second)
	require.NoError(t, err)
	defer client.Close()

	version, err := client.ProtocolVersion()
	require.NoError(t, err)
	require.Equal(t, 1, version)

	index, err := client.CreateModule("synth", 2, 4, nil)
	require.NoError(t, err)
	require.Equal(t, 3, index)

	rate, err := client.SampleRate()
	require.NoError(t, err)
	require.Equal(t, 48000, rate)

	size, err := client.BufferSize()
	require.NoError(t, err)
	require.Equal(t, 256, size)

	require.NoError(t, client.DeleteModule("synth"))

	requests := svc.seen()
	require.Len(t, requests, 5)
	create := requests[1]
	require.Equal(t, OpCreateModule, create.Op)
	require.Equal(t, "synth", create.Name)
	require.Equal(t, 2, create.Inputs)
	require.Equal(t, 4, create.Outputs)
	require.Equal(t, "synth", requests[4].Name)
}

func TestClientPassesNegativeValuesThrough(t *testing.T) {
	_, path := newScriptedService(t, map[string]Response{
		OpCreateModule: {Value: -6},
	})

	client, err := Dial(path, time.Second)
	require.NoError(t, err)
	defer client.Close()

	index, err := client.CreateModule("synth", 2, 2, nil)
	require.NoError(t, err)
	require.Equal(t, -6, index)
}

func TestClientSurfacesServerErrors(t *testing.T) {
	_, path := newScriptedService(t, map[string]Response{})

	client, err := Dial(path, time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.ProtocolVersion()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown operation")
}

func TestClientClosedConnection(t *testing.T) {
	_, path := newScriptedService(t, map[string]Response{})

	client, err := Dial(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = client.ProtocolVersion()
	require.Error(t, err)
}

func TestClientDialFailure(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "missing.sock"), 100*time.Millisecond)
	require.Error(t, err)
}
