package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/patchbay/remote"
	"github.com/timzifer/patchbay/shm"
	"github.com/timzifer/patchbay/telemetry"
)

// Settings configure a control server.
type Settings struct {
	ControlSocket  string
	TransferSocket string
	RegionName     string
	RegionSize     int

	ProtocolVersion int
	SampleRate      int
	BufferSize      int
	MaxModules      int
}

// Server owns the daemon's two sockets: the control socket speaking the JSON
// protocol and the transfer socket pushing shared-memory descriptors. All
// module state lives in the embedded Registry.
type Server struct {
	settings Settings
	registry *Registry
	logger   zerolog.Logger

	region int

	mu         sync.Mutex
	controlLn  *net.UnixListener
	transferLn *net.UnixListener
	pending    chan *net.UnixConn
	closed     bool

	wg sync.WaitGroup
}

// New allocates the shared-memory region and builds the server around a
// fresh registry.
func New(settings Settings, logger zerolog.Logger, collector telemetry.Collector) (*Server, error) {
	if settings.ControlSocket == "" || settings.TransferSocket == "" {
		return nil, fmt.Errorf("control and transfer socket paths are required")
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	region, err := shm.CreateRegion(settings.RegionName, settings.RegionSize)
	if err != nil {
		return nil, fmt.Errorf("allocate shared-memory region: %w", err)
	}
	s := &Server{
		settings: settings,
		logger:   logger,
		region:   region,
		pending:  make(chan *net.UnixConn, 16),
	}
	s.registry = NewRegistry(RegistrySettings{
		ProtocolVersion: settings.ProtocolVersion,
		SampleRate:      settings.SampleRate,
		BufferSize:      settings.BufferSize,
		MaxModules:      settings.MaxModules,
		Sender:          senderFunc(s.sendDescriptor),
		Logger:          logger,
		Collector:       collector,
	})
	return s, nil
}

type senderFunc func() (int, error)

func (f senderFunc) Send() (int, error) { return f() }

// Registry exposes the server's module table, for in-process callers and
// listener registration.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Run serves both sockets until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	controlLn, err := listenUnix(s.settings.ControlSocket)
	if err != nil {
		return err
	}
	transferLn, err := listenUnix(s.settings.TransferSocket)
	if err != nil {
		controlLn.Close()
		return err
	}
	s.mu.Lock()
	s.controlLn = controlLn
	s.transferLn = transferLn
	s.mu.Unlock()

	s.logger.Info().
		Str("control", s.settings.ControlSocket).
		Str("transfer", s.settings.TransferSocket).
		Int("region_size", s.settings.RegionSize).
		Msg("patchbay service listening")

	s.wg.Add(2)
	go s.acceptControl(ctx, controlLn)
	go s.acceptTransfer(ctx, transferLn)

	<-ctx.Done()
	controlLn.Close()
	transferLn.Close()
	s.wg.Wait()
	return ctx.Err()
}

func listenUnix(path string) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return ln, nil
}

func (s *Server) acceptControl(ctx context.Context, ln *net.UnixListener) {
	defer s.wg.Done()
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("accept control connection failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveControl(conn)
		}()
	}
}

func (s *Server) acceptTransfer(ctx context.Context, ln *net.UnixListener) {
	defer s.wg.Done()
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("accept transfer connection failed")
			}
			return
		}
		select {
		case s.pending <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// sendDescriptor pairs the next waiting transfer connection with a duplicate
// of the region descriptor. A positive return tells the requester its
// receiver has not connected yet.
func (s *Server) sendDescriptor() (int, error) {
	select {
	case conn := <-s.pending:
		defer conn.Close()
		dup, err := shm.Dup(s.region)
		if err != nil {
			return 0, err
		}
		sendErr := shm.SendDescriptor(conn, dup)
		if closeErr := shm.CloseDescriptor(dup); closeErr != nil {
			s.logger.Warn().Err(closeErr).Msg("close duplicated descriptor failed")
		}
		if sendErr != nil {
			// The receiver vanished between connect and send; let the
			// requester retry with its next receiver.
			s.logger.Warn().Err(sendErr).Msg("descriptor push failed")
			return 1, nil
		}
		return 0, nil
	default:
		return 1, nil
	}
}

func (s *Server) serveControl(conn *net.UnixConn) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)
	for {
		var req remote.Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Msg("control connection ended")
			}
			return
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn().Err(err).Str("op", req.Op).Msg("write control response failed")
			return
		}
	}
}

func (s *Server) dispatch(req remote.Request) remote.Response {
	var (
		value int
		err   error
	)
	switch req.Op {
	case remote.OpProtocolVersion:
		value, err = s.registry.ProtocolVersion()
	case remote.OpSendDescriptor:
		value, err = s.registry.SendDescriptor()
	case remote.OpCreateModule:
		value, err = s.registry.CreateModule(req.Name, req.Inputs, req.Outputs, req.Notification)
	case remote.OpDeleteModule:
		err = s.registry.DeleteModule(req.Name)
	case remote.OpSampleRate:
		value, err = s.registry.SampleRate()
	case remote.OpBufferSize:
		value, err = s.registry.BufferSize()
	case remote.OpActivateModule:
		value, err = s.registry.ActivateModule(req.Name)
	case remote.OpDeactivateModule:
		value, err = s.registry.DeactivateModule(req.Name)
	case remote.OpConnectPorts:
		value, err = s.registry.ConnectPorts(req.Source, req.SourcePort, req.Sink, req.SinkPort)
	case remote.OpDisconnectPorts:
		value, err = s.registry.DisconnectPorts(req.Source, req.SourcePort, req.Sink, req.SinkPort)
	case remote.OpStart:
		err = s.registry.Start()
	case remote.OpStop:
		err = s.registry.Stop()
	default:
		err = fmt.Errorf("unknown operation %q", req.Op)
	}
	resp := remote.Response{Value: value}
	if err != nil {
		resp.Err = err.Error()
	}
	return resp
}

// Close releases the region and any queued transfer connections. Run must
// have returned before Close is called.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for {
		select {
		case conn := <-s.pending:
			conn.Close()
			continue
		default:
		}
		break
	}
	return shm.CloseDescriptor(s.region)
}
