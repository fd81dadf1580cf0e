package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/patchbay/patchbay"
	"github.com/timzifer/patchbay/telemetry"
)

// ErrNoSuchModule is returned by operations referencing an unknown module.
var ErrNoSuchModule = errors.New("no such module")

// DescriptorSender pushes one shared-memory descriptor to a waiting receiver.
// Send returns 0 when a descriptor went out and a positive value when no
// receiver is ready yet, in which case the requester retries.
type DescriptorSender interface {
	Send() (int, error)
}

type module struct {
	name         string
	index        int
	inputs       int
	outputs      int
	notification *patchbay.Notification
	active       bool
}

type portLink struct {
	source     string
	sourcePort int
	sink       string
	sinkPort   int
}

// Registry is the routing service's module table. It satisfies the
// connection's Service dependency directly for in-process use; the control
// server exposes the same operations over the wire.
//
// Create is dual-mode: a name with a live registration is re-bound rather
// than re-created, so a module recovering from a timeout keeps its index,
// its notification payload and its port connections.
type Registry struct {
	version    int
	sampleRate int
	bufferSize int
	maxModules int

	mu        sync.Mutex
	slots     []*module
	byName    map[string]*module
	links     map[portLink]struct{}
	running   bool
	listeners []patchbay.Listener
	sender    DescriptorSender

	logger  zerolog.Logger
	metrics telemetry.Collector
}

// RegistrySettings configure a Registry.
type RegistrySettings struct {
	ProtocolVersion int
	SampleRate      int
	BufferSize      int
	MaxModules      int
	Sender          DescriptorSender
	Logger          zerolog.Logger
	Collector       telemetry.Collector
}

// NewRegistry builds an empty module table.
func NewRegistry(settings RegistrySettings) *Registry {
	if settings.MaxModules <= 0 {
		settings.MaxModules = 64
	}
	if settings.Collector == nil {
		settings.Collector = telemetry.Noop()
	}
	return &Registry{
		version:    settings.ProtocolVersion,
		sampleRate: settings.SampleRate,
		bufferSize: settings.BufferSize,
		maxModules: settings.MaxModules,
		byName:     make(map[string]*module),
		links:      make(map[portLink]struct{}),
		sender:     settings.Sender,
		logger:     settings.Logger,
		metrics:    settings.Collector,
	}
}

// AddListener subscribes a listener to change notifications.
func (r *Registry) AddListener(listener patchbay.Listener) {
	if listener == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, listener)
	r.mu.Unlock()
}

// RemoveListener unsubscribes a listener.
func (r *Registry) RemoveListener(listener patchbay.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l == listener {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notify(fn func(patchbay.Listener)) {
	r.mu.Lock()
	listeners := make([]patchbay.Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

// ProtocolVersion reports the protocol version this table implements.
func (r *Registry) ProtocolVersion() (int, error) {
	return r.version, nil
}

// SampleRate reports the audio clock's sample rate.
func (r *Registry) SampleRate() (int, error) {
	return r.sampleRate, nil
}

// BufferSize reports frames per processing callback.
func (r *Registry) BufferSize() (int, error) {
	return r.bufferSize, nil
}

// SendDescriptor forwards the request to the configured descriptor sender.
func (r *Registry) SendDescriptor() (int, error) {
	r.mu.Lock()
	sender := r.sender
	r.mu.Unlock()
	if sender == nil {
		return 0, fmt.Errorf("no descriptor sender configured")
	}
	return sender.Send()
}

// SetSender installs the descriptor sender. The control server wires its
// transfer socket through this.
func (r *Registry) SetSender(sender DescriptorSender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

// CreateModule registers name and returns its table index. If name is
// already registered the call is a re-bind: channel counts must match the
// live registration and the existing index is returned untouched.
func (r *Registry) CreateModule(name string, inputs, outputs int, notification *patchbay.Notification) (int, error) {
	if name == "" {
		return int(patchbay.StatusNameInvalid), nil
	}
	if inputs < 0 || outputs < 0 || inputs+outputs == 0 {
		return int(patchbay.StatusFailure), nil
	}

	r.mu.Lock()
	if existing, ok := r.byName[name]; ok {
		if existing.inputs != inputs || existing.outputs != outputs {
			r.mu.Unlock()
			return int(patchbay.StatusChannelMismatch), nil
		}
		if notification != nil {
			existing.notification = notification
		}
		index := existing.index
		r.mu.Unlock()
		r.logger.Info().Str("module", name).Int("index", index).Msg("module re-bound")
		return index, nil
	}

	index := -1
	for i, slot := range r.slots {
		if slot == nil {
			index = i
			break
		}
	}
	if index < 0 {
		if len(r.slots) >= r.maxModules {
			r.mu.Unlock()
			return int(patchbay.StatusTooManyModules), nil
		}
		r.slots = append(r.slots, nil)
		index = len(r.slots) - 1
	}
	mod := &module{
		name:         name,
		index:        index,
		inputs:       inputs,
		outputs:      outputs,
		notification: notification,
	}
	r.slots[index] = mod
	r.byName[name] = mod
	count := len(r.byName)
	r.mu.Unlock()

	r.metrics.SetModules(count)
	r.logger.Info().Str("module", name).Int("index", index).Msg("module created")
	r.notify(func(l patchbay.Listener) { l.ModuleCreated(name, inputs, outputs, notification) })
	return index, nil
}

// DeleteModule removes the registration for name together with its port
// connections. Deleting an unknown name is a no-op so that defensive release
// paths stay safe after a service restart.
func (r *Registry) DeleteModule(name string) error {
	r.mu.Lock()
	mod, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn().Str("module", name).Msg("delete: module not registered")
		return nil
	}
	delete(r.byName, name)
	r.slots[mod.index] = nil
	removed := make([]portLink, 0, 2)
	for link := range r.links {
		if link.source == name || link.sink == name {
			removed = append(removed, link)
			delete(r.links, link)
		}
	}
	count := len(r.byName)
	r.mu.Unlock()

	r.metrics.SetModules(count)
	r.logger.Info().Str("module", name).Msg("module deleted")
	for _, link := range removed {
		link := link
		r.notify(func(l patchbay.Listener) {
			l.PortsDisconnected(link.source, link.sourcePort, link.sink, link.sinkPort)
		})
	}
	r.notify(func(l patchbay.Listener) { l.ModuleDeleted(name) })
	return nil
}

// ActivateModule marks a module as participating in rendering.
func (r *Registry) ActivateModule(name string) (int, error) {
	r.mu.Lock()
	mod, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return int(patchbay.StatusNoSuchModule), nil
	}
	already := mod.active
	mod.active = true
	r.mu.Unlock()
	if !already {
		r.notify(func(l patchbay.Listener) { l.ModuleActivated(name) })
	}
	return 0, nil
}

// DeactivateModule removes a module from rendering without deleting it.
func (r *Registry) DeactivateModule(name string) (int, error) {
	r.mu.Lock()
	mod, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return int(patchbay.StatusNoSuchModule), nil
	}
	wasActive := mod.active
	mod.active = false
	r.mu.Unlock()
	if wasActive {
		r.notify(func(l patchbay.Listener) { l.ModuleDeactivated(name) })
	}
	return 0, nil
}

// ConnectPorts routes an output port of source into an input port of sink.
// Ports are validated against the declared channel counts.
func (r *Registry) ConnectPorts(source string, sourcePort int, sink string, sinkPort int) (int, error) {
	r.mu.Lock()
	src, ok := r.byName[source]
	if !ok {
		r.mu.Unlock()
		return int(patchbay.StatusNoSuchModule), nil
	}
	dst, ok := r.byName[sink]
	if !ok {
		r.mu.Unlock()
		return int(patchbay.StatusNoSuchModule), nil
	}
	if sourcePort < 0 || sourcePort >= src.outputs || sinkPort < 0 || sinkPort >= dst.inputs {
		r.mu.Unlock()
		return int(patchbay.StatusFailure), nil
	}
	link := portLink{source: source, sourcePort: sourcePort, sink: sink, sinkPort: sinkPort}
	if _, exists := r.links[link]; exists {
		r.mu.Unlock()
		return 0, nil
	}
	r.links[link] = struct{}{}
	r.mu.Unlock()

	r.notify(func(l patchbay.Listener) { l.PortsConnected(source, sourcePort, sink, sinkPort) })
	return 0, nil
}

// DisconnectPorts removes a port connection.
func (r *Registry) DisconnectPorts(source string, sourcePort int, sink string, sinkPort int) (int, error) {
	link := portLink{source: source, sourcePort: sourcePort, sink: sink, sinkPort: sinkPort}
	r.mu.Lock()
	_, exists := r.links[link]
	if exists {
		delete(r.links, link)
	}
	r.mu.Unlock()
	if !exists {
		return int(patchbay.StatusFailure), nil
	}
	r.notify(func(l patchbay.Listener) { l.PortsDisconnected(source, sourcePort, sink, sinkPort) })
	return 0, nil
}

// Start begins global rendering.
func (r *Registry) Start() error {
	r.mu.Lock()
	already := r.running
	r.running = true
	r.mu.Unlock()
	if !already {
		r.notify(func(l patchbay.Listener) { l.Started() })
	}
	return nil
}

// Stop halts global rendering.
func (r *Registry) Stop() error {
	r.mu.Lock()
	wasRunning := r.running
	r.running = false
	r.mu.Unlock()
	if wasRunning {
		r.notify(func(l patchbay.Listener) { l.Stopped() })
	}
	return nil
}

// Running reports whether global rendering is active.
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Modules reports the number of live registrations.
func (r *Registry) Modules() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// Connections reports the number of live port connections.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// IsActive reports whether the named module is activated.
func (r *Registry) IsActive(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.byName[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoSuchModule, name)
	}
	return mod.active, nil
}

var _ patchbay.Service = (*Registry)(nil)
