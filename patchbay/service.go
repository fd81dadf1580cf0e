package patchbay

// Notification is an opaque display payload associated with a module so the
// routing service can attribute it to an application. The service stores and
// forwards it verbatim; it is never interpreted here.
type Notification struct {
	Label   string `json:"label"`
	Payload []byte `json:"payload,omitempty"`
}

// Service defines the subset of routing-service operations required by a
// module connection.
//
// Implementations usually wrap an IPC channel to the patchbay daemon; the
// in-process registry in the service package satisfies it directly. The error
// return carries transport faults only; expected failures are reported
// through the integer result, negative values being Status codes.
type Service interface {
	// ProtocolVersion reports the protocol version the service speaks.
	ProtocolVersion() (int, error)
	// SendDescriptor asks the service to push a shared-memory descriptor
	// through the transfer channel. It returns 0 once the descriptor is on
	// its way and a nonzero value while the receiving side is not ready
	// yet; callers retry while their receiver is still alive.
	SendDescriptor() (int, error)
	// CreateModule registers a module under name and returns its table
	// index, or a negative Status code. A name with a live registration is
	// re-bound: the existing index is returned and routing state kept.
	CreateModule(name string, inputs, outputs int, notification *Notification) (int, error)
	// DeleteModule removes the registration for name.
	DeleteModule(name string) error
	// SampleRate reports the sample rate of the service's audio clock.
	SampleRate() (int, error)
	// BufferSize reports the frames per processing callback.
	BufferSize() (int, error)
}

// Listener receives change notifications from the routing service. All
// callbacks are one-way pass-throughs dispatched by the service as side
// effects of create/delete/connect operations; implementations must not call
// back into the service from the callback.
type Listener interface {
	ModuleCreated(name string, inputs, outputs int, notification *Notification)
	ModuleDeleted(name string)
	ModuleActivated(name string)
	ModuleDeactivated(name string)
	PortsConnected(source string, sourcePort int, sink string, sinkPort int)
	PortsDisconnected(source string, sourcePort int, sink string, sinkPort int)
	Started()
	Stopped()
}
