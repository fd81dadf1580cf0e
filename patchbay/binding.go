package patchbay

// Binding is the contract a concrete module type supplies to connect its
// local processing state to the shared-memory region and the service's module
// table.
//
// Bind and Unbind are the only operations that touch the real-time processing
// context. They are synchronous and bounded; the rendering callback itself
// runs elsewhere and communicates with the service purely through the region
// identified by token and index.
type Binding interface {
	// TimedOut reports whether the rendering callback was cut off by the
	// service's real-time watchdog. Safe to poll at any time; must report
	// false while unbound. A timeout abandons the callback mid-execution,
	// so any mutable processing context must be rebuilt before the module
	// is bound again.
	TimedOut() bool
	// ProtocolVersion is the protocol version this module type was built
	// against, compared to the service's at configure time.
	ProtocolVersion() int
	// InputChannels reports the number of input channels the module claims.
	InputChannels() int
	// OutputChannels reports the number of output channels the module claims.
	OutputChannels() int
	// Bind attaches local buffers to the shared-memory token and module
	// index. The token stays owned by the caller; mappings created here
	// must be released again in Unbind.
	Bind(name string, version, token, index, sampleRate, bufferSize int) error
	// Unbind detaches local buffers and invalidates the processing context.
	Unbind()
}
