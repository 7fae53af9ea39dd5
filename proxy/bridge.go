package proxy

import (
	"context"
)

// Host operation names. These are the wire contract with the host.
const (
	// OpInitWorker boots a worker.
	// Args: id int64, callback Receiver, options Options.
	OpInitWorker = "WasiWorker.initWorker"

	// OpPostMessage forwards a message to a worker.
	// Args: id int64, text string.
	OpPostMessage = "WasiWorker.postMessage"

	// OpDisposeWorker tears a worker down.
	// Args: id int64.
	OpDisposeWorker = "WasiWorker.disposeWorker"
)

// CallbackOnMessage is the inbound callback method exposed by WorkerProxy.
const CallbackOnMessage = "OnMessage"

// Bridge invokes named operations implemented by the host environment.
//
// InvokeVoid may block for as long as the host needs; it returns when the
// operation completed or failed.
type Bridge interface {
	InvokeVoid(ctx context.Context, op string, args ...any) error
}

// Bootstrapper is implemented by bridges that need a one-time setup step
// before the first worker can be created. The step is run through a
// ScriptLoader shared by every proxy using the bridge.
type Bootstrapper interface {
	Bootstrap(ctx context.Context) error
}

// Receiver is the callback target handed to the host at boot time.
// The host calls Invoke with the method named in Options.CallbackMethod.
type Receiver interface {
	WorkerID() int64
	Invoke(method, arg string) error
}
