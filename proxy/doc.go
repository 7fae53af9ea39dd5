// Package proxy mediates the lifecycle of background WebAssembly workers.
//
// A WorkerProxy owns a worker identifier, sequences initialization
// (bootstrap script, embedded modules, worker boot), forwards outbound
// messages and raises listeners for inbound ones. Every call into the host
// environment goes through a Bridge, which invokes host operations by name:
//
//	WasiWorker.initWorker     id, callback Receiver, Options
//	WasiWorker.postMessage    id, text
//	WasiWorker.disposeWorker  id
//
// Bridges deliver inbound messages by calling Receiver.Invoke on the
// callback handed to initWorker, usually through a CallbackTable keyed by
// worker id.
//
// # Lifecycle
//
//	Created -> Initializing -> Ready -> Disposing -> Disposed
//
// A failed Init returns the proxy to Created; a failed Dispose returns it to
// Ready. No lock is held while the host runs, so listeners may call back
// into the proxy during either transition. PostMessage is rejected with
// ErrNotReady before Ready and with ErrDisposed after Dispose. Dispose is
// idempotent.
//
// # Shared state
//
// Identifiers come from a Sequence, the bootstrap step from a ScriptLoader.
// A Registry owns one of each plus the set of live workers:
//
//	reg := proxy.NewRegistry(bridge)
//	defer reg.Close(ctx)
//
//	w, _ := reg.Spawn()
//	w.AddListener(func(msg string) { fmt.Println(msg) })
//	if err := w.Init(ctx, proxy.Options{}); err != nil {
//	    return err
//	}
//	err := w.PostMessage(ctx, "ping")
package proxy
