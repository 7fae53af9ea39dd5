// Package wazeroworker runs WebAssembly workers with wazero and exposes
// them to proxy.WorkerProxy as a host bridge.
//
// Each worker is a set of modules instantiated into a shared wazero
// runtime under the name "worker-<id>/<file>". Inbound messages are
// delivered on a dedicated goroutine per worker, one at a time and in the
// order they were posted. The guest replies by calling the imported
// worker_host.post_message, which the bridge routes to the worker's proxy
// through a CallbackTable.
package wazeroworker

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	wasiworker "github.com/aperturerobotics/go-wasi-worker"
	"github.com/aperturerobotics/go-wasi-worker/proxy"
)

// ErrWorkerClosed is returned when posting to a worker being torn down.
var ErrWorkerClosed = errors.New("worker closed")

// DefaultInboxSize is the number of messages buffered per worker.
const DefaultInboxSize = 64

// workerKey is the context key for the worker handling a guest call.
type workerKey struct{}

// Option configures a Bridge.
type Option func(*Bridge)

// WithFetcher sets where modules without an inline payload come from.
func WithFetcher(f Fetcher) Option {
	return func(b *Bridge) { b.fetcher = f }
}

// WithModuleConfig sets the base config for every instantiated module.
// The module name is always overridden.
func WithModuleConfig(config wazero.ModuleConfig) Option {
	return func(b *Bridge) { b.moduleConfig = config }
}

// WithInboxSize sets the per-worker message buffer.
func WithInboxSize(n int) Option {
	return func(b *Bridge) { b.inboxSize = n }
}

// WithCallbacks sets the table used to route guest messages.
func WithCallbacks(t *proxy.CallbackTable) Option {
	return func(b *Bridge) { b.callbacks = t }
}

// WithLogger sets the logger used by the bridge and its workers.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// Bridge implements proxy.Bridge and proxy.Bootstrapper on a wazero runtime.
// Use one Bridge per runtime: Bootstrap claims the worker_host module name.
type Bridge struct {
	ctx          context.Context
	cancel       context.CancelFunc
	runtime      wazero.Runtime
	fetcher      Fetcher
	moduleConfig wazero.ModuleConfig
	callbacks    *proxy.CallbackTable
	inboxSize    int
	log          *zap.Logger

	cacheMu  sync.Mutex
	compiled map[uint64]wazero.CompiledModule

	mu         sync.Mutex
	workers    map[int64]*worker
	hostModule api.Module
}

// New creates a bridge on r. The runtime stays owned by the caller.
func New(ctx context.Context, r wazero.Runtime, opts ...Option) *Bridge {
	b := &Bridge{
		runtime:   r,
		inboxSize: DefaultInboxSize,
		compiled:  make(map[uint64]wazero.CompiledModule),
		workers:   make(map[int64]*worker),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.fetcher == nil {
		b.fetcher = FSFetcher{FS: wasiworker.ModulesFS()}
	}
	if b.moduleConfig == nil {
		b.moduleConfig = wazero.NewModuleConfig()
	}
	if b.callbacks == nil {
		b.callbacks = proxy.NewCallbackTable()
	}
	if b.inboxSize < 0 {
		b.inboxSize = 0
	}
	if b.log == nil {
		b.log = Logger()
	}
	// Workers outlive the context of the Init call that booted them.
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return b
}

// Callbacks returns the table the bridge dispatches guest messages through.
func (b *Bridge) Callbacks() *proxy.CallbackTable {
	return b.callbacks
}

// Bootstrap installs WASI and the worker_host module into the runtime.
// proxy runs it once per bridge through a shared ScriptLoader.
func (b *Bridge) Bootstrap(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hostModule != nil {
		return nil
	}
	if b.runtime.Module(wasiworker.HostModule) != nil {
		return errors.Errorf("%s is owned by another bridge", wasiworker.HostModule)
	}

	if b.runtime.Module(wasi_snapshot_preview1.ModuleName) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, b.runtime); err != nil {
			return errors.Wrap(err, "instantiate wasi")
		}
	}

	host, err := b.runtime.NewHostModuleBuilder(wasiworker.HostModule).
		NewFunctionBuilder().
		WithFunc(b.postMessageHost).
		Export(wasiworker.ImportPostMessage).
		Instantiate(ctx)
	if err != nil {
		return errors.Wrapf(err, "instantiate %s", wasiworker.HostModule)
	}
	b.hostModule = host

	b.log.Debug("bridge bootstrapped")
	return nil
}

// InvokeVoid implements proxy.Bridge.
func (b *Bridge) InvokeVoid(ctx context.Context, op string, args ...any) error {
	switch op {
	case proxy.OpInitWorker:
		if len(args) != 3 {
			return errors.Errorf("%s: want 3 args, got %d", op, len(args))
		}
		id, ok := args[0].(int64)
		if !ok {
			return errors.Errorf("%s: worker id is %T", op, args[0])
		}
		receiver, ok := args[1].(proxy.Receiver)
		if !ok {
			return errors.Errorf("%s: callback target is %T", op, args[1])
		}
		opts, ok := args[2].(proxy.Options)
		if !ok {
			return errors.Errorf("%s: options are %T", op, args[2])
		}
		return b.initWorker(ctx, id, receiver, opts)

	case proxy.OpPostMessage:
		if len(args) != 2 {
			return errors.Errorf("%s: want 2 args, got %d", op, len(args))
		}
		id, ok := args[0].(int64)
		if !ok {
			return errors.Errorf("%s: worker id is %T", op, args[0])
		}
		text, ok := args[1].(string)
		if !ok {
			return errors.Errorf("%s: message is %T", op, args[1])
		}
		return b.postMessage(ctx, id, text)

	case proxy.OpDisposeWorker:
		if len(args) != 1 {
			return errors.Errorf("%s: want 1 arg, got %d", op, len(args))
		}
		id, ok := args[0].(int64)
		if !ok {
			return errors.Errorf("%s: worker id is %T", op, args[0])
		}
		return b.disposeWorker(ctx, id)
	}
	return errors.Errorf("unknown operation %q", op)
}

// Workers returns the number of running workers.
func (b *Bridge) Workers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, w := range b.workers {
		if w != nil {
			n++
		}
	}
	return n
}

// Close tears down every worker and releases compiled modules.
// The runtime itself is not closed.
//
// Close the proxies (or their proxy.Registry) first. A proxy whose worker
// was torn down here still disposes cleanly afterwards: the bridge reports
// proxy.ErrUnknownWorker, which the proxy treats as already gone.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	workers := make([]*worker, 0, len(b.workers))
	for _, w := range b.workers {
		if w != nil {
			workers = append(workers, w)
		}
	}
	b.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := b.disposeWorker(ctx, w.id); err != nil {
			// Still delivering: release it once the goroutine exits.
			go func(w *worker) {
				<-w.done
				b.reap(context.Background(), w)
			}(w)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	b.cancel()

	b.cacheMu.Lock()
	for key, c := range b.compiled {
		_ = c.Close(ctx)
		delete(b.compiled, key)
	}
	b.cacheMu.Unlock()

	b.mu.Lock()
	if b.hostModule != nil {
		_ = b.hostModule.Close(ctx)
		b.hostModule = nil
	}
	b.mu.Unlock()

	proxy.ReleaseLoader(b)
	return firstErr
}

func (b *Bridge) initWorker(ctx context.Context, id int64, receiver proxy.Receiver, opts proxy.Options) (err error) {
	ep, err := proxy.ParseEndpoint(opts.MessageEndPoint)
	if err != nil {
		return err
	}

	// Reserve the id while booting.
	b.mu.Lock()
	if _, exists := b.workers[id]; exists {
		b.mu.Unlock()
		return errors.Errorf("worker %d already exists", id)
	}
	b.workers[id] = nil
	b.mu.Unlock()

	w := &worker{
		id:    id,
		inbox: make(chan string, b.inboxSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   b.log.With(zap.Int64("worker_id", id)),
	}
	defer func() {
		if err != nil {
			w.closeModules(context.WithoutCancel(ctx))
			b.mu.Lock()
			delete(b.workers, id)
			b.mu.Unlock()
		}
	}()

	wctx := context.WithValue(ctx, workerKey{}, w)
	var target api.Module
	for _, name := range opts.DependentAssemblyFilenames {
		mod, err := b.instantiate(wctx, id, name, opts)
		if err != nil {
			return err
		}
		w.modules = append(w.modules, mod)
		if name == ep.Module {
			target = mod
		}
	}
	if target == nil {
		return errors.Errorf("endpoint module %s is not loaded", ep.Module)
	}

	if w.entry = target.ExportedFunction(ep.Export); w.entry == nil {
		return errors.New("missing export: " + ep.Export)
	}
	if w.alloc = target.ExportedFunction(wasiworker.ExportAlloc); w.alloc == nil {
		return errors.New("missing export: " + wasiworker.ExportAlloc)
	}
	if w.memory = target.Memory(); w.memory == nil {
		return errors.New("missing export: " + wasiworker.ExportMemory)
	}

	if err := b.callbacks.Register(id, receiver, opts.CallbackMethod); err != nil {
		return err
	}

	b.mu.Lock()
	b.workers[id] = w
	b.mu.Unlock()

	go w.run(context.WithValue(b.ctx, workerKey{}, w))
	w.log.Debug("worker started", zap.Int("modules", len(w.modules)), zap.String("endpoint", ep.String()))
	return nil
}

// instantiate resolves, compiles and instantiates one dependent module.
func (b *Bridge) instantiate(ctx context.Context, id int64, name string, opts proxy.Options) (api.Module, error) {
	url, inline := opts.ResolveFetch(name)

	var data []byte
	var err error
	if inline != nil {
		data, err = base64.StdEncoding.DecodeString(inline.Base64Data)
		if err != nil {
			return nil, errors.Wrapf(err, "decode inline module %s", url)
		}
	} else {
		data, err = b.fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch module %s", url)
		}
	}

	compiled, err := b.compile(ctx, data)
	if err != nil {
		return nil, errors.Wrapf(err, "compile module %s", name)
	}

	mod, err := b.runtime.InstantiateModule(ctx, compiled, b.moduleConfig.WithName(moduleName(id, name)))
	if err != nil {
		return nil, errors.Wrapf(err, "instantiate module %s", name)
	}

	// Call _initialize for WASI reactor startup.
	if initFn := mod.ExportedFunction(wasiworker.ExportInitialize); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return nil, errors.Wrapf(err, "%s: _initialize failed", name)
		}
	}

	if abiFn := mod.ExportedFunction(wasiworker.ExportABIVersion); abiFn != nil {
		results, err := abiFn.Call(ctx)
		if err != nil {
			_ = mod.Close(ctx)
			return nil, errors.Wrapf(err, "%s: abi_version failed", name)
		}
		if v := int32(results[0]); v != wasiworker.ABIVersion {
			_ = mod.Close(ctx)
			return nil, errors.Errorf("%s: abi version %d, host supports %d", name, v, wasiworker.ABIVersion)
		}
	}

	return mod, nil
}

// compile returns a compiled module, reusing earlier compilations of the
// same bytes.
func (b *Bridge) compile(ctx context.Context, data []byte) (wazero.CompiledModule, error) {
	key := xxhash.Sum64(data)

	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	if c, ok := b.compiled[key]; ok {
		return c, nil
	}
	c, err := b.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, err
	}
	b.compiled[key] = c
	return c, nil
}

func (b *Bridge) lookup(id int64) (*worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.workers[id]
	if w == nil {
		return nil, errors.Wrapf(proxy.ErrUnknownWorker, "worker %d", id)
	}
	return w, nil
}

func (b *Bridge) postMessage(ctx context.Context, id int64, text string) error {
	w, err := b.lookup(id)
	if err != nil {
		return err
	}
	return w.post(ctx, text)
}

// disposeWorker stops the worker and releases its modules. The worker stays
// registered until its delivery goroutine has exited, so a dispose that
// times out can be retried.
func (b *Bridge) disposeWorker(ctx context.Context, id int64) error {
	w, err := b.lookup(id)
	if err != nil {
		return err
	}
	if err := w.shutdown(ctx); err != nil {
		return err
	}
	b.reap(context.WithoutCancel(ctx), w)
	return nil
}

// reap forgets a stopped worker and closes its modules.
// Only the first call for a given worker does anything.
func (b *Bridge) reap(ctx context.Context, w *worker) {
	b.mu.Lock()
	if b.workers[w.id] != w {
		b.mu.Unlock()
		return
	}
	delete(b.workers, w.id)
	b.mu.Unlock()

	b.callbacks.Unregister(w.id)
	w.closeModules(ctx)
	w.log.Debug("worker stopped")
}

// postMessageHost implements worker_host.post_message.
// Reads len bytes at ptr from the caller's memory and routes them to the
// proxy of the worker whose call is in progress.
func (b *Bridge) postMessageHost(ctx context.Context, mod api.Module, ptr, length uint32) {
	w, ok := ctx.Value(workerKey{}).(*worker)
	if !ok {
		b.log.Warn("post_message outside of a worker call", zap.String("module", mod.Name()))
		return
	}

	view, ok := mod.Memory().Read(ptr, length)
	if !ok {
		w.log.Warn("post_message out of range", zap.Uint32("ptr", ptr), zap.Uint32("len", length))
		return
	}
	// string() copies out of guest memory.
	if err := b.callbacks.Dispatch(w.id, string(view)); err != nil {
		w.log.Warn("dispatch failed", zap.Error(err))
	}
}

func moduleName(id int64, file string) string {
	return "worker-" + strconv.FormatInt(id, 10) + "/" + file
}

// worker is one running worker: its modules and delivery goroutine.
type worker struct {
	id      int64
	modules []api.Module
	entry   api.Function
	alloc   api.Function
	memory  api.Memory
	log     *zap.Logger

	inbox chan string
	stop  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// run delivers inbound messages until stop is closed.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case msg := <-w.inbox:
			if err := w.deliver(ctx, msg); err != nil {
				w.log.Warn("message delivery failed", zap.Error(err))
			}
		}
	}
}

// deliver copies msg into guest memory and calls the endpoint.
func (w *worker) deliver(ctx context.Context, msg string) error {
	data := []byte(msg)
	results, err := w.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return errors.Wrap(err, "alloc")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return errors.Errorf("alloc returned null for %d bytes", len(data))
	}
	if !w.memory.Write(ptr, data) {
		return errors.New("failed to write message to memory")
	}
	if _, err := w.entry.Call(ctx, uint64(ptr), uint64(len(data))); err != nil {
		return errors.Wrap(err, "endpoint")
	}
	return nil
}

// post queues text for delivery.
func (w *worker) post(ctx context.Context, text string) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrWorkerClosed
	}
	select {
	case w.inbox <- text:
		return nil
	case <-w.stop:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown stops the delivery goroutine. Queued messages are dropped.
func (w *worker) shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.stop)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) closeModules(ctx context.Context) {
	for i := len(w.modules) - 1; i >= 0; i-- {
		_ = w.modules[i].Close(ctx)
	}
	w.modules = nil
}
