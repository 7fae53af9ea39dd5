package proxy

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle state of a WorkerProxy.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateReady
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Listener receives messages posted by a worker.
type Listener func(msg string)

// Option configures a WorkerProxy.
type Option func(*config)

type config struct {
	seq       *Sequence
	loader    *ScriptLoader
	resources *Resources
	log       *zap.Logger
	metrics   *Metrics
	onDispose func(*WorkerProxy)
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithSequence allocates the proxy identifier from seq.
func WithSequence(seq *Sequence) Option {
	return func(c *config) { c.seq = seq }
}

// WithScriptLoader replaces the bridge's shared bootstrap loader.
func WithScriptLoader(l *ScriptLoader) Option {
	return func(c *config) { c.loader = l }
}

// WithResources sets the packaged modules injected into the worker.
func WithResources(r Resources) Option {
	return func(c *config) { c.resources = &r }
}

// WithLogger sets the logger used by the proxy.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMetrics records lifecycle events into m.
func WithMetrics(m *Metrics) Option {
	return func(c *config) { c.metrics = m }
}

func withDisposeHook(fn func(*WorkerProxy)) Option {
	return func(c *config) { c.onDispose = fn }
}

type listenerEntry struct {
	fn Listener
}

// WorkerProxy represents one addressable worker and mediates its lifecycle
// through a Bridge.
type WorkerProxy struct {
	id        int64
	bridge    Bridge
	loader    *ScriptLoader
	resources Resources
	log       *zap.Logger
	metrics   *Metrics
	onDispose func(*WorkerProxy)

	mu          sync.Mutex
	state       State
	initialized bool

	lmu       sync.RWMutex
	listeners []*listenerEntry
}

// New constructs a proxy for a worker that does not exist yet.
// The identifier is allocated immediately; the bridge is not called.
func New(bridge Bridge, opts ...Option) *WorkerProxy {
	c := newConfig(opts)
	if c.seq == nil {
		c.seq = defaultSequence
	}
	if c.loader == nil {
		c.loader = loaderFor(bridge)
	}
	if c.resources == nil {
		r := DefaultResources()
		c.resources = &r
	}
	if c.log == nil {
		c.log = Logger()
	}

	p := &WorkerProxy{
		id:        c.seq.Next(),
		bridge:    bridge,
		loader:    c.loader,
		resources: *c.resources,
		metrics:   c.metrics,
		onDispose: c.onDispose,
		state:     StateCreated,
	}
	p.log = c.log.With(zap.Int64("worker_id", p.id))
	p.metrics.workerCreated()
	return p
}

// ID returns the worker identifier.
func (p *WorkerProxy) ID() int64 {
	return p.id
}

// WorkerID implements Receiver.
func (p *WorkerProxy) WorkerID() int64 {
	return p.id
}

// State returns the current lifecycle state.
func (p *WorkerProxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsInitialized reports whether Init has completed successfully.
func (p *WorkerProxy) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// IsDisposed reports whether Dispose has completed.
func (p *WorkerProxy) IsDisposed() bool {
	return p.State() == StateDisposed
}

// Init loads the bootstrap script, resolves the embedded modules and asks
// the host to boot the worker. options is merged over the defaults.
//
// On failure the proxy returns to StateCreated and Init may be retried.
func (p *WorkerProxy) Init(ctx context.Context, options Options) error {
	p.mu.Lock()
	switch p.state {
	case StateInitializing:
		p.mu.Unlock()
		return stateError(p.id, OpInitWorker, ErrInitInProgress)
	case StateReady:
		p.mu.Unlock()
		return stateError(p.id, OpInitWorker, ErrAlreadyInitialized)
	case StateDisposing, StateDisposed:
		p.mu.Unlock()
		return stateError(p.id, OpInitWorker, ErrDisposed)
	}
	p.state = StateInitializing
	p.mu.Unlock()

	err := p.boot(ctx, options)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = StateCreated
		p.metrics.initFailed()
		p.log.Warn("worker initialization failed", zap.Error(err))
		return err
	}
	p.state = StateReady
	p.initialized = true
	p.metrics.workerInitialized()
	p.log.Debug("worker initialized")
	return nil
}

func (p *WorkerProxy) boot(ctx context.Context, options Options) error {
	if err := p.loader.Load(ctx); err != nil {
		return initError(p.id, PhaseLoad, err)
	}

	embedded, err := p.resources.Load()
	if err != nil {
		return initError(p.id, PhaseResources, err)
	}

	merged := DefaultOptions(p.resources.References, embedded).Merge(options)
	p.log.Debug("booting worker",
		zap.Strings("modules", merged.DependentAssemblyFilenames),
		zap.String("endpoint", merged.MessageEndPoint),
	)

	if err := p.bridge.InvokeVoid(ctx, OpInitWorker, p.id, p, merged); err != nil {
		return initError(p.id, PhaseBoot, err)
	}
	return nil
}

// PostMessage forwards text to the worker.
// The worker must be initialized and not disposed. Posts issued while a
// Dispose is in flight are rejected with ErrDisposed.
func (p *WorkerProxy) PostMessage(ctx context.Context, text string) error {
	switch p.State() {
	case StateReady:
	case StateDisposing, StateDisposed:
		return stateError(p.id, OpPostMessage, ErrDisposed)
	default:
		return stateError(p.id, OpPostMessage, ErrNotReady)
	}

	if err := p.bridge.InvokeVoid(ctx, OpPostMessage, p.id, text); err != nil {
		return transportError(p.id, PhasePost, OpPostMessage, err)
	}
	p.metrics.messagePosted()
	return nil
}

// AddListener registers fn for incoming messages.
// The returned func removes the registration; calling it twice is harmless.
func (p *WorkerProxy) AddListener(fn Listener) (remove func()) {
	entry := &listenerEntry{fn: fn}
	p.lmu.Lock()
	p.listeners = append(p.listeners, entry)
	p.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.lmu.Lock()
			defer p.lmu.Unlock()
			for i, e := range p.listeners {
				if e == entry {
					p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// OnMessage raises every registered listener with msg.
// It is called by the host bridge; with no listeners it does nothing.
func (p *WorkerProxy) OnMessage(msg string) {
	p.metrics.messageReceived()

	p.lmu.RLock()
	listeners := p.listeners
	p.lmu.RUnlock()

	for _, l := range listeners {
		l.fn(msg)
	}
}

// Invoke implements Receiver.
func (p *WorkerProxy) Invoke(method, arg string) error {
	if method != CallbackOnMessage {
		return &Error{
			Kind:     KindTransport,
			WorkerID: p.id,
			Phase:    PhaseCallback,
			Op:       method,
			Detail:   ErrUnknownMethod.Detail,
		}
	}
	p.OnMessage(arg)
	return nil
}

// Dispose tears the worker down. Only the first successful call reaches the
// host; later calls return nil.
//
// A proxy that never booted is marked disposed without calling the host, so
// bridges only see disposeWorker for ids they accepted in initWorker. A host
// that no longer knows the id (ErrUnknownWorker) counts as torn down.
//
// The proxy lock is not held during the host call: listeners running on the
// worker may use the proxy while it is being disposed.
func (p *WorkerProxy) Dispose(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateDisposed:
		p.mu.Unlock()
		return nil
	case StateInitializing:
		p.mu.Unlock()
		return stateError(p.id, OpDisposeWorker, ErrInitInProgress)
	case StateDisposing:
		p.mu.Unlock()
		return stateError(p.id, OpDisposeWorker, ErrDisposeInProgress)
	}

	wasLive := p.state == StateReady
	if wasLive {
		p.state = StateDisposing
		p.mu.Unlock()

		err := p.bridge.InvokeVoid(ctx, OpDisposeWorker, p.id)
		if err != nil && errors.Is(err, ErrUnknownWorker) {
			p.log.Debug("host already released worker", zap.Error(err))
			err = nil
		}

		p.mu.Lock()
		if err != nil {
			p.state = StateReady
			p.mu.Unlock()
			return transportError(p.id, PhaseDispose, OpDisposeWorker, err)
		}
	}

	p.state = StateDisposed
	p.mu.Unlock()

	p.metrics.workerDisposed(wasLive)
	p.log.Debug("worker disposed")
	if p.onDispose != nil {
		p.onDispose(p)
	}
	return nil
}
