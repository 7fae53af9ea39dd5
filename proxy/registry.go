package proxy

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Registry owns the state shared by a family of proxies: the identifier
// sequence, the bootstrap loader and the set of live workers.
// Close disposes every worker that is still live.
type Registry struct {
	bridge Bridge
	opts   []Option
	seq    *Sequence
	log    *zap.Logger

	mu     sync.Mutex
	live   map[int64]*WorkerProxy
	closed bool
}

// NewRegistry creates a registry for bridge. opts apply to every spawned
// proxy; WithSequence and WithScriptLoader set the shared capabilities,
// otherwise a fresh sequence and the bridge's loader are used.
func NewRegistry(bridge Bridge, opts ...Option) *Registry {
	c := newConfig(opts)
	if c.seq == nil {
		c.seq = NewSequence(0)
	}
	if c.loader == nil {
		c.loader = loaderFor(bridge)
	}
	if c.log == nil {
		c.log = Logger()
	}

	r := &Registry{
		bridge: bridge,
		seq:    c.seq,
		log:    c.log,
		live:   make(map[int64]*WorkerProxy),
	}
	r.opts = append(append([]Option(nil), opts...),
		WithSequence(c.seq),
		WithScriptLoader(c.loader),
		withDisposeHook(r.remove),
	)
	return r
}

// Sequence returns the registry's identifier sequence.
func (r *Registry) Sequence() *Sequence {
	return r.seq
}

// Spawn constructs a proxy tracked by the registry.
func (r *Registry) Spawn() (*WorkerProxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, &Error{Kind: KindState, Phase: PhaseRegistry, Detail: ErrRegistryClosed.Detail}
	}
	p := New(r.bridge, r.opts...)
	r.live[p.ID()] = p
	return p, nil
}

// Get returns the live proxy with the given id.
func (r *Registry) Get(id int64) (*WorkerProxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.live[id]
	return p, ok
}

// Workers returns the live proxies ordered by id.
func (r *Registry) Workers() []*WorkerProxy {
	r.mu.Lock()
	out := make([]*WorkerProxy, 0, len(r.live))
	for _, p := range r.live {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of live proxies.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Close stops spawning and disposes every live proxy.
// Errors from individual workers are combined.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var err error
	for _, p := range r.Workers() {
		if derr := p.Dispose(ctx); derr != nil {
			r.log.Warn("dispose failed", zap.Int64("worker_id", p.ID()), zap.Error(derr))
			err = multierr.Append(err, derr)
		}
	}
	return err
}

func (r *Registry) remove(p *WorkerProxy) {
	r.mu.Lock()
	delete(r.live, p.ID())
	r.mu.Unlock()
}
