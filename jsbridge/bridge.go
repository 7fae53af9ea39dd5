//go:build js && wasm

package jsbridge

import (
	"context"
	"sync"

	"github.com/hack-pad/safejs"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aperturerobotics/go-wasi-worker/proxy"
)

var jsJSON = safejs.MustGetGlobal("JSON")

// Option configures a Bridge.
type Option func(*Bridge)

// WithScriptURL sets the script Bootstrap loads to define the namespace.
func WithScriptURL(url string) Option {
	return func(b *Bridge) { b.scriptURL = url }
}

// WithNamespace sets the global Bootstrap waits for.
func WithNamespace(name string) Option {
	return func(b *Bridge) { b.namespace = name }
}

// WithLogger sets the bridge logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// Bridge calls a JavaScript namespace on the page global object.
type Bridge struct {
	scriptURL string
	namespace string
	log       *zap.Logger

	mu        sync.Mutex
	receivers map[int64]safejs.Func
}

// New creates a bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		namespace: namespaceOf(proxy.OpInitWorker),
		receivers: make(map[int64]safejs.Func),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = Logger()
	}
	return b
}

// Bootstrap implements proxy.Bootstrapper.
func (b *Bridge) Bootstrap(ctx context.Context) error {
	ns, err := safejs.Global().Get(b.namespace)
	if err == nil && !ns.IsUndefined() && !ns.IsNull() {
		return nil
	}
	if b.scriptURL == "" {
		return errors.Errorf("%s is not defined and no script url is set", b.namespace)
	}
	return loadScript(ctx, b.scriptURL)
}

// InvokeVoid implements proxy.Bridge.
func (b *Bridge) InvokeVoid(ctx context.Context, op string, args ...any) error {
	path, method, err := splitOp(op)
	if err != nil {
		return err
	}
	target := safejs.Global()
	for _, p := range path {
		if target, err = target.Get(p); err != nil {
			return errors.Wrapf(err, "%s: resolve %s", op, p)
		}
		if target.IsUndefined() || target.IsNull() {
			return errors.Errorf("%s: %s is not defined", op, p)
		}
	}

	jsArgs := make([]any, 0, len(args))
	for _, arg := range args {
		v, err := b.toJS(arg)
		if err != nil {
			return errors.Wrapf(err, "%s: convert %T", op, arg)
		}
		jsArgs = append(jsArgs, v)
	}

	result, err := target.Call(method, jsArgs...)
	if err != nil {
		return errors.Wrap(err, op)
	}
	if err := await(ctx, result); err != nil {
		return errors.Wrap(err, op)
	}

	if op == proxy.OpDisposeWorker && len(args) == 1 {
		if id, ok := args[0].(int64); ok {
			b.release(id)
		}
	}
	return nil
}

// toJS converts a bridge argument into a JavaScript value.
func (b *Bridge) toJS(arg any) (safejs.Value, error) {
	switch v := arg.(type) {
	case proxy.Receiver:
		return b.receiverObject(v)
	case proxy.Options:
		data, err := v.Marshal()
		if err != nil {
			return safejs.Value{}, err
		}
		return jsJSON.Call("parse", string(data))
	case int64:
		// Numbers cross as float64; ids stay well within 2^53.
		return safejs.ValueOf(float64(v))
	default:
		return safejs.ValueOf(v)
	}
}

// receiverObject wraps r as {invokeMethodAsync(method, arg)}.
func (b *Bridge) receiverObject(r proxy.Receiver) (safejs.Value, error) {
	id := r.WorkerID()
	fn, err := safejs.FuncOf(func(_ safejs.Value, args []safejs.Value) any {
		if len(args) < 2 {
			b.log.Warn("invokeMethodAsync called with too few arguments", zap.Int64("worker_id", id))
			return nil
		}
		method, err := args[0].String()
		if err != nil {
			b.log.Warn("invalid callback method", zap.Int64("worker_id", id), zap.Error(err))
			return nil
		}
		arg, err := args[1].String()
		if err != nil {
			b.log.Warn("invalid callback argument", zap.Int64("worker_id", id), zap.Error(err))
			return nil
		}
		if err := r.Invoke(method, arg); err != nil {
			b.log.Warn("callback failed", zap.Int64("worker_id", id), zap.String("method", method), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return safejs.Value{}, err
	}

	obj, err := safejs.ValueOf(map[string]any{})
	if err != nil {
		fn.Release()
		return safejs.Value{}, err
	}
	if err := obj.Set("invokeMethodAsync", fn.Value()); err != nil {
		fn.Release()
		return safejs.Value{}, err
	}

	b.mu.Lock()
	if old, ok := b.receivers[id]; ok {
		old.Release()
	}
	b.receivers[id] = fn
	b.mu.Unlock()
	return obj, nil
}

func (b *Bridge) release(id int64) {
	b.mu.Lock()
	fn, ok := b.receivers[id]
	delete(b.receivers, id)
	b.mu.Unlock()
	if ok {
		fn.Release()
	}
}

// Close releases every callback handed to the page.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, fn := range b.receivers {
		fn.Release()
		delete(b.receivers, id)
	}
	proxy.ReleaseLoader(b)
}
