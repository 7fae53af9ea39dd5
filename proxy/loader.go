package proxy

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// ScriptLoader runs a one-time bootstrap step shared by many proxies.
//
// Concurrent callers of Load share a single in-flight run. A successful run
// is remembered; a failed run is reported to every caller that was waiting
// on it and is attempted again by the next call.
type ScriptLoader struct {
	load   func(ctx context.Context) error
	group  singleflight.Group
	loaded atomic.Bool
}

// NewScriptLoader wraps load. A nil load always succeeds.
func NewScriptLoader(load func(ctx context.Context) error) *ScriptLoader {
	return &ScriptLoader{load: load}
}

// Load runs the bootstrap step unless it already succeeded.
func (l *ScriptLoader) Load(ctx context.Context) error {
	if l.loaded.Load() {
		return nil
	}
	_, err, _ := l.group.Do("load", func() (any, error) {
		if l.loaded.Load() {
			return nil, nil
		}
		if l.load != nil {
			if err := l.load(ctx); err != nil {
				return nil, err
			}
		}
		l.loaded.Store(true)
		return nil, nil
	})
	return err
}

// Loaded reports whether the bootstrap step has completed.
func (l *ScriptLoader) Loaded() bool {
	return l.loaded.Load()
}

// bridgeLoaders holds the shared loader of every Bootstrapper bridge.
var bridgeLoaders sync.Map

// loaderFor returns the process-wide loader for bridge.
func loaderFor(bridge Bridge) *ScriptLoader {
	b, ok := bridge.(Bootstrapper)
	if !ok {
		return NewScriptLoader(nil)
	}
	if l, ok := bridgeLoaders.Load(b); ok {
		return l.(*ScriptLoader)
	}
	l, _ := bridgeLoaders.LoadOrStore(b, NewScriptLoader(b.Bootstrap))
	return l.(*ScriptLoader)
}

// ReleaseLoader drops the shared loader of a bridge that is shutting down.
// A later proxy on the same bridge bootstraps it again.
func ReleaseLoader(b Bootstrapper) {
	bridgeLoaders.Delete(b)
}
