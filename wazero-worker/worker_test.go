package wazeroworker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	wasiworker "github.com/aperturerobotics/go-wasi-worker"
	"github.com/aperturerobotics/go-wasi-worker/proxy"
)

// bindingsV2 is the bindings module with abi_version returning 2.
var bindingsV2 = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0f, 0x01, 0x0b, 'a', 'b', 'i', '_', 'v', 'e', 'r', 's', 'i', 'o', 'n', 0x00, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x02, 0x0b,
}

func newTestBridge(t *testing.T, opts ...Option) (context.Context, *Bridge, *proxy.Registry) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = r.Close(ctx) })

	b := New(ctx, r, opts...)
	reg := proxy.NewRegistry(b)
	t.Cleanup(func() {
		_ = reg.Close(ctx)
		_ = b.Close(ctx)
	})
	return ctx, b, reg
}

func collect(w *proxy.WorkerProxy) <-chan string {
	ch := make(chan string, 1024)
	w.AddListener(func(msg string) { ch <- msg })
	return ch
}

func expectMessage(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func expectNoMessage(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected message %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerEcho(t *testing.T) {
	ctx, b, reg := newTestBridge(t)

	w, err := reg.Spawn()
	if err != nil {
		t.Fatal("Spawn:", err)
	}
	msgs := collect(w)

	if err := w.Init(ctx, proxy.Options{}); err != nil {
		t.Fatal("Init:", err)
	}
	if b.Workers() != 1 {
		t.Fatalf("expected 1 running worker, got %d", b.Workers())
	}

	if err := w.PostMessage(ctx, "ping"); err != nil {
		t.Fatal("PostMessage:", err)
	}
	expectMessage(t, msgs, "ping")

	// Empty messages are delivered too.
	if err := w.PostMessage(ctx, ""); err != nil {
		t.Fatal("PostMessage empty:", err)
	}
	expectMessage(t, msgs, "")
}

func TestWorkerDeliversInOrder(t *testing.T) {
	ctx, _, reg := newTestBridge(t, WithInboxSize(4))

	w, _ := reg.Spawn()
	msgs := collect(w)
	if err := w.Init(ctx, proxy.Options{}); err != nil {
		t.Fatal("Init:", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		if err := w.PostMessage(ctx, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatal("PostMessage:", err)
		}
	}
	for i := 0; i < n; i++ {
		expectMessage(t, msgs, fmt.Sprintf("msg-%d", i))
	}
}

func TestWorkersRouteByID(t *testing.T) {
	ctx, b, reg := newTestBridge(t)

	w1, _ := reg.Spawn()
	w2, _ := reg.Spawn()
	msgs1, msgs2 := collect(w1), collect(w2)
	for _, w := range []*proxy.WorkerProxy{w1, w2} {
		if err := w.Init(ctx, proxy.Options{}); err != nil {
			t.Fatal("Init:", err)
		}
	}
	if b.Workers() != 2 {
		t.Fatalf("expected 2 running workers, got %d", b.Workers())
	}

	if err := w1.PostMessage(ctx, "for-one"); err != nil {
		t.Fatal("PostMessage:", err)
	}
	if err := w2.PostMessage(ctx, "for-two"); err != nil {
		t.Fatal("PostMessage:", err)
	}
	expectMessage(t, msgs1, "for-one")
	expectMessage(t, msgs2, "for-two")
	expectNoMessage(t, msgs1)
	expectNoMessage(t, msgs2)
}

func TestWorkerDispose(t *testing.T) {
	ctx, b, reg := newTestBridge(t)

	w, _ := reg.Spawn()
	if err := w.Init(ctx, proxy.Options{}); err != nil {
		t.Fatal("Init:", err)
	}
	if err := w.Dispose(ctx); err != nil {
		t.Fatal("Dispose:", err)
	}
	if err := w.Dispose(ctx); err != nil {
		t.Fatal("second Dispose:", err)
	}

	if b.Workers() != 0 {
		t.Fatalf("expected no running workers, got %d", b.Workers())
	}
	if b.Callbacks().Len() != 0 {
		t.Fatalf("expected empty callback table, got %d", b.Callbacks().Len())
	}

	// The host no longer knows the id.
	err := b.InvokeVoid(ctx, proxy.OpPostMessage, w.ID(), "late")
	if !errors.Is(err, proxy.ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
	err = b.InvokeVoid(ctx, proxy.OpDisposeWorker, w.ID())
	if !errors.Is(err, proxy.ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestListenerUsesProxyDuringDispose(t *testing.T) {
	ctx, _, reg := newTestBridge(t)

	w, _ := reg.Spawn()
	started := make(chan struct{})
	replyErr := make(chan error, 1)
	w.AddListener(func(msg string) {
		if msg != "go" {
			return
		}
		close(started)
		deadline := time.Now().Add(5 * time.Second)
		for w.State() != proxy.StateDisposing && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		replyErr <- w.PostMessage(ctx, "reply")
	})
	if err := w.Init(ctx, proxy.Options{}); err != nil {
		t.Fatal("Init:", err)
	}
	if err := w.PostMessage(ctx, "go"); err != nil {
		t.Fatal("PostMessage:", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not run")
	}

	done := make(chan error, 1)
	go func() { done <- w.Dispose(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal("Dispose:", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Dispose did not return")
	}

	if err := <-replyErr; !errors.Is(err, proxy.ErrDisposed) {
		t.Fatalf("expected ErrDisposed from reply, got %v", err)
	}
	if !w.IsDisposed() {
		t.Fatalf("expected disposed, got %s", w.State())
	}
}

func TestDisposeRetryAfterTimeout(t *testing.T) {
	ctx, b, reg := newTestBridge(t)

	w, _ := reg.Spawn()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()

	w.AddListener(func(msg string) {
		if msg == "block" {
			close(started)
			<-release
		}
	})
	if err := w.Init(ctx, proxy.Options{}); err != nil {
		t.Fatal("Init:", err)
	}
	if err := w.PostMessage(ctx, "block"); err != nil {
		t.Fatal("PostMessage:", err)
	}
	<-started

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := w.Dispose(tctx)
	if !errors.Is(err, proxy.ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a timed out dispose, got %v", err)
	}
	if w.State() != proxy.StateReady {
		t.Fatalf("expected ready after failed dispose, got %s", w.State())
	}
	if b.Workers() != 1 {
		t.Fatalf("expected the worker to stay registered, got %d", b.Workers())
	}
	if err := w.PostMessage(ctx, "late"); err == nil {
		t.Fatal("expected post to a stopping worker to fail")
	}

	unblock()
	if err := w.Dispose(ctx); err != nil {
		t.Fatal("retry Dispose:", err)
	}
	if !w.IsDisposed() || b.Workers() != 0 || b.Callbacks().Len() != 0 {
		t.Fatal("retried dispose left state behind")
	}
}

func TestProxyDisposeAfterBridgeClose(t *testing.T) {
	ctx, b, reg := newTestBridge(t)

	w, _ := reg.Spawn()
	if err := w.Init(ctx, proxy.Options{}); err != nil {
		t.Fatal("Init:", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatal("Close:", err)
	}
	if err := reg.Close(ctx); err != nil {
		t.Fatal("registry Close:", err)
	}
	if !w.IsDisposed() {
		t.Fatalf("expected disposed, got %s", w.State())
	}
}

func TestInitMissingExportCanRetry(t *testing.T) {
	ctx, b, reg := newTestBridge(t)

	w, _ := reg.Spawn()
	msgs := collect(w)

	err := w.Init(ctx, proxy.Options{MessageEndPoint: "[worker.wasm]svc:missing"})
	if !errors.Is(err, proxy.ErrInitialization) {
		t.Fatalf("expected ErrInitialization, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing export: missing") {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.IsInitialized() || b.Workers() != 0 || b.Callbacks().Len() != 0 {
		t.Fatal("failed init left state behind")
	}

	// Module names are free again.
	if err := w.Init(ctx, proxy.Options{}); err != nil {
		t.Fatal("retry Init:", err)
	}
	if err := w.PostMessage(ctx, "after-retry"); err != nil {
		t.Fatal("PostMessage:", err)
	}
	expectMessage(t, msgs, "after-retry")
}

func TestInitEndpointModuleNotLoaded(t *testing.T) {
	ctx, _, reg := newTestBridge(t)

	w, _ := reg.Spawn()
	err := w.Init(ctx, proxy.Options{
		DependentAssemblyFilenames: []string{wasiworker.BindingsModuleFilename},
	})
	if !errors.Is(err, proxy.ErrInitialization) {
		t.Fatalf("expected ErrInitialization, got %v", err)
	}
}

func TestInitMissingModule(t *testing.T) {
	ctx, _, reg := newTestBridge(t)

	w, _ := reg.Spawn()
	err := w.Init(ctx, proxy.Options{
		DependentAssemblyFilenames: []string{"nope.wasm", wasiworker.WorkerModuleFilename},
	})
	if !errors.Is(err, proxy.ErrInitialization) {
		t.Fatalf("expected ErrInitialization, got %v", err)
	}
	if !strings.Contains(err.Error(), "nope.wasm") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInitABIVersionMismatch(t *testing.T) {
	ctx, _, reg := newTestBridge(t)

	w, _ := reg.Spawn()
	err := w.Init(ctx, proxy.Options{
		FetchOverride: map[string]proxy.FetchResponse{
			wasiworker.BindingsResourceName: {
				URL:        wasiworker.BindingsResourceName,
				Base64Data: base64.StdEncoding.EncodeToString(bindingsV2),
			},
		},
	})
	if !errors.Is(err, proxy.ErrInitialization) {
		t.Fatalf("expected ErrInitialization, got %v", err)
	}
	if !strings.Contains(err.Error(), "abi version 2") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInitFromHTTP(t *testing.T) {
	var hits atomic.Int32
	files := http.FileServer(http.FS(wasiworker.ModulesFS()))
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		hits.Inc()
		files.ServeHTTP(rw, req)
	}))
	defer srv.Close()

	ctx, _, reg := newTestBridge(t, WithFetcher(NewHTTPFetcher(srv.URL, nil)))

	w, _ := reg.Spawn()
	msgs := collect(w)
	if err := w.Init(ctx, proxy.Options{}); err != nil {
		t.Fatal("Init:", err)
	}
	// bindings.wasm is inline; only worker.wasm goes over the network.
	if hits.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", hits.Load())
	}

	if err := w.PostMessage(ctx, "over-http"); err != nil {
		t.Fatal("PostMessage:", err)
	}
	expectMessage(t, msgs, "over-http")
}

func TestOversizedMessageIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ctx, _, reg := newTestBridge(t, WithLogger(zap.New(core)))

	w, _ := reg.Spawn()
	msgs := collect(w)
	if err := w.Init(ctx, proxy.Options{}); err != nil {
		t.Fatal("Init:", err)
	}

	if err := w.PostMessage(ctx, strings.Repeat("x", 70000)); err != nil {
		t.Fatal("PostMessage:", err)
	}
	if err := w.PostMessage(ctx, "small"); err != nil {
		t.Fatal("PostMessage:", err)
	}
	expectMessage(t, msgs, "small")

	if n := logs.FilterMessage("message delivery failed").Len(); n != 1 {
		t.Fatalf("expected 1 delivery failure, got %d", n)
	}
}

func TestInvokeVoidRejectsBadArgs(t *testing.T) {
	ctx, b, _ := newTestBridge(t)

	cases := []struct {
		op   string
		args []any
	}{
		{"WasiWorker.terminate", nil},
		{proxy.OpInitWorker, []any{int64(1)}},
		{proxy.OpInitWorker, []any{1, nil, proxy.Options{}}},
		{proxy.OpPostMessage, []any{int64(1), 42}},
		{proxy.OpDisposeWorker, []any{"1"}},
	}
	for _, c := range cases {
		if err := b.InvokeVoid(ctx, c.op, c.args...); err == nil {
			t.Fatalf("%s %v: expected error", c.op, c.args)
		}
	}
}

func TestBootstrapClaimsRuntime(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	b1 := New(ctx, r)
	defer b1.Close(ctx)
	b2 := New(ctx, r)
	defer b2.Close(ctx)

	if err := b1.Bootstrap(ctx); err != nil {
		t.Fatal("Bootstrap:", err)
	}
	if err := b1.Bootstrap(ctx); err != nil {
		t.Fatal("second Bootstrap:", err)
	}
	if err := b2.Bootstrap(ctx); err == nil {
		t.Fatal("expected second bridge to be rejected")
	}
}
