// Command wasi-worker boots background WebAssembly workers in a wazero
// runtime and exchanges messages with them.
//
// Usage:
//
//	wasi-worker                     # line REPL, each line goes to every worker
//	wasi-worker -c 'hello'          # post one message and print the replies
//	wasi-worker --interactive       # terminal UI
//	wasi-worker --dump-options      # print the merged init options as JSON
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tetratelabs/wazero"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	wasiworker "github.com/aperturerobotics/go-wasi-worker"
	"github.com/aperturerobotics/go-wasi-worker/proxy"
	wazeroworker "github.com/aperturerobotics/go-wasi-worker/wazero-worker"
)

func main() {
	app := cli.NewApp()
	app.Name = "wasi-worker"
	app.Version = wasiworker.Version
	app.Usage = "run WebAssembly workers and exchange messages with them"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "c", Usage: "post `MESSAGE` to every worker, print the replies and exit"},
		cli.IntFlag{Name: "workers, n", Value: 1, Usage: "number of workers to start"},
		cli.StringFlag{Name: "modules-dir", Usage: "load modules from `DIR` before the embedded assets"},
		cli.StringFlag{Name: "base-url", Usage: "fetch modules over HTTP relative to `URL`"},
		cli.StringFlag{Name: "endpoint", Usage: "message entry point, [module]service:export"},
		cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "how long -c waits for replies"},
		cli.BoolFlag{Name: "dump-options", Usage: "print the merged worker options and exit"},
		cli.BoolFlag{Name: "interactive, i", Usage: "run the terminal UI"},
		cli.StringFlag{Name: "metrics-addr", Usage: "serve prometheus metrics on `ADDR`"},
		cli.BoolFlag{Name: "verbose, v", Usage: "enable debug logging"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wasi-worker: %v\n", err)
		os.Exit(1)
	}
}

// reply is a message a worker sent back to the host.
type reply struct {
	worker int64
	text   string
}

func run(c *cli.Context) error {
	ctx := context.Background()

	log := zap.NewNop()
	if c.Bool("verbose") {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck
	}
	proxy.SetLogger(log)
	wazeroworker.SetLogger(log)

	options := proxy.Options{MessageEndPoint: c.String("endpoint")}
	if c.Bool("dump-options") {
		return dumpOptions(options)
	}

	var metrics *proxy.Metrics
	if addr := c.String("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		metrics = proxy.NewMetrics(reg)
		go serveMetrics(addr, reg, log)
	}

	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	bridge := wazeroworker.New(ctx, r,
		wazeroworker.WithFetcher(fetcher(c)),
		wazeroworker.WithLogger(log),
	)
	defer bridge.Close(ctx)

	registry := proxy.NewRegistry(bridge, proxy.WithLogger(log), proxy.WithMetrics(metrics))
	defer registry.Close(ctx)

	replies := make(chan reply, 256)
	n := c.Int("workers")
	if n < 1 {
		return errors.Errorf("--workers must be at least 1, got %d", n)
	}
	for i := 0; i < n; i++ {
		w, err := registry.Spawn()
		if err != nil {
			return err
		}
		id := w.ID()
		w.AddListener(func(msg string) {
			replies <- reply{worker: id, text: msg}
		})
		if err := w.Init(ctx, options); err != nil {
			return errors.Wrapf(err, "init worker %d", id)
		}
	}

	// -c flag: post one message and exit.
	if c.IsSet("c") {
		return postOnce(ctx, registry, replies, c.String("c"), c.Duration("timeout"))
	}

	if c.Bool("interactive") {
		return runInteractive(ctx, registry, replies)
	}

	runREPL(ctx, registry, replies)
	return nil
}

// fetcher builds the module source from the command line flags.
// The embedded assets are always the last resort.
func fetcher(c *cli.Context) wazeroworker.Fetcher {
	var chain wazeroworker.FallbackFetcher
	if dir := c.String("modules-dir"); dir != "" {
		chain = append(chain, wazeroworker.FSFetcher{FS: os.DirFS(dir)})
	}
	if base := c.String("base-url"); base != "" {
		chain = append(chain, wazeroworker.NewHTTPFetcher(base, nil))
	}
	return append(chain, wazeroworker.FSFetcher{FS: wasiworker.ModulesFS()})
}

func dumpOptions(options proxy.Options) error {
	embedded, err := proxy.DefaultResources().Load()
	if err != nil {
		return err
	}
	merged := proxy.DefaultOptions(wasiworker.EmbeddedReferences, embedded).Merge(options)
	data, err := merged.Marshal()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
	}
}

// broadcast posts text to every worker in the registry.
func broadcast(ctx context.Context, registry *proxy.Registry, text string) (int, error) {
	workers := registry.Workers()
	for _, w := range workers {
		if err := w.PostMessage(ctx, text); err != nil {
			return 0, err
		}
	}
	return len(workers), nil
}

func postOnce(ctx context.Context, registry *proxy.Registry, replies <-chan reply, text string, timeout time.Duration) error {
	n, err := broadcast(ctx, registry, text)
	if err != nil {
		return err
	}

	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case rep := <-replies:
			fmt.Printf("[%d] %s\n", rep.worker, rep.text)
		case <-deadline:
			return errors.Errorf("timed out after %d of %d replies", i, n)
		}
	}
	return nil
}

func runREPL(ctx context.Context, registry *proxy.Registry, replies <-chan reply) {
	fmt.Fprintf(os.Stderr, "wasi-worker (%d workers, type 'exit' or Ctrl+D to quit)\n", registry.Len())

	go func() {
		for rep := range replies {
			fmt.Printf("[%d] %s\n", rep.worker, rep.text)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			break
		}

		line := scanner.Text()
		if line == "exit" || line == "quit" {
			break
		}
		if line == "" {
			continue
		}

		if _, err := broadcast(ctx, registry, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}
