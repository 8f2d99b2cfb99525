// Command opswarmd runs a standalone opswarm node. Peers reach it over
// TCP or over WebSocket at /ws; Prometheus scrapes /metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DobryySoul/opswarm"
)

const version = "0.1.0"

const usage = `opswarmd runs an opswarm replication node.

Usage:
    opswarmd [--config=<path>] [--id=<id>] [--bind=<addr>] [--http=<addr>]
        [--seed=<addr>...] [--loglevel=<level>]
    opswarmd -h | --help
    opswarmd --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    -c --config=<path>   TOML configuration file.
    --id=<id>            Host id, overrides the config file.
    --bind=<addr>        TCP listen address for pipes.
    --http=<addr>        HTTP listen address for /ws and /metrics.
    --seed=<addr>        Peer to dial, may be repeated.
    --loglevel=<level>   debug, info, warn or error.`

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	path, _ := opts["--config"].(string)
	conf, err := LoadConfig(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlags(conf, opts)

	logger := initLogger(os.Stdout, conf.Log.Level)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, logger); err != nil {
		level.Error(logger).Log("msg", "opswarmd failed", "err", err)
		os.Exit(2)
	}
}

// applyFlags lets command-line flags override the config file.
func applyFlags(conf *Config, opts docopt.Opts) {
	if id, _ := opts["--id"].(string); id != "" {
		conf.Node.ID = id
	}
	if bind, _ := opts["--bind"].(string); bind != "" {
		conf.Node.Bind = bind
	}
	if addr, _ := opts["--http"].(string); addr != "" {
		conf.HTTP.Addr = addr
	}
	if seeds, _ := opts["--seed"].([]string); len(seeds) > 0 {
		conf.Node.Seeds = append(conf.Node.Seeds, seeds...)
	}
	if lvl, _ := opts["--loglevel"].(string); lvl != "" {
		conf.Log.Level = lvl
	}
}

func run(ctx context.Context, conf *Config, logger log.Logger) error {
	store, err := conf.openStorage(ctx)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", conf.Storage.Backend, err)
	}

	nodeOpts := append(conf.options(logger), opswarm.WithStorage(store))
	if conf.HTTP.Metrics {
		nodeOpts = append(nodeOpts, opswarm.WithMetrics(opswarm.NewPrometheusMetrics("opswarm")))
	}
	node, err := opswarm.New(nodeOpts...)
	if err != nil {
		_ = store.Close()
		return err
	}
	for _, url := range conf.Node.WebSockets {
		if err := node.ConnectWebSocket(url); err != nil {
			_ = node.Close(context.Background())
			return err
		}
	}

	srv := &http.Server{
		Addr:              conf.HTTP.Addr,
		Handler:           newRouter(node, conf.HTTP.Metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()
	level.Info(logger).Log("msg", "opswarmd running", "id", node.ID(), "pipes", node.Addr(), "http", conf.HTTP.Addr)

	select {
	case <-ctx.Done():
		level.Info(logger).Log("msg", "shutting down")
	case err = <-served:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	if cerr := node.Close(shutdownCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func newRouter(node *opswarm.Node, withMetrics bool) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws", node)
	r.HandleFunc("/peers", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    node.ID(),
			"peers": node.Peers(),
		})
	}).Methods(http.MethodGet)
	if withMetrics {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	return r
}
