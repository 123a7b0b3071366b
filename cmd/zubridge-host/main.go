// Command zubridge-host runs a bridge host: a WebSocket endpoint backed by
// the in-memory counter store, plus a Prometheus metrics endpoint.
package main

import (
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/goosewobbler/zubridge-sub002/internal/bridge"
	"github.com/goosewobbler/zubridge-sub002/internal/config"
	"github.com/goosewobbler/zubridge-sub002/internal/core"
	"github.com/goosewobbler/zubridge-sub002/internal/logging"
	"github.com/goosewobbler/zubridge-sub002/internal/metrics"
	"github.com/goosewobbler/zubridge-sub002/internal/store"
	"github.com/goosewobbler/zubridge-sub002/internal/transport/ws"
)

func main() {
	var (
		addr       string
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "zubridge-host",
		Short: "Run a zubridge bridge host over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, configPath, logLevel)
		},
	}
	root.Flags().StringVar(&addr, "addr", ":8787", "listen address")
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")

	if err := root.Execute(); err != nil {
		color.Red("zubridge-host: %v", err)
		os.Exit(1)
	}
}

func run(addr, configPath, logLevel string) error {
	logger := logging.New(logging.Config{Level: logLevel, Format: "text", Output: os.Stderr})

	opts, err := config.Load(configPath)
	if err != nil {
		return err
	}

	rt := core.NewRuntime(store.NewCounterStore(), opts.ToCoreConfig(), logger)
	defer rt.Close()

	b, err := bridge.NewBridge(rt, opts.ResourceManagement.MaxSubscriptionClients, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(rt))

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(b, logger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	color.Green("zubridge-host listening on %s (ws: /ws, metrics: /metrics)", addr)
	return http.ListenAndServe(addr, mux)
}
