package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"vrtos/internal/demo"
	"vrtos/internal/metrics"
	"vrtos/internal/sched"
)

func main() {
	app := &cli.App{
		Name:  "ticksched",
		Usage: "run demo applications on the simulated real-time kernel",
		Commands: []*cli.Command{
			listCommand(),
			runCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list the available demos",
		Action: func(c *cli.Context) error {
			for _, s := range demo.List() {
				fmt.Printf("%-22s %s\n", s.Name, s.Description)
			}
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run one demo",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yml",
				Usage:   "kernel configuration file",
			},
			&cli.StringFlag{
				Name:    "demo",
				Aliases: []string{"d"},
				Value:   "basic",
				Usage:   "demo to run, as shown by the list command",
			},
			&cli.UintFlag{
				Name:  "ticks",
				Usage: "stop after this many ticks, 0 runs until interrupted",
			},
			&cli.BoolFlag{
				Name:  "realtime",
				Usage: "pace ticks against the wall clock",
			},
			&cli.StringFlag{
				Name:  "csv",
				Usage: "write a CSV trace of scheduler events to this file",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "print scheduler events to stdout",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address, e.g. :2112",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log debug lines",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	scenario, ok := demo.Get(c.String("demo"))
	if !ok {
		return cli.Exit(fmt.Sprintf("unknown demo %q", c.String("demo")), 1)
	}

	cfg := sched.Load(c.String("config"))
	if c.IsSet("realtime") {
		cfg.Realtime = c.Bool("realtime")
	}
	log := sched.NewDefaultLogger(c.Bool("verbose"))

	opts := []sched.Option{sched.WithLogger(log)}
	if c.Bool("trace") {
		opts = append(opts, sched.WithEventSink(sched.NewConsoleSink(os.Stdout)))
	}
	if path := c.String("csv"); path != "" {
		sink, err := sched.NewCSVSink(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("open trace: %v", err), 1)
		}
		defer sink.Close()
		opts = append(opts, sched.WithEventSink(sink))
	}
	if addr := c.String("metrics-addr"); addr != "" {
		reg := prom.NewRegistry()
		exporter, err := metrics.NewExporter("vrtos", reg, metrics.ExporterOptions{})
		if err != nil {
			return cli.Exit(fmt.Sprintf("metrics: %v", err), 1)
		}
		opts = append(opts, sched.WithEventSink(exporter))

		stop := serveMetrics(addr, reg, log)
		defer stop()
	}
	if scenario.Options != nil {
		opts = append(opts, scenario.Options(log)...)
	}

	k, err := sched.New(cfg, opts...)
	if err != nil {
		return cli.Exit(fmt.Sprintf("start kernel: %v", err), 1)
	}
	defer k.Close()

	if err := scenario.Setup(k, log); err != nil {
		return cli.Exit(fmt.Sprintf("setup %s: %v", scenario.Name, err), 1)
	}

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting scheduler", sched.F("demo", scenario.Name), sched.F("tick_ms", cfg.TickMS), sched.F("realtime", cfg.Realtime))
	if n := c.Uint("ticks"); n > 0 {
		err = k.RunFor(ctx, sched.Tick(n))
	} else {
		err = k.Run(ctx)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("scheduler: %v", err), 1)
	}
	log.Info("scheduler stopped", sched.F("tick", k.TickCount()), sched.F("free_heap", k.FreeHeap()), sched.F("min_free_heap", k.MinimumEverFreeHeap()))
	return nil
}

// serveMetrics exposes reg on addr until the returned stop is called.
func serveMetrics(addr string, reg *prom.Registry, log sched.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", sched.F("addr", addr), sched.F("error", err))
		}
	}()
	log.Info("serving metrics", sched.F("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
