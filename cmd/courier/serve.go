package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	prommetrics "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/courier"
	"github.com/raskyld/courier/pkg/config"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type serveFlags struct {
	name        string
	port        int
	metricsAddr string
	join        []string
	tracing     bool
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node hosting the adder and echo resources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.override(cmd, cfg)
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&flags.name, "name", "", "node name, unique in the cluster")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "data-plane port")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "address serving Prometheus metrics")
	cmd.Flags().StringSliceVar(&flags.join, "join", nil, "gossip neighbours to join")
	cmd.Flags().BoolVar(&flags.tracing, "trace", false, "export traces to stdout")
	return cmd
}

// override applies the flags explicitly set on the command line.
func (f *serveFlags) override(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("name") {
		cfg.Name = f.name
	}
	if cmd.Flags().Changed("port") {
		cfg.Listen.Port = f.port
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if cmd.Flags().Changed("trace") {
		cfg.Tracing = f.tracing
	}
	if cmd.Flags().Changed("join") {
		if cfg.Gossip == nil {
			cfg.Gossip = &config.GossipConfig{Addr: cfg.Listen.Addr}
		}
		cfg.Gossip.Neighbours = f.join
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	handler, err := newLogHandler(cfg)
	if err != nil {
		return err
	}
	logger := slog.New(handler)

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	opts = append(opts,
		courier.WithLog(handler),
		courier.WithSerializer(newSerializer()),
	)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		sink, err := prommetrics.NewPrometheusSink()
		if err != nil {
			return fmt.Errorf("failed to create prometheus sink: %w", err)
		}
		opts = append(opts, courier.WithMetricSink(sink))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if cfg.Tracing {
		tp, err := newTracerProvider(cfg.Name)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to flush traces", "error", err)
			}
		}()
		opts = append(opts, courier.WithInstrumentation(courier.NewOTelInstrumentation(tp)))
	}

	node, err := courier.Create(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Shutdown(); err != nil {
			logger.Error("unclean shutdown", "error", err)
		}
	}()

	for _, r := range []courier.Resource{newAdder(), newEcho()} {
		ch, err := node.Spawn(r)
		if err != nil {
			return err
		}
		logger.Info("resource spawned", courier.LabelResourceID.L(ch.TargetID()))
	}

	if cfg.Gossip != nil && len(cfg.Gossip.Neighbours) > 0 {
		joined, err := node.Join()
		if err != nil {
			return fmt.Errorf("failed to join cluster: %w", err)
		}
		logger.Info("joined cluster", "contacted", joined)
	}

	logger.Info("node ready", "address", node.Address())
	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
	return nil
}

func newTracerProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	if serviceName == "" {
		serviceName = "courier"
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
