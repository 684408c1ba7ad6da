// Command kflow runs a pipeline described by a YAML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/birdayz/kflow"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/ktypes"
	klog "github.com/birdayz/kflow/pkg/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "kflow",
		Short:        "Run incremental dataflow pipelines",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kflow.yaml", "pipeline config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the pipeline until its sources are exhausted or it is interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Build the pipeline and print the schemas of its edges",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validate(cmd.OutOrStdout(), configPath)
		},
	})
	return cmd
}

func setup(path string) (*Config, *slog.Logger, *kflow.Executor, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, nil, nil, err
	}
	level, err := klog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	log := klog.New(level)

	p, err := cfg.build(log)
	if err != nil {
		return nil, nil, nil, err
	}
	e, err := kflow.New(p.dag, p.opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, e, nil
}

func validate(w io.Writer, path string) error {
	_, _, e, err := setup(path)
	if err != nil {
		return err
	}
	printSchemas(w, e.Schemas())
	return nil
}

func printSchemas(w io.Writer, s *kdag.DagSchemas) {
	dag := s.Dag()
	for _, idx := range s.Order() {
		n := dag.Node(idx)
		fmt.Fprintf(w, "%s (%s)\n", n.Handle, n.Kind)
	}
	for i, edge := range dag.Edges() {
		from, to := dag.Node(edge.From.Node), dag.Node(edge.To.Node)
		fmt.Fprintf(w, "%s:%s -> %s:%s %s\n",
			from.Handle, edge.From.Port, to.Handle, edge.To.Port, formatSchema(s.EdgeSchema(i).Schema))
	}
}

func formatSchema(s ktypes.Schema) string {
	fields := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = f.Name + " " + f.Typ.String()
		if f.Nullable {
			fields[i] += "?"
		}
	}
	for _, idx := range s.PrimaryIndex {
		fields[idx] += " pk"
	}
	return "[" + strings.Join(fields, ", ") + "]"
}

func run(ctx context.Context, path string) error {
	cfg, log, e, err := setup(path)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info("Serving metrics", "addr", cfg.MetricsAddr)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
		case <-finished:
			return
		}
		log.Info("Stopping")
		if err := e.Close(); err != nil {
			log.Error("Close failed", "error", err)
		}
	}()

	// The run context is not tied to the signal: Close lets the dag drain
	// and commit its last epoch.
	err = e.Run(ctx)
	close(finished)
	return err
}
