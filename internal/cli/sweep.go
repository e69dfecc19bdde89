package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/keyalloc"
)

func (r *runner) sweepCmd() *cobra.Command {
	var (
		metricsAddr string
		runOnStart  bool
		retryDelay  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reset quotas at every UTC midnight and serve metrics",
		Long: `Run until interrupted, resetting every credential at each UTC midnight.
Several sweepers may run at once; the reset is idempotent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := r.load(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			app.Registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			sweeper := keyalloc.NewSweeper(app.Allocator,
				keyalloc.WithRunOnStart(runOnStart),
				keyalloc.WithRetryDelay(retryDelay),
			)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return sweeper.Run(ctx)
			})

			if metricsAddr != "" {
				srv := newMetricsServer(metricsAddr, app.Registry)
				g.Go(func() error {
					app.Logger.Info("metrics server listening", "addr", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			return g.Wait()
		},
	}

	f := cmd.Flags()
	f.StringVar(&metricsAddr, "metrics-addr", ":9090", "address for /metrics and /healthz (empty disables)")
	f.BoolVar(&runOnStart, "run-on-start", false, "reset once at startup")
	f.DurationVar(&retryDelay, "retry-delay", time.Minute, "pause before retrying a failed reset")
	return cmd
}

// newMetricsServer creates an HTTP server serving /metrics (Prometheus) and /healthz.
func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
