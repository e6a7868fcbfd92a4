package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Handler serves the gatherer's metrics plus a liveness probe.
func Handler(g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// Serve exposes the default registry on port until ctx ends. Workers have no
// api router, so this is how their counters get scraped. An empty port
// disables the listener and Serve just waits for ctx.
func Serve(ctx context.Context, port string, logg *logger.Logger) error {
	if port == "" {
		<-ctx.Done()
		return nil
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", port),
		Handler:           Handler(prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(ctx, "metrics_port", port), "metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
