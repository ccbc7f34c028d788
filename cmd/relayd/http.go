package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/broker"
	"github.com/velmie/eventrelay/config"
)

type healthResponse struct {
	Status  string `json:"status"`
	Broker  bool   `json:"broker"`
	Pending *int   `json:"pending,omitempty"`
}

// newRouter serves /healthz and /metrics. /healthz answers 503 while the
// broker reports itself unhealthy; pending is reported when the store can
// count it.
func newRouter(pub broker.Publisher, store eventrelay.Store, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		resp := healthResponse{Status: "ok", Broker: pub.IsHealthy(req.Context())}
		code := http.StatusOK
		if !resp.Broker {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		if counter, ok := store.(eventrelay.PendingCounter); ok {
			if n, err := counter.PendingCount(req.Context()); err == nil {
				resp.Pending = &n
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

type httpService struct {
	cfg     config.HTTPConfig
	handler http.Handler
}

func newHTTPService(cfg config.HTTPConfig, handler http.Handler) *httpService {
	return &httpService{cfg: cfg, handler: handler}
}

func (s *httpService) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *httpService) String() string {
	return "http"
}
