// Package metrics runs a Prometheus metrics and health-check HTTP server,
// adapted from github.com/hemilabs/heminetwork's service/deucalion package:
// the same registry-plus-/health-plus-/metrics shape, generalized to take
// an arbitrary collector set from whichever component is being monitored
// (indexer, mempool, aggcache, query) instead of a single hardcoded
// "service running" gauge.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = loggo.GetLogger("metrics")

// HealthFunc reports whether the service is healthy, plus any extra data
// to serialize into the /health response body.
type HealthFunc func(context.Context) (bool, any, error)

// Server serves /metrics and /health on a single listen address, per
// spec.md §6's --monitoring-addr.
type Server struct {
	mtx       sync.RWMutex
	isRunning bool

	listenAddr string
	healthCB   HealthFunc
}

// New returns a Server bound to listenAddr. healthCB may be nil, in which
// case /health is not registered.
func New(listenAddr string, healthCB HealthFunc) *Server {
	return &Server{listenAddr: listenAddr, healthCB: healthCB}
}

func (s *Server) testAndSetRunning(b bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	old := s.isRunning
	s.isRunning = b
	return old != s.isRunning
}

func handle(mux *http.ServeMux, pattern string, handler func(http.ResponseWriter, *http.Request)) {
	mux.HandleFunc(pattern, handler)
	log.Infof("handle: %v", pattern)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		healthy, data, err := s.healthCB(ctx)
		if err != nil {
			log.Errorf("health callback: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if data != nil {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(data); err != nil {
				log.Errorf("health encode: %v", err)
			}
		}
	}()

	select {
	case <-ctx.Done():
		w.WriteHeader(http.StatusRequestTimeout)
	case <-done:
	}
}

// Run registers cs with a fresh Prometheus registry (plus the standard
// build-info/Go/process collectors) and serves it until ctx is canceled.
func (s *Server) Run(ctx context.Context, cs []prometheus.Collector) error {
	if !s.testAndSetRunning(true) {
		return errors.New("metrics server already running")
	}
	defer s.testAndSetRunning(false)

	if s.listenAddr == "" {
		return errors.New("listen address is required")
	}

	reg := prometheus.NewRegistry()
	all := []prometheus.Collector{
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	all = append(all, cs...)
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}

	mux := http.NewServeMux()
	handle(mux, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}).ServeHTTP)
	if s.healthCB != nil {
		handle(mux, "/health", s.health)
	}

	srv := &http.Server{
		Addr:        s.listenAddr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("metrics listening: %v", s.listenAddr)
		errCh <- srv.ListenAndServe()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("metrics server shutdown: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
