// Package rest serves spec.md §6's HTTP REST route table over
// labstack/echo/v4, the same router bitcoin-sv-arc's cmd/api.go builds
// (echo.New, Recover/CORS/Logger middleware, graceful e.Shutdown on
// context cancellation). Handlers follow handler/default.go's shape: a
// thin method per route delegating into the query layer and returning
// JSON via echo.Context.JSON, errors via echo.NewHTTPError. Per-request
// correlation IDs use github.com/google/uuid the same way cmd/api.go's
// event-ID logging middleware does, wired here through echo's own
// RequestID middleware's Generator hook instead of a bespoke context key.
package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/juju/loggo"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/metrics"
	"github.com/chaintope/esplora-tapyrus/query"
)

var log = loggo.GetLogger("rest")

// Server wraps an echo.Echo router bound to the query layer.
type Server struct {
	echo       *echo.Echo
	svc        *query.Service
	params     *chain.Params
	listenAddr string
}

// New builds a Server listening on listenAddr, answering queries from svc.
// reg may be nil to disable per-route metrics.
func New(listenAddr string, svc *query.Service, params *chain.Params, reg *metrics.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestIDWithConfig(echomiddleware.RequestIDConfig{
		Generator: func() string { return uuid.New().String() },
	}))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))
	if reg != nil {
		e.Use(metricsMiddleware(reg))
	}

	s := &Server{echo: e, svc: svc, params: params, listenAddr: listenAddr}
	registerRoutes(e, s)
	return s
}

// metricsMiddleware records per-route request counts/durations into reg,
// the REST-side twin of electrum.dispatch's metrics recording.
func metricsMiddleware(reg *metrics.Registry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			route := c.Path()
			reg.RequestsTotal.WithLabelValues("rest", route).Inc()
			reg.RequestsDuration.WithLabelValues("rest", route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Run serves s's routes until ctx is canceled, then shuts down gracefully,
// mirroring cmd/api.go's StartAPIServer teardown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("rest listening: %v", s.listenAddr)
		errCh <- s.echo.Start(s.listenAddr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
