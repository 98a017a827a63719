package http

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/pkg/metrics"
	"github.com/autopeer-io/occupeye/pkg/log"
	"github.com/autopeer-io/occupeye/pkg/options"
)

// ReadinessFunc reports why the monitor is not ready, or nil.
type ReadinessFunc func() error

type Server struct {
	server  *http.Server
	options *options.HttpOptions
}

// NewServer serves the status API, the live websocket feed, metrics and probes.
// stream may be nil to disable the websocket endpoint.
func NewServer(opts *options.HttpOptions, reader core.StatusReader, stream http.Handler, ready ReadinessFunc) *Server {
	return &Server{
		server: &http.Server{
			Addr:         opts.Addr,
			Handler:      NewRouter(reader, stream, ready),
			ReadTimeout:  opts.Timeout,
			WriteTimeout: opts.Timeout,
		},
		options: opts,
	}
}

const apiPrefix = "/api/v1"

// NewRouter builds the HTTP routes.
func NewRouter(reader core.StatusReader, stream http.Handler, ready ReadinessFunc) *mux.Router {
	h := &handler{reader: reader}

	r := mux.NewRouter()
	r.Use(logRequests)

	// Routes stay on the root router so a wrong method gets 405, not 404.
	r.HandleFunc(apiPrefix+"/vehicles", h.listVehicles).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/vehicles/{id}/status", h.vehicleStatus).Methods(http.MethodGet)
	if stream != nil {
		r.Handle(apiPrefix+"/ws", stream).Methods(http.MethodGet)
	}

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{Registry: metrics.Registry})).Methods(http.MethodGet)

	// Basic Liveness Probe
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

func (s *Server) Start(ctx context.Context) error {
	network := s.options.Network
	if network == "" {
		network = "tcp"
	}
	lis, err := net.Listen(network, s.options.Addr)
	if err != nil {
		return err
	}

	log.Info("Starting HTTP Server", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
