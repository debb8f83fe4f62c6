package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// Provider owns the meter provider backing /metrics.
type Provider struct {
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider
}

// NewPrometheusProvider wires an OpenTelemetry meter provider to a dedicated
// Prometheus registry.
func NewPrometheusProvider() (*Provider, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	return &Provider{
		registry:      registry,
		meterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)),
	}, nil
}

func (p *Provider) MeterProvider() *sdkmetric.MeterProvider {
	return p.meterProvider
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}

// PassStatus is the outcome of the latest pass of one partition.
type PassStatus struct {
	Partition string    `json:"partition"`
	Target    string    `json:"target"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Finished  time.Time `json:"finished"`
}

// Health tracks the latest pass per (target, partition) for /healthz.
type Health struct {
	mu     sync.RWMutex
	passes map[string]PassStatus
}

func NewHealth() *Health {
	return &Health{passes: make(map[string]PassStatus)}
}

func (h *Health) Observe(target, partition string, err error) {
	st := PassStatus{Partition: partition, Target: target, OK: err == nil, Finished: time.Now().UTC()}
	if err != nil {
		st.Error = err.Error()
	}
	h.mu.Lock()
	h.passes[target+"/"+partition] = st
	h.mu.Unlock()
}

func (h *Health) Snapshot() []PassStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]PassStatus, 0, len(h.passes))
	for _, st := range h.passes {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

func (h *Health) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	passes := h.Snapshot()
	status := http.StatusOK
	for _, p := range passes {
		if !p.OK {
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"passes": passes})
}

// NewRouter serves /metrics and /healthz.
func NewRouter(p *Provider, h *Health) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", p.Handler())
	r.Handle("/healthz", h)
	return r
}

// Serve runs the metrics server until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.SugaredLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
