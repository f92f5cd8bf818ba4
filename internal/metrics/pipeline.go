package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// PipelineMetrics is the named metric set the event pipeline reports into.
// It satisfies the pipeline's Metrics interface.
type PipelineMetrics struct {
	registry *Registry

	eventsTotal   map[string]*Counter
	deduplicated  *Counter
	repliesSent   *Counter
	repliesFailed *Counter
	connectionUp  map[string]*Gauge
	modelLatency  *Histogram

	// mu guards the lazily created per-label maps.
	mu sync.Mutex
}

// NewPipelineMetrics registers the pipeline metric set on a registry.
func NewPipelineMetrics(r *Registry) *PipelineMetrics {
	return &PipelineMetrics{
		registry:      r,
		eventsTotal:   make(map[string]*Counter),
		deduplicated:  r.Counter("relaybot_events_deduplicated_total", "Events dropped by the idempotency guard", ""),
		repliesSent:   r.Counter("relaybot_replies_sent_total", "Replies delivered to a channel", ""),
		repliesFailed: r.Counter("relaybot_replies_failed_total", "Replies that could not be delivered", ""),
		connectionUp:  make(map[string]*Gauge),
		modelLatency: r.Histogram("relaybot_model_latency_seconds", "Model call latency in seconds", "",
			[]float64{0.5, 1, 2, 5, 10, 30, 60, 120}),
	}
}

func (m *PipelineMetrics) EventReceived(kind string) {
	m.mu.Lock()
	ctr, ok := m.eventsTotal[kind]
	if !ok {
		ctr = m.registry.Counter("relaybot_events_received_total",
			"Inbound events by kind", fmt.Sprintf("kind=%q", kind))
		m.eventsTotal[kind] = ctr
	}
	m.mu.Unlock()
	ctr.Inc()
}

func (m *PipelineMetrics) EventDeduplicated() { m.deduplicated.Inc() }
func (m *PipelineMetrics) ReplySent()         { m.repliesSent.Inc() }
func (m *PipelineMetrics) ReplyFailed()       { m.repliesFailed.Inc() }

func (m *PipelineMetrics) ConnectionStatus(conversationKey string, up bool) {
	m.mu.Lock()
	g, ok := m.connectionUp[conversationKey]
	if !ok {
		g = m.registry.Gauge("relaybot_connection_up",
			"Channel connection state (1 up, 0 down)", fmt.Sprintf("channel=%q", conversationKey))
		m.connectionUp[conversationKey] = g
	}
	m.mu.Unlock()
	if up {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// ObserveModelLatency records one model call duration.
func (m *PipelineMetrics) ObserveModelLatency(d time.Duration) {
	m.modelLatency.Observe(d.Seconds())
}

// Serve runs the exposition endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string, r *Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	// Method dispatch done by hand: the ServeMux "GET /path" pattern syntax
	// needs go >= 1.22, and this module must build with go 1.21.
	handler := r.Handler()
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		handler(rw, req)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
