package httpapi

import (
	"net/http"

	"github.com/sentinelvault/authcore/metrics/export/prometheus"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metricsOnce.Do(func() {
		s.metricsHandler = prometheus.NewExporter(s.engine).Handler()
	})
	s.metricsHandler.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{"status": "ok"}))
}
