package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stellr/sentinel/internal/model"
	"github.com/stellr/sentinel/internal/pipeline"
	"github.com/stellr/sentinel/internal/threat"
)

const maxBodySize = 1 << 20

// Server exposes the pipeline over HTTP.
type Server struct {
	service *pipeline.Service
	catalog *threat.Catalog
	logger  *slog.Logger
	router  *mux.Router
	ready   func() bool
}

// NewServer creates the HTTP API server. ready reports whether dependencies
// (store, message bus) are up; nil means always ready.
func NewServer(service *pipeline.Service, catalog *threat.Catalog, ready func() bool, logger *slog.Logger) *Server {
	s := &Server{
		service: service,
		catalog: catalog,
		logger:  logger,
		router:  mux.NewRouter(),
		ready:   ready,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/v1/events", s.handleSubmitEvent).Methods("POST")
	s.router.HandleFunc("/v1/events/batch", s.handleSubmitBatch).Methods("POST")
	s.router.HandleFunc("/v1/security/check", s.handleSecurityCheck).Methods("GET")
	s.router.HandleFunc("/v1/alerts/active", s.handleActiveAlerts).Methods("GET")
	s.router.HandleFunc("/v1/alerts/history", s.handleAlertHistory).Methods("GET")
	s.router.HandleFunc("/v1/alerts/{alert_id}/ack", s.handleAcknowledge).Methods("POST")
	s.router.HandleFunc("/v1/alerts/{alert_id}/resolve", s.handleResolve).Methods("POST")
	s.router.HandleFunc("/v1/patterns", s.handlePatterns).Methods("GET")
	s.router.HandleFunc("/v1/metrics/security", s.handleSecurityMetrics).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/readyz", s.handleReady).Methods("GET")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var raw model.RawSignal
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}

	ev, err := s.service.Submit(r.Context(), &raw)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_id":  ev.ID,
		"timestamp": ev.Timestamp,
	})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 8*maxBodySize)

	var signals []model.RawSignal
	if err := json.NewDecoder(r.Body).Decode(&signals); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}

	accepted, errs := s.service.SubmitBatch(r.Context(), signals, 0)

	rejections := make([]string, 0, len(errs))
	for _, err := range errs {
		rejections = append(rejections, err.Error())
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": accepted,
		"rejected": len(signals) - accepted,
		"errors":   rejections,
	})
}

func (s *Server) handleSecurityCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	endpoint := q.Get("endpoint")
	method := q.Get("method")
	subjectID := q.Get("subject_id")
	deviceID := q.Get("device_id")
	allowed, reason := s.service.CheckRequestSecurity(r.Context(), endpoint, method, subjectID, deviceID)

	status := http.StatusOK
	if !allowed {
		status = http.StatusForbidden
	}
	s.writeJSON(w, status, map[string]interface{}{
		"allowed":    allowed,
		"reason":     reason,
		"endpoint":   endpoint,
		"method":     method,
		"subject_id": subjectID,
		"device_id":  deviceID,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.service.ActiveAlerts()
	alerts = limitAlerts(alerts, r.URL.Query().Get("limit"))

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":    alerts,
		"count":     len(alerts),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	alerts := s.service.AlertHistory()
	alerts = limitAlerts(alerts, r.URL.Query().Get("limit"))

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":    alerts,
		"count":     len(alerts),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["alert_id"]

	var body struct {
		By string `json:"by"`
	}
	json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body)
	if body.By == "" {
		body.By = "api"
	}

	if err := s.service.Acknowledge(alertID, body.By); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert_id":  alertID,
		"status":    model.AlertAcknowledged,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["alert_id"]

	var body struct {
		By         string `json:"by"`
		Resolution string `json:"resolution"`
	}
	json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body)
	if body.By == "" {
		body.By = "api"
	}

	if err := s.service.Resolve(alertID, body.By, body.Resolution); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert_id":  alertID,
		"status":    model.AlertResolved,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	snapshot := s.catalog.GetSnapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": snapshot.Patterns,
		"count":    len(snapshot.Patterns),
		"version":  snapshot.Version,
	})
}

func (s *Server) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	report := s.service.SecurityMetrics(r.Context())
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.ready == nil || s.ready()
	patternsLoaded := len(s.catalog.GetSnapshot().Patterns) > 0

	status := "ready"
	statusCode := http.StatusOK
	if !ready || !patternsLoaded {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"status":          status,
		"patterns_loaded": patternsLoaded,
		"timestamp":       time.Now().UTC(),
	})
}

func limitAlerts(alerts []*model.ActiveAlert, limitStr string) []*model.ActiveAlert {
	if limitStr == "" {
		return alerts
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit < len(alerts) {
		return alerts[:limit]
	}
	return alerts
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
