package server

import (
	"embed"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/luhtfiimanal/serial-bridge/reading"
)

//go:embed static/index.html
var static embed.FS

const maxBody = 4 << 10

// Health is the body of GET /healthz.
type Health struct {
	Status            string   `json:"status"`
	DeviceState       string   `json:"device_state"`
	DeviceError       string   `json:"device_error,omitempty"`
	Degraded          bool     `json:"degraded"`
	Subscribers       int      `json:"subscribers"`
	LastReadingAgeSec *float64 `json:"last_reading_age_sec"`
}

// QueryHandler returns the point-query API with CORS, panic recovery and
// access logging applied.
func (s *Server) QueryHandler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.countRoute)

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/bin_status_reports", s.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/bin_status_reports", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/bin_status_reports/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/realtime_bin_status", s.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(false),
	)(h)
	return handlers.CustomLoggingHandler(io.Discard, h, s.accessLog)
}

func (s *Server) accessLog(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Debug("request",
		zap.String("method", p.Request.Method),
		zap.String("path", p.URL.Path),
		zap.Int("code", p.StatusCode),
		zap.Int("size", p.Size),
		zap.String("remote", p.Request.RemoteAddr))
}

func (s *Server) countRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				s.metrics.Query(tpl)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, reading.ToMessage(s.hub.Latest()))
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var m reading.Message
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&m); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rd, err := reading.FromMessage(m, s.now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.hub.Publish(rd)
	s.logger.Info("reading posted",
		zap.Float64("distance", rd.Distance),
		zap.String("bin_status", rd.BinStatus),
		zap.String("remote", r.RemoteAddr))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recent := s.hub.Recent(limit)
	out := make([]reading.Message, 0, len(recent))
	for _, rd := range recent {
		out = append(out, reading.ToMessage(rd))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.status()
	h := Health{
		Status:      "ok",
		DeviceState: st.DeviceState,
		Degraded:    st.Degraded,
		Subscribers: s.hub.Len(),
	}
	if st.DeviceError != nil {
		h.DeviceError = st.DeviceError.Error()
	}
	if !st.Connected || st.Degraded {
		h.Status = "degraded"
	}
	if latest := s.hub.Latest(); latest.Known() {
		age := s.now().Sub(latest.ObservedAt).Seconds()
		h.LastReadingAgeSec = &age
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
