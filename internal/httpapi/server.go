package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/antoniostano/teleagent/internal/booking"
	"github.com/antoniostano/teleagent/internal/calls"
	"github.com/antoniostano/teleagent/internal/config"
	"github.com/antoniostano/teleagent/internal/memory"
	"github.com/antoniostano/teleagent/internal/observability"
)

// Deps are the components served by the API. A nil Booking store leaves the
// booking REST routes unmounted; a nil Calls manager does the same for call
// control.
type Deps struct {
	Booking       booking.Store
	BookingMode   string
	Calls         *calls.Manager
	Runner        CallRunner
	History       memory.Store
	ModelProvider string
	Metrics       *observability.Metrics
	Logger        logrus.FieldLogger
}

type Server struct {
	cfg      config.Config
	deps     Deps
	metrics  *observability.Metrics
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
	started  time.Time
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		log:     logger,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin or allow-listed pages may drive a call's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients (callsim) omit Origin.
					return true
				}
				if originAllowed(cfg.AllowedOrigins, origin) {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.cors)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "Endpoint non trovato",
			"path":    r.URL.Path,
		})
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	if s.deps.Booking != nil {
		r.Get("/health", s.handleBookingHealth)
		r.Route("/api", func(r chi.Router) {
			r.Get("/slots/available", s.handleAvailableSlots)
			r.Get("/slots/range", s.handleSlotsRange)
			r.Get("/slots/{date}", s.handleSlotsByDate)
			r.Post("/slots/generate", s.handleGenerateSlots)
			r.Post("/appointments", s.handleCreateAppointment)
			r.Get("/appointments/{id}", s.handleGetAppointment)
			r.Put("/appointments/{id}/cancel", s.handleCancelAppointment)
		})
	}

	if s.deps.Calls != nil {
		r.Get("/v1/contacts", s.handleListContacts)
		r.Post("/v1/calls", s.handleCreateCall)
		r.Get("/v1/calls/{id}", s.handleGetCall)
		r.Post("/v1/calls/{id}/hangup", s.handleHangupCall)
		r.Get("/v1/calls/{id}/ws", s.handleCallWS)
		if s.deps.History != nil {
			r.Get("/v1/contacts/{id}/history", s.handleContactHistory)
		}
	}

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":          "ok",
		"booking_backend": s.deps.BookingMode,
	}
	if s.deps.Calls != nil {
		payload["model_provider"] = s.deps.ModelProvider
		payload["active_calls"] = s.deps.Calls.ActiveCount()
	}
	respondJSON(w, http.StatusOK, payload)
}

// cors applies the origin allow-list to browser requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.cfg.AllowAnyOrigin && !originAllowed(s.cfg.AllowedOrigins, origin) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if strings.EqualFold(strings.TrimRight(o, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
