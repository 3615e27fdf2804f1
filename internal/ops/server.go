// Package ops serves the operator HTTP surface: status and diagnostics
// reports, scale commands, a manual restart trigger and a live event stream.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/scalelink/internal/diagnostics"
	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/monitor"
	"github.com/chaz8081/scalelink/internal/recovery"
	"github.com/chaz8081/scalelink/internal/supervisor"
)

// Controller is the supervisor surface the server drives.
type Controller interface {
	IsReady() bool
	IsConnected() bool
	IsConnecting() bool
	ConnectedDeviceName() string
	CurrentWeight() float64
	IsWeightStable() bool
	ConnectionStatus() string
	DetailedStatus() string
	DiagnosticInfo() string
	ConnectToDevice(address, name string) error
	Disconnect() error
	Tare() error
	RestartService() error
}

// DeviceRecorder tracks the scale an operator asked for. A requested scale
// is persisted only once it connects.
type DeviceRecorder interface {
	Expect(address, name string)
	CancelExpected()
	Clear() error
}

type (
	Reporter       interface{ Generate(ctx context.Context) diagnostics.Report }
	HealthReporter interface{ Report() monitor.HealthReport }
	RecoveryStatus interface{ Status() recovery.Status }
)

// Deps are the components behind the routes.
type Deps struct {
	Controller  Controller
	Diagnostics Reporter
	Health      HealthReporter
	Recovery    RecoveryStatus
	Devices     DeviceRecorder
	Hub         *Hub
}

// Server routes operator requests.
type Server struct {
	router   *mux.Router
	deps     Deps
	upgrader websocket.Upgrader
	log      logger.Logger
}

// NewServer builds the router. Hub may be nil, which disables /events.
func NewServer(deps Deps, log logger.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: log.WithComponent("ops"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/status/detailed", s.handleDetailedStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/diagnostics", s.handleDiagnostics).Methods(http.MethodGet)
	s.router.HandleFunc("/diagnostics/manager", s.handleManagerDiagnostics).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/recovery", s.handleRecovery).Methods(http.MethodGet)

	s.router.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	s.router.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	s.router.HandleFunc("/tare", s.handleTare).Methods(http.MethodPost)
	s.router.HandleFunc("/restart", s.handleRestart).Methods(http.MethodPost)

	if s.deps.Hub != nil {
		s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Ready      bool            `json:"ready"`
	Status     string          `json:"status"`
	Connected  bool            `json:"connected"`
	Connecting bool            `json:"connecting"`
	DeviceName string          `json:"device_name,omitempty"`
	Weight     float64         `json:"weight"`
	Stable     bool            `json:"stable"`
	Recovery   *RecoverySample `json:"recovery,omitempty"`
}

// RecoverySample is the recovery engine's state at request time.
type RecoverySample struct {
	ConsecutiveErrors int    `json:"consecutive_errors"`
	Strategy          string `json:"strategy"`
	Health            string `json:"health"`
}

// ConnectRequest is the body of POST /connect.
type ConnectRequest struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type errorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.deps.Controller.IsReady() {
		writeError(w, "transport not ready", http.StatusServiceUnavailable)
		return
	}
	writeText(w, "ok\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	c := s.deps.Controller
	resp := StatusResponse{
		Ready:      c.IsReady(),
		Status:     c.ConnectionStatus(),
		Connected:  c.IsConnected(),
		Connecting: c.IsConnecting(),
		DeviceName: c.ConnectedDeviceName(),
		Weight:     c.CurrentWeight(),
		Stable:     c.IsWeightStable(),
	}
	if s.deps.Recovery != nil {
		st := s.deps.Recovery.Status()
		resp.Recovery = &RecoverySample{
			ConsecutiveErrors: st.ConsecutiveErrors,
			Strategy:          st.CurrentStrategy.String(),
			Health:            st.Health.String(),
		}
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleDetailedStatus(w http.ResponseWriter, _ *http.Request) {
	writeText(w, s.deps.Controller.DetailedStatus())
}

func (s *Server) handleManagerDiagnostics(w http.ResponseWriter, _ *http.Request) {
	writeText(w, s.deps.Controller.DiagnosticInfo())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Diagnostics == nil {
		writeError(w, "diagnostics unavailable", http.StatusNotFound)
		return
	}

	report := s.deps.Diagnostics.Generate(r.Context())
	if r.URL.Query().Get("format") == "json" {
		s.writeJSON(w, map[string]any{
			"score":           report.Score,
			"overall":         report.Overall.String(),
			"recommendations": report.Recommendations,
		})
		return
	}
	writeText(w, report.String())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		writeError(w, "health monitor unavailable", http.StatusNotFound)
		return
	}
	writeText(w, s.deps.Health.Report().String())
}

func (s *Server) handleRecovery(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Recovery == nil {
		writeError(w, "recovery engine unavailable", http.StatusNotFound)
		return
	}
	writeText(w, s.deps.Recovery.Status().String())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Address == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}

	if s.deps.Devices != nil {
		s.deps.Devices.Expect(req.Address, req.Name)
	}
	if err := s.deps.Controller.ConnectToDevice(req.Address, req.Name); err != nil {
		if s.deps.Devices != nil {
			s.deps.Devices.CancelExpected()
		}
		s.commandFailed(w, "connect", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Controller.Disconnect(); err != nil {
		s.commandFailed(w, "disconnect", err)
		return
	}

	if s.deps.Devices != nil {
		if err := s.deps.Devices.Clear(); err != nil {
			s.log.Warn().Err(err).Msg("clear saved device")
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTare(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Controller.Tare(); err != nil {
		s.commandFailed(w, "tare", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	err := s.deps.Controller.RestartService()
	if errors.Is(err, supervisor.ErrRestartInFlight) {
		writeError(w, "restart already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		s.commandFailed(w, "restart", err)
		return
	}
	s.log.Info().Msg("restart requested by operator")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade events stream")
		return
	}
	s.deps.Hub.Attach(conn)
}

func (s *Server) commandFailed(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, supervisor.ErrNotReady) {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Error().Err(err).Str("op", op).Msg("command failed")
	writeError(w, err.Error(), http.StatusBadGateway)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(errorResponse{Message: message, Status: statusCode}); err != nil {
		http.Error(w, "Failed to encode error response", http.StatusInternalServerError)
	}
}
