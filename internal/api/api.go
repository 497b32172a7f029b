package api

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/growlab/grow-controller/db"
	"github.com/growlab/grow-controller/internal/config"
	"github.com/growlab/grow-controller/internal/controlloop"
	"github.com/growlab/grow-controller/internal/policy"
	"github.com/growlab/grow-controller/internal/scheduler"
	"github.com/growlab/grow-controller/internal/sensorhub"
	"github.com/growlab/grow-controller/internal/state"
)

// Server is the operator surface: state queries, the abort switch, raw
// firmware commands, and config reload. It never actuates hardware itself;
// everything it does is observed by the control loop on its next tick.
type Server struct {
	cfg     *config.Manager
	loop    *controlloop.Loop
	hub     *sensorhub.Hub
	ctrl    *state.ControlState
	policy  *policy.Policy
	sched   *scheduler.Scheduler
	journal *sql.DB
}

type AbortRequest struct {
	Abort bool `json:"abort_mode"`
}

type CommandRequest struct {
	Command string `json:"command"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(cfg *config.Manager, loop *controlloop.Loop, hub *sensorhub.Hub,
	ctrl *state.ControlState, pol *policy.Policy, sched *scheduler.Scheduler, journal *sql.DB) *Server {
	return &Server{
		cfg:     cfg,
		loop:    loop,
		hub:     hub,
		ctrl:    ctrl,
		policy:  pol,
		sched:   sched,
		journal: journal,
	}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/state", s.getState).Methods(http.MethodGet)
	r.HandleFunc("/api/abort", s.setAbort).Methods(http.MethodPut)
	r.HandleFunc("/api/command", s.sendCommand).Methods(http.MethodPost)
	r.HandleFunc("/api/config/reload", s.reloadConfig).Methods(http.MethodPost)
	r.HandleFunc("/api/plants/{id}/water", s.forceWater).Methods(http.MethodPost)
	r.HandleFunc("/api/batches", s.listBatches).Methods(http.MethodGet)
	r.HandleFunc("/api/batches/{id}/deliveries", s.listDeliveries).Methods(http.MethodGet)
	return r
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting REST API server")
	return http.ListenAndServe(addr, s.Router())
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) setAbort(w http.ResponseWriter, r *http.Request) {
	var req AbortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.ctrl.SetAbort(req.Abort)
	s.writeJSON(w, http.StatusOK, map[string]bool{"abort_mode": req.Abort})
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.hub.SendRaw(req.Command); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// reloadConfig re-reads the config file and, if it validates, pushes the new
// sensor table, schedule, and plant set. A rejected file changes nothing.
func (s *Server) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Reload(); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	active := s.cfg.Active()

	if err := s.hub.ApplyConfig(active.SensorHub); err != nil {
		log.Error().Err(err).Msg("Failed to reapply sensor config after reload")
	}
	if err := s.sched.ReplaceAll(active.Event.ScheduledEvents); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.loop.ReloadPlants()

	log.Info().Msg("Configuration reloaded")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) forceWater(w http.ResponseWriter, r *http.Request) {
	plantID := mux.Vars(r)["id"]
	if _, ok := s.cfg.Active().Plants[plantID]; !ok {
		s.writeError(w, http.StatusNotFound, "Unknown plant: "+plantID)
		return
	}
	s.policy.Force(plantID)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "plant": plantID})
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	records, err := db.ListBatches(s.journal, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid batch id")
		return
	}
	records, err := db.ListDeliveries(s.journal, batchID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
