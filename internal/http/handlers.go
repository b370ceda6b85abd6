package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/field-dispatch/internal/assignment"
	"github.com/example/field-dispatch/internal/dispatch"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/route"
	"github.com/example/field-dispatch/internal/storage"
)

type Server struct {
	Engine    *assignment.Engine
	Store     storage.DispatchStore
	Workers   geo.Index
	Optimizer *route.Optimizer
	Kafka     *ingest.KafkaProducer
	WSReg     *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *assignment.Engine, store storage.DispatchStore, workers geo.Index, optimizer *route.Optimizer, kafka *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine:    engine,
		Store:     store,
		Workers:   workers,
		Optimizer: optimizer,
		Kafka:     kafka,
		WSReg:     wsreg,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/jobs", s.handleCreateJob).Methods("POST")
	s.mux.HandleFunc("/internal/worker/locations", s.handleWorkerLocation).Methods("POST")

	s.mux.HandleFunc("/api/v1/offers/{offer_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{offer_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/batch-accept", s.handleBatchAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers/{worker_id}/offers", s.handleWorkerOffers).Methods("GET")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/offers", s.handleOfferHistory).Methods("GET")
	s.mux.HandleFunc("/api/v1/routes/optimize", s.handleOptimizeRoute).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{worker_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createJobRequest struct {
	ID            string       `json:"id"`
	Loc           models.Coord `json:"loc"`
	Specialty     string       `json:"specialty"`
	Urgent        bool         `json:"urgent"`
	PriceEstimate float64      `json:"price_estimate"`
	MaxRadiusM    float64      `json:"max_radius_m"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Specialty == "" {
		writeError(w, http.StatusBadRequest, "specialty is required")
		return
	}
	if !geo.ValidCoord(req.Loc) {
		writeError(w, http.StatusBadRequest, "invalid job coordinates")
		return
	}
	job := &models.Job{
		ID:            req.ID,
		Loc:           req.Loc,
		Specialty:     req.Specialty,
		Urgent:        req.Urgent,
		PriceEstimate: req.PriceEstimate,
		MaxRadiusM:    req.MaxRadiusM,
	}
	offer, err := s.Engine.RegisterJob(r.Context(), job)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": job.ID, "offer": offer})
}

func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	var wk models.Worker
	if err := json.NewDecoder(r.Body).Decode(&wk); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if wk.ID == "" || !geo.ValidCoord(wk.Loc) {
		writeError(w, http.StatusBadRequest, "worker id and valid coordinates required")
		return
	}
	// publish to kafka if configured
	if s.Kafka != nil {
		_ = s.Kafka.PublishLocation(wk)
	}
	prev, known := s.Workers.Get(wk.ID)
	s.Workers.Upsert(wk)
	// gauge moves only on shift transitions, repeats are no-ops
	switch {
	case wk.OnShift && (!known || !prev.OnShift):
		observability.WorkersOnShift.Inc()
	case !wk.OnShift && known && prev.OnShift:
		observability.WorkersOnShift.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

type actionRequest struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	offerID := mux.Vars(r)["offer_id"]
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	offer, err := s.Engine.Accept(r.Context(), offerID, req.WorkerID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	offerID := mux.Vars(r)["offer_id"]
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	if err := s.Engine.Reject(r.Context(), offerID, req.WorkerID, req.Reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchAcceptRequest struct {
	WorkerID string   `json:"worker_id"`
	OfferIDs []string `json:"offer_ids"`
}

func (s *Server) handleBatchAccept(w http.ResponseWriter, r *http.Request) {
	var req batchAcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkerID == "" || len(req.OfferIDs) == 0 {
		writeError(w, http.StatusBadRequest, "worker_id and offer_ids are required")
		return
	}
	res := s.Engine.BatchAccept(r.Context(), req.OfferIDs, req.WorkerID)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWorkerOffers(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]
	status := models.OfferStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.OfferPending, models.OfferAccepted, models.OfferRejected, models.OfferExpired:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	offers, err := s.Store.OffersByWorker(r.Context(), workerID, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleOfferHistory(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, err := s.Store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	offers, err := s.Store.OffersByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": job.Status, "offers": offers})
}

type optimizeRouteRequest struct {
	WorkerID string        `json:"worker_id"`
	JobIDs   []string      `json:"job_ids"`
	Start    *models.Coord `json:"start,omitempty"`
}

func (s *Server) handleOptimizeRoute(w http.ResponseWriter, r *http.Request) {
	var req optimizeRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, ok := s.resolveStart(req)
	if len(req.JobIDs) == 0 {
		// empty job set is a trivial result, not an error
		writeJSON(w, http.StatusOK, s.Optimizer.Plan(start, nil))
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "no start location: pass start or report the worker's location first")
		return
	}

	stops := make([]route.Stop, 0, len(req.JobIDs))
	for _, id := range req.JobIDs {
		job, err := s.Store.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found: "+id)
			return
		}
		if !geo.ValidCoord(job.Loc) {
			writeError(w, http.StatusBadRequest, "job has no usable coordinates: "+id)
			return
		}
		stops = append(stops, route.Stop{JobID: job.ID, Loc: job.Loc})
	}

	plan := s.Optimizer.Plan(start, stops)
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) resolveStart(req optimizeRouteRequest) (models.Coord, bool) {
	if req.Start != nil {
		return *req.Start, geo.ValidCoord(*req.Start)
	}
	if req.WorkerID != "" {
		if wk, found := s.Workers.Get(req.WorkerID); found {
			return wk.Loc, true
		}
	}
	return models.Coord{}, false
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["worker_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own HTTP error
		s.logger.Warn("ws upgrade failed", "worker_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assignment.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, assignment.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("engine error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
