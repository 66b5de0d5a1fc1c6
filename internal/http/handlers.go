package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ridepool/internal/allocation"
	"github.com/example/ridepool/internal/dispatch"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/queue"
)

const maxBody = 1 << 20

type Server struct {
	Queue *queue.Queue
	Log   allocation.Log
	WSReg *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(q *queue.Queue, log allocation.Log, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Queue: q, Log: log, WSReg: ws, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/pools", s.handleCreatePool).Methods("POST")
	s.mux.HandleFunc("/pools", s.handleListPools).Methods("GET")
	s.mux.HandleFunc("/pools/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/pools/{id}", s.handleGetPool).Methods("GET")
	s.mux.HandleFunc("/pools/{id}/reschedule", s.handleReschedule).Methods("POST")
	s.mux.HandleFunc("/pools/{id}/cancel", s.handleCancelPool).Methods("POST")
	s.mux.HandleFunc("/pools/{id}/history", s.handleHistory).Methods("GET")
	s.mux.HandleFunc("/pools/{id}/requests", s.handlePoolRequests).Methods("GET")

	s.mux.HandleFunc("/requests", s.handleSubmit).Methods("POST")
	s.mux.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")

	s.mux.HandleFunc("/riders", s.handleRegisterRider).Methods("POST")
	s.mux.HandleFunc("/riders/{id}", s.handleGetRider).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{rider_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type poolView struct {
	models.Pool
	SeatsLeft int `json:"seats_left"`
}

func viewOf(p models.Pool) poolView { return poolView{Pool: p, SeatsLeft: p.SeatsLeft()} }

type createPoolBody struct {
	DriverID  string        `json:"driverId"`
	Title     string        `json:"title"`
	Route     models.Route  `json:"route"`
	Window    models.Window `json:"window"`
	SeatCount int           `json:"seatCount"`
	FareCents int64         `json:"fareCents"`
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var body createPoolBody
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.Queue.CreatePool(r.Context(), models.PoolSpec{
		DriverID:  body.DriverID,
		Title:     body.Title,
		Route:     body.Route,
		Window:    body.Window,
		SeatCount: body.SeatCount,
		FareCents: body.FareCents,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"poolId": p.ID, "pool": viewOf(p)})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools := s.Queue.Pools.ListPools()
	out := make([]poolView, 0, len(pools))
	for _, p := range pools {
		out = append(out, viewOf(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.Queue.Pools.GetPool(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err := errors.Join(err1, err2); err != nil {
		s.writeError(w, r, fmt.Errorf("lat and lon required: %w", models.ErrInvalidConfig))
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("limit must be a positive integer: %w", models.ErrInvalidConfig))
			return
		}
		limit = n
	}
	pools, err := s.Queue.Nearby(r.Context(), lat, lon, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]poolView, 0, len(pools))
	for _, p := range pools {
		out = append(out, viewOf(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Window models.Window `json:"window"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.Queue.Reschedule(r.Context(), mux.Vars(r)["id"], body.Window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (s *Server) handleCancelPool(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Queue.CancelPool(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cancelled := []models.AllocationRecord{}
	for _, rec := range recs {
		if !rec.PoolLevel() {
			cancelled = append(cancelled, rec)
		}
	}
	if recs == nil {
		recs = []models.AllocationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled, "records": recs})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Queue.Pools.GetPool(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := allocation.Collect(s.Log.History(r.Context(), id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.AllocationRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handlePoolRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Queue.ListByPool(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

type submitBody struct {
	RiderID string        `json:"riderId"`
	PoolID  string        `json:"poolId"`
	Window  models.Window `json:"window"`
}

type decisionView struct {
	RequestID string                    `json:"requestId"`
	Status    models.RequestStatus      `json:"status"`
	Reason    models.Reason             `json:"reason,omitempty"`
	Records   []models.AllocationRecord `json:"records,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.Queue.Submit(r.Context(), body.RiderID, body.PoolID, body.Window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, decisionView{RequestID: res.Request.ID, Status: res.Request.Status, Reason: res.Request.Reason, Records: res.Records})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Queue.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	res, err := s.Queue.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionView{RequestID: res.Request.ID, Status: res.Request.Status, Reason: res.Request.Reason, Records: res.Records})
}

func (s *Server) handleRegisterRider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	prof, err := s.Queue.RegisterRider(r.Context(), body.ID, body.DisplayName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, prof)
}

func (s *Server) handleGetRider(w http.ResponseWriter, r *http.Request) {
	prof, err := s.Queue.Pools.GetRider(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

var upgrader = websocket.Upgrader{}

// handleWS streams decisions to a rider until the connection closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["rider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("decode body: %v: %w", err, models.ErrInvalidConfig))
		return false
	}
	return true
}

// statusOf maps an error to its HTTP status and taxonomy code.
func statusOf(err error) (int, string) {
	code := models.ErrorCode(err)
	switch code {
	case "InvalidConfig":
		return http.StatusBadRequest, code
	case "NotFound":
		return http.StatusNotFound, code
	case "TimeConflict", "InvalidTransition":
		return http.StatusConflict, code
	case "PaymentFailed":
		return http.StatusPaymentRequired, code
	case "StorageUnavailable":
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, status, map[string]string{"error": code, "message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
