package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/logger"

	"github.com/foodshare/fulfillment/internal/assignment"
	"github.com/foodshare/fulfillment/internal/batching"
	"github.com/foodshare/fulfillment/internal/config"
	"github.com/foodshare/fulfillment/internal/middleware"
	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/otp"
	"github.com/foodshare/fulfillment/internal/service"
)

// Services are the operations the REST surface exposes.
type Services struct {
	Coordinator *service.Coordinator
	Assignments *assignment.Service
	Batches     *assignment.BatchService
	Batching    *batching.Engine
	Codes       *otp.Service
}

type Server struct {
	svc      Services
	user     string
	password string
	addr     string
}

func NewServer(svc Services, cfg *config.Config) *Server {
	return &Server{
		svc:      svc,
		user:     cfg.Username,
		password: cfg.Password,
		addr:     cfg.Addr(),
	}
}

var mutating = []string{http.MethodPost, http.MethodDelete}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.handleWith(mux, "POST /foods", s.handleCreateFood)
	s.handleWith(mux, "GET /foods/{id}", s.handleGetFood)
	s.handleWith(mux, "GET /campaigns/{campaignID}/foods", s.handleListFoods)

	s.handleWith(mux, "POST /foods/{id}/request", s.handleRequestFood)
	s.handleWith(mux, "POST /foods/{id}/accept", s.handleAcceptFood)
	s.handleWith(mux, "POST /foods/{id}/decline", s.handleDeclineFood)
	s.handleWith(mux, "POST /foods/{id}/pickup-code", s.handleIssueCode(models.PurposePickup))
	s.handleWith(mux, "POST /foods/{id}/delivery-code", s.handleIssueCode(models.PurposeDelivery))
	s.handleWith(mux, "POST /foods/{id}/verify-pickup", s.handleVerifyCode(models.PurposePickup))
	s.handleWith(mux, "POST /foods/{id}/verify-delivery", s.handleVerifyCode(models.PurposeDelivery))

	s.handleWith(mux, "POST /campaigns/{campaignID}/batches", s.handleGenerateBatches)
	s.handleWith(mux, "GET /campaigns/{campaignID}/batches", s.handleListBatches)
	s.handleWith(mux, "GET /batches/{id}", s.handleGetBatch)
	s.handleWith(mux, "DELETE /batches/{id}", s.handleDissolveBatch)
	s.handleWith(mux, "POST /batches/{id}/request", s.handleRequestBatch)
	s.handleWith(mux, "POST /batches/{id}/accept", s.handleAcceptBatch)
	s.handleWith(mux, "POST /batches/{id}/decline", s.handleDeclineBatch)

	s.handleWith(mux, "GET /campaigns/{campaignID}/volunteers", s.handleListVolunteers)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warningf("server shutdown: %v", err)
		}
	}()

	logger.Infof("Server listen on %s...", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWith(mux *http.ServeMux, pattern string, handlerFunc http.HandlerFunc) {
	finalHandler := middleware.LogMiddleware(mutating...)(
		middleware.BasicAuthMiddleware(s.user, s.password, mutating...)(
			handlerFunc,
		),
	)
	mux.Handle(pattern, finalHandler)
}

type volunteerBody struct {
	VolunteerID string `json:"volunteer_id"`
}

type verifyBody struct {
	Code        string `json:"code"`
	VolunteerID string `json:"volunteer_id"`
}

type batchView struct {
	Batch *models.Batch      `json:"batch"`
	Items []*models.FoodItem `json:"items"`
}

func (s *Server) handleCreateFood(w http.ResponseWriter, r *http.Request) {
	var in service.NewFood
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad JSON")
		return
	}
	f, err := s.svc.Coordinator.CreateFood(r.Context(), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleGetFood(w http.ResponseWriter, r *http.Request) {
	f, err := s.svc.Coordinator.GetFood(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleListFoods(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter models.FoodFilter
	if v := q.Get("status"); v != "" {
		st, err := models.ParseFoodStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &st
	}
	filter.Search = q.Get("search")
	var err error
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "bad offset")
		return
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "bad limit")
		return
	}
	foods, err := s.svc.Coordinator.ListFoods(r.Context(), r.PathValue("campaignID"), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, foods)
}

func (s *Server) handleRequestFood(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeVolunteer(w, r)
	if !ok {
		return
	}
	req, err := s.svc.Assignments.RequestAssignment(r.Context(), r.PathValue("id"), body.VolunteerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleAcceptFood(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeVolunteer(w, r)
	if !ok {
		return
	}
	f, err := s.svc.Assignments.Accept(r.Context(), r.PathValue("id"), body.VolunteerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeclineFood(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeVolunteer(w, r)
	if !ok {
		return
	}
	f, err := s.svc.Assignments.Decline(r.Context(), r.PathValue("id"), body.VolunteerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleIssueCode(purpose models.CodePurpose) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, err := s.svc.Codes.Issue(r.Context(), r.PathValue("id"), purpose)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"code": code, "purpose": string(purpose)})
	}
}

func (s *Server) handleVerifyCode(purpose models.CodePurpose) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body verifyBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
			writeError(w, http.StatusBadRequest, "code is required")
			return
		}
		f, err := s.svc.Codes.Verify(r.Context(), r.PathValue("id"), purpose, body.Code, body.VolunteerID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}

func (s *Server) handleGenerateBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.svc.Batching.GenerateBatches(r.Context(), r.PathValue("campaignID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	code := http.StatusCreated
	if len(batches) == 0 {
		code = http.StatusOK
	}
	writeJSON(w, code, batches)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.svc.Batches.List(r.Context(), r.PathValue("campaignID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if batches == nil {
		batches = []*models.Batch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, items, err := s.svc.Batches.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchView{Batch: b, Items: items})
}

func (s *Server) handleDissolveBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Batching.DissolveBatch(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeVolunteer(w, r)
	if !ok {
		return
	}
	req, err := s.svc.Batches.RequestAssignment(r.Context(), r.PathValue("id"), body.VolunteerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleAcceptBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeVolunteer(w, r)
	if !ok {
		return
	}
	b, items, err := s.svc.Batches.Accept(r.Context(), r.PathValue("id"), body.VolunteerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchView{Batch: b, Items: items})
}

func (s *Server) handleDeclineBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeVolunteer(w, r)
	if !ok {
		return
	}
	b, err := s.svc.Batches.Decline(r.Context(), r.PathValue("id"), body.VolunteerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListVolunteers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	vs, err := s.svc.Coordinator.ListAvailableVolunteers(r.Context(), r.PathValue("campaignID"), q.Get("food_id"), q.Get("batch_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

func decodeVolunteer(w http.ResponseWriter, r *http.Request) (volunteerBody, bool) {
	var body volunteerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.VolunteerID == "" {
		writeError(w, http.StatusBadRequest, "volunteer_id is required")
		return body, false
	}
	return body, true
}

func intParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrInvalidCode), errors.Is(err, models.ErrCapacityMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrAlreadyVerified):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		logger.Errorf("internal error: %v", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warningf("encode response: %v", err)
	}
}
