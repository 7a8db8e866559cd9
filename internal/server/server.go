package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/swapden/handover/internal/exchange"
	"github.com/swapden/handover/internal/geo"
	"github.com/swapden/handover/internal/metrics"
	"github.com/swapden/handover/internal/repository"
	"github.com/swapden/handover/internal/token"
)

type TokenService interface {
	Create(ctx context.Context, p token.CreateParams) (*repository.DeliveryToken, error)
	CreateSecure(ctx context.Context, p token.CreateSecureParams) (*repository.DeliveryToken, error)
	Get(ctx context.Context, tokenID string) (*repository.DeliveryToken, error)
	VerifyScan(ctx context.Context, tokenID string, scannerLat, scannerLon float64, pin string) (*token.ScanResult, error)
	VerifyScanPayload(ctx context.Context, payload string, scannerLat, scannerLon float64, pin string) (*token.ScanResult, error)
	ExtendValidity(ctx context.Context, tokenID string, additionalMinutes int) (time.Time, error)
	Cancel(ctx context.Context, tokenID, callerID, reason string) error
}

type ExchangeService interface {
	Request(ctx context.Context, p exchange.RequestParams) (*repository.Exchange, error)
	Get(ctx context.Context, exchangeID string) (*repository.Exchange, error)
	Tokens(ctx context.Context, exchangeID string) ([]*repository.DeliveryToken, error)
	Accept(ctx context.Context, exchangeID, callerID string, opts exchange.AcceptOptions) error
	Reject(ctx context.Context, exchangeID, callerID string) error
	RecoverPartial(ctx context.Context, exchangeID string, opts exchange.AcceptOptions) error
	ConfirmPayment(ctx context.Context, exchangeID string) error
	ConfirmReceipt(ctx context.Context, exchangeID, callerID string) error
}

type EvidenceProcessor interface {
	UploadEvidence(ctx context.Context, tokenID, callerID string, photo []byte) (*repository.DeliveryToken, error)
}

type UserRepo interface {
	ValidateUser(ctx context.Context, username, password string) (bool, error)
}

type Server struct {
	tokens       TokenService
	exchanges    ExchangeService
	evidence     EvidenceProcessor
	userRepo     UserRepo
	logger       *zap.Logger
	server       *http.Server
	AuditManager *AuditManager
}

func New(tokens TokenService, exchanges ExchangeService, evidence EvidenceProcessor, userRepo UserRepo, audit *AuditManager, logger *zap.Logger) *Server {
	return &Server{
		tokens:       tokens,
		exchanges:    exchanges,
		evidence:     evidence,
		userRepo:     userRepo,
		logger:       logger,
		AuditManager: audit,
	}
}

// Run starts the HTTP listener and blocks until it fails or Shutdown is
// called.
func (s *Server) Run(ctx context.Context, port string) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.AuditManager.Start(ctx)

	s.logger.Info("http server starting", zap.String("port", port))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.AuditManager.Shutdown(ctx)
	return nil
}

func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/").Subrouter()
	api.Use(s.auditLogMiddleware, s.basicAuthMiddleware)

	api.HandleFunc("/exchanges", s.handleRequestExchange).Methods(http.MethodPost)
	api.HandleFunc("/exchanges/{id}", s.handleGetExchange).Methods(http.MethodGet)
	api.HandleFunc("/exchanges/{id}/tokens", s.handleExchangeTokens).Methods(http.MethodGet)
	api.HandleFunc("/exchanges/{id}/accept", s.handleAcceptExchange).Methods(http.MethodPost)
	api.HandleFunc("/exchanges/{id}/reject", s.handleRejectExchange).Methods(http.MethodPost)
	api.HandleFunc("/exchanges/{id}/recover", s.handleRecoverExchange).Methods(http.MethodPost)
	api.HandleFunc("/exchanges/{id}/payment", s.handleConfirmPayment).Methods(http.MethodPost)
	api.HandleFunc("/exchanges/{id}/receipt", s.handleConfirmReceipt).Methods(http.MethodPost)

	api.HandleFunc("/tokens", s.handleCreateToken).Methods(http.MethodPost)
	api.HandleFunc("/tokens/secure", s.handleCreateSecureToken).Methods(http.MethodPost)
	api.HandleFunc("/tokens/scan", s.handleScanPayload).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{id}", s.handleGetToken).Methods(http.MethodGet)
	api.HandleFunc("/tokens/{id}/qr", s.handleTokenQR).Methods(http.MethodGet)
	api.HandleFunc("/tokens/{id}/scan", s.handleScanToken).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{id}/extend", s.handleExtendToken).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{id}/cancel", s.handleCancelToken).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{id}/evidence", s.handleUploadEvidence).Methods(http.MethodPost)

	return router
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		valid, err := s.userRepo.ValidateUser(r.Context(), username, password)
		if err != nil || !valid {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// callerID is the authenticated basic-auth username; the middleware rejected
// the request before the handler if it was missing or invalid.
func callerID(r *http.Request) string {
	username, _, _ := r.BasicAuth()
	return username
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError translates service sentinel errors into HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, operation string, err error) {
	switch {
	case errors.Is(err, repository.ErrObjectNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrUnauthorized):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, repository.ErrInvalidState):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrValidation), errors.Is(err, token.ErrBadPayload):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		metrics.OperationErrorsTotal.WithLabelValues(operation).Inc()
		s.logger.Error("operation failed", zap.String("operation", operation), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

type coordinates struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (c *coordinates) point() *geo.Point {
	if c == nil || c.Latitude == nil || c.Longitude == nil {
		return nil
	}
	return &geo.Point{Latitude: *c.Latitude, Longitude: *c.Longitude}
}
